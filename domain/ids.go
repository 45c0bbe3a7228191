package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Address identifies a principal: an actor, a condition implementation, a
// template orchestrator or an escrow holding account.
type Address string

// ZeroAddress is never a valid receiver.
const ZeroAddress Address = ""

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return strings.TrimSpace(string(a)) == ""
}

func (a Address) String() string { return string(a) }

// Hash is a Keccak-256 digest used for agreement and condition identifiers.
type Hash [32]byte

// Hex renders the hash as a 0x-prefixed lowercase hex string.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string { return h.Hex() }

// IsZero reports whether every byte of the hash is zero.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 0x-prefixed (or bare) 64 character hex string.
func ParseHash(raw string) (Hash, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(s) != 64 {
		return Hash{}, fmt.Errorf("domain: hash must be 32 bytes, got %d hex chars", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("domain: decode hash: %w", err)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// MustParseHash is ParseHash for constants and tests.
func MustParseHash(raw string) Hash {
	h, err := ParseHash(raw)
	if err != nil {
		panic(err)
	}
	return h
}

// HashValues digests typed values into a single hash. Every value is tagged
// and length prefixed so distinct parameter lists never share an encoding.
// Supported types: Address, []Address, Hash, []Hash, *big.Int, []*big.Int,
// string, uint64, bool.
func HashValues(values ...any) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, v := range values {
		writeValue(d, v)
	}
	var out Hash
	copy(out[:], d.Sum(nil))
	return out
}

// ConditionID derives the registry identifier of a condition instance from
// the agreement it belongs to and the hash of its typed parameters.
func ConditionID(agreementID, contentHash Hash) Hash {
	return HashValues(agreementID, contentHash)
}

// AgreementID binds a caller supplied seed to its creator so two creators
// using the same seed never collide.
func AgreementID(seed Hash, creator Address) Hash {
	return HashValues(seed, creator)
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

const (
	tagAddress byte = iota + 1
	tagHash
	tagInt
	tagString
	tagUint
	tagBool
	tagList
)

func writeValue(w byteWriter, v any) {
	switch val := v.(type) {
	case Address:
		writeBytes(w, tagAddress, []byte(val))
	case Hash:
		writeBytes(w, tagHash, val[:])
	case *big.Int:
		if val == nil {
			val = new(big.Int)
		}
		writeBytes(w, tagInt, val.Bytes())
	case string:
		writeBytes(w, tagString, []byte(val))
	case uint64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], val)
		writeBytes(w, tagUint, buf[:])
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		writeBytes(w, tagBool, []byte{b})
	case []Address:
		writeLen(w, tagList, len(val))
		for _, item := range val {
			writeValue(w, item)
		}
	case []Hash:
		writeLen(w, tagList, len(val))
		for _, item := range val {
			writeValue(w, item)
		}
	case []*big.Int:
		writeLen(w, tagList, len(val))
		for _, item := range val {
			writeValue(w, item)
		}
	default:
		panic(fmt.Sprintf("domain: unsupported hash value %T", v))
	}
}

func writeBytes(w byteWriter, tag byte, b []byte) {
	writeLen(w, tag, len(b))
	_, _ = w.Write(b)
}

func writeLen(w byteWriter, tag byte, n int) {
	var buf [9]byte
	buf[0] = tag
	binary.BigEndian.PutUint64(buf[1:], uint64(n))
	_, _ = w.Write(buf[:])
}
