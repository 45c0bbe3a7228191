package template

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDecodeDefinitions(t *testing.T) {
	defs, err := DecodeDefinitions(`
[[template]]
name = "data_sales"
conditions = ["lock_payment", " access ", "escrow_payment"]

[[template]]
name = "held"
address = "0xheld"
conditions = ["nft_holder"]
approve = false
`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Address != "template:data_sales" || !defs[0].Approve {
		t.Fatalf("unexpected defaults: %+v", defs[0])
	}
	if defs[0].Conditions[1] != "access" {
		t.Fatalf("expected trimmed condition, got %q", defs[0].Conditions[1])
	}
	if defs[1].Address != "0xheld" || defs[1].Approve {
		t.Fatalf("unexpected overrides: %+v", defs[1])
	}
}

func TestDecodeDefinitionsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing name": `[[template]]
conditions = ["access"]`,
		"no conditions": `[[template]]
name = "x"`,
		"duplicate": `[[template]]
name = "x"
conditions = ["access"]
[[template]]
name = "x"
conditions = ["access"]`,
		"bad toml": `[[template`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeDefinitions(data); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadDefinitionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.toml")
	data := "[[template]]\nname = \"compute\"\nconditions = [\"lock_payment\", \"compute_execution\", \"escrow_payment\"]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 1 || len(defs[0].Conditions) != 3 {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	if _, err := LoadDefinitions(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
