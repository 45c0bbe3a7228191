package domain

import "math/big"

// ConditionState is the lifecycle of a condition instance.
type ConditionState uint8

const (
	ConditionUninitialized ConditionState = iota
	ConditionUnfulfilled
	ConditionFulfilled
	ConditionAborted
)

func (s ConditionState) String() string {
	switch s {
	case ConditionUninitialized:
		return "uninitialized"
	case ConditionUnfulfilled:
		return "unfulfilled"
	case ConditionFulfilled:
		return "fulfilled"
	case ConditionAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s ConditionState) Terminal() bool {
	return s == ConditionFulfilled || s == ConditionAborted
}

// Condition is one registry entry. TimeLock and TimeOut are absolute host
// clock instants, zero meaning unbounded.
type Condition struct {
	ID            Hash
	TypeRef       Address
	State         ConditionState
	TimeLock      uint64
	TimeOut       uint64
	CreatedBy     Address
	CreatedAt     uint64
	LastUpdatedBy Address
	LastUpdatedAt uint64
}

// TimeLocked reports whether fulfillment is still premature at now.
func (c Condition) TimeLocked(now uint64) bool {
	return c.TimeLock > 0 && now < c.TimeLock
}

// TimedOut reports whether the abort deadline has passed at now.
func (c Condition) TimedOut(now uint64) bool {
	return c.TimeOut > 0 && now > c.TimeOut
}

// Agreement binds a resource to the condition instances a template created.
type Agreement struct {
	ID            Hash
	ResourceID    Hash
	ResourceOwner Address
	TemplateID    Address
	Creator       Address
	ConditionIDs  []Hash
	LastUpdatedBy Address
	LastUpdatedAt uint64
}

// TemplateState is the approval lifecycle of an orchestrator.
type TemplateState uint8

const (
	TemplateUninitialized TemplateState = iota
	TemplateProposed
	TemplateApproved
	TemplateRevoked
)

func (s TemplateState) String() string {
	switch s {
	case TemplateUninitialized:
		return "uninitialized"
	case TemplateProposed:
		return "proposed"
	case TemplateApproved:
		return "approved"
	case TemplateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Template records an orchestrator and the ordered condition types every
// agreement it creates must carry.
type Template struct {
	ID             Address
	State          TemplateState
	Owner          Address
	ConditionTypes []Address
	LastUpdatedBy  Address
	LastUpdatedAt  uint64
}

// Resource is an entry of the resource (DID) registry.
type Resource struct {
	ID           Hash
	Owner        Address
	Creator      Address
	RoyaltyPPM   uint64
	URL          string
	RegisteredAt uint64
}

// Lock records value moved into escrow by a fulfilled lock payment condition.
type Lock struct {
	ConditionID Hash
	AgreementID Hash
	Escrow      Address
	Asset       Address
	Payer       Address
	Amount      *big.Int
	Released    bool
	ReleasedBy  Address
	ReleasedAt  uint64
}

// Permission is an access grant produced by an access condition.
type Permission struct {
	ResourceID  Hash
	Grantee     Address
	AgreementID Hash
	GrantedAt   uint64
}

// Execution records a compute trigger produced by a compute condition.
type Execution struct {
	ResourceID  Hash
	Consumer    Address
	AgreementID Hash
	TriggeredAt uint64
}

// EventType enumerates append-only engine events.
type EventType string

const (
	EventConditionCreated   EventType = "CONDITION_CREATED"
	EventConditionFulfilled EventType = "CONDITION_FULFILLED"
	EventConditionAborted   EventType = "CONDITION_ABORTED"
	EventAgreementCreated   EventType = "AGREEMENT_CREATED"
	EventTemplateProposed   EventType = "TEMPLATE_PROPOSED"
	EventTemplateApproved   EventType = "TEMPLATE_APPROVED"
	EventTemplateRevoked    EventType = "TEMPLATE_REVOKED"
	EventEscrowReleased     EventType = "ESCROW_RELEASED"
	EventEscrowRefunded     EventType = "ESCROW_REFUNDED"
)

// Event is an immutable business event. Seq is assigned by the store.
type Event struct {
	Seq         int64
	Type        EventType
	AgreementID Hash
	ConditionID Hash
	Actor       Address
	Payload     map[string]any
	RecordedAt  uint64
}

// OutboxStatus tracks delivery of an outbox message.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxProcessed OutboxStatus = "processed"
	OutboxDead      OutboxStatus = "dead"
)

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID       string
	Topic    string
	Payload  map[string]any
	Status   OutboxStatus
	Attempts int
}

const (
	TopicConditionFulfilled = "condition.fulfilled"
	TopicConditionAborted   = "condition.aborted"
	TopicAgreementCreated   = "agreement.created"
	TopicEscrowReleased     = "escrow.released"
	TopicEscrowRefunded     = "escrow.refunded"
)
