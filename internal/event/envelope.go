package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for lifecycle events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDefaultDetected
	EventTypeDefaultInconsistent
	EventTypePolicyIssued
	EventTypePolicyExpired
	EventTypePolicyCancelled
	EventTypeClaimApproved
	EventTypeClaimRejected
	EventTypeClaimEscrowed
	EventTypeClaimDisputed
	EventTypeClaimSettled
	EventTypeClaimSettlementFailed
	EventTypeClaimCancelled
)

func (et EventType) String() string {
	switch et {
	case EventTypeDefaultDetected:
		return "DefaultDetected"
	case EventTypeDefaultInconsistent:
		return "DefaultInconsistent"
	case EventTypePolicyIssued:
		return "PolicyIssued"
	case EventTypePolicyExpired:
		return "PolicyExpired"
	case EventTypePolicyCancelled:
		return "PolicyCancelled"
	case EventTypeClaimApproved:
		return "ClaimApproved"
	case EventTypeClaimRejected:
		return "ClaimRejected"
	case EventTypeClaimEscrowed:
		return "ClaimEscrowed"
	case EventTypeClaimDisputed:
		return "ClaimDisputed"
	case EventTypeClaimSettled:
		return "ClaimSettled"
	case EventTypeClaimSettlementFailed:
		return "ClaimSettlementFailed"
	case EventTypeClaimCancelled:
		return "ClaimCancelled"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String. Unknown names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	for et := EventTypeDefaultDetected; et <= EventTypeClaimCancelled; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

// Lifecycle is an immutable record of one step in the default → claim →
// settlement flow. It is published outbound and written to the audit log.
type Lifecycle struct {
	ID        uuid.UUID `json:"id"`
	Type      EventType `json:"-"`
	TypeName  string    `json:"type"`
	ClaimID   string    `json:"claim_id,omitempty"`
	PolicyID  string    `json:"policy_id,omitempty"`
	PoolID    string    `json:"pool_id,omitempty"`
	VaultID   string    `json:"vault_id,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLifecycle stamps a new lifecycle event with a fresh id.
func NewLifecycle(t EventType, at time.Time) Lifecycle {
	return Lifecycle{
		ID:        uuid.New(),
		Type:      t,
		TypeName:  t.String(),
		Timestamp: at.UTC(),
	}
}

// Emitter receives lifecycle events. Implementations must not block for long.
type Emitter interface {
	Emit(evt Lifecycle)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(evt Lifecycle)

func (f EmitterFunc) Emit(evt Lifecycle) { f(evt) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Lifecycle) {})
