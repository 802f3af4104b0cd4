package domain

import (
	"encoding/json"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/fingerprint"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
)

type EventType string

const (
	EventCreated          EventType = "created"
	EventSigned           EventType = "signed"
	EventCompleted        EventType = "completed"
	EventVerified         EventType = "verified"
	EventFrozen           EventType = "frozen"
	EventUnfrozen         EventType = "unfrozen"
	EventRegistryPaused   EventType = "registry_paused"
	EventRegistryUnpaused EventType = "registry_unpaused"
)

// RegistryScope marks events that concern the registry as a whole rather
// than a single commitment (pause state changes).
const RegistryScope int64 = 0

// Event is one appended notification. Events are written in the same
// transaction as the state change they describe and are never written for a
// rejected operation. EventHash chains each event over its predecessor in
// the same scope, so any later tampering breaks every subsequent link.
type Event struct {
	ID           int64            `json:"event_id"`
	CommitmentID int64            `json:"commitment_id"`
	Seq          int64            `json:"seq"`
	Type         EventType        `json:"type"`
	Actor        identity.Address `json:"actor"`
	Payload      json.RawMessage  `json:"payload"`
	PayloadHash  string           `json:"payload_hash"`
	PrevHash     string           `json:"prev_hash,omitempty"`
	EventHash    string           `json:"event_hash"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// ChainHash links an event to its predecessor: H(prevHash "\n" payloadHash).
// The first event of a scope uses an empty prevHash.
func ChainHash(prevHash, payloadHash string) string {
	return fingerprint.SumBytes([]byte(prevHash + "\n" + payloadHash))
}

// NewEvent canonicalizes the payload and computes its hashes. Seq and ID are
// assigned by the store at append time.
func NewEvent(commitmentID int64, typ EventType, actor identity.Address, payload map[string]any, prevHash string, now time.Time) (Event, error) {
	fp, raw, err := fingerprint.CanonicalJSON(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		CommitmentID: commitmentID,
		Type:         typ,
		Actor:        actor,
		Payload:      raw,
		PayloadHash:  fp,
		PrevHash:     prevHash,
		EventHash:    ChainHash(prevHash, fp),
		OccurredAt:   now.UTC(),
	}, nil
}

// VerifyChain replays a scope's event sequence and reports the index of the
// first broken link, or -1 when the chain is intact. Events must be in seq
// order.
func VerifyChain(events []Event) int {
	prev := ""
	for i, ev := range events {
		fp := fingerprint.SumBytes(ev.Payload)
		if fp != ev.PayloadHash {
			return i
		}
		if ev.PrevHash != prev {
			return i
		}
		if ChainHash(prev, fp) != ev.EventHash {
			return i
		}
		prev = ev.EventHash
	}
	return -1
}
