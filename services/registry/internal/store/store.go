// Package store persists the commitment registry: commitments, the
// tamper-evident event log, capability grants, access keys, webhook
// endpoints with their delivery outbox, and idempotency records. Two
// drivers implement the same contract: postgres for deployments and an
// in-memory store for tests and development.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
)

var (
	ErrNoSuchAccessKey = errors.New("access key not found")
	ErrNoSuchEndpoint  = errors.New("webhook endpoint not found")
)

// State is the registry-wide singleton row.
type State struct {
	Paused bool
}

type Endpoint struct {
	ID        string     `json:"endpoint_id"`
	URL       string     `json:"url"`
	Secret    string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

const (
	DeliveryPending   = "PENDING"
	DeliveryDelivered = "DELIVERED"
	DeliveryFailed    = "FAILED"
)

// Delivery is one outbox row: an event bound for one endpoint. Payload is
// the exact bytes the dispatcher will POST, frozen at append time.
type Delivery struct {
	ID            int64
	EndpointID    string
	URL           string
	Secret        string
	EventID       int64
	EventType     string
	Payload       []byte
	Attempts      int
	Status        string
	NextAttemptAt time.Time
}

// Tx is the mutation surface available inside one atomic registry
// operation. Every method observes and produces state that commits or rolls
// back as a unit; AppendEvent also fans the event out to every active
// webhook endpoint in the same unit.
type Tx interface {
	// RegistryState reads the singleton row; with lock it serializes
	// against every other locking reader until the operation commits.
	RegistryState(ctx context.Context, lock bool) (State, error)
	SetPaused(ctx context.Context, paused bool) error

	// NextCommitmentID allocates the next id. Callers must hold the
	// registry-state lock so ids are strictly increasing in commit order.
	NextCommitmentID(ctx context.Context) (int64, error)
	InsertCommitment(ctx context.Context, c domain.Commitment) error
	// CommitmentForUpdate loads and write-locks one commitment;
	// domain.ErrNotFound when the id is unknown.
	CommitmentForUpdate(ctx context.Context, id int64) (domain.Commitment, error)
	UpdateCommitment(ctx context.Context, c domain.Commitment) error

	LastEventHash(ctx context.Context, scope int64) (string, error)
	AppendEvent(ctx context.Context, ev *domain.Event) error

	Capabilities(ctx context.Context, addr identity.Address) (domain.CapabilitySet, error)
	GrantCapability(ctx context.Context, addr identity.Address, cap domain.Capability) error
	RevokeCapability(ctx context.Context, addr identity.Address, cap domain.Capability) error

	InsertAccessKey(ctx context.Context, keyHash string, addr identity.Address) error
	RevokeAccessKey(ctx context.Context, keyHash string) error

	RegisterEndpoint(ctx context.Context, ep Endpoint) error
	RevokeEndpoint(ctx context.Context, endpointID string) error
}

type Store interface {
	// Mutate runs fn inside one transaction. Any error aborts the whole
	// unit: no state change, no events, no deliveries.
	Mutate(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Commitment(ctx context.Context, id int64) (domain.Commitment, error)
	CommitmentCount(ctx context.Context) (int64, error)
	CommitmentExists(ctx context.Context, id int64) (bool, error)
	Events(ctx context.Context, scope int64) ([]domain.Event, error)
	Paused(ctx context.Context) (bool, error)
	Capabilities(ctx context.Context, addr identity.Address) (domain.CapabilitySet, error)

	IdentityForKeyHash(ctx context.Context, keyHash string) (identity.Address, error)

	ListEndpoints(ctx context.Context) ([]Endpoint, error)

	IdempotencyRecord(ctx context.Context, addr identity.Address, key, endpoint string) (status int, body []byte, found bool, err error)
	SaveIdempotencyRecord(ctx context.Context, addr identity.Address, key, endpoint string, status int, body []byte) error

	// ClaimDueDeliveries leases pending deliveries that are due; a claimed
	// delivery is invisible to other claimers until the lease expires or
	// MarkDeliveryResult settles it.
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	MarkDeliveryResult(ctx context.Context, deliveryID int64, status string, attempts int, nextAttemptAt time.Time) error

	Close()
}

// DeliveryLease is how long a claimed delivery stays invisible to other
// claim calls before it is retried.
const DeliveryLease = time.Minute

// marshalEvent freezes the delivery body for an event. Both drivers use it
// so a webhook consumer sees identical bytes regardless of the store.
func marshalEvent(ev domain.Event) ([]byte, error) {
	return json.Marshal(ev)
}
