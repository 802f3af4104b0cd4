// Package registry holds the protocol logic of the commitment registry:
// creation, signing, completion, freeze, verification, pause, and the
// capability policy gating each of them. Every mutation runs inside one
// store transaction and appends its events there, so rejected operations
// leave no trace.
package registry

import (
	"context"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/store"
)

type Config struct {
	// RequireWitnessCapability gates creation on every witness holding
	// WITNESS_ELIGIBLE. Off by default: most deployments let initiators
	// pick arbitrary witnesses.
	RequireWitnessCapability bool
}

type Registry struct {
	st  store.Store
	cfg Config
	now func() time.Time
}

func New(st store.Store, cfg Config) *Registry {
	return &Registry{st: st, cfg: cfg, now: time.Now}
}

// NewAt pins the clock; tests use it to make timestamps deterministic.
func NewAt(st store.Store, cfg Config, now func() time.Time) *Registry {
	return &Registry{st: st, cfg: cfg, now: now}
}

// appendEvent chains a new event onto its scope's log inside tx.
func appendEvent(ctx context.Context, tx store.Tx, scope int64, typ domain.EventType, actor identity.Address, payload map[string]any, now time.Time) error {
	prev, err := tx.LastEventHash(ctx, scope)
	if err != nil {
		return err
	}
	ev, err := domain.NewEvent(scope, typ, actor, payload, prev, now)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, &ev)
}

func requireCapability(ctx context.Context, tx store.Tx, addr identity.Address, cap domain.Capability) error {
	caps, err := tx.Capabilities(ctx, addr)
	if err != nil {
		return err
	}
	if !caps.Has(cap) {
		return domain.MissingCapability(cap)
	}
	return nil
}

// Create registers a new commitment. The registry-state row is locked for
// the whole operation, which both serializes the pause check and makes the
// allocated ids strictly increasing in commit order.
func (r *Registry) Create(ctx context.Context, caller identity.Address, req domain.CreateRequest) (domain.Commitment, error) {
	req.Initiator = caller
	now := r.now().UTC()
	var created domain.Commitment
	err := r.st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		state, err := tx.RegistryState(ctx, true)
		if err != nil {
			return err
		}
		if state.Paused {
			return domain.ErrRegistryPaused
		}
		if err := requireCapability(ctx, tx, caller, domain.CapOriginator); err != nil {
			return err
		}
		if err := domain.ValidateCreate(req); err != nil {
			return err
		}
		if r.cfg.RequireWitnessCapability {
			for _, w := range req.Witnesses {
				caps, err := tx.Capabilities(ctx, w)
				if err != nil {
					return err
				}
				if !caps.Has(domain.CapWitnessEligible) {
					return domain.WitnessNotEligible(string(w))
				}
			}
		}
		id, err := tx.NextCommitmentID(ctx)
		if err != nil {
			return err
		}
		c := domain.NewCommitment(id, req, now)
		if err := tx.InsertCommitment(ctx, c); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, c.ID, domain.EventCreated, caller, map[string]any{
			"commitment_id": c.ID,
			"initiator":     string(c.Initiator),
			"signer":        string(c.Signer),
			"witnesses":     witnessAddresses(c),
			"fingerprint":   c.Fingerprint,
		}, now); err != nil {
			return err
		}
		// the initiator's implicit signature is an observable signing action
		if err := appendEvent(ctx, tx, c.ID, domain.EventSigned, caller, map[string]any{
			"commitment_id": c.ID,
			"role":          string(domain.RoleInitiator),
			"signer":        string(caller),
		}, now); err != nil {
			return err
		}
		// completion runs after every signing action; with participants it
		// can never fire here, but the check is uniform
		if c.RunCompletion(now) {
			if err := tx.UpdateCommitment(ctx, c); err != nil {
				return err
			}
			if err := appendCompleted(ctx, tx, c, caller, now); err != nil {
				return err
			}
		}
		created = c
		return nil
	})
	return created, err
}

func witnessAddresses(c domain.Commitment) []string {
	out := make([]string, len(c.Witnesses))
	for i, w := range c.Witnesses {
		out[i] = string(w.Address)
	}
	return out
}

func appendCompleted(ctx context.Context, tx store.Tx, c domain.Commitment, actor identity.Address, now time.Time) error {
	return appendEvent(ctx, tx, c.ID, domain.EventCompleted, actor, map[string]any{
		"commitment_id": c.ID,
		"signatures":    c.CollectedSignatures(),
	}, now)
}

func (r *Registry) SignAsSigner(ctx context.Context, caller identity.Address, id int64) (domain.Commitment, error) {
	return r.signing(ctx, caller, id, domain.RoleSigner, func(c *domain.Commitment, now time.Time) error {
		return c.SignAsSigner(caller, now)
	})
}

func (r *Registry) SignAsWitness(ctx context.Context, caller identity.Address, id int64) (domain.Commitment, error) {
	return r.signing(ctx, caller, id, domain.RoleWitness, func(c *domain.Commitment, now time.Time) error {
		return c.SignAsWitness(caller, now)
	})
}

// signing is the shared shape of both sign operations: pause check, lock the
// commitment row, apply the signature, run the completion check, persist
// once, emit signed and possibly completed.
func (r *Registry) signing(ctx context.Context, caller identity.Address, id int64, role domain.Role, apply func(*domain.Commitment, time.Time) error) (domain.Commitment, error) {
	now := r.now().UTC()
	var out domain.Commitment
	err := r.st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		state, err := tx.RegistryState(ctx, false)
		if err != nil {
			return err
		}
		if state.Paused {
			return domain.ErrRegistryPaused
		}
		c, err := tx.CommitmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(&c, now); err != nil {
			return err
		}
		completed := c.RunCompletion(now)
		if err := tx.UpdateCommitment(ctx, c); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, c.ID, domain.EventSigned, caller, map[string]any{
			"commitment_id": c.ID,
			"role":          string(role),
			"signer":        string(caller),
		}, now); err != nil {
			return err
		}
		if completed {
			if err := appendCompleted(ctx, tx, c, caller, now); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	return out, err
}

// Freeze suspends signing on one commitment. Pause state is not consulted:
// emergency controls stay available while the registry is paused.
func (r *Registry) Freeze(ctx context.Context, caller identity.Address, id int64) (domain.Commitment, error) {
	return r.guarded(ctx, caller, id, domain.CapEmergency, domain.EventFrozen, func(c *domain.Commitment, _ time.Time) error {
		return c.Freeze()
	})
}

func (r *Registry) Unfreeze(ctx context.Context, caller identity.Address, id int64) (domain.Commitment, error) {
	return r.guarded(ctx, caller, id, domain.CapEmergency, domain.EventUnfrozen, func(c *domain.Commitment, _ time.Time) error {
		return c.Unfreeze()
	})
}

func (r *Registry) Verify(ctx context.Context, caller identity.Address, id int64) (domain.Commitment, error) {
	return r.guarded(ctx, caller, id, domain.CapVerifier, domain.EventVerified, func(c *domain.Commitment, now time.Time) error {
		return c.Verify(now)
	})
}

func (r *Registry) guarded(ctx context.Context, caller identity.Address, id int64, cap domain.Capability, typ domain.EventType, apply func(*domain.Commitment, time.Time) error) (domain.Commitment, error) {
	now := r.now().UTC()
	var out domain.Commitment
	err := r.st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := requireCapability(ctx, tx, caller, cap); err != nil {
			return err
		}
		c, err := tx.CommitmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(&c, now); err != nil {
			return err
		}
		if err := tx.UpdateCommitment(ctx, c); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, c.ID, typ, caller, map[string]any{
			"commitment_id": c.ID,
		}, now); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Pause halts creation and signing registry-wide. Reads, freeze controls and
// verification keep working.
func (r *Registry) Pause(ctx context.Context, caller identity.Address) error {
	return r.setPaused(ctx, caller, domain.CapEmergency, true, domain.ErrAlreadyPaused, domain.EventRegistryPaused)
}

func (r *Registry) Unpause(ctx context.Context, caller identity.Address) error {
	return r.setPaused(ctx, caller, domain.CapAdministrator, false, domain.ErrNotPaused, domain.EventRegistryUnpaused)
}

func (r *Registry) setPaused(ctx context.Context, caller identity.Address, cap domain.Capability, paused bool, conflict error, typ domain.EventType) error {
	now := r.now().UTC()
	return r.st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := requireCapability(ctx, tx, caller, cap); err != nil {
			return err
		}
		state, err := tx.RegistryState(ctx, true)
		if err != nil {
			return err
		}
		if state.Paused == paused {
			return conflict
		}
		if err := tx.SetPaused(ctx, paused); err != nil {
			return err
		}
		return appendEvent(ctx, tx, domain.RegistryScope, typ, caller, map[string]any{
			"paused": paused,
		}, now)
	})
}

func (r *Registry) GrantCapability(ctx context.Context, caller, subject identity.Address, cap domain.Capability) error {
	return r.capabilityChange(ctx, caller, subject, cap, store.Tx.GrantCapability)
}

func (r *Registry) RevokeCapability(ctx context.Context, caller, subject identity.Address, cap domain.Capability) error {
	return r.capabilityChange(ctx, caller, subject, cap, store.Tx.RevokeCapability)
}

func (r *Registry) capabilityChange(ctx context.Context, caller, subject identity.Address, cap domain.Capability, op func(store.Tx, context.Context, identity.Address, domain.Capability) error) error {
	if subject == "" || subject.IsZero() {
		return domain.ErrBadIdentity
	}
	if !domain.KnownCapability(cap) {
		return domain.ErrUnknownCapability
	}
	return r.st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := requireCapability(ctx, tx, caller, domain.CapAdministrator); err != nil {
			return err
		}
		return op(tx, ctx, subject, cap)
	})
}

// MintAccessKey binds a key hash to an identity; administrators only. The
// plaintext key never reaches this layer.
func (r *Registry) MintAccessKey(ctx context.Context, caller, subject identity.Address, keyHash string) error {
	if subject == "" || subject.IsZero() {
		return domain.ErrBadIdentity
	}
	return r.st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := requireCapability(ctx, tx, caller, domain.CapAdministrator); err != nil {
			return err
		}
		return tx.InsertAccessKey(ctx, keyHash, subject)
	})
}

func (r *Registry) RevokeAccessKey(ctx context.Context, caller identity.Address, keyHash string) error {
	return r.st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := requireCapability(ctx, tx, caller, domain.CapAdministrator); err != nil {
			return err
		}
		return tx.RevokeAccessKey(ctx, keyHash)
	})
}

func (r *Registry) RegisterWebhook(ctx context.Context, caller identity.Address, ep store.Endpoint) error {
	return r.st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := requireCapability(ctx, tx, caller, domain.CapAdministrator); err != nil {
			return err
		}
		return tx.RegisterEndpoint(ctx, ep)
	})
}

func (r *Registry) RevokeWebhook(ctx context.Context, caller identity.Address, endpointID string) error {
	return r.st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := requireCapability(ctx, tx, caller, domain.CapAdministrator); err != nil {
			return err
		}
		return tx.RevokeEndpoint(ctx, endpointID)
	})
}

// Reads. These go straight to the store snapshot surface.

func (r *Registry) Commitment(ctx context.Context, id int64) (domain.Commitment, error) {
	return r.st.Commitment(ctx, id)
}

func (r *Registry) WitnessSigned(ctx context.Context, id int64, w identity.Address) (bool, error) {
	c, err := r.st.Commitment(ctx, id)
	if err != nil {
		return false, err
	}
	if !c.IsWitness(w) {
		return false, domain.ErrNotWitness
	}
	return c.WitnessSigned(w), nil
}

func (r *Registry) RoleOf(ctx context.Context, id int64, addr identity.Address) (domain.Role, error) {
	c, err := r.st.Commitment(ctx, id)
	if err != nil {
		return domain.RoleNone, err
	}
	return c.RoleOf(addr), nil
}

func (r *Registry) Count(ctx context.Context) (int64, error) { return r.st.CommitmentCount(ctx) }

func (r *Registry) Exists(ctx context.Context, id int64) (bool, error) {
	return r.st.CommitmentExists(ctx, id)
}

func (r *Registry) Events(ctx context.Context, scope int64) ([]domain.Event, error) {
	return r.st.Events(ctx, scope)
}

func (r *Registry) Paused(ctx context.Context) (bool, error) { return r.st.Paused(ctx) }

func (r *Registry) Capabilities(ctx context.Context, addr identity.Address) (domain.CapabilitySet, error) {
	return r.st.Capabilities(ctx, addr)
}
