package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
)

// Memory is the in-memory driver: one mutex is the serialization point, and
// Mutate rolls back by restoring a pre-mutation snapshot. Backs tests and
// the "memory" development mode.
type Memory struct {
	mu sync.Mutex
	s  memState
}

type accessKeyRec struct {
	addr    identity.Address
	revoked bool
}

type idemRec struct {
	status int
	body   []byte
}

type memState struct {
	paused      bool
	nextID      int64
	commitments map[int64]domain.Commitment
	events      map[int64][]domain.Event
	nextEventID int64
	caps        map[identity.Address]domain.CapabilitySet
	keys        map[string]accessKeyRec
	endpoints   map[string]Endpoint
	epOrder     []string
	deliveries  map[int64]Delivery
	nextDelivID int64
	idem        map[string]idemRec
}

func NewMemory() *Memory {
	return &Memory{s: memState{
		nextID:      1,
		commitments: map[int64]domain.Commitment{},
		events:      map[int64][]domain.Event{},
		nextEventID: 1,
		caps:        map[identity.Address]domain.CapabilitySet{},
		keys:        map[string]accessKeyRec{},
		endpoints:   map[string]Endpoint{},
		deliveries:  map[int64]Delivery{},
		nextDelivID: 1,
		idem:        map[string]idemRec{},
	}}
}

func (s memState) clone() memState {
	out := s
	out.commitments = make(map[int64]domain.Commitment, len(s.commitments))
	for id, c := range s.commitments {
		out.commitments[id] = c.Clone()
	}
	out.events = make(map[int64][]domain.Event, len(s.events))
	for scope, evs := range s.events {
		cp := make([]domain.Event, len(evs))
		copy(cp, evs)
		out.events[scope] = cp
	}
	out.caps = make(map[identity.Address]domain.CapabilitySet, len(s.caps))
	for addr, set := range s.caps {
		cp := make(domain.CapabilitySet, len(set))
		for c, v := range set {
			cp[c] = v
		}
		out.caps[addr] = cp
	}
	out.keys = make(map[string]accessKeyRec, len(s.keys))
	for k, v := range s.keys {
		out.keys[k] = v
	}
	out.endpoints = make(map[string]Endpoint, len(s.endpoints))
	for k, v := range s.endpoints {
		out.endpoints[k] = v
	}
	out.epOrder = append([]string(nil), s.epOrder...)
	out.deliveries = make(map[int64]Delivery, len(s.deliveries))
	for k, v := range s.deliveries {
		out.deliveries[k] = v
	}
	out.idem = make(map[string]idemRec, len(s.idem))
	for k, v := range s.idem {
		out.idem[k] = v
	}
	return out
}

type memTx struct{ m *Memory }

// Mutate holds the mutex for the whole operation; the snapshot restores
// every map on failure, so a rejected operation is observably a no-op.
func (m *Memory) Mutate(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.s.clone()
	if err := fn(ctx, memTx{m}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

func (t memTx) RegistryState(_ context.Context, _ bool) (State, error) {
	return State{Paused: t.m.s.paused}, nil
}

func (t memTx) SetPaused(_ context.Context, paused bool) error {
	t.m.s.paused = paused
	return nil
}

func (t memTx) NextCommitmentID(_ context.Context) (int64, error) {
	id := t.m.s.nextID
	t.m.s.nextID++
	return id, nil
}

func (t memTx) InsertCommitment(_ context.Context, c domain.Commitment) error {
	t.m.s.commitments[c.ID] = c.Clone()
	return nil
}

func (t memTx) CommitmentForUpdate(_ context.Context, id int64) (domain.Commitment, error) {
	c, ok := t.m.s.commitments[id]
	if !ok {
		return domain.Commitment{}, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (t memTx) UpdateCommitment(_ context.Context, c domain.Commitment) error {
	if _, ok := t.m.s.commitments[c.ID]; !ok {
		return domain.ErrNotFound
	}
	t.m.s.commitments[c.ID] = c.Clone()
	return nil
}

func (t memTx) LastEventHash(_ context.Context, scope int64) (string, error) {
	evs := t.m.s.events[scope]
	if len(evs) == 0 {
		return "", nil
	}
	return evs[len(evs)-1].EventHash, nil
}

func (t memTx) AppendEvent(_ context.Context, ev *domain.Event) error {
	ev.ID = t.m.s.nextEventID
	t.m.s.nextEventID++
	ev.Seq = int64(len(t.m.s.events[ev.CommitmentID])) + 1
	t.m.s.events[ev.CommitmentID] = append(t.m.s.events[ev.CommitmentID], *ev)
	return t.m.fanOut(*ev)
}

func (m *Memory) fanOut(ev domain.Event) error {
	body, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	for _, id := range m.s.epOrder {
		ep := m.s.endpoints[id]
		if ep.RevokedAt != nil {
			continue
		}
		d := Delivery{
			ID:            m.s.nextDelivID,
			EndpointID:    ep.ID,
			URL:           ep.URL,
			Secret:        ep.Secret,
			EventID:       ev.ID,
			EventType:     string(ev.Type),
			Payload:       body,
			Status:        DeliveryPending,
			NextAttemptAt: ev.OccurredAt,
		}
		m.s.nextDelivID++
		m.s.deliveries[d.ID] = d
	}
	return nil
}

func (t memTx) Capabilities(_ context.Context, addr identity.Address) (domain.CapabilitySet, error) {
	return t.m.capabilitiesLocked(addr), nil
}

func (m *Memory) capabilitiesLocked(addr identity.Address) domain.CapabilitySet {
	out := domain.CapabilitySet{}
	for c, v := range m.s.caps[addr] {
		out[c] = v
	}
	return out
}

func (t memTx) GrantCapability(_ context.Context, addr identity.Address, cap domain.Capability) error {
	set := t.m.s.caps[addr]
	if set == nil {
		set = domain.CapabilitySet{}
		t.m.s.caps[addr] = set
	}
	set[cap] = true
	return nil
}

func (t memTx) RevokeCapability(_ context.Context, addr identity.Address, cap domain.Capability) error {
	delete(t.m.s.caps[addr], cap)
	return nil
}

func (t memTx) InsertAccessKey(_ context.Context, keyHash string, addr identity.Address) error {
	t.m.s.keys[keyHash] = accessKeyRec{addr: addr}
	return nil
}

func (t memTx) RevokeAccessKey(_ context.Context, keyHash string) error {
	rec, ok := t.m.s.keys[keyHash]
	if !ok {
		return ErrNoSuchAccessKey
	}
	rec.revoked = true
	t.m.s.keys[keyHash] = rec
	return nil
}

func (t memTx) RegisterEndpoint(_ context.Context, ep Endpoint) error {
	if _, ok := t.m.s.endpoints[ep.ID]; !ok {
		t.m.s.epOrder = append(t.m.s.epOrder, ep.ID)
	}
	t.m.s.endpoints[ep.ID] = ep
	return nil
}

func (t memTx) RevokeEndpoint(_ context.Context, endpointID string) error {
	ep, ok := t.m.s.endpoints[endpointID]
	if !ok {
		return ErrNoSuchEndpoint
	}
	if ep.RevokedAt == nil {
		now := time.Now().UTC()
		ep.RevokedAt = &now
		t.m.s.endpoints[endpointID] = ep
	}
	return nil
}

func (m *Memory) Commitment(_ context.Context, id int64) (domain.Commitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.s.commitments[id]
	if !ok {
		return domain.Commitment{}, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) CommitmentCount(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.s.commitments)), nil
}

func (m *Memory) CommitmentExists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.s.commitments[id]
	return ok, nil
}

func (m *Memory) Events(_ context.Context, scope int64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.s.events[scope]
	out := make([]domain.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (m *Memory) Paused(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.paused, nil
}

func (m *Memory) Capabilities(_ context.Context, addr identity.Address) (domain.CapabilitySet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capabilitiesLocked(addr), nil
}

func (m *Memory) IdentityForKeyHash(_ context.Context, keyHash string) (identity.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.s.keys[keyHash]
	if !ok || rec.revoked {
		return "", ErrNoSuchAccessKey
	}
	return rec.addr, nil
}

func (m *Memory) ListEndpoints(_ context.Context) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Endpoint, 0, len(m.s.epOrder))
	for _, id := range m.s.epOrder {
		out = append(out, m.s.endpoints[id])
	}
	return out, nil
}

func idemKey(addr identity.Address, key, endpoint string) string {
	return string(addr) + "\x00" + key + "\x00" + endpoint
}

func (m *Memory) IdempotencyRecord(_ context.Context, addr identity.Address, key, endpoint string) (int, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.s.idem[idemKey(addr, key, endpoint)]
	if !ok {
		return 0, nil, false, nil
	}
	return rec.status, append([]byte(nil), rec.body...), true, nil
}

func (m *Memory) SaveIdempotencyRecord(_ context.Context, addr identity.Address, key, endpoint string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.idem[idemKey(addr, key, endpoint)] = idemRec{status: status, body: append([]byte(nil), body...)}
	return nil
}

func (m *Memory) ClaimDueDeliveries(_ context.Context, now time.Time, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	ids := make([]int64, 0, len(m.s.deliveries))
	for id := range m.s.deliveries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		d := m.s.deliveries[id]
		if d.Status != DeliveryPending || d.NextAttemptAt.After(now) {
			continue
		}
		d.NextAttemptAt = now.Add(DeliveryLease)
		m.s.deliveries[id] = d
		cp := d
		cp.Payload = append([]byte(nil), d.Payload...)
		out = append(out, cp)
	}
	return out, nil
}

func (m *Memory) MarkDeliveryResult(_ context.Context, deliveryID int64, status string, attempts int, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.s.deliveries[deliveryID]
	if !ok {
		return ErrNoSuchEndpoint
	}
	d.Status = status
	d.Attempts = attempts
	d.NextAttemptAt = nextAttemptAt
	m.s.deliveries[deliveryID] = d
	return nil
}

func (m *Memory) Close() {}
