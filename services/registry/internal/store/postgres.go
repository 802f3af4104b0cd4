package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
)

// Postgres is the production driver. Row locks are the serialization
// points: the registry_state row for create/pause, the commitment row for
// everything touching one commitment.
type Postgres struct {
	DB *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

func (p *Postgres) Mutate(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct{ tx pgx.Tx }

func (t pgTx) RegistryState(ctx context.Context, lock bool) (State, error) {
	q := `SELECT paused FROM registry_state WHERE id`
	if lock {
		q += ` FOR UPDATE`
	}
	var st State
	if err := t.tx.QueryRow(ctx, q).Scan(&st.Paused); err != nil {
		return State{}, err
	}
	return st, nil
}

func (t pgTx) SetPaused(ctx context.Context, paused bool) error {
	_, err := t.tx.Exec(ctx, `UPDATE registry_state SET paused=$1 WHERE id`, paused)
	return err
}

func (t pgTx) NextCommitmentID(ctx context.Context) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
UPDATE registry_state SET next_commitment_id = next_commitment_id + 1
WHERE id
RETURNING next_commitment_id - 1
`).Scan(&id)
	return id, err
}

func (t pgTx) InsertCommitment(ctx context.Context, c domain.Commitment) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO commitments(
  commitment_id,initiator,signer,fingerprint,created_at,
  initiator_signed,signer_signed,witness_signed_count,
  is_completed,is_frozen,is_verified
)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, c.ID, string(c.Initiator), string(c.Signer), c.Fingerprint, c.CreatedAt,
		c.InitiatorSigned, c.SignerSigned, c.WitnessSignedCount,
		c.Completed, c.Frozen, c.Verified)
	if err != nil {
		return err
	}
	for i, w := range c.Witnesses {
		_, err := t.tx.Exec(ctx, `
INSERT INTO commitment_witnesses(commitment_id,position,address,signed)
VALUES($1,$2,$3,$4)
`, c.ID, i, string(w.Address), w.Signed)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanCommitment(row pgx.Row) (domain.Commitment, error) {
	var c domain.Commitment
	var initiator, signer string
	err := row.Scan(&c.ID, &initiator, &signer, &c.Fingerprint, &c.CreatedAt,
		&c.InitiatorSigned, &c.SignerSigned, &c.SignerSignedAt, &c.WitnessSignedCount,
		&c.Completed, &c.CompletedAt, &c.Frozen, &c.Verified, &c.VerifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Commitment{}, domain.ErrNotFound
		}
		return domain.Commitment{}, err
	}
	c.Initiator = identity.Address(initiator)
	c.Signer = identity.Address(signer)
	return c, nil
}

const commitmentColumns = `commitment_id,initiator,signer,fingerprint,created_at,
initiator_signed,signer_signed,signer_signed_at,witness_signed_count,
is_completed,completed_at,is_frozen,is_verified,verified_at`

func loadWitnesses(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, id int64) ([]domain.WitnessState, error) {
	rows, err := q.Query(ctx, `
SELECT address,signed,signed_at FROM commitment_witnesses
WHERE commitment_id=$1 ORDER BY position ASC
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WitnessState
	for rows.Next() {
		var w domain.WitnessState
		var addr string
		if err := rows.Scan(&addr, &w.Signed, &w.SignedAt); err != nil {
			return nil, err
		}
		w.Address = identity.Address(addr)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t pgTx) CommitmentForUpdate(ctx context.Context, id int64) (domain.Commitment, error) {
	c, err := scanCommitment(t.tx.QueryRow(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE commitment_id=$1 FOR UPDATE`, id))
	if err != nil {
		return domain.Commitment{}, err
	}
	c.Witnesses, err = loadWitnesses(ctx, t.tx, id)
	return c, err
}

func (t pgTx) UpdateCommitment(ctx context.Context, c domain.Commitment) error {
	_, err := t.tx.Exec(ctx, `
UPDATE commitments SET
  signer_signed=$2, signer_signed_at=$3, witness_signed_count=$4,
  is_completed=$5, completed_at=$6, is_frozen=$7, is_verified=$8, verified_at=$9
WHERE commitment_id=$1
`, c.ID, c.SignerSigned, c.SignerSignedAt, c.WitnessSignedCount,
		c.Completed, c.CompletedAt, c.Frozen, c.Verified, c.VerifiedAt)
	if err != nil {
		return err
	}
	for _, w := range c.Witnesses {
		_, err := t.tx.Exec(ctx, `
UPDATE commitment_witnesses SET signed=$3, signed_at=$4
WHERE commitment_id=$1 AND address=$2
`, c.ID, string(w.Address), w.Signed, w.SignedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t pgTx) LastEventHash(ctx context.Context, scope int64) (string, error) {
	var h string
	err := t.tx.QueryRow(ctx, `
SELECT event_hash FROM commitment_events
WHERE commitment_id=$1 ORDER BY seq DESC LIMIT 1
`, scope).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return h, err
}

func (t pgTx) AppendEvent(ctx context.Context, ev *domain.Event) error {
	err := t.tx.QueryRow(ctx, `
INSERT INTO commitment_events(commitment_id,seq,type,actor,payload,payload_hash,prev_hash,event_hash,occurred_at)
SELECT $1, COALESCE(MAX(seq),0)+1, $2,$3,$4,$5,$6,$7,$8
FROM commitment_events WHERE commitment_id=$1
RETURNING event_id, seq
`, ev.CommitmentID, string(ev.Type), string(ev.Actor), string(ev.Payload),
		ev.PayloadHash, ev.PrevHash, ev.EventHash, ev.OccurredAt).Scan(&ev.ID, &ev.Seq)
	if err != nil {
		return err
	}
	body, err := marshalEvent(*ev)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO webhook_deliveries(endpoint_id,event_id,event_type,payload,status,next_attempt_at)
SELECT endpoint_id, $1, $2, $3, 'PENDING', $4
FROM webhook_endpoints WHERE revoked_at IS NULL
`, ev.ID, string(ev.Type), body, ev.OccurredAt)
	return err
}

func capabilitiesQuery(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, addr identity.Address) (domain.CapabilitySet, error) {
	rows, err := q.Query(ctx, `SELECT capability FROM capability_grants WHERE identity=$1`, string(addr))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := domain.CapabilitySet{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out[domain.Capability(c)] = true
	}
	return out, rows.Err()
}

func (t pgTx) Capabilities(ctx context.Context, addr identity.Address) (domain.CapabilitySet, error) {
	return capabilitiesQuery(ctx, t.tx, addr)
}

func (t pgTx) GrantCapability(ctx context.Context, addr identity.Address, cap domain.Capability) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO capability_grants(identity,capability) VALUES($1,$2)
ON CONFLICT (identity,capability) DO NOTHING
`, string(addr), string(cap))
	return err
}

func (t pgTx) RevokeCapability(ctx context.Context, addr identity.Address, cap domain.Capability) error {
	_, err := t.tx.Exec(ctx, `
DELETE FROM capability_grants WHERE identity=$1 AND capability=$2
`, string(addr), string(cap))
	return err
}

func (t pgTx) InsertAccessKey(ctx context.Context, keyHash string, addr identity.Address) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO access_keys(key_hash,identity) VALUES($1,$2)
ON CONFLICT (key_hash) DO NOTHING
`, keyHash, string(addr))
	return err
}

func (t pgTx) RevokeAccessKey(ctx context.Context, keyHash string) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE access_keys SET revoked_at=now() WHERE key_hash=$1 AND revoked_at IS NULL
`, keyHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSuchAccessKey
	}
	return nil
}

func (t pgTx) RegisterEndpoint(ctx context.Context, ep Endpoint) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO webhook_endpoints(endpoint_id,url,secret,created_at)
VALUES($1,$2,$3,$4)
`, ep.ID, ep.URL, ep.Secret, ep.CreatedAt)
	return err
}

func (t pgTx) RevokeEndpoint(ctx context.Context, endpointID string) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE webhook_endpoints SET revoked_at=now() WHERE endpoint_id=$1 AND revoked_at IS NULL
`, endpointID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSuchEndpoint
	}
	return nil
}

func (p *Postgres) Commitment(ctx context.Context, id int64) (domain.Commitment, error) {
	c, err := scanCommitment(p.DB.QueryRow(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE commitment_id=$1`, id))
	if err != nil {
		return domain.Commitment{}, err
	}
	c.Witnesses, err = loadWitnesses(ctx, p.DB, id)
	return c, err
}

func (p *Postgres) CommitmentCount(ctx context.Context) (int64, error) {
	var n int64
	err := p.DB.QueryRow(ctx, `SELECT COUNT(*) FROM commitments`).Scan(&n)
	return n, err
}

func (p *Postgres) CommitmentExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := p.DB.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM commitments WHERE commitment_id=$1)
`, id).Scan(&exists)
	return exists, err
}

func (p *Postgres) Events(ctx context.Context, scope int64) ([]domain.Event, error) {
	rows, err := p.DB.Query(ctx, `
SELECT event_id,commitment_id,seq,type,actor,payload,payload_hash,prev_hash,event_hash,occurred_at
FROM commitment_events WHERE commitment_id=$1 ORDER BY seq ASC
`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var typ, actor, payload string
		if err := rows.Scan(&ev.ID, &ev.CommitmentID, &ev.Seq, &typ, &actor, &payload,
			&ev.PayloadHash, &ev.PrevHash, &ev.EventHash, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(typ)
		ev.Actor = identity.Address(actor)
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := p.DB.QueryRow(ctx, `SELECT paused FROM registry_state WHERE id`).Scan(&paused)
	return paused, err
}

func (p *Postgres) Capabilities(ctx context.Context, addr identity.Address) (domain.CapabilitySet, error) {
	return capabilitiesQuery(ctx, p.DB, addr)
}

func (p *Postgres) IdentityForKeyHash(ctx context.Context, keyHash string) (identity.Address, error) {
	var addr string
	err := p.DB.QueryRow(ctx, `
SELECT identity FROM access_keys WHERE key_hash=$1 AND revoked_at IS NULL
`, keyHash).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoSuchAccessKey
	}
	if err != nil {
		return "", err
	}
	return identity.Address(addr), nil
}

func (p *Postgres) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	rows, err := p.DB.Query(ctx, `
SELECT endpoint_id,url,secret,created_at,revoked_at
FROM webhook_endpoints ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Endpoint
	for rows.Next() {
		var ep Endpoint
		if err := rows.Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.CreatedAt, &ep.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (p *Postgres) IdempotencyRecord(ctx context.Context, addr identity.Address, key, endpoint string) (int, []byte, bool, error) {
	var status int
	var body []byte
	err := p.DB.QueryRow(ctx, `
SELECT response_status,response_body FROM idempotency_records
WHERE identity=$1 AND idempotency_key=$2 AND endpoint=$3
`, string(addr), key, endpoint).Scan(&status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return status, body, true, nil
}

func (p *Postgres) SaveIdempotencyRecord(ctx context.Context, addr identity.Address, key, endpoint string, status int, body []byte) error {
	_, err := p.DB.Exec(ctx, `
INSERT INTO idempotency_records(identity,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (identity,idempotency_key,endpoint) DO NOTHING
`, string(addr), key, endpoint, status, body)
	return err
}

func (p *Postgres) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT d.delivery_id,d.endpoint_id,e.url,e.secret,d.event_id,d.event_type,d.payload,d.attempts,d.status,d.next_attempt_at
FROM webhook_deliveries d
JOIN webhook_endpoints e ON e.endpoint_id=d.endpoint_id
WHERE d.status='PENDING' AND d.next_attempt_at<=$1
ORDER BY d.delivery_id ASC
LIMIT $2
FOR UPDATE OF d SKIP LOCKED
`, now, limit)
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.EndpointID, &d.URL, &d.Secret, &d.EventID, &d.EventType,
			&d.Payload, &d.Attempts, &d.Status, &d.NextAttemptAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range out {
		_, err := tx.Exec(ctx, `
UPDATE webhook_deliveries SET next_attempt_at=$2 WHERE delivery_id=$1
`, d.ID, now.Add(DeliveryLease))
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) MarkDeliveryResult(ctx context.Context, deliveryID int64, status string, attempts int, nextAttemptAt time.Time) error {
	_, err := p.DB.Exec(ctx, `
UPDATE webhook_deliveries SET status=$2, attempts=$3, next_attempt_at=$4
WHERE delivery_id=$1
`, deliveryID, status, attempts, nextAttemptAt)
	return err
}

func (p *Postgres) Close() { p.DB.Close() }
