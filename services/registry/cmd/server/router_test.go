package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/signature"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/auth"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/registry"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/store"
)

type testEnv struct {
	srv  *httptest.Server
	keys map[identity.Address]string
}

func testAddr(c byte) identity.Address {
	return identity.Address("0x" + strings.Repeat(string(c), 40))
}

var (
	tAdmin  = testAddr('0')
	tOrigin = testAddr('1')
	tSigner = testAddr('2')
	tWit    = testAddr('3')
	tGuard  = testAddr('4')
)

const tFp = "0x2222222222222222222222222222222222222222222222222222222222222222"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	env := &testEnv{keys: map[identity.Address]string{}}

	grants := map[identity.Address][]domain.Capability{
		tAdmin:  {domain.CapAdministrator},
		tOrigin: {domain.CapOriginator},
		tGuard:  {domain.CapEmergency, domain.CapAdministrator, domain.CapVerifier},
	}
	err := m.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, a := range []identity.Address{tAdmin, tOrigin, tSigner, tWit, tGuard} {
			key, err := auth.NewKey()
			if err != nil {
				return err
			}
			env.keys[a] = key
			if err := tx.InsertAccessKey(ctx, auth.HashKey(key), a); err != nil {
				return err
			}
			for _, c := range grants[a] {
				if err := tx.GrantCapability(ctx, a, c); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := registry.New(m, registry.Config{})
	env.srv = httptest.NewServer(newRouter(reg, m, zap.NewNop()))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, as identity.Address, body any, extra map[string]string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+e.keys[as])
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func errCode(body map[string]any) string {
	if e, ok := body["error"].(map[string]any); ok {
		code, _ := e["code"].(string)
		return code
	}
	return ""
}

func createBody(witnesses ...identity.Address) map[string]any {
	ws := make([]string, len(witnesses))
	for i, w := range witnesses {
		ws[i] = string(w)
	}
	return map[string]any{"signer": string(tSigner), "witnesses": ws, "fingerprint": tFp}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, "GET", "/registry/commitments/1", "", nil, nil)
	if status != 401 || errCode(body) != "UNAUTHORIZED" {
		t.Fatalf("status=%d body=%v", status, body)
	}
}

func TestCreateAndReadCommitment(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, "POST", "/registry/commitments", tOrigin, createBody(tWit), nil)
	if status != 201 {
		t.Fatalf("create status=%d body=%v", status, body)
	}
	c := body["commitment"].(map[string]any)
	id := int64(c["commitment_id"].(float64))
	if id != 1 || c["initiator"] != string(tOrigin) || c["initiator_signed"] != true {
		t.Fatalf("commitment=%v", c)
	}
	if body["status"] != "pending" {
		t.Fatalf("status=%v", body["status"])
	}

	status, body = env.do(t, "GET", fmt.Sprintf("/registry/commitments/%d", id), tSigner, nil, nil)
	if status != 200 {
		t.Fatalf("get status=%d", status)
	}
	sig := body["signatures"].(map[string]any)
	if sig["required"].(float64) != 3 || sig["collected"].(float64) != 1 {
		t.Fatalf("signatures=%v", sig)
	}

	status, body = env.do(t, "GET", "/registry/commitments/999", tSigner, nil, nil)
	if status != 404 || errCode(body) != "NOT_FOUND" {
		t.Fatalf("missing: status=%d body=%v", status, body)
	}
	status, body = env.do(t, "GET", "/registry/commitments/count", tSigner, nil, nil)
	if status != 200 || body["count"].(float64) != 1 {
		t.Fatalf("count: status=%d body=%v", status, body)
	}
	status, body = env.do(t, "GET", "/registry/commitments/1/exists", tSigner, nil, nil)
	if status != 200 || body["exists"] != true {
		t.Fatalf("exists: status=%d body=%v", status, body)
	}
}

func TestCreateRequiresOriginatorCapability(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, "POST", "/registry/commitments", tSigner, createBody(), nil)
	if status != 403 || errCode(body) != "MISSING_CAPABILITY" {
		t.Fatalf("status=%d body=%v", status, body)
	}
}

func TestCreateIdempotencyReplay(t *testing.T) {
	env := newTestEnv(t)
	hdr := map[string]string{"Idempotency-Key": "idem-1"}
	status1, body1 := env.do(t, "POST", "/registry/commitments", tOrigin, createBody(), hdr)
	status2, body2 := env.do(t, "POST", "/registry/commitments", tOrigin, createBody(), hdr)
	if status1 != 201 || status2 != 201 {
		t.Fatalf("statuses %d %d", status1, status2)
	}
	id1 := body1["commitment"].(map[string]any)["commitment_id"].(float64)
	id2 := body2["commitment"].(map[string]any)["commitment_id"].(float64)
	if id1 != id2 {
		t.Fatalf("replay must not create a second commitment: %v %v", id1, id2)
	}
	status, body := env.do(t, "GET", "/registry/commitments/count", tOrigin, nil, nil)
	if status != 200 || body["count"].(float64) != 1 {
		t.Fatalf("count after replay: %v", body)
	}
}

func TestSigningFlowToCompletionAndBundle(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, "POST", "/registry/commitments", tOrigin, createBody(tWit), nil)
	id := int64(body["commitment"].(map[string]any)["commitment_id"].(float64))
	base := fmt.Sprintf("/registry/commitments/%d", id)

	// bundle export needs completion first
	status, body := env.do(t, "GET", base+"/bundle", tOrigin, nil, nil)
	if status != 409 || errCode(body) != "NOT_COMPLETED" {
		t.Fatalf("bundle before completion: %d %v", status, body)
	}

	status, body = env.do(t, "POST", base+":signAsWitness", tWit, nil, nil)
	if status != 200 {
		t.Fatalf("witness sign: %d %v", status, body)
	}
	status, body = env.do(t, "POST", base+":signAsWitness", tWit, nil, nil)
	if status != 409 || errCode(body) != "ALREADY_SIGNED" {
		t.Fatalf("double sign: %d %v", status, body)
	}
	status, body = env.do(t, "POST", base+":signAsSigner", tOrigin, nil, nil)
	if status != 403 || errCode(body) != "NOT_SIGNER" {
		t.Fatalf("wrong signer: %d %v", status, body)
	}
	status, body = env.do(t, "POST", base+":signAsSigner", tSigner, nil, nil)
	if status != 200 || body["commitment"].(map[string]any)["is_completed"] != true {
		t.Fatalf("completion: %d %v", status, body)
	}

	status, body = env.do(t, "POST", base+":verify", tGuard, nil, nil)
	if status != 200 || body["commitment"].(map[string]any)["is_verified"] != true {
		t.Fatalf("verify: %d %v", status, body)
	}

	status, _ = env.do(t, "GET", base+"/bundle", tOrigin, nil, nil)
	if status != 200 {
		t.Fatalf("bundle after completion: %d", status)
	}

	status, body = env.do(t, "GET", base+"/events", tOrigin, nil, nil)
	if status != 200 {
		t.Fatalf("events: %d", status)
	}
	evs := body["events"].([]any)
	if len(evs) != 6 { // created, signed x3, completed, verified
		t.Fatalf("event count=%d: %v", len(evs), evs)
	}
}

func TestFreezeRoutes(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, "POST", "/registry/commitments", tOrigin, createBody(tWit), nil)
	id := int64(body["commitment"].(map[string]any)["commitment_id"].(float64))
	base := fmt.Sprintf("/registry/commitments/%d", id)

	status, body := env.do(t, "POST", base+":freeze", tOrigin, nil, nil)
	if status != 403 || errCode(body) != "MISSING_CAPABILITY" {
		t.Fatalf("freeze without EMERGENCY: %d %v", status, body)
	}
	if status, _ := env.do(t, "POST", base+":freeze", tGuard, nil, nil); status != 200 {
		t.Fatalf("freeze: %d", status)
	}
	status, body = env.do(t, "POST", base+":signAsWitness", tWit, nil, nil)
	if status != 409 || errCode(body) != "FROZEN" {
		t.Fatalf("sign frozen: %d %v", status, body)
	}
	if status, _ := env.do(t, "POST", base+":unfreeze", tGuard, nil, nil); status != 200 {
		t.Fatalf("unfreeze: %d", status)
	}
	if status, _ := env.do(t, "POST", base+":signAsWitness", tWit, nil, nil); status != 200 {
		t.Fatalf("sign after unfreeze: %d", status)
	}
}

func TestPauseRoutesAndStatus(t *testing.T) {
	env := newTestEnv(t)
	if status, _ := env.do(t, "POST", "/registry/:pause", tGuard, nil, nil); status != 200 {
		t.Fatalf("pause: %d", status)
	}
	status, body := env.do(t, "POST", "/registry/commitments", tOrigin, createBody(), nil)
	if status != 503 || errCode(body) != "REGISTRY_PAUSED" {
		t.Fatalf("create while paused: %d %v", status, body)
	}
	status, body = env.do(t, "GET", "/registry/status", tOrigin, nil, nil)
	if status != 200 || body["paused"] != true {
		t.Fatalf("status: %d %v", status, body)
	}
	if status, _ := env.do(t, "POST", "/registry/:unpause", tGuard, nil, nil); status != 200 {
		t.Fatalf("unpause: %d", status)
	}
	status, body = env.do(t, "POST", "/registry/:unpause", tGuard, nil, nil)
	if status != 409 || errCode(body) != "NOT_PAUSED" {
		t.Fatalf("double unpause: %d %v", status, body)
	}
}

func TestCapabilityRoutes(t *testing.T) {
	env := newTestEnv(t)
	grant := map[string]any{"address": string(tWit), "capability": "VERIFIER"}
	status, body := env.do(t, "POST", "/registry/capabilities:grant", tOrigin, grant, nil)
	if status != 403 {
		t.Fatalf("non-admin grant: %d %v", status, body)
	}
	if status, _ := env.do(t, "POST", "/registry/capabilities:grant", tAdmin, grant, nil); status != 200 {
		t.Fatalf("grant: %d", status)
	}
	status, body = env.do(t, "POST", "/registry/capabilities:grant", tAdmin,
		map[string]any{"address": string(tWit), "capability": "ROOT"}, nil)
	if status != 400 || errCode(body) != "UNKNOWN_CAPABILITY" {
		t.Fatalf("unknown capability: %d %v", status, body)
	}
	status, body = env.do(t, "GET", "/registry/capabilities/"+string(tWit), tAdmin, nil, nil)
	if status != 200 {
		t.Fatalf("list: %d", status)
	}
	caps := body["capabilities"].([]any)
	if len(caps) != 1 || caps[0] != "VERIFIER" {
		t.Fatalf("capabilities=%v", caps)
	}
}

func TestAccessKeyRoutes(t *testing.T) {
	env := newTestEnv(t)
	newcomer := testAddr('9')
	status, body := env.do(t, "POST", "/registry/access-keys", tAdmin,
		map[string]any{"address": string(newcomer)}, nil)
	if status != 201 {
		t.Fatalf("mint: %d %v", status, body)
	}
	key, _ := body["access_key"].(string)
	if key == "" {
		t.Fatalf("no key in response: %v", body)
	}
	env.keys[newcomer] = key
	if status, _ := env.do(t, "GET", "/registry/commitments/count", newcomer, nil, nil); status != 200 {
		t.Fatalf("minted key rejected: %d", status)
	}

	status, _ = env.do(t, "POST", "/registry/access-keys:revoke", tAdmin,
		map[string]any{"access_key": key}, nil)
	if status != 200 {
		t.Fatalf("revoke: %d", status)
	}
	if status, _ := env.do(t, "GET", "/registry/commitments/count", newcomer, nil, nil); status != 401 {
		t.Fatalf("revoked key accepted: %d", status)
	}
}

func TestWebhookRoutes(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, "POST", "/registry/webhooks", tAdmin,
		map[string]any{"url": "not a url", "secret": "whsec_0123456789abcdef"}, nil)
	if status != 400 {
		t.Fatalf("bad url accepted: %d %v", status, body)
	}
	status, body = env.do(t, "POST", "/registry/webhooks", tAdmin,
		map[string]any{"url": "https://consumer.example/hook", "secret": "whsec_0123456789abcdef"}, nil)
	if status != 201 {
		t.Fatalf("register: %d %v", status, body)
	}
	epID := body["endpoint"].(map[string]any)["endpoint_id"].(string)

	status, body = env.do(t, "GET", "/registry/webhooks", tOrigin, nil, nil)
	if status != 403 {
		t.Fatalf("non-admin list: %d %v", status, body)
	}
	status, body = env.do(t, "GET", "/registry/webhooks", tAdmin, nil, nil)
	if status != 200 || len(body["endpoints"].([]any)) != 1 {
		t.Fatalf("list: %d %v", status, body)
	}

	status, _ = env.do(t, "POST", "/registry/webhooks/"+epID+":revoke", tAdmin, nil, nil)
	if status != 200 {
		t.Fatalf("revoke: %d", status)
	}
	status, _ = env.do(t, "POST", "/registry/webhooks/missing:revoke", tAdmin, nil, nil)
	if status != 404 {
		t.Fatalf("revoke missing: %d", status)
	}
}

func TestSignOffEnvelopeCheckedAgainstFingerprint(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, "POST", "/registry/commitments", tOrigin, createBody(), nil)
	if status != 201 {
		t.Fatalf("create: %d %v", status, body)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	bad, err := signature.Sign(priv, strings.Repeat("ab", 32), time.Now(), "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	status, body = env.do(t, "POST", "/registry/commitments/1:signAsSigner", tSigner,
		map[string]any{"sign_off": bad}, nil)
	if status != 400 || errCode(body) != "BAD_SIGN_OFF" {
		t.Fatalf("mismatched envelope: %d %s", status, errCode(body))
	}
	status, body = env.do(t, "GET", "/registry/commitments/1", tSigner, nil, nil)
	if sigs := body["signatures"].(map[string]any); sigs["collected"].(float64) != 1 {
		t.Fatalf("rejected envelope must not sign: %v", body)
	}

	good, err := signature.Sign(priv, tFp, time.Now(), "key-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	status, body = env.do(t, "POST", "/registry/commitments/1:signAsSigner", tSigner,
		map[string]any{"sign_off": good}, nil)
	if status != 200 {
		t.Fatalf("sign with envelope: %d %v", status, body)
	}
	if body["status"] != "completed" {
		t.Fatalf("status: %v", body["status"])
	}
}

func TestCreateRejectsMalformedParticipants(t *testing.T) {
	env := newTestEnv(t)
	cases := []map[string]any{
		{"signer": "bob", "witnesses": []string{}, "fingerprint": tFp},
		{"signer": string(tSigner), "witnesses": []string{"not-an-address!"}, "fingerprint": tFp},
		{"signer": "0xabc", "witnesses": []string{}, "fingerprint": tFp},
	}
	for i, body := range cases {
		status, resp := env.do(t, "POST", "/registry/commitments", tOrigin, body, nil)
		if status != 400 || errCode(resp) != "BAD_IDENTITY" {
			t.Fatalf("case %d: got %d %s, want 400 BAD_IDENTITY", i, status, errCode(resp))
		}
	}
	status, body := env.do(t, "GET", "/registry/commitments/count", tOrigin, nil, nil)
	if status != 200 || body["count"].(float64) != 0 {
		t.Fatalf("malformed creates must not persist: %d %v", status, body)
	}
}
