package main

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/fingerprint"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/gateway/internal/registryclient"
)

// fakeRegistry speaks just enough of the registry wire format to exercise
// the gateway.
type fakeRegistry struct {
	commitment   domain.Commitment
	roleByKey    map[string]domain.Role
	commitHits   atomic.Int32
	signerSigns  atomic.Int32
	witnessSigns atomic.Int32
}

func (f *fakeRegistry) handler() http.Handler {
	mux := http.NewServeMux()
	writeView := func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commitment": f.commitment,
			"status":     f.commitment.Status(),
			"signatures": map[string]any{
				"collected": f.commitment.CollectedSignatures(),
				"required":  f.commitment.RequiredSignatures(),
			},
		})
	}
	mux.HandleFunc("/commitments/1", func(w http.ResponseWriter, r *http.Request) {
		f.commitHits.Add(1)
		writeView(w)
	})
	mux.HandleFunc("/commitments/404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "NOT_FOUND", "message": "commitment does not exist"},
		})
	})
	mux.HandleFunc("/commitments/1/role", func(w http.ResponseWriter, r *http.Request) {
		role := f.roleByKey[r.Header.Get("Authorization")]
		if role == "" {
			role = domain.RoleNone
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"commitment_id": 1, "role": role})
	})
	mux.HandleFunc("/commitments/1:signAsSigner", func(w http.ResponseWriter, r *http.Request) {
		f.signerSigns.Add(1)
		f.commitment.SignerSigned = true
		writeView(w)
	})
	mux.HandleFunc("/commitments/1:signAsWitness", func(w http.ResponseWriter, r *http.Request) {
		f.witnessSigns.Add(1)
		writeView(w)
	})
	mux.HandleFunc("/commitments", func(w http.ResponseWriter, r *http.Request) {
		var req registryclient.CreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Fingerprint == "" {
			w.WriteHeader(400)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "EMPTY_FINGERPRINT", "message": "fingerprint must not be empty"},
			})
			return
		}
		f.commitment.Fingerprint = req.Fingerprint
		w.WriteHeader(201)
		writeView(w)
	})
	return mux
}

func newGatewayEnv(t *testing.T) (*fakeRegistry, *httptest.Server) {
	t.Helper()
	fr := &fakeRegistry{
		commitment: domain.Commitment{
			ID: 1, Initiator: identity.Address("0x" + strings.Repeat("1", 40)),
			Signer:          identity.Address("0x" + strings.Repeat("2", 40)),
			Fingerprint:     "0x" + strings.Repeat("ab", 32),
			InitiatorSigned: true,
		},
		roleByKey: map[string]domain.Role{
			"Bearer key-signer":  domain.RoleSigner,
			"Bearer key-witness": domain.RoleWitness,
			"Bearer key-init":    domain.RoleInitiator,
		},
	}
	upstream := httptest.NewServer(fr.handler())
	t.Cleanup(upstream.Close)

	g := newGateway(registryclient.New(upstream.URL), "https://records.example", 16, time.Minute)
	srv := httptest.NewServer(newRouter(g, zap.NewNop()))
	t.Cleanup(srv.Close)
	return fr, srv
}

func gwDo(t *testing.T, srv *httptest.Server, method, path, key string, body io.Reader, contentType string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestViewCommitmentWithShareURLAndCaching(t *testing.T) {
	fr, srv := newGatewayEnv(t)

	status, body := gwDo(t, srv, "GET", "/view/commitments/1", "key-signer", nil, "")
	if status != 200 {
		t.Fatalf("status=%d body=%v", status, body)
	}
	if body["share_url"] != "https://records.example/sign/1" {
		t.Fatalf("share_url=%v", body["share_url"])
	}
	if body["your_role"] != "signer" {
		t.Fatalf("your_role=%v", body["your_role"])
	}

	// second read hits the cache for the record, not the registry
	status, body = gwDo(t, srv, "GET", "/view/commitments/1", "key-witness", nil, "")
	if status != 200 || body["your_role"] != "witness" {
		t.Fatalf("status=%d role=%v", status, body["your_role"])
	}
	if got := fr.commitHits.Load(); got != 1 {
		t.Fatalf("commitment fetched %d times, cache miss", got)
	}
}

func TestViewCommitmentUpstreamErrorPassthrough(t *testing.T) {
	_, srv := newGatewayEnv(t)
	status, body := gwDo(t, srv, "GET", "/view/commitments/404", "key-signer", nil, "")
	if status != 404 {
		t.Fatalf("status=%d body=%v", status, body)
	}
	if e := body["error"].(map[string]any); e["code"] != "NOT_FOUND" {
		t.Fatalf("error=%v", e)
	}
}

func TestSignLandingShowsActionPerRole(t *testing.T) {
	_, srv := newGatewayEnv(t)

	status, body := gwDo(t, srv, "GET", "/sign/1", "key-signer", nil, "")
	if status != 200 || body["can_sign"] != true || body["action"] != "signAsSigner" {
		t.Fatalf("signer landing: %d %v", status, body)
	}
	status, body = gwDo(t, srv, "GET", "/sign/1", "key-init", nil, "")
	if status != 200 || body["can_sign"] != false {
		t.Fatalf("initiator landing: %d %v", status, body)
	}
	status, body = gwDo(t, srv, "GET", "/sign/1", "key-nobody", nil, "")
	if status != 200 || body["can_sign"] != false {
		t.Fatalf("stranger landing: %d %v", status, body)
	}
}

func TestPostSignDispatchesByRole(t *testing.T) {
	fr, srv := newGatewayEnv(t)

	if status, _ := gwDo(t, srv, "POST", "/sign/1", "key-witness", nil, ""); status != 200 {
		t.Fatalf("witness sign status=%d", status)
	}
	if status, _ := gwDo(t, srv, "POST", "/sign/1", "key-signer", nil, ""); status != 200 {
		t.Fatalf("signer sign status=%d", status)
	}
	if fr.witnessSigns.Load() != 1 || fr.signerSigns.Load() != 1 {
		t.Fatalf("sign dispatch: witness=%d signer=%d", fr.witnessSigns.Load(), fr.signerSigns.Load())
	}

	status, body := gwDo(t, srv, "POST", "/sign/1", "key-init", nil, "")
	if status != 409 {
		t.Fatalf("initiator sign: %d %v", status, body)
	}
	status, body = gwDo(t, srv, "POST", "/sign/1", "key-nobody", nil, "")
	if status != 403 {
		t.Fatalf("stranger sign: %d %v", status, body)
	}
}

func TestCreateViaContentHashing(t *testing.T) {
	_, srv := newGatewayEnv(t)
	content := "the agreement text"
	reqBody, _ := json.Marshal(map[string]any{
		"signer":  "0x" + strings.Repeat("2", 40),
		"content": content,
	})
	status, body := gwDo(t, srv, "POST", "/view/commitments", "key-init", bytes.NewReader(reqBody), "application/json")
	if status != 201 {
		t.Fatalf("create: %d %v", status, body)
	}
	want := fingerprint.SumBytes([]byte(content))
	if got := body["commitment"].(map[string]any)["fingerprint"]; got != want {
		t.Fatalf("fingerprint=%v want %v", got, want)
	}
	if body["share_url"] != "https://records.example/sign/1" {
		t.Fatalf("share_url=%v", body["share_url"])
	}
}

func TestFingerprintEndpoint(t *testing.T) {
	_, srv := newGatewayEnv(t)

	// raw body
	status, body := gwDo(t, srv, "POST", "/view/fingerprint", "", strings.NewReader("hello"), "text/plain")
	if status != 200 {
		t.Fatalf("raw: %d %v", status, body)
	}
	if body["fingerprint"] != fingerprint.SumBytes([]byte("hello")) {
		t.Fatalf("fingerprint=%v", body["fingerprint"])
	}

	// multipart upload
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "doc.txt")
	_, _ = fw.Write([]byte("hello"))
	_ = mw.Close()
	status, body = gwDo(t, srv, "POST", "/view/fingerprint", "", &buf, mw.FormDataContentType())
	if status != 200 || body["fingerprint"] != fingerprint.SumBytes([]byte("hello")) {
		t.Fatalf("multipart: %d %v", status, body)
	}

	// empty body rejected
	status, _ = gwDo(t, srv, "POST", "/view/fingerprint", "", nil, "text/plain")
	if status != 400 {
		t.Fatalf("empty: %d", status)
	}
}
