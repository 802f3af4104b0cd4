package recordsystem

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"count": 0})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, KeyAuth{AccessKey: "rk_abc"})
	if _, err := c.CommitmentCount(context.Background()); err != nil {
		t.Fatalf("count: %v", err)
	}
	if gotAuth != "Bearer rk_abc" {
		t.Fatalf("auth header %q", gotAuth)
	}

	c = NewClient(srv.URL, KeyAuth{})
	if _, err := c.CommitmentCount(context.Background()); err == nil {
		t.Fatalf("empty key must fail before sending")
	}
}

func TestCreateCommitmentDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/registry/commitments" || r.Method != http.MethodPost {
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "idem-42" {
			t.Fatalf("idempotency key %q", got)
		}
		var req CreateCommitmentRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(201)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request_id": "req_1",
			"status":     "pending",
			"signatures": map[string]int{"collected": 1, "required": 3},
			"commitment": map[string]any{
				"commitment_id": 7, "signer": req.Signer, "fingerprint": req.Fingerprint,
				"initiator_signed": true,
				"witnesses": []map[string]any{
					{"address": req.Witnesses[0], "signed": false},
				},
				"created_at": time.Now().UTC(),
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, KeyAuth{AccessKey: "rk"})
	res, err := c.CreateCommitment(context.Background(), CreateCommitmentRequest{
		Signer:         "0xsigner",
		Witnesses:      []string{"0xwitness"},
		Fingerprint:    "0xfp",
		IdempotencyKey: "idem-42",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Commitment.ID != 7 || !res.Commitment.InitiatorSigned || res.Status != "pending" {
		t.Fatalf("result %+v", res)
	}
	if res.Signatures.Required != 3 || len(res.Commitment.Witnesses) != 1 {
		t.Fatalf("result %+v", res)
	}
}

func TestErrorParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request_id": "req_9",
			"error": map[string]any{
				"code": "ALREADY_SIGNED", "message": "signature already recorded",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, KeyAuth{AccessKey: "rk"})
	_, err := c.SignAsSigner(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsCode(err, "ALREADY_SIGNED") {
		t.Fatalf("IsCode: %v", err)
	}
	var e *Error
	if !asError(err, &e) || e.StatusCode != 409 || e.RequestID != "req_9" {
		t.Fatalf("error %+v", err)
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}

func TestRetriesTransientStatusOnReads(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(503)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"paused": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, KeyAuth{AccessKey: "rk"},
		WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	paused, err := c.Paused(context.Background())
	if err != nil || !paused {
		t.Fatalf("paused: %v %v", paused, err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestMutationsWithoutIdempotencyKeyNeverRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(503)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "REGISTRY_PAUSED", "message": "registry is paused"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, KeyAuth{AccessKey: "rk"},
		WithRetry(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	if _, err := c.SignAsWitness(context.Background(), 1); !IsCode(err, "REGISTRY_PAUSED") {
		t.Fatalf("err: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("blind mutation retried %d times", hits.Load())
	}
}

func TestBundleReturnsRawJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/registry/commitments/3/bundle" {
			t.Fatalf("path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"bundle_version":"commitment-v1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, KeyAuth{AccessKey: "rk"})
	raw, err := c.Bundle(context.Background(), 3)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj["bundle_version"] != "commitment-v1" {
		t.Fatalf("raw %s", raw)
	}
}
