package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/bundle"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/httpx"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/signature"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/auth"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/registry"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/store"
)

type callerKey struct{}

func callerFrom(r *http.Request) identity.Address {
	addr, _ := r.Context().Value(callerKey{}).(identity.Address)
	return addr
}

var validate = validator.New()

// statusFor maps the rule-error taxonomy onto transport status codes. The
// stable machine-readable part is the error code, not the status.
func statusFor(err error) int {
	kind, ok := domain.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAvailability:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeRuleError(w http.ResponseWriter, r *http.Request, err error) {
	var re *domain.RuleError
	if errors.As(err, &re) {
		httpx.WriteError(w, r, statusFor(err), re.Code, re.Message, nil)
		return
	}
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

func commitmentID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "commitment_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func commitmentBody(c domain.Commitment) map[string]any {
	return map[string]any{
		"commitment": c,
		"status":     c.Status(),
		"signatures": map[string]any{
			"collected": c.CollectedSignatures(),
			"required":  c.RequiredSignatures(),
		},
	}
}

func newRouter(reg *registry.Registry, st store.Store, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(httpx.RequestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/registry", func(api chi.Router) {
		api.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				addr, err := auth.Authenticate(r.Context(), st, r.Header.Get("Authorization"))
				if err != nil {
					if errors.Is(err, auth.ErrUnauthorized) {
						httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid access key", nil)
						return
					}
					httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, addr)))
			})
		})

		api.Post("/commitments", func(w http.ResponseWriter, r *http.Request) {
			caller := callerFrom(r)
			const endpoint = "POST /registry/commitments"
			idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if idemKey != "" {
				status, body, found, err := st.IdempotencyRecord(r.Context(), caller, idemKey, endpoint)
				if err == nil && found {
					w.Header().Set("content-type", "application/json")
					w.WriteHeader(status)
					_, _ = w.Write(body)
					return
				}
			}

			var req struct {
				Signer      string   `json:"signer"`
				Witnesses   []string `json:"witnesses"`
				Fingerprint string   `json:"fingerprint"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			witnesses := make([]identity.Address, len(req.Witnesses))
			for i, wAddr := range req.Witnesses {
				witnesses[i] = identity.Address(strings.ToLower(strings.TrimSpace(wAddr)))
			}
			c, err := reg.Create(r.Context(), caller, domain.CreateRequest{
				Signer:      identity.Address(strings.ToLower(strings.TrimSpace(req.Signer))),
				Witnesses:   witnesses,
				Fingerprint: strings.TrimSpace(req.Fingerprint),
			})
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			resp := commitmentBody(c)
			resp["request_id"] = httpx.RequestID(r)
			if idemKey != "" {
				httpx.WriteJSONRecorded(w, 201, resp, func(status int, body []byte) {
					_ = st.SaveIdempotencyRecord(r.Context(), caller, idemKey, endpoint, status, body)
				})
				return
			}
			httpx.WriteJSON(w, 201, resp)
		})

		api.Get("/commitments/count", func(w http.ResponseWriter, r *http.Request) {
			n, err := st.CommitmentCount(r.Context())
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "count": n})
		})

		api.Get("/commitments/{commitment_id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := commitmentID(r)
			if !ok {
				httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
				return
			}
			c, err := reg.Commitment(r.Context(), id)
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			resp := commitmentBody(c)
			resp["request_id"] = httpx.RequestID(r)
			httpx.WriteJSON(w, 200, resp)
		})

		api.Get("/commitments/{commitment_id}/exists", func(w http.ResponseWriter, r *http.Request) {
			id, ok := commitmentID(r)
			if !ok {
				httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
				return
			}
			exists, err := reg.Exists(r.Context(), id)
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "commitment_id": id, "exists": exists})
		})

		api.Get("/commitments/{commitment_id}/role", func(w http.ResponseWriter, r *http.Request) {
			id, ok := commitmentID(r)
			if !ok {
				httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
				return
			}
			subject := callerFrom(r)
			if q := strings.TrimSpace(r.URL.Query().Get("address")); q != "" {
				parsed, err := identity.Parse(q)
				if err != nil {
					writeRuleError(w, r, domain.ErrBadIdentity)
					return
				}
				subject = parsed
			}
			role, err := reg.RoleOf(r.Context(), id, subject)
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.RequestID(r), "commitment_id": id,
				"address": subject, "role": role,
			})
		})

		api.Get("/commitments/{commitment_id}/witnesses/{address}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := commitmentID(r)
			if !ok {
				httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
				return
			}
			addr, err := identity.Parse(chi.URLParam(r, "address"))
			if err != nil {
				writeRuleError(w, r, domain.ErrBadIdentity)
				return
			}
			signed, err := reg.WitnessSigned(r.Context(), id, addr)
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.RequestID(r), "commitment_id": id,
				"address": addr, "signed": signed,
			})
		})

		api.Get("/commitments/{commitment_id}/events", func(w http.ResponseWriter, r *http.Request) {
			id, ok := commitmentID(r)
			if !ok {
				httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
				return
			}
			exists, err := reg.Exists(r.Context(), id)
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			if !exists {
				writeRuleError(w, r, domain.ErrNotFound)
				return
			}
			evs, err := reg.Events(r.Context(), id)
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "commitment_id": id, "events": evs})
		})

		// the exported bundle is only meaningful once every signature is in
		api.Get("/commitments/{commitment_id}/bundle", func(w http.ResponseWriter, r *http.Request) {
			id, ok := commitmentID(r)
			if !ok {
				httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
				return
			}
			c, err := reg.Commitment(r.Context(), id)
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			if !c.Completed {
				writeRuleError(w, r, domain.ErrNotCompleted)
				return
			}
			evs, err := reg.Events(r.Context(), id)
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			b, err := bundle.Build(c, evs, time.Now())
			if err != nil {
				httpx.WriteError(w, r, 500, "INTERNAL", "bundle assembly failed", nil)
				return
			}
			httpx.WriteJSON(w, 200, b)
		})

		actionHandler := func(op func(context.Context, identity.Address, int64) (domain.Commitment, error)) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				id, ok := commitmentID(r)
				if !ok {
					httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
					return
				}
				c, err := op(r.Context(), callerFrom(r), id)
				if err != nil {
					writeRuleError(w, r, err)
					return
				}
				resp := commitmentBody(c)
				resp["request_id"] = httpx.RequestID(r)
				httpx.WriteJSON(w, 200, resp)
			}
		}

		// Sign routes accept an optional detached sign-off envelope proving
		// the caller saw the exact content being committed to. The envelope
		// is checked against the commitment's fingerprint before the
		// signature is applied.
		signHandler := func(op func(context.Context, identity.Address, int64) (domain.Commitment, error)) http.HandlerFunc {
			apply := actionHandler(op)
			return func(w http.ResponseWriter, r *http.Request) {
				id, ok := commitmentID(r)
				if !ok {
					httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
					return
				}
				var body struct {
					SignOff *signature.Envelope `json:"sign_off"`
				}
				if r.ContentLength != 0 {
					if err := httpx.ReadJSON(r, &body); err != nil {
						httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
						return
					}
				}
				if body.SignOff != nil {
					c, err := reg.Commitment(r.Context(), id)
					if err != nil {
						writeRuleError(w, r, err)
						return
					}
					if _, err := signature.Verify(*body.SignOff, c.Fingerprint); err != nil {
						httpx.WriteError(w, r, 400, domain.ErrBadSignOff.Code, domain.ErrBadSignOff.Message,
							map[string]any{"reason": err.Error()})
						return
					}
				}
				apply(w, r)
			}
		}
		api.Post("/commitments/{commitment_id}:signAsSigner", signHandler(reg.SignAsSigner))
		api.Post("/commitments/{commitment_id}:signAsWitness", signHandler(reg.SignAsWitness))
		api.Post("/commitments/{commitment_id}:freeze", actionHandler(reg.Freeze))
		api.Post("/commitments/{commitment_id}:unfreeze", actionHandler(reg.Unfreeze))
		api.Post("/commitments/{commitment_id}:verify", actionHandler(reg.Verify))

		api.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			paused, err := reg.Paused(r.Context())
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "paused": paused})
		})

		pauseHandler := func(op func(context.Context, identity.Address) error, paused bool) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				if err := op(r.Context(), callerFrom(r)); err != nil {
					writeRuleError(w, r, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "paused": paused})
			}
		}
		api.Post("/:pause", pauseHandler(reg.Pause, true))
		api.Post("/:unpause", pauseHandler(reg.Unpause, false))

		capHandler := func(op func(context.Context, identity.Address, identity.Address, domain.Capability) error) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Address    string `json:"address"`
					Capability string `json:"capability"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
					return
				}
				subject, err := identity.Parse(req.Address)
				if err != nil {
					writeRuleError(w, r, domain.ErrBadIdentity)
					return
				}
				if err := op(r.Context(), callerFrom(r), subject, domain.Capability(req.Capability)); err != nil {
					writeRuleError(w, r, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{
					"request_id": httpx.RequestID(r),
					"address":    subject, "capability": req.Capability,
				})
			}
		}
		api.Post("/capabilities:grant", capHandler(reg.GrantCapability))
		api.Post("/capabilities:revoke", capHandler(reg.RevokeCapability))

		api.Get("/capabilities/{address}", func(w http.ResponseWriter, r *http.Request) {
			addr, err := identity.Parse(chi.URLParam(r, "address"))
			if err != nil {
				writeRuleError(w, r, domain.ErrBadIdentity)
				return
			}
			caps, err := reg.Capabilities(r.Context(), addr)
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.RequestID(r),
				"address":    addr, "capabilities": caps.List(),
			})
		})

		api.Post("/access-keys", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Address string `json:"address" validate:"required"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := validate.Struct(req); err != nil {
				httpx.WriteError(w, r, 400, "BAD_REQUEST", err.Error(), nil)
				return
			}
			subject, err := identity.Parse(req.Address)
			if err != nil {
				writeRuleError(w, r, domain.ErrBadIdentity)
				return
			}
			key, err := auth.NewKey()
			if err != nil {
				httpx.WriteError(w, r, 500, "INTERNAL", "key generation failed", nil)
				return
			}
			if err := reg.MintAccessKey(r.Context(), callerFrom(r), subject, auth.HashKey(key)); err != nil {
				writeRuleError(w, r, err)
				return
			}
			// the plaintext key appears in this response and nowhere else
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.RequestID(r),
				"address":    subject, "access_key": key,
			})
		})

		api.Post("/access-keys:revoke", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AccessKey string `json:"access_key"`
				KeyHash   string `json:"key_hash"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			hash := strings.TrimSpace(req.KeyHash)
			if hash == "" && req.AccessKey != "" {
				hash = auth.HashKey(req.AccessKey)
			}
			if hash == "" {
				httpx.WriteError(w, r, 400, "BAD_REQUEST", "access_key or key_hash is required", nil)
				return
			}
			if err := reg.RevokeAccessKey(r.Context(), callerFrom(r), hash); err != nil {
				if errors.Is(err, store.ErrNoSuchAccessKey) {
					httpx.WriteError(w, r, 404, "NOT_FOUND", "access key not found", nil)
					return
				}
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "revoked": true})
		})

		api.Post("/webhooks", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				URL    string `json:"url" validate:"required,url"`
				Secret string `json:"secret" validate:"required,min=16"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := validate.Struct(req); err != nil {
				httpx.WriteError(w, r, 400, "BAD_REQUEST", err.Error(), nil)
				return
			}
			ep := store.Endpoint{
				ID:        "ep_" + uuid.NewString(),
				URL:       req.URL,
				Secret:    req.Secret,
				CreatedAt: time.Now().UTC(),
			}
			if err := reg.RegisterWebhook(r.Context(), callerFrom(r), ep); err != nil {
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.RequestID(r),
				"endpoint":   ep,
			})
		})

		api.Get("/webhooks", func(w http.ResponseWriter, r *http.Request) {
			caps, err := reg.Capabilities(r.Context(), callerFrom(r))
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			if !caps.Has(domain.CapAdministrator) {
				writeRuleError(w, r, domain.MissingCapability(domain.CapAdministrator))
				return
			}
			eps, err := st.ListEndpoints(r.Context())
			if err != nil {
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "endpoints": eps})
		})

		api.Post("/webhooks/{endpoint_id}:revoke", func(w http.ResponseWriter, r *http.Request) {
			endpointID := chi.URLParam(r, "endpoint_id")
			if err := reg.RevokeWebhook(r.Context(), callerFrom(r), endpointID); err != nil {
				if errors.Is(err, store.ErrNoSuchEndpoint) {
					httpx.WriteError(w, r, 404, "NOT_FOUND", "webhook endpoint not found", nil)
					return
				}
				writeRuleError(w, r, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "endpoint_id": endpointID, "revoked": true})
		})
	})

	return r
}
