package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/fingerprint"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/httpx"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/gateway/internal/registryclient"
)

type gateway struct {
	rc           *registryclient.Client
	publicOrigin string
	// cache holds commitment views keyed by id. Role lookups are never
	// cached: they depend on the caller.
	cache *expirable.LRU[int64, registryclient.CommitmentView]
	log   *zap.Logger
}

func newGateway(rc *registryclient.Client, publicOrigin string, cacheSize int, cacheTTL time.Duration) *gateway {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &gateway{
		rc:           rc,
		publicOrigin: strings.TrimRight(publicOrigin, "/"),
		cache:        expirable.NewLRU[int64, registryclient.CommitmentView](cacheSize, nil, cacheTTL),
	}
}

func (g *gateway) shareURL(id int64) string {
	return fmt.Sprintf("%s/sign/%d", g.publicOrigin, id)
}

func (g *gateway) view(r *http.Request, id int64) (registryclient.CommitmentView, error) {
	if v, ok := g.cache.Get(id); ok {
		return v, nil
	}
	v, err := g.rc.Commitment(r.Context(), r.Header.Get("Authorization"), id)
	if err != nil {
		return registryclient.CommitmentView{}, err
	}
	g.cache.Add(id, v)
	return v, nil
}

func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var re *registryclient.Error
	if errors.As(err, &re) {
		httpx.WriteError(w, r, re.Status, re.Code, re.Message, nil)
		return
	}
	httpx.WriteError(w, r, http.StatusBadGateway, "REGISTRY_UNREACHABLE", "registry did not answer", nil)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "commitment_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// signAction names the signing action a role may take, if any.
func signAction(role domain.Role, v registryclient.CommitmentView) (string, string) {
	switch role {
	case domain.RoleInitiator:
		return "", "you signed at creation"
	case domain.RoleSigner:
		if v.Commitment.SignerSigned {
			return "", "your signature is already recorded"
		}
		return "signAsSigner", ""
	case domain.RoleWitness:
		return "signAsWitness", ""
	}
	return "", "you are not a participant of this commitment"
}

func newRouter(g *gateway, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(httpx.RequestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/view/fingerprint", func(w http.ResponseWriter, r *http.Request) {
		fp, err := readFingerprintContent(r)
		if err != nil {
			httpx.WriteError(w, r, 400, "BAD_CONTENT", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id":  httpx.RequestID(r),
			"fingerprint": fp,
		})
	})

	r.Post("/view/commitments", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Signer      string   `json:"signer"`
			Witnesses   []string `json:"witnesses"`
			Fingerprint string   `json:"fingerprint"`
			Content     string   `json:"content"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		fp := strings.TrimSpace(req.Fingerprint)
		if fp == "" && req.Content != "" {
			fp = fingerprint.SumBytes([]byte(req.Content))
		}
		v, err := g.rc.Create(r.Context(), r.Header.Get("Authorization"), registryclient.CreateRequest{
			Signer: req.Signer, Witnesses: req.Witnesses, Fingerprint: fp,
		})
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		g.cache.Add(v.Commitment.ID, v)
		httpx.WriteJSON(w, 201, map[string]any{
			"request_id": httpx.RequestID(r),
			"commitment": v.Commitment,
			"status":     v.Status,
			"share_url":  g.shareURL(v.Commitment.ID),
		})
	})

	r.Get("/view/commitments/{commitment_id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
			return
		}
		v, err := g.view(r, id)
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		role, err := g.rc.Role(r.Context(), r.Header.Get("Authorization"), id)
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.RequestID(r),
			"commitment": v.Commitment,
			"status":     v.Status,
			"signatures": v.Signatures,
			"your_role":  role.Role,
			"share_url":  g.shareURL(id),
		})
	})

	// the landing view behind a share link: what is this, and what can I do
	r.Get("/sign/{commitment_id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
			return
		}
		v, err := g.view(r, id)
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		role, err := g.rc.Role(r.Context(), r.Header.Get("Authorization"), id)
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		action, reason := signAction(role.Role, v)
		resp := map[string]any{
			"request_id":  httpx.RequestID(r),
			"commitment":  v.Commitment,
			"status":      v.Status,
			"your_role":   role.Role,
			"can_sign":    action != "",
			"fingerprint": v.Commitment.Fingerprint,
		}
		if action != "" {
			resp["action"] = action
		} else {
			resp["reason"] = reason
		}
		httpx.WriteJSON(w, 200, resp)
	})

	// one POST signs in whichever role the caller holds
	r.Post("/sign/{commitment_id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			httpx.WriteError(w, r, 400, "BAD_ID", "commitment id must be a positive integer", nil)
			return
		}
		accessKey := r.Header.Get("Authorization")
		role, err := g.rc.Role(r.Context(), accessKey, id)
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		var v registryclient.CommitmentView
		switch role.Role {
		case domain.RoleSigner:
			v, err = g.rc.SignAsSigner(r.Context(), accessKey, id)
		case domain.RoleWitness:
			v, err = g.rc.SignAsWitness(r.Context(), accessKey, id)
		case domain.RoleInitiator:
			httpx.WriteError(w, r, 409, "ALREADY_SIGNED", "initiator signs at creation", nil)
			return
		default:
			httpx.WriteError(w, r, 403, "NOT_A_PARTICIPANT", "caller has no role on this commitment", nil)
			return
		}
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		g.cache.Remove(id)
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.RequestID(r),
			"commitment": v.Commitment,
			"status":     v.Status,
			"signatures": v.Signatures,
		})
	})

	return r
}

// readFingerprintContent accepts either a multipart upload (field "file") or
// a raw body and returns its fingerprint.
func readFingerprintContent(r *http.Request) (string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		f, _, err := r.FormFile("file")
		if err != nil {
			return "", fmt.Errorf("multipart field %q is required", "file")
		}
		defer f.Close()
		return fingerprint.Sum(f)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", fmt.Errorf("request body is empty")
	}
	return fingerprint.Sum(strings.NewReader(string(body)))
}
