// Package recordsystem is the Go client for the commitment registry API.
// It wraps every registry operation in a typed method, retries transient
// failures with exponential backoff, and surfaces the registry's stable
// error codes as *Error values.
package recordsystem

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Error is a rejected API call. ErrorCode carries the registry's stable
// machine-readable code (e.g. ALREADY_SIGNED, MISSING_CAPABILITY).
type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("recordsystem sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// IsCode reports whether err is an API error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.ErrorCode == code
}

type AuthStrategy interface {
	Apply(req *http.Request, body []byte) error
}

// KeyAuth authenticates with a registry access key as a bearer token.
type KeyAuth struct{ AccessKey string }

func (a KeyAuth) Apply(req *http.Request, _ []byte) error {
	if strings.TrimSpace(a.AccessKey) == "" {
		return errors.New("access key is required")
	}
	req.Header.Set("Authorization", "Bearer "+a.AccessKey)
	return nil
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthStrategy
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func NewClient(baseURL string, auth AuthStrategy, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		auth:       auth,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

func NewIdempotencyKey() string { return newNonce() }

// Commitment mirrors the registry's commitment record.
type Commitment struct {
	ID                 int64          `json:"commitment_id"`
	Initiator          string         `json:"initiator"`
	Signer             string         `json:"signer"`
	Witnesses          []WitnessState `json:"witnesses"`
	Fingerprint        string         `json:"fingerprint"`
	CreatedAt          time.Time      `json:"created_at"`
	InitiatorSigned    bool           `json:"initiator_signed"`
	SignerSigned       bool           `json:"signer_signed"`
	SignerSignedAt     *time.Time     `json:"signer_signed_at,omitempty"`
	WitnessSignedCount int            `json:"witness_signed_count"`
	Completed          bool           `json:"is_completed"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	Frozen             bool           `json:"is_frozen"`
	Verified           bool           `json:"is_verified"`
	VerifiedAt         *time.Time     `json:"verified_at,omitempty"`
}

type WitnessState struct {
	Address  string     `json:"address"`
	Signed   bool       `json:"signed"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

type SignatureProgress struct {
	Collected int `json:"collected"`
	Required  int `json:"required"`
}

// CommitmentResult is the envelope every commitment operation returns.
type CommitmentResult struct {
	Commitment Commitment        `json:"commitment"`
	Status     string            `json:"status"`
	Signatures SignatureProgress `json:"signatures"`
	RequestID  string            `json:"request_id"`
}

type Event struct {
	ID           int64           `json:"event_id"`
	CommitmentID int64           `json:"commitment_id"`
	Seq          int64           `json:"seq"`
	Type         string          `json:"type"`
	Actor        string          `json:"actor"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PrevHash     string          `json:"prev_hash,omitempty"`
	EventHash    string          `json:"event_hash"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

type CreateCommitmentRequest struct {
	Signer      string   `json:"signer"`
	Witnesses   []string `json:"witnesses,omitempty"`
	Fingerprint string   `json:"fingerprint"`
	// IdempotencyKey makes the create safe to retry; replays return the
	// original response instead of a second commitment.
	IdempotencyKey string `json:"-"`
}

func (c *Client) CreateCommitment(ctx context.Context, req CreateCommitmentRequest) (*CommitmentResult, error) {
	var headers map[string]string
	if strings.TrimSpace(req.IdempotencyKey) != "" {
		headers = map[string]string{"Idempotency-Key": req.IdempotencyKey}
	}
	var out CommitmentResult
	if err := c.do(ctx, http.MethodPost, "/registry/commitments", req, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCommitment(ctx context.Context, id int64) (*CommitmentResult, error) {
	var out CommitmentResult
	if err := c.do(ctx, http.MethodGet, commitmentPath(id, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SignAsSigner(ctx context.Context, id int64) (*CommitmentResult, error) {
	return c.commitmentAction(ctx, id, ":signAsSigner")
}

func (c *Client) SignAsWitness(ctx context.Context, id int64) (*CommitmentResult, error) {
	return c.commitmentAction(ctx, id, ":signAsWitness")
}

func (c *Client) Freeze(ctx context.Context, id int64) (*CommitmentResult, error) {
	return c.commitmentAction(ctx, id, ":freeze")
}

func (c *Client) Unfreeze(ctx context.Context, id int64) (*CommitmentResult, error) {
	return c.commitmentAction(ctx, id, ":unfreeze")
}

func (c *Client) Verify(ctx context.Context, id int64) (*CommitmentResult, error) {
	return c.commitmentAction(ctx, id, ":verify")
}

func (c *Client) commitmentAction(ctx context.Context, id int64, action string) (*CommitmentResult, error) {
	var out CommitmentResult
	if err := c.do(ctx, http.MethodPost, commitmentPath(id, action), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CommitmentCount(ctx context.Context) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/registry/commitments/count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) CommitmentExists(ctx context.Context, id int64) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.do(ctx, http.MethodGet, commitmentPath(id, "/exists"), nil, nil, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

func (c *Client) WitnessSigned(ctx context.Context, id int64, address string) (bool, error) {
	var out struct {
		Signed bool `json:"signed"`
	}
	path := commitmentPath(id, "/witnesses/"+url.PathEscape(address))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return false, err
	}
	return out.Signed, nil
}

// RoleOf resolves the caller's role, or another address's role when address
// is non-empty.
func (c *Client) RoleOf(ctx context.Context, id int64, address string) (string, error) {
	path := commitmentPath(id, "/role")
	if strings.TrimSpace(address) != "" {
		path += "?address=" + url.QueryEscape(address)
	}
	var out struct {
		Role string `json:"role"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return "", err
	}
	return out.Role, nil
}

func (c *Client) Events(ctx context.Context, id int64) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, commitmentPath(id, "/events"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Bundle fetches the attestation bundle for a completed commitment as raw
// JSON, suitable for writing to disk and verifying offline.
func (c *Client) Bundle(ctx context.Context, id int64) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, commitmentPath(id, "/bundle"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Paused(ctx context.Context) (bool, error) {
	var out struct {
		Paused bool `json:"paused"`
	}
	if err := c.do(ctx, http.MethodGet, "/registry/status", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Paused, nil
}

func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/registry/:pause", nil, nil, nil)
}

func (c *Client) Unpause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/registry/:unpause", nil, nil, nil)
}

func (c *Client) GrantCapability(ctx context.Context, address, capability string) error {
	body := map[string]string{"address": address, "capability": capability}
	return c.do(ctx, http.MethodPost, "/registry/capabilities:grant", body, nil, nil)
}

func (c *Client) RevokeCapability(ctx context.Context, address, capability string) error {
	body := map[string]string{"address": address, "capability": capability}
	return c.do(ctx, http.MethodPost, "/registry/capabilities:revoke", body, nil, nil)
}

func (c *Client) Capabilities(ctx context.Context, address string) ([]string, error) {
	var out struct {
		Capabilities []string `json:"capabilities"`
	}
	path := "/registry/capabilities/" + url.PathEscape(address)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Capabilities, nil
}

// MintAccessKey mints an access key for an identity. The returned plaintext
// key is shown exactly once; the registry stores only its hash.
func (c *Client) MintAccessKey(ctx context.Context, address string) (string, error) {
	var out struct {
		AccessKey string `json:"access_key"`
	}
	body := map[string]string{"address": address}
	if err := c.do(ctx, http.MethodPost, "/registry/access-keys", body, nil, &out); err != nil {
		return "", err
	}
	return out.AccessKey, nil
}

func (c *Client) RevokeAccessKey(ctx context.Context, accessKey string) error {
	body := map[string]string{"access_key": accessKey}
	return c.do(ctx, http.MethodPost, "/registry/access-keys:revoke", body, nil, nil)
}

type WebhookEndpoint struct {
	ID        string     `json:"endpoint_id"`
	URL       string     `json:"url"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (c *Client) RegisterWebhook(ctx context.Context, endpointURL, secret string) (*WebhookEndpoint, error) {
	var out struct {
		Endpoint WebhookEndpoint `json:"endpoint"`
	}
	body := map[string]string{"url": endpointURL, "secret": secret}
	if err := c.do(ctx, http.MethodPost, "/registry/webhooks", body, nil, &out); err != nil {
		return nil, err
	}
	return &out.Endpoint, nil
}

func (c *Client) ListWebhooks(ctx context.Context) ([]WebhookEndpoint, error) {
	var out struct {
		Endpoints []WebhookEndpoint `json:"endpoints"`
	}
	if err := c.do(ctx, http.MethodGet, "/registry/webhooks", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Endpoints, nil
}

func (c *Client) RevokeWebhook(ctx context.Context, endpointID string) error {
	path := "/registry/webhooks/" + url.PathEscape(endpointID) + ":revoke"
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

func commitmentPath(id int64, suffix string) string {
	return "/registry/commitments/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	// mutations carrying an Idempotency-Key are safe to retry; so is every
	// read. Other mutations get one attempt.
	attempts := c.retry.MaxAttempts
	if method != http.MethodGet && headers["Idempotency-Key"] == "" {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "recordsystem-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.auth != nil {
			if err := c.auth.Apply(req, bodyBytes); err != nil {
				return err
			}
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return parseSDKError(resp.StatusCode, respBody)
	}
	return errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID, _ = obj["request_id"].(string)
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	out.Message, _ = obj["message"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func bigInt(v int64) *big.Int {
	if v <= 1 {
		v = 1
	}
	return big.NewInt(v)
}
