// Package registryclient is the gateway's thin HTTP client for the registry
// API. It forwards the caller's own access key, so the gateway adds no
// authority of its own.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
)

// Error carries the registry's stable error code through the gateway.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("registry: %s (%d): %s", e.Code, e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CommitmentView is the registry's commitment envelope as the gateway
// consumes it.
type CommitmentView struct {
	Commitment domain.Commitment `json:"commitment"`
	Status     domain.Status     `json:"status"`
	Signatures struct {
		Collected int `json:"collected"`
		Required  int `json:"required"`
	} `json:"signatures"`
}

type RoleView struct {
	CommitmentID int64       `json:"commitment_id"`
	Address      string      `json:"address"`
	Role         domain.Role `json:"role"`
}

func (c *Client) do(ctx context.Context, method, path, accessKey string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", accessKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &envelope)
		if envelope.Error.Code == "" {
			envelope.Error.Code = "UPSTREAM_ERROR"
			envelope.Error.Message = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (c *Client) Commitment(ctx context.Context, accessKey string, id int64) (CommitmentView, error) {
	var out CommitmentView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/commitments/%d", id), accessKey, nil, &out)
	return out, err
}

func (c *Client) Role(ctx context.Context, accessKey string, id int64) (RoleView, error) {
	var out RoleView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/commitments/%d/role", id), accessKey, nil, &out)
	return out, err
}

type CreateRequest struct {
	Signer      string   `json:"signer"`
	Witnesses   []string `json:"witnesses"`
	Fingerprint string   `json:"fingerprint"`
}

func (c *Client) Create(ctx context.Context, accessKey string, req CreateRequest) (CommitmentView, error) {
	var out CommitmentView
	err := c.do(ctx, http.MethodPost, "/commitments", accessKey, req, &out)
	return out, err
}

func (c *Client) SignAsSigner(ctx context.Context, accessKey string, id int64) (CommitmentView, error) {
	var out CommitmentView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/commitments/%d:signAsSigner", id), accessKey, nil, &out)
	return out, err
}

func (c *Client) SignAsWitness(ctx context.Context, accessKey string, id int64) (CommitmentView, error) {
	var out CommitmentView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/commitments/%d:signAsWitness", id), accessKey, nil, &out)
	return out, err
}
