package recordsystem

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/signature"
)

// SignOff is the detached envelope a caller may attach to a signing call to
// prove it saw the exact content being committed to. The registry checks it
// against the commitment's fingerprint and rejects the call with
// BAD_SIGN_OFF when it does not hold.
type SignOff = signature.Envelope

// BuildSignOff signs the given content fingerprint with an ed25519 key.
func BuildSignOff(priv ed25519.PrivateKey, fp string, keyID string) (SignOff, error) {
	return signature.Sign(priv, fp, time.Now(), keyID)
}

func (c *Client) SignAsSignerWithSignOff(ctx context.Context, id int64, env SignOff) (*CommitmentResult, error) {
	return c.signedAction(ctx, id, ":signAsSigner", env)
}

func (c *Client) SignAsWitnessWithSignOff(ctx context.Context, id int64, env SignOff) (*CommitmentResult, error) {
	return c.signedAction(ctx, id, ":signAsWitness", env)
}

func (c *Client) signedAction(ctx context.Context, id int64, action string, env SignOff) (*CommitmentResult, error) {
	body := map[string]any{"sign_off": env}
	var out CommitmentResult
	if err := c.do(ctx, http.MethodPost, commitmentPath(id, action), body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
