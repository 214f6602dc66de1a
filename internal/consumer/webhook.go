package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snehjoshi/epochbus/internal/scheduler"
	"github.com/snehjoshi/epochbus/internal/types"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret is set.
const SignatureHeader = "X-Epochbus-Signature"

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	ID          string            `json:"id,omitempty"`
	Stream      string            `json:"stream,omitempty"`
	Kind        string            `json:"kind"`
	Body        string            `json:"body,omitempty"` // base64-encoded
	Metadata    map[string]string `json:"metadata,omitempty"`
	PublishedAt int64             `json:"published_at,omitempty"`
	NodeID      string            `json:"node_id,omitempty"`
}

func payloadFor(msg types.Message) webhookPayload {
	p := webhookPayload{Kind: msg.Label()}
	if a := msg.Affinity(); a != nil && a != types.UnknownAffinity {
		p.Stream = a.Name()
	}
	if env, ok := msg.(*types.Envelope); ok {
		p.ID = env.ID
		p.Body = base64.StdEncoding.EncodeToString(env.Body)
		p.Metadata = env.Metadata
		p.PublishedAt = env.PublishedAt
		p.NodeID = env.NodeID
	}
	return p
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Webhook returns a consumer that POSTs each message to url as JSON. The
// consumer succeeds only when the endpoint responds 200 OK.
func Webhook(url, secret string, timeout time.Duration) scheduler.Consumer {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, msg types.Message) error {
		body, err := json.Marshal(payloadFor(msg))
		if err != nil {
			return fmt.Errorf("consumer: marshal payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("consumer: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if secret != "" {
			req.Header.Set(SignatureHeader, Sign(secret, body))
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("consumer: POST to %s: %w", url, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
}
