package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookNotifier posts renderables as JSON to a configured hook URL. The
// hook answers a post with a message reference that is echoed back on update.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookRequest struct {
	Identity   string     `json:"identity,omitempty"`
	MessageRef MessageRef `json:"message_ref,omitempty"`
	Renderable Renderable `json:"renderable"`
}

func (n *WebhookNotifier) PostNotification(ctx context.Context, identity string, r Renderable) (MessageRef, error) {
	var out struct {
		MessageRef MessageRef `json:"message_ref"`
	}
	if err := n.post(ctx, webhookRequest{Identity: identity, Renderable: r}, &out); err != nil {
		return "", err
	}
	return out.MessageRef, nil
}

func (n *WebhookNotifier) UpdateNotification(ctx context.Context, ref MessageRef, r Renderable) error {
	return n.post(ctx, webhookRequest{MessageRef: ref, Renderable: r}, nil)
}

func (n *WebhookNotifier) post(ctx context.Context, in webhookRequest, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifier webhook: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("notifier webhook: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notifier webhook: status %d: %s", resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("notifier webhook: decoding response: %w", err)
		}
	}
	return nil
}

// Nop discards all notifications. Used when no webhook URL is configured.
type Nop struct{}

func (Nop) PostNotification(ctx context.Context, identity string, r Renderable) (MessageRef, error) {
	return "", nil
}

func (Nop) UpdateNotification(ctx context.Context, ref MessageRef, r Renderable) error {
	return nil
}
