// Package notify delivers best-effort push notifications to actors who may
// not have a live connection.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Notification struct {
	ActorID string            `json:"actorId"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// HTTPNotifier posts JSON to a push relay (FCM/web-push gateway) using a
// bearer server key.
type HTTPNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPNotifier(endpoint, key string) *HTTPNotifier {
	return &HTTPNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	body := map[string]any{"message": map[string]any{
		"actor":        n.ActorID,
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         n.Data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Key != "" {
		req.Header.Set("Authorization", "Bearer "+h.Key)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s: %w", n.ActorID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %s: status %d", n.ActorID, resp.StatusCode)
	}
	return nil
}
