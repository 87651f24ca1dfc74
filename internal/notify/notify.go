// Package notify hands escalation notifications to an external dispatcher.
// Delivery is fire-and-forget: a failed dispatch is logged by the sink and
// never surfaces to the escalation engine, because the escalation event's
// existence is the durable fact, not its notification.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gregdigittal/agreement-automation-sub002/internal/config"
)

// Request addresses a role, not a specific user; resolving the role to
// recipients is the dispatcher's concern.
type Request struct {
	Role       string `json:"role"`
	ContractID string `json:"contract_id"`
	StageName  string `json:"stage_name"`
	Tier       int    `json:"tier"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req Request)
}

// LogDispatcher writes notification requests to a logger. It is the default
// sink for local workspaces.
type LogDispatcher struct {
	Logger *log.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, req Request) {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("escalation notify: role=%s contract=%s stage=%q tier=%d", req.Role, req.ContractID, req.StageName, req.Tier)
}

// FromConfig picks the dispatcher for a loaded configuration: the webhook
// sink when one is configured, the log otherwise.
func FromConfig(cfg *config.Config) Dispatcher {
	if cfg != nil && cfg.Notifications.Webhook.URL != "" {
		hook := cfg.Notifications.Webhook
		return WebhookDispatcher{
			URL:     hook.URL,
			Secret:  hook.Secret,
			Timeout: time.Duration(hook.TimeoutSeconds) * time.Second,
		}
	}
	return LogDispatcher{}
}

const defaultDispatchTimeout = 5 * time.Second

// WebhookDispatcher posts notification requests to an external endpoint.
type WebhookDispatcher struct {
	URL     string
	Secret  string
	Client  *http.Client
	Timeout time.Duration
}

func (d WebhookDispatcher) Dispatch(ctx context.Context, req Request) {
	if err := d.post(ctx, req); err != nil {
		log.Printf("escalation notify: deliver to %s failed: %v", d.URL, err)
	}
}

func (d WebhookDispatcher) post(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.Secret != "" {
		httpReq.Header.Set("X-Agreements-Secret", d.Secret)
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	return nil
}
