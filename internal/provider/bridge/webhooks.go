package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/encryption"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
)

// ErrInvalidSignature is returned when a webhook signature does not match.
var ErrInvalidSignature = errors.New("invalid bridge webhook signature")

// RegisterWebhook subscribes the connection's item to the given events.
func (c *Client) RegisterWebhook(ctx context.Context, conn *model.Connection, sub provider.WebhookSubscription) (string, error) {
	if sub.URL == "" {
		return "", common.NewValidationError("url", "is required")
	}
	hc, err := c.userClient(conn)
	if err != nil {
		return "", err
	}

	events := make([]string, 0, len(sub.Events))
	for _, e := range sub.Events {
		events = append(events, string(e))
	}
	body := map[string]any{"url": sub.URL, "events": events}
	if conn.Metadata.ItemID != "" {
		body["item_id"] = conn.Metadata.ItemID
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, hc, http.MethodPost, "/v3/aggregation/webhooks", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// RemoveWebhook deletes a subscription. Missing subscriptions are ignored.
func (c *Client) RemoveWebhook(ctx context.Context, conn *model.Connection, webhookID string) error {
	if webhookID == "" {
		return nil
	}
	hc, err := c.userClient(conn)
	if err != nil {
		return err
	}
	err = c.do(ctx, hc, http.MethodDelete, "/v3/aggregation/webhooks/"+url.PathEscape(webhookID), nil, nil, nil)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	return err
}

// ValidateWebhookSignature checks a BridgeApi-Signature header of the form
// "v1=<hex>[,v1=<hex>...]" against the configured secret.
func (c *Client) ValidateWebhookSignature(_ context.Context, payload []byte, signature string) error {
	if c.webhookSecret == "" {
		return fmt.Errorf("%w: bridge webhook secret is not configured", common.ErrMissingConfig)
	}
	for _, part := range strings.Split(signature, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "v1=")
		if encryption.Verify(payload, part, c.webhookSecret) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type webhookPayload struct {
	Content struct {
		UserUUID   string `json:"user_uuid"`
		StatusInfo string `json:"status_code_info"`
		ItemID     int64  `json:"item_id"`
		AccountID  int64  `json:"account_id"`
		Status     *int   `json:"status"`
	} `json:"content"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ParseWebhook converts a native Bridge payload into the canonical envelope.
func (c *Client) ParseWebhook(payload []byte) (*model.WebhookEnvelope, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, common.NewValidationError("payload", "not valid JSON")
	}

	env := &model.WebhookEnvelope{
		ExternalID: strconv.FormatInt(p.Content.ItemID, 10),
		EventID:    fmt.Sprintf("%s:%d:%d", p.Type, p.Content.ItemID, p.Timestamp),
	}
	data := map[string]any{}

	switch p.Type {
	case "item.refreshed", "item.created":
		env.Type = model.EventTransactionCreated
	case "item.account.updated", "item.account.created":
		env.Type = model.EventAccountUpdated
		data["account_id"] = strconv.FormatInt(p.Content.AccountID, 10)
	case "item.status.updated", "item.status_changed":
		status := model.ConnectionError
		if p.Content.Status != nil {
			status = itemStatus(*p.Content.Status)
		}
		env.Type = model.EventConnectionStatusChanged
		if status == model.ConnectionExpired {
			env.Type = model.EventConnectionExpired
		}
		data["status"] = string(status)
		data["reason"] = p.Content.StatusInfo
	case "item.error":
		env.Type = model.EventConnectionError
		data["reason"] = p.Content.StatusInfo
	default:
		return nil, common.NewValidationError("type", "unknown bridge event "+p.Type)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook data: %w", err)
	}
	env.Data = raw
	return env, nil
}
