package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/messaging"
	"github.com/ehr/fhirsub/internal/platform/notification"
	"github.com/ehr/fhirsub/internal/platform/websocket"
)

// NotificationChannel delivers a notification bundle over one transport.
type NotificationChannel interface {
	Kind() ChannelType
	Deliver(ctx context.Context, sub *Subscription, bundle fhir.Bundle) error
}

// HTTPDoer is the subset of *http.Client the rest-hook channel needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ---------------------------------------------------------------------------
// rest-hook
// ---------------------------------------------------------------------------

// RestHookChannel POSTs the bundle to the subscription endpoint.
// Timeouts are owned by the injected client.
type RestHookChannel struct {
	client HTTPDoer
}

func NewRestHookChannel(client HTTPDoer) *RestHookChannel {
	return &RestHookChannel{client: client}
}

func (c *RestHookChannel) Kind() ChannelType { return ChannelRestHook }

func (c *RestHookChannel) Deliver(ctx context.Context, sub *Subscription, bundle fhir.Bundle) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return &DeliveryError{Channel: ChannelRestHook, Err: fmt.Errorf("marshal bundle: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Channel.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Channel: ChannelRestHook, Err: fmt.Errorf("build request: %w", err)}
	}
	contentType := sub.Channel.Payload
	if contentType == "" {
		contentType = DefaultPayload
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range sub.Channel.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: ChannelRestHook, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Channel: ChannelRestHook, StatusCode: resp.StatusCode}
	}
	return nil
}

// ---------------------------------------------------------------------------
// websocket
// ---------------------------------------------------------------------------

// WebSocketChannel publishes the bundle on the subscription's hub topic.
// Publishing never blocks on slow or absent clients.
type WebSocketChannel struct {
	publisher websocket.EventPublisher
}

func NewWebSocketChannel(publisher websocket.EventPublisher) *WebSocketChannel {
	return &WebSocketChannel{publisher: publisher}
}

func (c *WebSocketChannel) Kind() ChannelType { return ChannelWebSocket }

func (c *WebSocketChannel) Deliver(ctx context.Context, sub *Subscription, bundle fhir.Bundle) error {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return &DeliveryError{Channel: ChannelWebSocket, Err: err}
	}
	event := websocket.Event{
		Type:           websocket.EventTypeNotification,
		Topic:          websocket.TopicForSubscription(sub.FHIRID),
		SubscriptionID: sub.FHIRID,
		Timestamp:      bundle.Timestamp,
		Notification:   raw,
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		return &DeliveryError{Channel: ChannelWebSocket, Err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// email / sms
// ---------------------------------------------------------------------------

func templateData(sub *Subscription, bundle fhir.Bundle) map[string]string {
	data := map[string]string{
		"subscription": sub.FHIRID,
		"criteria":     sub.Criteria,
		"timestamp":    bundle.Timestamp.Format(time.RFC3339),
	}
	if len(bundle.Entry) == 0 {
		return data
	}
	if status, ok := bundle.Entry[0].Resource.(fhir.SubscriptionStatus); ok && len(status.NotificationEvent) > 0 {
		ev := status.NotificationEvent[0]
		data["focus"] = ev.Focus.Reference
		data["event_number"] = strconv.FormatInt(ev.EventNumber, 10)
	}
	if len(bundle.Entry) > 1 {
		data["event"] = "change"
	} else {
		data["event"] = "removal"
	}
	return data
}

// EmailChannel renders a short message and hands it to an EmailSender.
// Endpoints take the form "mailto:address".
type EmailChannel struct {
	sender    notification.EmailSender
	templates *notification.TemplateEngine
}

func NewEmailChannel(sender notification.EmailSender, templates *notification.TemplateEngine) *EmailChannel {
	return &EmailChannel{sender: sender, templates: templates}
}

func (c *EmailChannel) Kind() ChannelType { return ChannelEmail }

func (c *EmailChannel) Deliver(ctx context.Context, sub *Subscription, bundle fhir.Bundle) error {
	to := strings.TrimPrefix(sub.Channel.Endpoint, "mailto:")
	if to == "" {
		return &DeliveryError{Channel: ChannelEmail, Err: fmt.Errorf("no recipient address")}
	}
	subject, body, err := c.templates.Render(notification.TemplateSubscriptionEmail, templateData(sub, bundle))
	if err != nil {
		return &DeliveryError{Channel: ChannelEmail, Err: err}
	}
	if err := c.sender.SendEmail(ctx, to, subject, body); err != nil {
		return &DeliveryError{Channel: ChannelEmail, Err: err}
	}
	return nil
}

// SMSChannel renders a one-line message and hands it to an SMSSender.
// Endpoints take the form "tel:+15551234567".
type SMSChannel struct {
	sender    notification.SMSSender
	templates *notification.TemplateEngine
}

func NewSMSChannel(sender notification.SMSSender, templates *notification.TemplateEngine) *SMSChannel {
	return &SMSChannel{sender: sender, templates: templates}
}

func (c *SMSChannel) Kind() ChannelType { return ChannelSMS }

func (c *SMSChannel) Deliver(ctx context.Context, sub *Subscription, bundle fhir.Bundle) error {
	to := strings.TrimPrefix(sub.Channel.Endpoint, "tel:")
	if to == "" {
		return &DeliveryError{Channel: ChannelSMS, Err: fmt.Errorf("no recipient number")}
	}
	_, body, err := c.templates.Render(notification.TemplateSubscriptionSMS, templateData(sub, bundle))
	if err != nil {
		return &DeliveryError{Channel: ChannelSMS, Err: err}
	}
	if err := c.sender.SendSMS(ctx, to, body); err != nil {
		return &DeliveryError{Channel: ChannelSMS, Err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// message
// ---------------------------------------------------------------------------

// MessageChannel hands the bundle to a message broker. With no publisher
// configured it only logs the delivery.
type MessageChannel struct {
	publisher messaging.Publisher
	logger    zerolog.Logger
}

// NewMessageChannel creates a message channel. publisher may be nil.
func NewMessageChannel(publisher messaging.Publisher, logger zerolog.Logger) *MessageChannel {
	return &MessageChannel{publisher: publisher, logger: logger}
}

func (c *MessageChannel) Kind() ChannelType { return ChannelMessage }

// BrokerChannel is the broker channel name a subscription publishes to.
func BrokerChannel(sub *Subscription) string {
	if sub.Channel.Endpoint != "" {
		return sub.Channel.Endpoint
	}
	return "fhir:subscription:" + sub.FHIRID
}

func (c *MessageChannel) Deliver(ctx context.Context, sub *Subscription, bundle fhir.Bundle) error {
	target := BrokerChannel(sub)
	if c.publisher == nil {
		c.logger.Info().
			Str("subscription", sub.FHIRID).
			Str("broker_channel", target).
			Str("bundle", bundle.ID).
			Msg("message notification (log only)")
		return nil
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return &DeliveryError{Channel: ChannelMessage, Err: err}
	}
	if err := c.publisher.Publish(ctx, target, raw); err != nil {
		return &DeliveryError{Channel: ChannelMessage, Err: err}
	}
	return nil
}
