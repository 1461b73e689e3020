// Package notify delivers payment events to a downstream HTTP endpoint.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-payflow/internal/events"
	"github.com/noah-isme/toko-payflow/internal/obs"
	"github.com/noah-isme/toko-payflow/internal/resilience"
)

// ErrQueueFull is returned by Notify when the delivery queue has no room.
var ErrQueueFull = errors.New("notify: webhook queue full")

const defaultQueueSize = 256

// WebhookConfig configures a Webhook. With Tasks set, Notify enqueues asynq
// tasks instead of using the in-process queue.
type WebhookConfig struct {
	URL       string
	Secret    string
	Topics    []string
	HTTP      resilience.HTTPClient
	Replay    ReplayGuard
	QueueSize int
	Tasks     TaskEnqueuer
	MaxRetry  int
	Logger    zerolog.Logger
}

// Webhook is an events.Notifier that signs and POSTs events to one endpoint.
// Notify only enqueues; Run or the asynq task handler performs the deliveries.
type Webhook struct {
	url      string
	secret   string
	topics   map[string]struct{}
	http     resilience.HTTPClient
	replay   ReplayGuard
	logger   zerolog.Logger
	queue    chan events.Event
	tasks    TaskEnqueuer
	maxRetry int
	now      func() time.Time
}

// NewWebhook validates cfg and returns a webhook notifier.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if err := validateURL(cfg.URL); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("notify: webhook secret is required")
	}
	if cfg.HTTP.Client == nil {
		cfg.HTTP.Client = NewHTTPClient(5 * time.Second)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}
	var topics map[string]struct{}
	for _, t := range cfg.Topics {
		if t = strings.TrimSpace(t); t != "" {
			if topics == nil {
				topics = map[string]struct{}{}
			}
			topics[t] = struct{}{}
		}
	}
	return &Webhook{
		url:      cfg.URL,
		secret:   cfg.Secret,
		topics:   topics,
		http:     cfg.HTTP,
		replay:   cfg.Replay,
		logger:   cfg.Logger,
		queue:    make(chan events.Event, size),
		tasks:    cfg.Tasks,
		maxRetry: maxRetry,
		now:      time.Now,
	}, nil
}

// Notify implements events.Notifier.
func (w *Webhook) Notify(ctx context.Context, ev events.Event) error {
	if !w.wants(ev.Topic) {
		return nil
	}
	if w.tasks != nil {
		return w.enqueueTask(ctx, ev)
	}
	select {
	case w.queue <- ev:
		return nil
	default:
		obs.ObserveWebhookDelivery("dropped")
		return ErrQueueFull
	}
}

// Run delivers events from the in-process queue until ctx ends. Each event is
// attempted once through the HTTP client's retry budget and then dropped.
func (w *Webhook) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(w.queue); n > 0 {
				w.logger.Warn().Int("pending", n).Msg("webhook_queue_abandoned")
			}
			return nil
		case ev := <-w.queue:
			if _, err := w.Deliver(ctx, ev); err != nil {
				w.logger.Error().Err(err).
					Str("event_id", ev.ID).
					Str("topic", ev.Topic).
					Str("order_id", ev.OrderID).
					Msg("webhook_delivery_failed")
			}
		}
	}
}

// Deliver sends ev to the endpoint and returns the response status. A delivery
// whose ReplayKey was already claimed within the replay window is not sent
// again.
func (w *Webhook) Deliver(ctx context.Context, ev events.Event) (int, error) {
	ctx, span := otel.Tracer("notify.Webhook").Start(ctx, "Webhook.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.event_id", ev.ID),
		attribute.String("webhook.topic", ev.Topic),
		attribute.String("webhook.replay_key", ReplayKey(ev)),
	)

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = w.now()
	}
	body, err := json.Marshal(struct {
		EventID    string       `json:"eventId"`
		Topic      string       `json:"topic"`
		Data       events.Event `json:"data"`
		OccurredAt time.Time    `json:"occurredAt"`
	}{EventID: ev.ID, Topic: ev.Topic, Data: ev, OccurredAt: occurred})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	release := func() {}
	if w.replay != nil {
		claimed, ok, err := w.replay.TryClaim(ctx, ReplayKey(ev))
		if err != nil {
			span.RecordError(err)
			obs.ObserveWebhookDelivery("error")
			return 0, err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			obs.ObserveWebhookDelivery("replay_suppressed")
			return http.StatusOK, nil
		}
		release = claimed
	}

	status, err := w.send(ctx, ev.ID, body)
	if err != nil {
		span.RecordError(err)
		obs.ObserveWebhookDelivery("error")
		// a retried task must be able to claim again
		release()
		return status, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	obs.ObserveWebhookDelivery("delivered")
	return status, nil
}

func (w *Webhook) send(ctx context.Context, eventID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	ts := w.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "toko-payflow-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(w.secret, ts, eventID, body))

	resp, err := w.http.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("notify: endpoint responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (w *Webhook) wants(topic string) bool {
	if len(w.topics) == 0 {
		return true
	}
	_, ok := w.topics[topic]
	return ok
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NewHTTPClient returns an HTTP client configured for webhook delivery.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// ReplayKey is the identity a delivery is claimed under. A confirmed payment is
// delivered once per order whichever replica or confirmation path emitted it;
// every other event is claimed per emission.
func ReplayKey(ev events.Event) string {
	if ev.Topic == events.TopicPaymentSucceeded && ev.OrderID != "" {
		return ev.Topic + ":" + ev.OrderID
	}
	return "event:" + ev.ID
}

// ReplayGuard claims a replay key for the replay window. A successful claim is
// kept until it expires; release drops it early. lock.Locker satisfies it.
type ReplayGuard interface {
	TryClaim(ctx context.Context, id string) (release func(), ok bool, err error)
}

func validateURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	return nil
}
