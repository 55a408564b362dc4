package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-settlement/internal/model"
)

// WebhookSink отправляет уведомления POST-запросом на адрес получателя.
// Запрос повторяется при сетевых ошибках, 429 и 5xx, поэтому получатель может увидеть событие повторно.
type WebhookSink struct {
	endpoint string
	client   *retryablehttp.Client
	now      func() time.Time
}

// NewWebhookSink создаёт отправителя уведомлений по указанному адресу.
func NewWebhookSink(baseURL string, logger *zap.Logger) *WebhookSink {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = 5 * time.Second

	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	if logger != nil {
		client.Logger = leveledLogger{logger.Sugar()}
	} else {
		client.Logger = nil
	}

	return &WebhookSink{
		endpoint: base + "/api/events",
		client:   client,
		now:      time.Now,
	}
}

// PublishOrderCreated отправляет уведомление о создании заказа.
func (s *WebhookSink) PublishOrderCreated(ctx context.Context, order model.Order) error {
	return s.send(ctx, NewEvent(EventOrderCreated, order, s.now()))
}

// PublishPaymentCompleted отправляет уведомление об оплате заказа.
func (s *WebhookSink) PublishPaymentCompleted(ctx context.Context, order model.Order) error {
	return s.send(ctx, NewEvent(EventPaymentCompleted, order, s.now()))
}

func (s *WebhookSink) send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", event.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver %s: unexpected status: %d", event.Type, resp.StatusCode)
	}

	return nil
}

// leveledLogger направляет журнал retryablehttp в zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
