package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"webhook-delivery-engine/internal/core/domain"
	"webhook-delivery-engine/internal/core/ports"

	"github.com/rs/zerolog"
)

// Headers set on every webhook request.
const (
	HeaderWebhookID        = "X-Webhook-Id"
	HeaderWebhookEvent     = "X-Webhook-Event"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// Error codes recorded for failed attempts, besides http_<status>.
const (
	ErrorCodeTimeout      = "timeout"
	ErrorCodeNetwork      = "network_error"
	ErrorCodeRequestBuild = "request_error"
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        *string         `json:"source,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

// DispatchResult is the outcome of one HTTP attempt. At most one field is set;
// neither is when the caller cancelled the attempt before it completed.
type DispatchResult struct {
	Delivered *domain.DeliveredOutcome
	Failed    *domain.FailedOutcome
}

// HTTPDispatcher attempts claimed deliveries over HTTP and classifies the result.
type HTTPDispatcher struct {
	client         HTTPClient
	signer         ports.SignatureService
	backoff        BackoffPolicy
	defaultTimeout time.Duration
	bodyLimit      int
	log            zerolog.Logger
	now            func() time.Time
}

// NewHTTPDispatcher creates a dispatcher. defaultTimeout applies to
// subscriptions without a delivery timeout; bodyLimit caps the stored response body.
func NewHTTPDispatcher(
	client HTTPClient,
	signer ports.SignatureService,
	backoff BackoffPolicy,
	defaultTimeout time.Duration,
	bodyLimit int,
	log zerolog.Logger,
) *HTTPDispatcher {
	return &HTTPDispatcher{
		client:         client,
		signer:         signer,
		backoff:        backoff,
		defaultTimeout: defaultTimeout,
		bodyLimit:      bodyLimit,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch sends one signed request for the work item.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, item domain.DeliveryWorkItem) DispatchResult {
	sub := item.Subscription
	delivery := item.Delivery

	body, err := json.Marshal(Envelope{
		ID:            item.Event.EventUUID.String(),
		Type:          item.Event.EventType,
		Source:        item.Event.Source,
		CorrelationID: item.Event.CorrelationID,
		OccurredAt:    item.Event.FirstQueuedAt,
		Data:          item.Event.Payload,
	})
	if err != nil {
		return d.failure(item, ErrorCodeRequestBuild, fmt.Sprintf("encode envelope: %v", err), nil, nil)
	}

	timestamp := d.now().Unix()
	headers := make(map[string]string, len(sub.StaticHeaders)+5)
	for k, v := range sub.StaticHeaders {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers[HeaderWebhookID] = delivery.DeliveryUUID.String()
	headers[HeaderWebhookEvent] = item.Event.EventType
	headers[HeaderWebhookTimestamp] = strconv.FormatInt(timestamp, 10)
	if sub.SigningSecret != "" {
		content := d.signer.BuildSignedContent(timestamp, body)
		headers[HeaderWebhookSignature] = SignaturePrefix + d.signer.Sign(sub.SigningSecret, content)
	}

	timeout := d.defaultTimeout
	if sub.DeliveryTimeoutMs > 0 {
		timeout = time.Duration(sub.DeliveryTimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return d.failure(item, ErrorCodeRequestBuild, err.Error(), nil, headers)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return DispatchResult{}
		}
		code := ErrorCodeNetwork
		if isTimeout(reqCtx, err) {
			code = ErrorCodeTimeout
		}
		return d.failure(item, code, err.Error(), nil, headers)
	}
	defer resp.Body.Close()

	respBody := d.readBody(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return DispatchResult{Delivered: &domain.DeliveredOutcome{
			ResponseCode: resp.StatusCode,
			ResponseBody: respBody,
			Headers:      headers,
			DeliveredAt:  d.now(),
		}}
	}

	status := resp.StatusCode
	msg := fmt.Sprintf("unexpected status %d", status)
	if respBody != "" {
		msg += ": " + respBody
	}
	return d.failure(item, "http_"+strconv.Itoa(status), msg, &status, headers)
}

func (d *HTTPDispatcher) failure(item domain.DeliveryWorkItem, code, msg string, status *int, headers map[string]string) DispatchResult {
	delivery := item.Delivery
	attempt := delivery.AttemptCount + 1
	out := &domain.FailedOutcome{
		ErrorCode:    code,
		ErrorMessage: msg,
		ResponseCode: status,
		Headers:      headers,
		Terminal:     IsFinalAttempt(delivery.AttemptCount, delivery.MaxAttempts),
	}
	if !out.Terminal {
		out.NextAttemptAt = d.backoff.NextAttemptAt(d.now(), item.Subscription.RetryBackoffSeconds, attempt)
	}
	return DispatchResult{Failed: out}
}

func (d *HTTPDispatcher) readBody(r io.Reader) string {
	limit := d.bodyLimit
	if limit <= 0 {
		_, _ = io.Copy(io.Discard, r)
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(r, int64(limit)))
	if err != nil {
		d.log.Debug().Err(err).Msg("reading webhook response body")
	}
	_, _ = io.Copy(io.Discard, r)
	return domain.Truncate(string(b), limit)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
