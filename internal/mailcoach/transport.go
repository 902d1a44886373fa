// Package mailcoach implements a Provider that submits messages to the
// Mailcoach transactional-mail API.
package mailcoach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/mailcoach-relay/internal/email"
)

// sendPath is the transactional mail endpoint, relative to the host.
const sendPath = "/api/transactional-mails/send"

// defaultTimeout applies when no HTTP client is supplied.
const defaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept on the
// returned error. Longer bodies are cut to this length.
const maxErrorBody = 64 << 10

const tracerName = "github.com/shineum/mailcoach-relay/internal/mailcoach"

// Option configures a Transport.
type Option func(*Transport)

// WithHost sets the Mailcoach host, e.g. "domain.mailcoach.app".
func WithHost(host string) Option {
	return func(t *Transport) {
		t.SetHost(host)
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.httpClient = c
		}
	}
}

// WithTimeout sets the total request timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.timeout = d
	}
}

// WithHeader adds a header to every request. Accept, Authorization and
// Content-Type cannot be overridden this way.
func WithHeader(name, value string) Option {
	return func(t *Transport) {
		t.headers.Set(name, value)
	}
}

// WithTracerProvider sets where send spans are recorded. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Transport) {
		if tp != nil {
			t.tracer = tp.Tracer(tracerName)
		}
	}
}

// Transport sends messages through the Mailcoach API. It is safe for
// concurrent use as long as SetHost is not called during a Send.
type Transport struct {
	token      string
	host       string
	timeout    time.Duration
	headers    http.Header
	httpClient *http.Client
	tracer     trace.Tracer
}

// New creates a Transport authenticating with the given API token.
func New(token string, opts ...Option) *Transport {
	t := &Transport{
		token:   token,
		headers: make(http.Header),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(t)
	}

	switch {
	case t.httpClient == nil:
		timeout := t.timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		t.httpClient = &http.Client{Timeout: timeout}
	case t.timeout > 0:
		c := *t.httpClient
		c.Timeout = t.timeout
		t.httpClient = &c
	}

	return t
}

// SetHost changes the host used by subsequent sends. Any scheme or
// trailing slash is stripped; requests always use https.
func (t *Transport) SetHost(host string) {
	host = strings.TrimSpace(host)
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	t.host = strings.TrimRight(host, "/")
}

// Host returns the configured host.
func (t *Transport) Host() string {
	return t.host
}

// Name returns the provider name.
func (t *Transport) Name() string {
	return "mailcoach"
}

// Send submits msg and returns the number of recipients. It makes a single
// attempt; callers own any retry policy.
func (t *Transport) Send(ctx context.Context, msg email.Message) (int, error) {
	if t.host == "" {
		return 0, ErrNoHostSet
	}

	payload, err := BuildPayload(msg)
	if err != nil {
		return 0, err
	}

	ctx, span := t.tracer.Start(ctx, "mailcoach.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mailcoach.host", t.host),
			attribute.Int("mailcoach.recipients", RecipientCount(msg)),
		),
	)
	defer span.End()
	if payload.MailName != nil {
		span.SetAttributes(attribute.String("mailcoach.mail_name", *payload.MailName))
	}

	if err := t.post(ctx, span, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	return RecipientCount(msg), nil
}

// Endpoint returns the URL that Send posts to.
func (t *Transport) Endpoint() string {
	return "https://" + t.host + sendPath
}

func (t *Transport) post(ctx context.Context, span trace.Span, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mailcoach: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mailcoach: failed to create request: %w", err)
	}
	for name, values := range t.headers {
		req.Header[name] = append([]string(nil), values...)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	slog.Debug("sending transactional mail",
		"host", t.host,
		"subject", payload.Subject,
		"attachments", len(payload.Attachments),
	)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mailcoach: request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
	truncated := len(respBody) > maxErrorBody
	if truncated {
		respBody = respBody[:maxErrorBody]
	}
	slog.Warn("mailcoach rejected message",
		"host", t.host,
		"status", resp.StatusCode,
		"body_truncated", truncated,
	)
	return classifyError(resp.StatusCode, string(respBody))
}
