// Package optimize post-processes transcripts through an external
// text-completion service.
//
// Each [Request] names a provider from a closed table (see [Providers]), an
// [Intent] that selects a fixed Chinese prompt, and the text to rewrite. The
// [Optimizer] validates the request before any network traffic, then makes
// up to [MaxAttempts] HTTP attempts with a per-attempt timeout. A timed-out
// attempt waits [TimeoutBackoff] before the next one, any other failure waits
// [FailureBackoff]. A response that arrives but has the wrong shape counts as
// a failure and is retried like one; the last attempt reports [ErrParse].
//
// Optimizer holds no per-call state and is safe for concurrent use.
package optimize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tingxie/internal/observe"
	"github.com/MrWong99/tingxie/internal/resilience"
)

// Sentinel errors.
var (
	// ErrValidation is returned before any network call when the request is
	// incomplete.
	ErrValidation = errors.New("optimize: invalid request")

	// ErrTimeout marks an attempt that exceeded the per-attempt timeout.
	ErrTimeout = errors.New("optimize: request timed out")

	// ErrRequestFailed marks a transport error or a non-2xx response.
	ErrRequestFailed = errors.New("optimize: request failed")

	// ErrParse marks a response without the expected completion field.
	ErrParse = errors.New("optimize: unexpected response")
)

const (
	// SystemPrompt is sent with every request.
	SystemPrompt = "你是一个专业的中文文本优化助手，请始终用中文回复。"

	// Temperature is the sampling temperature for chat-shaped requests.
	Temperature = 0.3

	// MaxTokens caps the completion length.
	MaxTokens = 3000

	// AttemptTimeout bounds a single HTTP attempt.
	AttemptTimeout = 120 * time.Second

	// MaxAttempts is the number of HTTP attempts per call.
	MaxAttempts = 3

	// TimeoutBackoff is the wait after a timed-out attempt.
	TimeoutBackoff = 2 * time.Second

	// FailureBackoff is the wait after any other failed attempt.
	FailureBackoff = time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 8 << 20
)

// Request is a single optimisation call.
type Request struct {
	Provider ProviderID
	// Model defaults to the provider's first suggested model.
	Model string
	// BaseURL defaults to the provider's public endpoint.
	BaseURL string
	APIKey  string

	Intent            Intent
	CustomInstruction string
	Text              string
}

// Validate reports every problem with r, joined.
func (r Request) Validate() error {
	var errs []error
	p, ok := LookupProvider(r.Provider)
	if !ok {
		errs = append(errs, fmt.Errorf("%w: unknown provider %q", ErrValidation, r.Provider))
	} else if p.NeedsKey && strings.TrimSpace(r.APIKey) == "" {
		errs = append(errs, fmt.Errorf("%w: provider %q requires an API key", ErrValidation, p.ID))
	}
	if strings.TrimSpace(r.Text) == "" {
		errs = append(errs, fmt.Errorf("%w: text is empty", ErrValidation))
	}
	if _, err := BuildPrompt(r.Intent, r.CustomInstruction, r.Text); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Optimizer sends [Request]s to their provider.
type Optimizer struct {
	client         *http.Client
	attemptTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	metrics        *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Optimizer)

// WithHTTPClient sets the HTTP client. Default: a client whose transport is
// instrumented with OpenTelemetry.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Optimizer) { o.client = c }
}

// WithAttemptTimeout overrides [AttemptTimeout].
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Optimizer) {
		if d > 0 {
			o.attemptTimeout = d
		}
	}
}

// WithSleep replaces the wait between attempts. Tests use it to observe
// backoff without waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Optimizer) { o.sleep = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Optimizer) { o.metrics = m }
}

// New creates an Optimizer.
func New(opts ...Option) *Optimizer {
	o := &Optimizer{attemptTimeout: AttemptTimeout}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		o.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Optimize rewrites req.Text and returns the provider's answer.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (_ string, err error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	p, _ := LookupProvider(req.Provider)
	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}
	prompt, _ := BuildPrompt(req.Intent, req.CustomInstruction, req.Text)
	body, err := p.body(model, req.Intent.SystemPrompt(), prompt)
	if err != nil {
		return "", err
	}
	endpoint := p.url(req.BaseURL)

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "optimize",
		trace.WithAttributes(
			attribute.String("provider", string(p.ID)),
			attribute.String("model", model),
			attribute.String("intent", string(req.Intent)),
		))
	defer func() {
		o.metrics.OptimizeDuration.Record(ctx, time.Since(start).Seconds())
		observe.EndSpan(span, err)
	}()

	var out string
	err = resilience.Retry(ctx, resilience.RetryPolicy{
		Name:     "optimize/" + string(p.ID),
		Attempts: MaxAttempts,
		Delay: func(err error) time.Duration {
			if errors.Is(err, ErrTimeout) {
				return TimeoutBackoff
			}
			return FailureBackoff
		},
		Sleep: o.sleep,
	}, func(ctx context.Context, attempt int) error {
		text, err := o.attempt(ctx, p, endpoint, req.APIKey, body)
		o.metrics.RecordOptimizeAttempt(ctx, string(p.ID), outcome(err))
		if err != nil {
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		out = text
		return nil
	})

	var ex *resilience.ExhaustedError
	switch {
	case err == nil:
		observe.Logger(ctx).Info("optimize: text optimized",
			"provider", p.ID, "model", model, "intent", req.Intent,
			"in_chars", len([]rune(req.Text)), "out_chars", len([]rune(out)))
		return out, nil
	case errors.As(err, &ex):
		return "", fmt.Errorf("optimize: %s failed after %d attempts: %w", p.ID, ex.Attempts, ex.Last)
	default:
		return "", fmt.Errorf("optimize: %s: %w", p.ID, err)
	}
}

// attempt performs a single HTTP round trip bounded by the attempt timeout.
func (o *Optimizer) attempt(ctx context.Context, p Provider, endpoint, key string, body []byte) (string, error) {
	actx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	p.setHeaders(httpReq.Header, key)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", classify(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, snippet(data))
	}
	return p.parse(data)
}

// classify maps a transport error to ErrTimeout or ErrRequestFailed. A
// cancelled parent context is passed through unchanged.
func classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrRequestFailed, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrParse):
		return "parse_error"
	default:
		return "request_error"
	}
}

// snippet shortens a response body for error messages.
func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}
