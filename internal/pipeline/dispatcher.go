// Package pipeline turns a queued chat message into a delivered reply:
// retrieve tenant context, compose a prompt, ask the LLM, route the answer.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/tenantbot/internal/answer"
	"github.com/kalambet/tenantbot/internal/composer"
	"github.com/kalambet/tenantbot/internal/intake"
	"github.com/kalambet/tenantbot/internal/reply"
	"github.com/kalambet/tenantbot/internal/retrieval"
	"github.com/kalambet/tenantbot/internal/storage"
	"github.com/kalambet/tenantbot/internal/telemetry"
)

const tracerName = "github.com/kalambet/tenantbot/internal/pipeline"

// ContextRetriever finds the tenant's knowledge chunks relevant to a text.
type ContextRetriever interface {
	Retrieve(ctx context.Context, tenantID, query string, k int) ([]retrieval.ScoredChunk, error)
}

// AnswerGenerator produces a structured answer for a prompt. It always
// returns a usable Response; the error reports an LLM failure.
type AnswerGenerator interface {
	Generate(ctx context.Context, prompt string) (answer.Response, error)
}

// ReplyRouter delivers a reply and contains its own failures.
type ReplyRouter interface {
	Dispatch(ctx context.Context, t reply.Target, text string, media []string)
}

// MetricLogger records telemetry without blocking.
type MetricLogger interface {
	Log(tenantID, metricType string, value float64, details string)
}

// Dispatcher processes one message at a time for a tenant's worker.
type Dispatcher struct {
	retriever       ContextRetriever
	composer        *composer.Composer
	generator       AnswerGenerator
	router          ReplyRouter
	metrics         MetricLogger
	topK            int
	defaultPlatform string
	tracer          trace.Tracer
}

// Config holds Dispatcher settings.
type Config struct {
	// TopK is the number of context chunks retrieved per message (default 3).
	TopK int
	// DefaultPlatform is used when a message carries no platform.
	DefaultPlatform string
}

func NewDispatcher(
	retriever ContextRetriever,
	comp *composer.Composer,
	generator AnswerGenerator,
	router ReplyRouter,
	metrics MetricLogger,
	cfg Config,
) *Dispatcher {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.DefaultPlatform == "" {
		cfg.DefaultPlatform = reply.PlatformTelegram
	}
	return &Dispatcher{
		retriever:       retriever,
		composer:        comp,
		generator:       generator,
		router:          router,
		metrics:         metrics,
		topK:            cfg.TopK,
		defaultPlatform: cfg.DefaultPlatform,
		tracer:          otel.Tracer(tracerName),
	}
}

// Handle is the queue processor. Only an unreadable payload is reported as
// an error; every other failure ends in a delivered fallback.
func (d *Dispatcher) Handle(ctx context.Context, job storage.Job) error {
	var msg intake.Message
	if err := json.Unmarshal([]byte(job.PayloadJSON), &msg); err != nil {
		return fmt.Errorf("decoding job %s payload: %w", job.ID, err)
	}
	if msg.TenantID == "" {
		msg.TenantID = job.TenantID
	}
	d.Process(ctx, msg)
	return nil
}

// Process runs retrieval, prompting, generation and delivery for msg and
// returns the answer that was sent.
func (d *Dispatcher) Process(ctx context.Context, msg intake.Message) (resp answer.Response) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("tenant.id", msg.TenantID),
		attribute.String("message.platform", msg.Platform),
	))
	defer span.End()

	target := reply.Target{TenantID: msg.TenantID, UserID: msg.UserID, Platform: msg.Platform}
	if target.Platform == "" {
		target.Platform = d.defaultPlatform
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("dispatcher panic: %v", rec)
			slog.Error("message processing panicked", "tenant", msg.TenantID, "error", err)
			resp = answer.Fallback(answer.IntentError)
			d.router.Dispatch(ctx, target, resp.Text, nil)
			d.fail(span, msg.TenantID, err)
		}
	}()

	chunks := d.retrieve(ctx, msg)
	prompt := d.composer.Compose(chunks, msg.Text)

	resp, err := d.generate(ctx, prompt)

	d.deliver(ctx, target, resp)

	if err != nil {
		d.fail(span, msg.TenantID, err)
		return resp
	}

	elapsed := time.Since(start)
	d.metrics.Log(msg.TenantID, telemetry.ResponseTime, float64(elapsed.Milliseconds()), "")
	d.metrics.Log(msg.TenantID, telemetry.MessageCount, 1, "")
	span.SetAttributes(attribute.String("answer.intent", resp.Intent), attribute.String("answer.language", resp.Language))
	slog.Debug("message processed", "tenant", msg.TenantID, "intent", resp.Intent, "chunks", len(chunks), "duration_ms", elapsed.Milliseconds())
	return resp
}

// retrieve returns the tenant's context chunks, or none if retrieval fails.
func (d *Dispatcher) retrieve(ctx context.Context, msg intake.Message) []retrieval.ScoredChunk {
	ctx, span := d.tracer.Start(ctx, "pipeline.retrieve")
	defer span.End()

	chunks, err := d.retriever.Retrieve(ctx, msg.TenantID, msg.Text, d.topK)
	if err != nil {
		slog.Warn("retrieval failed, continuing without context", "tenant", msg.TenantID, "error", err)
		span.RecordError(err)
		return nil
	}
	span.SetAttributes(attribute.Int("retrieval.chunks", len(chunks)))
	return chunks
}

func (d *Dispatcher) generate(ctx context.Context, prompt string) (answer.Response, error) {
	ctx, span := d.tracer.Start(ctx, "pipeline.generate")
	defer span.End()

	resp, err := d.generator.Generate(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "llm call failed")
	}
	return resp, err
}

func (d *Dispatcher) deliver(ctx context.Context, target reply.Target, resp answer.Response) {
	ctx, span := d.tracer.Start(ctx, "pipeline.deliver", trace.WithAttributes(attribute.String("reply.platform", target.Platform)))
	defer span.End()
	d.router.Dispatch(ctx, target, resp.Text, nil)
}

func (d *Dispatcher) fail(span trace.Span, tenantID string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.metrics.Log(tenantID, telemetry.Error, 1, err.Error())
}
