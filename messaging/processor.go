package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/filters"
)

// TracerName is the instrumentation name used for delivery spans
const TracerName = "github.com/glimte/servicebus"

// Outcome classifies how a delivery attempt ended
type Outcome string

const (
	// OutcomeSucceeded means every handler and filter passed
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFramingError means the delivery had no TypeName
	OutcomeFramingError Outcome = "framing_error"
	// OutcomeVetoed means a before or after filter returned false
	OutcomeVetoed Outcome = "vetoed"
	// OutcomeFilterFault means a before or after filter failed
	OutcomeFilterFault Outcome = "filter_fault"
	// OutcomeRetried means the delivery was re-enqueued on the retry path
	OutcomeRetried Outcome = "retried"
	// OutcomeDeadLettered means the delivery was moved to the error sink
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeDropped means a handler failed while retries are disabled
	OutcomeDropped Outcome = "dropped"
	// OutcomeHandOffFailed means the retry or error sink publish failed and
	// the delivery was returned to its queue
	OutcomeHandOffFailed Outcome = "handoff_failed"
)

// ProcessorConfig configures a DeliveryProcessor
type ProcessorConfig struct {
	// Queue is the destination the processor consumes from
	Queue string
	// Node identifies the consuming process
	Node string
	// MaxRetries bounds handler retries. Zero disables retry and dead-lettering.
	MaxRetries int
	// AckEnabled is false when the broker acknowledges on delivery
	AckEnabled bool
	// AuditEnabled copies successful deliveries to the audit sink
	AuditEnabled bool
}

// DeliveryProcessor runs inbound deliveries through filters, handlers and the
// correlator, and settles each one with the broker
type DeliveryProcessor struct {
	cfg        ProcessorConfig
	broker     Broker
	dispatcher *Dispatcher
	correlator *Correlator
	before     *filters.Pipeline
	after      *filters.Pipeline
	bus        filters.Bus
	logger     *slog.Logger
	metrics    Metrics
	tracer     trace.Tracer
	now        func() time.Time

	inflight activity
	audits   activity
}

// ProcessorOption configures the DeliveryProcessor
type ProcessorOption func(*DeliveryProcessor)

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *DeliveryProcessor) {
		p.logger = logger
	}
}

// WithProcessorMetrics sets the metrics sink
func WithProcessorMetrics(metrics Metrics) ProcessorOption {
	return func(p *DeliveryProcessor) {
		p.metrics = metrics
	}
}

// WithTracer sets the tracer used for delivery spans
func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(p *DeliveryProcessor) {
		p.tracer = tracer
	}
}

// WithFilters sets the before and after pipelines
func WithFilters(before, after *filters.Pipeline) ProcessorOption {
	return func(p *DeliveryProcessor) {
		p.before = before
		p.after = after
	}
}

// WithBus sets the bus handed to filters and used to send replies
func WithBus(bus filters.Bus) ProcessorOption {
	return func(p *DeliveryProcessor) {
		p.bus = bus
	}
}

// NewDeliveryProcessor creates a new delivery processor
func NewDeliveryProcessor(cfg ProcessorConfig, broker Broker, dispatcher *Dispatcher, correlator *Correlator, options ...ProcessorOption) *DeliveryProcessor {
	p := &DeliveryProcessor{
		cfg:        cfg,
		broker:     broker,
		dispatcher: dispatcher,
		correlator: correlator,
		before:     filters.NewPipeline(filters.StageBefore),
		after:      filters.NewPipeline(filters.StageAfter),
		logger:     slog.Default(),
		metrics:    NoOpMetrics{},
		tracer:     otel.Tracer(TracerName),
		now:        time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Handle is the DeliveryHandler entry point
func (p *DeliveryProcessor) Handle(ctx context.Context, delivery Delivery) {
	p.Process(ctx, delivery)
}

// Process classifies and settles one delivery attempt
func (p *DeliveryProcessor) Process(ctx context.Context, delivery Delivery) Outcome {
	p.inflight.start()
	defer p.inflight.finish()

	start := p.now()
	ctx, span := p.tracer.Start(ctx, "ProcessMessage", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	msg := delivery.Message()
	if msg == nil {
		msg = &contracts.Message{}
	}
	headers := delivery.Headers()
	if headers == nil {
		headers = &contracts.Headers{}
	}
	headers.StampReceived(p.cfg.Queue, p.cfg.Node, start)

	span.SetAttributes(
		attribute.String("messaging.destination.name", p.cfg.Queue),
		attribute.String("messaging.message.id", headers.MessageID),
		attribute.String("servicebus.type_name", headers.TypeName),
		attribute.Int("servicebus.retry_count", headers.RetryCount),
	)

	outcome := p.classify(ctx, msg, headers)
	p.settle(delivery, headers, outcome)

	span.SetAttributes(attribute.String("servicebus.outcome", string(outcome)))
	switch outcome {
	case OutcomeSucceeded, OutcomeVetoed:
		span.SetStatus(codes.Ok, "")
	default:
		span.SetStatus(codes.Error, string(outcome))
	}
	p.metrics.RecordDelivery(headers.TypeName, outcome, p.now().Sub(start))
	return outcome
}

func (p *DeliveryProcessor) classify(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) Outcome {
	if err := headers.Validate(); err != nil {
		p.logger.Error("dropping malformed delivery",
			"queue", p.cfg.Queue,
			"messageId", headers.MessageID,
			"error", err,
		)
		return OutcomeFramingError
	}
	typeName := headers.TypeName

	if outcome, ok := p.runFilters(ctx, p.before, msg, headers, typeName); !ok {
		return outcome
	}

	if err := p.dispatch(ctx, msg, headers, typeName); err != nil {
		return p.fail(ctx, msg, headers, err)
	}

	if outcome, ok := p.runFilters(ctx, p.after, msg, headers, typeName); !ok {
		return outcome
	}

	headers.StampProcessed(p.now())
	if p.cfg.AuditEnabled {
		p.audit(msg.Clone(), headers.Clone())
	}
	return OutcomeSucceeded
}

func (p *DeliveryProcessor) runFilters(ctx context.Context, pipeline *filters.Pipeline, msg *contracts.Message, headers *contracts.Headers, typeName string) (Outcome, bool) {
	if pipeline == nil {
		return "", true
	}
	ok, err := pipeline.Run(ctx, msg, headers, typeName, p.bus)
	if err != nil {
		p.logger.Error("filter failed, delivery will not be retried",
			"stage", pipeline.Stage(),
			"typeName", typeName,
			"messageId", headers.MessageID,
			"error", err,
		)
		return OutcomeFilterFault, false
	}
	if !ok {
		p.logger.Debug("delivery vetoed by filter",
			"stage", pipeline.Stage(),
			"typeName", typeName,
			"messageId", headers.MessageID,
		)
		return OutcomeVetoed, false
	}
	return "", true
}

// dispatch runs the handlers and the correlator side by side.
func (p *DeliveryProcessor) dispatch(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string) error {
	var reply ReplyFunc = NoReply
	if p.bus != nil {
		reply = ReplyTo(headers, p.bus)
	}

	var g errgroup.Group
	g.Go(func() error {
		return p.dispatcher.Dispatch(ctx, msg, headers, typeName, reply)
	})
	if p.correlator != nil {
		g.Go(func() error {
			p.correlator.Resolve(ctx, msg, headers, typeName)
			return nil
		})
	}
	return g.Wait()
}

func (p *DeliveryProcessor) fail(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, cause error) Outcome {
	ctx = context.WithoutCancel(ctx)

	if p.cfg.MaxRetries <= 0 {
		p.logger.Error("handler failed, retries disabled",
			"typeName", headers.TypeName,
			"messageId", headers.MessageID,
			"error", cause,
		)
		return OutcomeDropped
	}

	if headers.RetryCount < p.cfg.MaxRetries {
		headers.RetryCount++
		headers.StampProcessed(p.now())
		if err := p.broker.Retry(ctx, msg, headers); err != nil {
			p.logger.Error("failed to schedule retry",
				"typeName", headers.TypeName,
				"messageId", headers.MessageID,
				"retryCount", headers.RetryCount,
				"error", err,
			)
			return OutcomeHandOffFailed
		}
		p.logger.Warn("handler failed, retry scheduled",
			"typeName", headers.TypeName,
			"messageId", headers.MessageID,
			"retryCount", headers.RetryCount,
			"maxRetries", p.cfg.MaxRetries,
			"error", cause,
		)
		return OutcomeRetried
	}

	headers.Exception = cause.Error()
	if err := p.broker.DeadLetter(ctx, msg, headers); err != nil {
		p.logger.Error("failed to dead-letter message",
			"typeName", headers.TypeName,
			"messageId", headers.MessageID,
			"error", err,
		)
		return OutcomeHandOffFailed
	}
	p.logger.Error("handler failed, message dead-lettered",
		"typeName", headers.TypeName,
		"messageId", headers.MessageID,
		"retryCount", headers.RetryCount,
		"error", cause,
	)
	return OutcomeDeadLettered
}

func (p *DeliveryProcessor) audit(msg *contracts.Message, headers *contracts.Headers) {
	p.audits.start()
	go func() {
		defer p.audits.finish()
		if err := p.broker.Audit(context.Background(), msg, headers); err != nil {
			p.logger.Error("failed to audit message",
				"typeName", headers.TypeName,
				"messageId", headers.MessageID,
				"error", err,
			)
		}
	}()
}

// settle acknowledges the delivery once its outcome has been handed off.
func (p *DeliveryProcessor) settle(delivery Delivery, headers *contracts.Headers, outcome Outcome) {
	if !p.cfg.AckEnabled {
		return
	}

	if outcome == OutcomeHandOffFailed {
		if err := delivery.Nack(true); err != nil {
			p.logger.Error("failed to nack message", "messageId", headers.MessageID, "error", err)
		}
		return
	}
	if err := delivery.Ack(); err != nil {
		p.logger.Error("failed to ack message", "messageId", headers.MessageID, "error", err)
	}
}

// Drain waits for in-flight deliveries and pending audits to finish, or for
// ctx to end. Deliveries may start while it waits.
func (p *DeliveryProcessor) Drain(ctx context.Context) error {
	for _, a := range []*activity{&p.inflight, &p.audits} {
		select {
		case <-a.idle():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// activity counts running work. Unlike sync.WaitGroup, starting work while
// another goroutine waits for idle is allowed.
type activity struct {
	mu      sync.Mutex
	running int
	done    chan struct{}
}

var idleNow = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (a *activity) start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running == 0 {
		a.done = make(chan struct{})
	}
	a.running++
}

func (a *activity) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running--
	if a.running == 0 {
		close(a.done)
	}
}

// idle returns a channel closed once nothing is running
func (a *activity) idle() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running == 0 {
		return idleNow
	}
	return a.done
}
