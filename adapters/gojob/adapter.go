package gojob

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	JobIDTokenRefresh = "openbanking.token.refresh"

	paramBankID = "bank_id"
	paramUserID = "user_id"
	paramForce  = "force"
	paramReason = "reason"

	dedupDrop = "drop"
)

// RetryPolicy bounds redelivery. Past MaxAttempts a retry becomes a dead
// letter when DeadLetterOnMax is set, and a plain failure otherwise.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt clamps the delay and settles the disposition for the
// given 1-based attempt. An empty disposition means retry.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	out.Delay = max(out.Delay, 0)
	if p.MaxDelay > 0 {
		out.Delay = min(out.Delay, p.MaxDelay)
	}
	if out.Disposition == "" {
		out.Disposition = queue.NackDispositionRetry
	}
	if out.Disposition == queue.NackDispositionRetry && p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Disposition = queue.NackDispositionFailed
		if p.DeadLetterOnMax {
			out.Disposition = queue.NackDispositionDeadLetter
		}
	}
	if out.Disposition != queue.NackDispositionRetry {
		out.Delay = 0
	}
	return out
}

// RefreshJob identifies the connection whose tokens a job refreshes.
type RefreshJob struct {
	BankID string
	UserID string
	Force  bool
	Reason string
}

// NewRefreshMessage builds the queue message for job. Pending jobs for the
// same connection collapse through the idempotency key.
func NewRefreshMessage(in RefreshJob) (*job.ExecutionMessage, error) {
	bankID := strings.TrimSpace(in.BankID)
	userID := strings.TrimSpace(in.UserID)
	if bankID == "" || userID == "" {
		return nil, core.NewError(core.ErrorKindBadInput, "gojob: bank id and user id are required")
	}
	params := map[string]any{
		paramBankID: bankID,
		paramUserID: userID,
		paramForce:  in.Force,
	}
	if reason := strings.TrimSpace(in.Reason); reason != "" {
		params[paramReason] = reason
	}
	return &job.ExecutionMessage{
		JobID:          JobIDTokenRefresh,
		ScriptPath:     JobIDTokenRefresh,
		Parameters:     params,
		IdempotencyKey: JobIDTokenRefresh + ":" + url.PathEscape(bankID) + ":" + url.PathEscape(userID),
		DedupPolicy:    job.DeduplicationPolicy(dedupDrop),
	}, nil
}

// ParseRefreshMessage reads a refresh job back from a queue message.
func ParseRefreshMessage(msg *job.ExecutionMessage) (RefreshJob, error) {
	if msg == nil {
		return RefreshJob{}, core.NewError(core.ErrorKindBadInput, "gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDTokenRefresh {
		return RefreshJob{}, core.NewError(core.ErrorKindBadInput, fmt.Sprintf("gojob: unexpected job id %q", msg.JobID))
	}
	out := RefreshJob{
		BankID: stringParam(msg.Parameters, paramBankID),
		UserID: stringParam(msg.Parameters, paramUserID),
		Reason: stringParam(msg.Parameters, paramReason),
	}
	if force, ok := msg.Parameters[paramForce].(bool); ok {
		out.Force = force
	}
	if out.BankID == "" || out.UserID == "" {
		return RefreshJob{}, core.NewError(core.ErrorKindBadInput, "gojob: refresh job is missing bank id or user id")
	}
	return out, nil
}

// RefreshScheduler enqueues token refresh jobs.
type RefreshScheduler struct {
	enqueuer queue.Enqueuer
}

func NewRefreshScheduler(enqueuer queue.Enqueuer) *RefreshScheduler {
	return &RefreshScheduler{enqueuer: enqueuer}
}

// Schedule enqueues a refresh job and returns the queue receipt.
func (s *RefreshScheduler) Schedule(ctx context.Context, in RefreshJob) (queue.EnqueueReceipt, error) {
	if s == nil || s.enqueuer == nil {
		return queue.EnqueueReceipt{}, core.NewError(core.ErrorKindConfiguration, "gojob: enqueuer is not configured")
	}
	msg, err := NewRefreshMessage(in)
	if err != nil {
		return queue.EnqueueReceipt{}, err
	}
	return s.enqueuer.Enqueue(ctx, msg)
}

// Refresher is satisfied by core.Service.
type Refresher interface {
	RunRefreshWithRetry(ctx context.Context, req core.RefreshRequest, opts core.RefreshRunOptions) (core.RefreshRunResult, error)
}

// RefreshJobHandler consumes refresh deliveries. Each delivery runs a single
// refresh attempt; retries go back through the queue under Policy.
type RefreshJobHandler struct {
	refresher Refresher
	policy    RetryPolicy
	backoff   core.RefreshBackoffScheduler
	logger    glog.Logger
}

type HandlerOption func(*RefreshJobHandler)

func WithRetryPolicy(policy RetryPolicy) HandlerOption {
	return func(h *RefreshJobHandler) {
		h.policy = policy
	}
}

func WithBackoff(backoff core.RefreshBackoffScheduler) HandlerOption {
	return func(h *RefreshJobHandler) {
		if backoff != nil {
			h.backoff = backoff
		}
	}
}

func WithLogger(logger glog.Logger) HandlerOption {
	return func(h *RefreshJobHandler) {
		h.logger = glog.Ensure(logger)
	}
}

func NewRefreshJobHandler(refresher Refresher, opts ...HandlerOption) *RefreshJobHandler {
	handler := &RefreshJobHandler{
		refresher: refresher,
		policy:    RetryPolicy{MaxAttempts: 5, MaxDelay: time.Minute, DeadLetterOnMax: true},
		backoff:   core.ExponentialBackoffScheduler{},
		logger:    glog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}
	return handler
}

// Handle processes one delivery and settles it. attempt is the 1-based
// delivery count known to the caller.
func (h *RefreshJobHandler) Handle(ctx context.Context, delivery queue.Delivery, attempt int) error {
	if h == nil || h.refresher == nil {
		return core.NewError(core.ErrorKindConfiguration, "gojob: refresher is not configured")
	}
	if delivery == nil {
		return core.NewError(core.ErrorKindBadInput, "gojob: delivery is required")
	}
	if attempt < 1 {
		attempt = 1
	}

	refresh, err := ParseRefreshMessage(delivery.Message())
	if err != nil {
		h.logger.Warn("dropping malformed refresh job", "error", err.Error())
		return delivery.Nack(ctx, queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: "malformed refresh job"})
	}

	result, err := h.refresher.RunRefreshWithRetry(ctx, core.RefreshRequest{
		BankID: refresh.BankID,
		UserID: refresh.UserID,
		Force:  refresh.Force,
	}, core.RefreshRunOptions{MaxAttempts: 1})
	if err == nil {
		h.logger.Debug("refresh job completed", "bank_id", refresh.BankID, "refreshed", result.Refreshed)
		return delivery.Ack(ctx)
	}

	if core.IsKind(err, core.ErrorKindCancelled) {
		h.logger.Info("refresh job cancelled", "bank_id", refresh.BankID)
		return delivery.Nack(ctx, queue.NackOptions{
			Disposition: queue.NackDispositionCanceled,
			Reason:      string(core.ErrorKindCancelled),
		})
	}
	if result.PendingReauth || !core.IsRetryable(err) {
		h.logger.Warn("refresh job needs user action",
			"bank_id", refresh.BankID,
			"error_kind", string(core.KindOf(err)),
		)
		return delivery.Nack(ctx, h.policy.NormalizeAttempt(queue.NackOptions{
			Disposition: queue.NackDispositionDeadLetter,
			Reason:      string(core.KindOf(err)),
		}, attempt))
	}

	opts := h.policy.NormalizeAttempt(queue.NackOptions{
		Disposition: queue.NackDispositionRetry,
		Delay:       h.backoff.NextDelay(attempt),
		Reason:      string(core.KindOf(err)),
	}, attempt)
	h.logger.Info("refresh job will retry",
		"bank_id", refresh.BankID,
		"attempt", attempt,
		"disposition", string(opts.Disposition),
		"delay", opts.Delay.String(),
	)
	return delivery.Nack(ctx, opts)
}

// ProcessNext dequeues and handles one delivery.
func (h *RefreshJobHandler) ProcessNext(ctx context.Context, dequeuer queue.Dequeuer) error {
	if dequeuer == nil {
		return core.NewError(core.ErrorKindConfiguration, "gojob: dequeuer is not configured")
	}
	delivery, err := dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	return h.Handle(ctx, delivery, deliveryAttempt(delivery))
}

func deliveryAttempt(delivery queue.Delivery) int {
	if counted, ok := delivery.(interface{ Attempt() int }); ok {
		return counted.Attempt()
	}
	return 1
}

// LoggingHook reports worker lifecycle events through glog.
type LoggingHook struct {
	logger glog.Logger
}

func NewLoggingHook(logger glog.Logger) *LoggingHook {
	return &LoggingHook{logger: glog.Ensure(logger)}
}

func (h *LoggingHook) OnStart(_ context.Context, event worker.Event) {
	h.log("debug", "job started", event)
}

func (h *LoggingHook) OnSuccess(_ context.Context, event worker.Event) {
	h.log("info", "job succeeded", event)
}

func (h *LoggingHook) OnFailure(_ context.Context, event worker.Event) {
	h.log("error", "job failed", event)
}

func (h *LoggingHook) OnRetry(_ context.Context, event worker.Event) {
	h.log("warn", "job retrying", event)
}

func (h *LoggingHook) log(level string, message string, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	fields := eventFields(event)
	switch level {
	case "debug":
		h.logger.Debug(message, fields...)
	case "warn":
		h.logger.Warn(message, fields...)
	case "error":
		h.logger.Error(message, fields...)
	default:
		h.logger.Info(message, fields...)
	}
}

func eventFields(event worker.Event) []any {
	msg := event.Message
	if msg == nil && event.Delivery != nil {
		msg = event.Delivery.Message()
	}
	fields := []any{"attempt", event.Attempt}
	if msg != nil {
		fields = append(fields, "job_id", msg.JobID)
		if bankID := stringParam(msg.Parameters, paramBankID); bankID != "" {
			fields = append(fields, "bank_id", bankID)
		}
	}
	if event.Delay > 0 {
		fields = append(fields, "delay", event.Delay.String())
	}
	if event.Duration > 0 {
		fields = append(fields, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error(), "error_kind", string(core.KindOf(event.Err)))
	}
	return fields
}

func stringParam(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}

var _ worker.Hook = (*LoggingHook)(nil)
