package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// metricTagKeys are the operation fields promoted to metric tags.
var metricTagKeys = []string{"bank_id", "purpose", "consent_kind"}

type outcome struct {
	operation string
	status    string
	elapsed   time.Duration
	err       error
	fields    map[string]any
}

func newOutcome(operation string, startedAt time.Time, err error, fields map[string]any) outcome {
	out := outcome{
		operation: metricSegment(operation),
		status:    "success",
		elapsed:   time.Since(startedAt),
		err:       err,
		fields:    cloneFields(fields),
	}
	if out.operation == "" {
		out.operation = "unknown"
	}
	if err != nil {
		out.status = "failure"
	}
	return out
}

func (o outcome) tags() map[string]string {
	tags := map[string]string{"operation": o.operation, "status": o.status}
	for _, key := range metricTagKeys {
		value, ok := o.fields[key]
		if !ok || value == nil {
			continue
		}
		if text := strings.TrimSpace(fmt.Sprint(value)); text != "" {
			tags[key] = text
		}
	}
	if kind := KindOf(o.err); kind != "" {
		tags["error_kind"] = string(kind)
	}
	return tags
}

func (o outcome) logFields() map[string]any {
	fields := cloneFields(o.fields)
	fields["event_type"] = o.operation
	fields["status"] = o.status
	fields["duration_ms"] = o.elapsed.Milliseconds()
	if o.err == nil {
		return fields
	}
	fields["error"] = o.err.Error()
	if rich := typedError(o.err); rich != nil {
		fields["error_category"] = rich.Category.String()
		fields["error_text_code"] = rich.TextCode
		if len(rich.Metadata) > 0 {
			fields["error_metadata"] = RedactSensitiveMap(rich.Metadata)
		}
	}
	if kind := KindOf(o.err); kind != "" {
		fields["error_kind"] = string(kind)
		fields["error_policy"] = string(PolicyOf(o.err))
	}
	return fields
}

// observeOperation emits openbanking.<op>.total and openbanking.<op>.duration_ms
// and logs the outcome at info or error level.
func (s *Service) observeOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if s == nil {
		return
	}
	out := newOutcome(operation, startedAt, err, fields)
	tags := out.tags()
	prefix := "openbanking." + out.operation
	s.recordCounter(ctx, prefix+".total", 1, tags)
	s.recordHistogram(ctx, prefix+".duration_ms", float64(out.elapsed.Milliseconds()), tags)

	if err != nil {
		s.logError(ctx, out.operation+" failed", out.logFields())
		return
	}
	s.logInfo(ctx, out.operation+" succeeded", out.logFields())
}

func (s *Service) logInfo(ctx context.Context, message string, fields map[string]any) {
	s.emitLog(ctx, "info", message, fields)
}

func (s *Service) logWarn(ctx context.Context, message string, fields map[string]any) {
	s.emitLog(ctx, "warn", message, fields)
}

func (s *Service) logError(ctx context.Context, message string, fields map[string]any) {
	s.emitLog(ctx, "error", message, fields)
}

// emitLog redacts fields before they reach the logger, both as structured
// fields (when supported) and as flattened key/value args.
func (s *Service) emitLog(ctx context.Context, level string, message string, fields map[string]any) {
	if s == nil || s.logger == nil {
		return
	}
	safe := RedactSensitiveMap(fields)
	logger := s.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if structured, ok := logger.(FieldsLogger); ok {
		logger = structured.WithFields(cloneFields(safe))
	}
	args := keyValueArgs(safe)
	switch level {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (s *Service) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.IncCounter(ctx, name, value, cloneTags(tags))
}

func (s *Service) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.ObserveHistogram(ctx, name, value, cloneTags(tags))
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		out[key] = value
	}
	return out
}

// keyValueArgs returns fields as alternating key/value args in key order.
func keyValueArgs(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys))
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

// metricSegment lower-cases operation and replaces spaces and dashes with
// underscores.
func metricSegment(operation string) string {
	return strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(operation)))
}
