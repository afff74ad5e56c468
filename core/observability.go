package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ObserveOperation emits the standard metric pair plus a structured log line
// for one completed operation. Shared by the runtime, upload client, and
// scheduler so every operation reports identically.
func ObserveOperation(
	ctx context.Context,
	logger Logger,
	recorder MetricsRecorder,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}

	contextFields := CloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = time.Since(startedAt).Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
		contextFields["error_kind"] = Kind(err)
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"connector_instance_id", "source_key", "trace_id", "job_id"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	if recorder != nil {
		recorder.IncCounter(ctx, "ingest."+operation+".total", 1, cloneTags(tags))
		recorder.ObserveHistogram(ctx, "ingest."+operation+".duration_ms",
			float64(time.Since(startedAt).Milliseconds()), cloneTags(tags))
	}

	if err != nil {
		LogError(ctx, logger, operation+" failed", contextFields)
		return
	}
	LogInfo(ctx, logger, operation+" succeeded", contextFields)
}

func LogInfo(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "info", message, fields)
}

func LogWarn(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "warn", message, fields)
}

func LogError(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "error", message, fields)
}

func LogDebug(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "debug", message, fields)
}

func logWithLevel(ctx context.Context, logger Logger, level string, message string, fields map[string]any) {
	if logger == nil {
		return
	}
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(CloneFields(fields))
	}
	args := FlattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func CloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

// FlattenFields renders fields as sorted key/value pairs for logger args.
func FlattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
