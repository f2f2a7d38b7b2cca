package hooks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/stringutil"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/provenance"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/tracing"
)

// auditTimeout bounds each audit insert. Writes happen off the tool
// path, so a slow database can only delay the audit row, not the
// caller.
const auditTimeout = 5 * time.Second

// maxAuditError caps the error text stored per audit row. Python
// tracebacks can run to megabytes.
const maxAuditError = 4096

// Tracing wraps each tool call in an OTel span. No-op overhead when
// tracing is disabled.
func Tracing(tracerName string) Interceptor {
	tracer := tracing.Tracer(tracerName)
	return Interceptor{
		Name: "tracing",
		Before: func(ctx context.Context, op *OpInfo) context.Context {
			ctx, span := tracer.Start(ctx, "tool "+op.Tool)
			span.SetAttributes(attribute.String("mcp.tool", op.Tool))
			if op.NotebookPath != "" {
				span.SetAttributes(attribute.String("notebook.path", op.NotebookPath))
			}
			return ctx
		},
		After: func(ctx context.Context, op *OpInfo, status string, duration time.Duration, err error) {
			span := trace.SpanFromContext(ctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		},
	}
}

// Logging tags the request context for downstream loggers and writes
// one completion line per tool call.
func Logging(log *logger.Logger) Interceptor {
	return Interceptor{
		Name: "logging",
		Before: func(ctx context.Context, op *OpInfo) context.Context {
			ctx = context.WithValue(ctx, logger.RequestIDKey, uuid.New().String())
			return context.WithValue(ctx, logger.ToolNameKey, op.Tool)
		},
		After: func(ctx context.Context, op *OpInfo, status string, duration time.Duration, err error) {
			entry := log.WithContext(ctx)
			fields := []zap.Field{
				zap.String("status", status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			}
			if op.NotebookPath != "" {
				fields = append(fields, zap.String("notebook", op.NotebookPath))
			}
			if err != nil {
				entry.Warn("tool call failed", append(fields, zap.Error(err))...)
				return
			}
			entry.Debug("tool call completed", fields...)
		},
	}
}

// Audit records mutating tool calls in the provenance store.
// Read-only tools are skipped; execution rows written by the bus
// recorder carry an exec id, tool-call rows do not.
func Audit(store *provenance.Store, log *logger.Logger) Interceptor {
	return Interceptor{
		Name: "audit",
		After: func(ctx context.Context, op *OpInfo, status string, duration time.Duration, err error) {
			if store == nil || op.ReadOnly {
				return
			}
			now := time.Now().UTC()
			finished := now
			rec := &provenance.Record{
				NotebookPath: op.NotebookPath,
				CellIndex:    -1,
				Tool:         op.Tool,
				Status:       status,
				StartedAt:    now.Add(-duration),
				FinishedAt:   &finished,
				DurationMS:   duration.Milliseconds(),
			}
			if err != nil {
				rec.Error = stringutil.TruncateString(err.Error(), maxAuditError)
			}
			if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
				rec.TraceID = sc.TraceID().String()
			}
			if op.AgentID != "" {
				rec.Metadata = map[string]interface{}{"agent_id": op.AgentID}
			}

			// Off the tool path; the caller is already answered.
			go func() {
				insertCtx, cancel := context.WithTimeout(context.Background(), auditTimeout)
				defer cancel()
				if err := store.Insert(insertCtx, rec); err != nil {
					log.Warn("failed to record tool audit", zap.Error(err),
						zap.String("tool", rec.Tool))
				}
			}()
		},
	}
}
