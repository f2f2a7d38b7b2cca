package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events/bus"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/kernel"
)

// runIOPump consumes one kernel client's message stream and routes
// every message to its execution record by correlation id. It exits
// when the stream closes; if the kernel died rather than being stopped
// or restarted, it fails whatever was still in flight so callers never
// poll a dead execution forever.
func (m *Manager) runIOPump(sess *Session, h *kernel.Handle) {
	log := m.log.WithNotebook(sess.Path).WithKernelID(h.UUID)
	client := h.Client()

	for msg := range client.Messages() {
		m.handleKernelMessage(sess, msg, log)
	}

	// A restart or stop swaps or clears the handle first; in that case
	// the records were already settled by the caller.
	if sess.Handle() != h {
		log.Debug("kernel message stream closed after handle swap")
		return
	}

	failed := sess.failActive("kernel process exited unexpectedly")
	for _, rec := range failed {
		rec.finalize(func() { m.finalizeExecution(sess, rec) })
	}
	if len(failed) > 0 {
		log.Error("kernel died with executions in flight",
			zap.Int("affected", len(failed)))
	} else {
		log.Warn("kernel message stream closed")
	}
}

func (m *Manager) handleKernelMessage(sess *Session, msg kernel.Message, log *logger.Logger) {
	switch msg.Type {
	case kernel.MessageTypeStatus:
		sess.setKernelBusy(msg.ExecutionState == kernel.StateBusy)
		if rec := sess.recordByCorrelation(msg.ParentID); rec != nil {
			rec.touch()
		}

	case kernel.MessageTypeStream:
		rec := sess.recordByCorrelation(msg.ParentID)
		if rec == nil {
			log.Debug("stream output for unknown execution",
				zap.String("correlation_id", msg.ParentID))
			return
		}
		rec.appendOutput(Output{Type: msg.Type, Name: msg.Name, Text: msg.Text})

	case kernel.MessageTypeExecuteResult, kernel.MessageTypeDisplayData:
		rec := sess.recordByCorrelation(msg.ParentID)
		if rec == nil {
			log.Debug("rich output for unknown execution",
				zap.String("correlation_id", msg.ParentID))
			return
		}
		out := Output{Type: msg.Type, Data: msg.Data}
		if msg.Type == kernel.MessageTypeExecuteResult {
			out.ExecutionCount = msg.ExecutionCount
			rec.setExecutionCount(msg.ExecutionCount)
		}
		rec.appendOutput(out)

	case kernel.MessageTypeError:
		rec := sess.recordByCorrelation(msg.ParentID)
		if rec == nil {
			return
		}
		rec.appendOutput(Output{
			Type:      msg.Type,
			Ename:     msg.Ename,
			Evalue:    msg.Evalue,
			Traceback: msg.Traceback,
		})

	case kernel.MessageTypeInputRequest:
		sess.setWaitingForInput(msg.Prompt)
		if rec := sess.recordByCorrelation(msg.ParentID); rec != nil {
			rec.appendOutput(Output{Type: msg.Type, Text: msg.Prompt})
		}
		log.Info("kernel requested input", zap.String("prompt", msg.Prompt))
		m.publish(bus.SubjectInputRequested, map[string]interface{}{
			"notebook_path": sess.Path,
			"prompt":        msg.Prompt,
			"password":      msg.Password,
		})

	case kernel.MessageTypeExecuteReply:
		rec := sess.recordByCorrelation(msg.ParentID)
		if rec == nil {
			log.Debug("reply for unknown execution",
				zap.String("correlation_id", msg.ParentID))
			return
		}
		m.settleReply(rec, msg, log)

	default:
		log.Debug("ignoring kernel message",
			zap.String("type", msg.Type),
			zap.String("correlation_id", msg.ParentID))
	}
}

// settleReply drives a record terminal from its execute_reply. A
// record the scheduler already timed out (or a cancel already settled)
// keeps its state; the late reply only refreshes activity.
func (m *Manager) settleReply(rec *ExecutionRecord, msg kernel.Message, log *logger.Logger) {
	switch msg.Status {
	case kernel.ReplyOK:
		if err := rec.complete(msg.ExecutionCount); err != nil {
			rec.touch()
			log.Debug("late execute_reply ignored",
				zap.String("exec_id", rec.ID),
				zap.String("status", string(rec.Status())))
		}
	case kernel.ReplyError:
		reason := msg.Ename
		if msg.Evalue != "" {
			reason = msg.Ename + ": " + msg.Evalue
		}
		if err := rec.fail(reason); err != nil {
			rec.touch()
		}
	case kernel.ReplyAborted:
		if err := rec.cancel("aborted by kernel after a previous error"); err != nil {
			rec.touch()
		}
	default:
		log.Warn("execute_reply with unknown status",
			zap.String("exec_id", rec.ID),
			zap.String("status", msg.Status))
	}
}

// publish sends a fire-and-forget event; a nil bus drops it.
func (m *Manager) publish(subject string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	evt := bus.NewEvent(subject, "session-manager", data)
	if err := m.eventBus.Publish(context.Background(), subject, evt); err != nil {
		m.log.Debug("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
