package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
)

// ExecuteFunc submits a record's code to the session's kernel and
// returns the correlation id. It is responsible for registering the
// record as running atomically with the submission.
type ExecuteFunc func(ctx context.Context, sess *Session, rec *ExecutionRecord) (string, error)

// FinalizeFunc runs durable effects for a terminal record: notebook
// write-back and the completion event. Invoked at most once per
// record.
type FinalizeFunc func(sess *Session, rec *ExecutionRecord)

// Scheduler runs the per-session queue loops. One loop per session,
// strictly FIFO: the next item is not dequeued until the previous one
// reached a terminal state or timed out.
type Scheduler struct {
	defaultTimeout time.Duration
	execute        ExecuteFunc
	finalize       FinalizeFunc
	log            *logger.Logger
}

// NewScheduler builds a scheduler with the manager-owned callbacks.
func NewScheduler(defaultTimeout time.Duration, execute ExecuteFunc, finalize FinalizeFunc, log *logger.Logger) *Scheduler {
	return &Scheduler{
		defaultTimeout: defaultTimeout,
		execute:        execute,
		finalize:       finalize,
		log:            log.WithFields(zap.String("component", "scheduler")),
	}
}

// ProcessQueue is the long-lived loop for one session. It exits when
// the session's queue is closed.
func (sc *Scheduler) ProcessQueue(ctx context.Context, sess *Session) {
	log := sc.log.WithNotebook(sess.Path)
	log.Debug("execution loop started")
	for item := range sess.queue {
		sc.processItem(ctx, sess, item, log)
	}
	log.Debug("execution loop stopped")
}

// processItem runs one queued execution to a terminal state. Panics
// are contained here so one malformed request never wedges the
// session.
func (sc *Scheduler) processItem(ctx context.Context, sess *Session, item *queueItem, log *logger.Logger) {
	rec := item.record

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing execution",
				zap.String("exec_id", rec.ID),
				zap.Any("panic", r))
			if rec.fail(fmt.Sprintf("internal error: %v", r)) == nil {
				sess.finishWithoutRun(rec)
			}
			rec.finalize(nil)
		}
	}()

	// Cancelled while still queued: already terminal, nothing to run.
	if rec.Status() != StatusQueued {
		rec.finalize(nil)
		return
	}

	if warning := sess.linearityWarning(rec.CellIndex); warning != "" {
		rec.setTextSummary(warning)
		log.Warn("out-of-order execution",
			zap.String("exec_id", rec.ID),
			zap.Int("cell_index", rec.CellIndex),
			zap.Int("max_executed_index", sess.MaxExecutedIndex()))
	}

	corrID, err := sc.execute(ctx, sess, rec)
	if err != nil {
		// Never submitted, so never running.
		if ferr := rec.fail(fmt.Sprintf("failed to submit execution: %v", err)); ferr == nil {
			sess.finishWithoutRun(rec)
		}
		log.Error("execution submit failed",
			zap.String("exec_id", rec.ID), zap.Error(err))
		sc.finishRecord(sess, rec)
		return
	}

	log.Debug("execution running",
		zap.String("exec_id", rec.ID),
		zap.String("correlation_id", corrID),
		zap.Int("cell_index", rec.CellIndex))

	sc.awaitCompletion(ctx, sess, rec, log)

	final := rec.Status()
	if final == StatusCompleted {
		sess.advanceMaxExecuted(rec.CellIndex)
	}

	if (final == StatusError || final == StatusTimeout) && sess.StopOnError() {
		reason := fmt.Sprintf("cancelled: earlier execution %s ended with status %s", rec.ID, final)
		drained := sess.drainQueued(reason)
		if len(drained) > 0 {
			log.Warn("stop_on_error drained pending executions",
				zap.String("exec_id", rec.ID),
				zap.Int("drained", len(drained)))
		}
		for _, cancelled := range drained {
			sc.finishRecord(sess, cancelled)
		}
	}

	sc.finishRecord(sess, rec)
}

// awaitCompletion blocks until the record turns terminal, the timeout
// elapses, or the server shuts down. The timeout only abandons the
// wait; the kernel may still be executing.
func (sc *Scheduler) awaitCompletion(ctx context.Context, sess *Session, rec *ExecutionRecord, log *logger.Logger) {
	timeout := sess.timeoutOr(sc.defaultTimeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.Done():
	case <-timer.C:
		if err := rec.markTimeout(timeout); err == nil {
			log.Warn("execution timed out",
				zap.String("exec_id", rec.ID),
				zap.Duration("timeout", timeout))
		}
	case <-ctx.Done():
		if err := rec.cancel("server shutting down"); err == nil {
			log.Info("execution cancelled by shutdown", zap.String("exec_id", rec.ID))
		}
	}
}

// finishRecord runs the finalize callback and closes the finalized
// channel, both exactly once per record.
func (sc *Scheduler) finishRecord(sess *Session, rec *ExecutionRecord) {
	rec.finalize(func() {
		if sc.finalize != nil {
			sc.finalize(sess, rec)
		}
	})
}
