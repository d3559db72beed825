package sync

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/metrics"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/assets"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// DrainReport summarizes one drain of one queue.
type DrainReport struct {
	Queue string `json:"queue"`

	// Skipped is set when another drain of the same queue was in flight.
	Skipped bool `json:"skipped,omitempty"`
	// Offline is set when the drain stopped or never started for lack of connectivity.
	Offline bool `json:"offline,omitempty"`
	// SessionInvalid is set when the drain stopped on a rejected credential.
	SessionInvalid bool `json:"session_invalid,omitempty"`

	Applied   int `json:"applied"`
	Discarded int `json:"discarded"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`

	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// MarshalJSON renders Err as an "error" string.
func (r DrainReport) MarshalJSON() ([]byte, error) {
	type plain DrainReport
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// halted reports whether the drain stopped early and must not be repeated.
func (r *DrainReport) halted() bool {
	return r.Offline || r.SessionInvalid || r.Err != nil
}

func (r *DrainReport) keep(err error) {
	if r.Err == nil {
		r.Err = err
	}
}

// setDraining reads both guards inside the update so the last transition wins.
func (e *Engine) setDraining() {
	e.status.Update(func(s *models.SyncStatus) {
		s.Draining = e.opDraining.Load() || e.upDraining.Load()
	})
}

// DrainOperations attempts every due operation in FIFO order. An operation that
// cannot run now holds back later operations for the same path. A concurrent
// call returns a Skipped report and makes the running drain pass over the queue
// once more before it returns.
func (e *Engine) DrainOperations(ctx context.Context) (report DrainReport) {
	report.Queue = metrics.QueueOperations
	if !e.opDraining.CompareAndSwap(false, true) {
		e.opRedrain.Store(true)
		report.Skipped = true
		return report
	}
	start := time.Now()
	e.setDraining()
	defer func() {
		e.opDraining.Store(false)
		e.setDraining()
		report.Duration = time.Since(start)
		metrics.RecordDrain(metrics.QueueOperations, report.Duration)

		// A request that arrived after the last pass but before the guard was released.
		if e.opRedrain.Swap(false) && !report.halted() {
			e.background(func(ctx context.Context) { e.DrainOperations(ctx) })
		}
	}()

	for {
		e.opRedrain.Store(false)
		e.operationsPass(ctx, &report)
		if report.halted() || !e.opRedrain.Load() {
			break
		}
	}
	e.finishDrain(&report, e.ops.Len())
	return report
}

func (e *Engine) operationsPass(ctx context.Context, report *DrainReport) {
	if !e.connected.Load() {
		report.Offline = true
		return
	}

	report.Deferred = 0
	now := e.now()
	held := make(map[string]bool)
	for _, op := range e.ops.List() {
		if ctx.Err() != nil {
			report.keep(ctx.Err())
			return
		}
		if !e.connected.Load() {
			report.Offline = true
			return
		}
		if op.IsTerminal() {
			held[op.Path] = true
			continue
		}
		if !op.Due(now) {
			e.opSched.Ensure(op.ID, time.UnixMilli(op.NextAttemptAt).Sub(now))
			held[op.Path] = true
			report.Deferred++
			continue
		}
		if held[op.Path] {
			report.Deferred++
			continue
		}

		res := e.exec.Execute(ctx, op)
		e.noteConflict(res)

		if res.Done() {
			if err := e.ops.DequeueSuccess(op.ID); err != nil {
				e.log.Error("Failed to dequeue applied operation", err, map[string]interface{}{"id": op.ID})
				report.keep(err)
			}
			e.opSched.Cancel(op.ID)
			if res.Outcome == OutcomeApplied {
				metrics.RecordApplied(string(op.Kind))
				report.Applied++
			} else {
				report.Discarded++
			}
			continue
		}

		// Failures caused by losing connectivity or by shutdown do not count as attempts.
		if !e.connected.Load() {
			report.Offline = true
			return
		}
		if ctx.Err() != nil {
			report.keep(ctx.Err())
			return
		}

		metrics.RecordFailure(metrics.QueueOperations, string(res.Class))
		report.Failed++
		held[op.Path] = true

		switch res.Outcome {
		case OutcomeSessionInvalid:
			report.SessionInvalid = true
			if err := e.ops.RecordError(op.ID, res.Err); err != nil {
				report.keep(err)
			}
			e.log.ErrorWithCode("Remote rejected credential, drain stopped", string(apperrors.CodeOf(res.Err)), res.Err, map[string]interface{}{"id": op.ID})
			return
		case OutcomeFatal:
			if err := e.ops.MarkTerminal(op.ID, res.Err); err != nil {
				report.keep(err)
			}
		default:
			e.failOperation(op, res.Err)
		}
	}
}

// failOperation counts a failed attempt and arms the retry timer unless retries are exhausted.
func (e *Engine) failOperation(op models.SyncOperation, cause error) {
	delay := e.opSched.Next(op.Attempts + 1)
	attempt, err := e.ops.MarkFailedAttempt(op.ID, cause, e.policy, e.now().Add(delay))
	if err != nil {
		e.log.Error("Failed to record failed attempt", err, map[string]interface{}{"id": op.ID})
		return
	}
	if attempt.Terminal {
		e.opSched.Cancel(op.ID)
		metrics.RecordFailure(metrics.QueueOperations, "exhausted")
		return
	}
	e.opSched.Arm(op.ID, delay)
}

// DrainUploads attempts every due upload in FIFO order: decode, resolve the
// destination folder, then upload. A concurrent call returns a Skipped report
// and makes the running drain pass over the queue once more.
func (e *Engine) DrainUploads(ctx context.Context) (report DrainReport) {
	report.Queue = metrics.QueueUploads
	if e.opts.Assets == nil {
		return report
	}
	if !e.upDraining.CompareAndSwap(false, true) {
		e.upRedrain.Store(true)
		report.Skipped = true
		return report
	}
	start := time.Now()
	e.setDraining()
	defer func() {
		e.upDraining.Store(false)
		e.setDraining()
		report.Duration = time.Since(start)
		metrics.RecordDrain(metrics.QueueUploads, report.Duration)

		if e.upRedrain.Swap(false) && !report.halted() {
			e.background(func(ctx context.Context) { e.DrainUploads(ctx) })
		}
	}()

	for {
		e.upRedrain.Store(false)
		e.uploadsPass(ctx, &report)
		if report.halted() || !e.upRedrain.Load() {
			break
		}
	}
	e.finishDrain(&report, e.uploads.Len())
	return report
}

func (e *Engine) uploadsPass(ctx context.Context, report *DrainReport) {
	if !e.connected.Load() {
		report.Offline = true
		return
	}

	report.Deferred = 0
	now := e.now()
	for _, item := range e.uploads.ListPending() {
		if ctx.Err() != nil {
			report.keep(ctx.Err())
			return
		}
		if !e.connected.Load() {
			report.Offline = true
			return
		}
		if !item.Due(now) {
			e.upSched.Ensure(item.ID, time.UnixMilli(item.NextAttemptAt).Sub(now))
			report.Deferred++
			continue
		}

		size, err := e.deliver(ctx, item)
		if err == nil {
			if err := e.uploads.DequeueSuccess(item.ID); err != nil {
				report.keep(err)
			}
			e.upSched.Cancel(item.ID)
			metrics.RecordUpload(size, true)
			report.Applied++
			continue
		}

		if !e.connected.Load() {
			report.Offline = true
			return
		}
		if ctx.Err() != nil {
			report.keep(ctx.Err())
			return
		}

		class := apperrors.Classify(err)
		metrics.RecordUpload(0, false)
		metrics.RecordFailure(metrics.QueueUploads, string(class))
		report.Failed++

		if class == apperrors.ClassSession {
			report.SessionInvalid = true
			if rerr := e.uploads.RecordError(item.ID, err); rerr != nil {
				report.keep(rerr)
			}
			e.teardownSession()
			e.log.ErrorWithCode("Asset backend rejected credential, session cleared", string(apperrors.CodeOf(err)), err, map[string]interface{}{"id": item.ID})
			return
		}
		if class == apperrors.ClassFatal {
			if rerr := e.uploads.MarkTerminal(item.ID, err); rerr != nil {
				report.keep(rerr)
			}
			continue
		}
		e.failUpload(item, err)
	}
}

func (e *Engine) deliver(ctx context.Context, item models.UploadItem) (int, error) {
	data, err := queue.Decode(item)
	if err != nil {
		return 0, err
	}
	folder, err := e.folders.Resolve(ctx, item.Category)
	if err != nil {
		return 0, err
	}
	meta := item.Metadata.Properties()
	if meta["category"] == "" {
		meta["category"] = string(item.Category)
	}
	meta["sha256"] = assets.Checksum(data)
	fileID, err := e.opts.Assets.Upload(ctx, assets.UploadRequest{
		FolderID: folder,
		Filename: item.Filename,
		MimeType: item.MimeType,
		Metadata: meta,
		Data:     data,
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("Upload delivered", map[string]interface{}{"id": item.ID, "file_id": fileID, "folder": folder})
	return len(data), nil
}

func (e *Engine) failUpload(item models.UploadItem, cause error) {
	delay := e.upSched.Next(item.Attempts + 1)
	attempt, err := e.uploads.MarkFailedAttempt(item.ID, cause, e.policy, e.now().Add(delay))
	if err != nil {
		e.log.Error("Failed to record failed upload", err, map[string]interface{}{"id": item.ID})
		return
	}
	if attempt.Terminal {
		e.upSched.Cancel(item.ID)
		metrics.RecordFailure(metrics.QueueUploads, "exhausted")
		return
	}
	e.upSched.Arm(item.ID, delay)
}

// finishDrain publishes counts and stamps the last successful drain when the
// drain delivered something or left the queue empty.
func (e *Engine) finishDrain(report *DrainReport, remaining int) {
	delivered := report.Applied+report.Discarded > 0
	emptied := remaining == 0 && !report.Offline && !report.SessionInvalid && report.Err == nil
	if delivered || emptied {
		e.markDrained()
		return
	}
	e.refreshCounts(nil)
}
