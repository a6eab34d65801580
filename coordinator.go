package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"

	uperrors "github.com/voxscribe/upload/errors"
	"github.com/voxscribe/upload/internal/plan"
	"github.com/voxscribe/upload/internal/pool"
	"github.com/voxscribe/upload/internal/progress"
	"github.com/voxscribe/upload/internal/store"
	"github.com/voxscribe/upload/internal/transfer"
	"github.com/voxscribe/upload/uptypes"
)

// coordinator owns one upload session from start (or resume) to a stop
// state. A single run goroutine holds the scheduling loop and is the only
// writer of the session record; part uploads run in bounded worker
// goroutines that report back over a results channel.
type coordinator struct {
	sessID      string
	store       *store.Store
	exec        *transfer.Executor
	fsys        fs.Filesystem
	bufs        *pool.BufferPool
	broker      *broker
	log         *slog.Logger
	now         func() time.Time
	concurrency int

	ctx    context.Context
	cancel context.CancelFunc

	pauseCh   chan struct{}
	pauseOnce sync.Once
	done      chan struct{}
	onExit    func()

	mu     sync.Mutex
	sess   *uptypes.Session
	window *progress.Window
}

// partResult is one worker's report back to the scheduling loop.
type partResult struct {
	rng  plan.Range
	part uptypes.UploadedPart
	err  error
}

// transferOutcome summarizes why the scheduling loop stopped.
type transferOutcome struct {
	cancelled bool
	paused    bool
	fatal     error

	// exhausted lists parts whose transient failures outlived the retry
	// budget; the session cannot complete without them.
	exhausted []int32
}

// run drives the session to a stop state: completed, failed, cancelled, or
// paused. It must be called exactly once, on its own goroutine.
func (c *coordinator) run() {
	defer close(c.done)
	defer c.onExit()

	ctx := c.ctx

	// A session without a remote upload id has never reached the backend;
	// this covers both new sessions and crash recovery before initiate.
	if c.cloneSess().RemoteUploadID == "" {
		if err := c.setStatus(uptypes.StatusUploading); err != nil {
			c.finishFailed(err)
			return
		}
		remoteID, err := c.exec.Initiate(ctx, c.cloneSess())
		if ctx.Err() != nil {
			c.finishCancelled()
			return
		}
		if err != nil {
			c.finishFailed(err)
			return
		}
		if err := c.applyPatch(uptypes.SessionPatch{RemoteUploadID: &remoteID}); err != nil {
			c.finishFailed(err)
			return
		}
	} else if err := c.setStatus(uptypes.StatusUploading); err != nil {
		c.finishFailed(err)
		return
	}

	out := c.transfer(ctx)
	switch {
	case out.cancelled:
		c.finishCancelled()
	case out.fatal != nil:
		c.finishFailed(out.fatal)
	case out.paused:
		c.finishPaused()
	default:
		c.finalize(ctx, out.exhausted)
	}
}

// transfer schedules the missing parts with bounded concurrency and collects
// results until done, paused, cancelled, or failed. On pause, in-flight
// uploads drain and their results are still recorded; on cancel they drain
// but results are discarded.
func (c *coordinator) transfer(ctx context.Context) transferOutcome {
	sess := c.cloneSess()

	ranges, err := plan.Plan(sess.FileSize, sess.ChunkSize)
	if err != nil {
		return transferOutcome{fatal: err}
	}
	missing := make([]plan.Range, 0, len(ranges))
	for _, r := range ranges {
		if _, ok := sess.Parts[r.PartNumber]; !ok {
			missing = append(missing, r)
		}
	}

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	results := make(chan partResult)
	var wg sync.WaitGroup

	var out transferOutcome
	pauseCh := c.pauseCh
	ctxDone := ctx.Done()
	next := 0
	inflight := 0
	dispatching := true

	for {
		for dispatching && next < len(missing) && inflight < c.concurrency {
			r := missing[next]
			next++
			inflight++
			wg.Add(1)
			go c.uploadOne(workCtx, sess, r, results, &wg)
		}
		if inflight == 0 && (!dispatching || next >= len(missing)) {
			break
		}

		select {
		case res := <-results:
			inflight--
			// The select races results against cancellation; a worker that
			// died on the cancelled context must not read as a part failure.
			if ctx.Err() != nil && !out.cancelled {
				out.cancelled = true
				dispatching = false
			}
			c.handleResult(res, &out, &dispatching, stopWork)
		case <-pauseCh:
			pauseCh = nil
			dispatching = false
			out.paused = true
		case <-ctxDone:
			ctxDone = nil
			dispatching = false
			out.cancelled = true
			stopWork()
		}
	}

	wg.Wait()
	return out
}

func (c *coordinator) handleResult(res partResult, out *transferOutcome, dispatching *bool, stopWork func()) {
	if res.err == nil {
		if !out.cancelled {
			c.recordPart(res.part)
		}
		return
	}
	if out.cancelled || out.fatal != nil {
		// Already winding down; workers failing on the cancelled context
		// are expected noise.
		return
	}

	var pe *uperrors.PartError
	if errors.As(res.err, &pe) && pe.Retryable {
		// Transient failure that outlived the retry budget. Other parts
		// keep going; the gap is accounted for at finalize time.
		out.exhausted = append(out.exhausted, res.rng.PartNumber)
		c.publishError(res.rng.PartNumber, res.err)
		return
	}

	c.publishError(res.rng.PartNumber, res.err)
	out.fatal = res.err
	*dispatching = false
	stopWork()
}

// uploadOne reads one part range from the source file and uploads it.
func (c *coordinator) uploadOne(
	ctx context.Context,
	sess *uptypes.Session,
	rng plan.Range,
	results chan<- partResult,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	buf := c.bufs.Get(rng.Length)
	defer c.bufs.Put(buf)

	if err := c.readRange(sess.FilePath, rng, buf); err != nil {
		results <- partResult{rng: rng, err: &uperrors.PartError{
			PartNumber: rng.PartNumber,
			Err:        err,
		}}
		return
	}

	part, err := c.exec.UploadPart(ctx, sess.StorageKey, sess.RemoteUploadID, rng.PartNumber, buf)
	results <- partResult{rng: rng, part: part, err: err}
}

func (c *coordinator) readRange(path string, rng plan.Range, buf []byte) error {
	f, err := c.fsys.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	n, err := f.ReadAt(buf, rng.Offset)
	if int64(n) != rng.Length {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// finalize runs after every planned part was attempted. Full coverage leads
// to Complete; a coverage gap from exhausted retry budgets fails the session.
func (c *coordinator) finalize(ctx context.Context, exhausted []int32) {
	sess := c.cloneSess()

	if !sess.Covered() {
		err := uperrors.NewError("transfer", uperrors.ErrPartFailed).
			WithSession(c.sessID).
			WithMessage(fmt.Sprintf("retry budget exhausted for parts %v", exhausted))
		c.finishFailed(err)
		return
	}

	parts := make([]uptypes.UploadedPart, 0, len(sess.Parts))
	for _, p := range sess.Parts {
		parts = append(parts, p)
	}
	if err := c.exec.Complete(ctx, sess.StorageKey, sess.RemoteUploadID, parts); err != nil {
		if ctx.Err() != nil {
			c.finishCancelled()
			return
		}
		// The remote upload is left intact for manual recovery.
		c.finishFailed(err)
		return
	}

	c.log.Info("upload completed", "session", c.sessID, "parts", len(parts), "bytes", sess.FileSize)
	if err := c.setStatus(uptypes.StatusCompleted); err != nil {
		c.log.Warn("completed transition not persisted", "session", c.sessID, "error", err)
	}
}

func (c *coordinator) finishPaused() {
	if err := c.setStatus(uptypes.StatusPaused); err != nil {
		c.log.Warn("paused transition not persisted", "session", c.sessID, "error", err)
	}
}

func (c *coordinator) finishFailed(cause error) {
	c.log.Warn("upload failed", "session", c.sessID, "error", cause)
	msg := cause.Error()
	st := uptypes.StatusFailed
	if _, err := c.applyPatchRaw(uptypes.SessionPatch{Status: &st, ErrorMsg: &msg}); err != nil {
		c.log.Warn("failed transition not persisted", "session", c.sessID, "error", err)
		return
	}
	c.broker.publish(uptypes.Event{
		Type:      uptypes.EventError,
		SessionID: c.sessID,
		Message:   msg,
	})
	c.broker.publish(uptypes.Event{
		Type:      uptypes.EventStatusChanged,
		SessionID: c.sessID,
		Status:    uptypes.StatusFailed,
	})
}

// finishCancelled aborts the remote upload best-effort and lands the session
// in cancelled. The session context is already dead, so the abort runs on a
// fresh one.
func (c *coordinator) finishCancelled() {
	sess := c.cloneSess()
	if sess.RemoteUploadID != "" {
		if err := c.exec.Abort(context.Background(), sess.StorageKey, sess.RemoteUploadID); err != nil {
			c.log.Warn("abort after cancel failed", "session", c.sessID, "error", err)
		}
	}
	if err := c.setStatus(uptypes.StatusCancelled); err != nil {
		c.log.Warn("cancelled transition not persisted", "session", c.sessID, "error", err)
	}
}

// pause requests a pause, waits for in-flight parts to drain, and reports
// whether the session actually landed in paused. A session that raced to a
// terminal state instead yields ErrInvalidTransition.
func (c *coordinator) pause() error {
	c.pauseOnce.Do(func() { close(c.pauseCh) })
	<-c.done

	if st := c.status(); st != uptypes.StatusPaused {
		return uperrors.NewError("pause", uperrors.ErrInvalidTransition).
			WithSession(c.sessID).
			WithMessage(fmt.Sprintf("session finished as %s", st))
	}
	return nil
}

// cancelAndWait cancels the session and blocks until the run loop has
// drained workers, aborted the remote upload, and persisted the terminal
// state.
func (c *coordinator) cancelAndWait() error {
	c.cancel()
	<-c.done

	if st := c.status(); st != uptypes.StatusCancelled {
		return uperrors.NewError("cancel", uperrors.ErrInvalidTransition).
			WithSession(c.sessID).
			WithMessage(fmt.Sprintf("session finished as %s", st))
	}
	return nil
}

// recordPart persists a confirmed part and publishes chunk-completed plus a
// fresh progress snapshot. Called only from the scheduling loop, so progress
// events per session are ordered by uploaded count.
func (c *coordinator) recordPart(part uptypes.UploadedPart) {
	patch := uptypes.SessionPatch{Parts: []uptypes.UploadedPart{part}}

	c.mu.Lock()
	hadError := c.sess.ErrorMsg != ""
	c.mu.Unlock()
	if hadError {
		empty := ""
		patch.ErrorMsg = &empty
	}

	updated, err := c.store.Update(c.sessID, patch)
	if err != nil {
		c.log.Warn("part not persisted", "session", c.sessID, "part", part.PartNumber, "error", err)
		return
	}

	c.mu.Lock()
	c.sess = updated
	c.window.Add(part.Size, c.now())
	snap := progress.Snapshot(updated, c.window.Throughput(c.now()))
	c.mu.Unlock()

	c.log.Debug("part uploaded", "session", c.sessID, "part", part.PartNumber, "size", part.Size)
	c.broker.publish(uptypes.Event{
		Type:       uptypes.EventChunkCompleted,
		SessionID:  c.sessID,
		PartNumber: part.PartNumber,
	})
	c.broker.publish(uptypes.Event{
		Type:      uptypes.EventProgress,
		SessionID: c.sessID,
		Snapshot:  &snap,
	})
}

func (c *coordinator) publishError(partNumber int32, cause error) {
	c.broker.publish(uptypes.Event{
		Type:       uptypes.EventError,
		SessionID:  c.sessID,
		PartNumber: partNumber,
		Message:    cause.Error(),
	})
}

// setStatus persists a state transition and publishes status-changed.
func (c *coordinator) setStatus(to uptypes.Status) error {
	prev := c.status()
	if _, err := c.applyPatchRaw(uptypes.SessionPatch{Status: &to}); err != nil {
		return err
	}
	if prev != to {
		c.log.Info("status changed", "session", c.sessID, "from", prev, "to", to)
		c.broker.publish(uptypes.Event{
			Type:      uptypes.EventStatusChanged,
			SessionID: c.sessID,
			Status:    to,
		})
	}
	return nil
}

func (c *coordinator) applyPatch(patch uptypes.SessionPatch) error {
	_, err := c.applyPatchRaw(patch)
	return err
}

func (c *coordinator) applyPatchRaw(patch uptypes.SessionPatch) (*uptypes.Session, error) {
	updated, err := c.store.Update(c.sessID, patch)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sess = updated
	c.mu.Unlock()
	return updated, nil
}

func (c *coordinator) snapshot() uptypes.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return progress.Snapshot(c.sess, c.window.Throughput(c.now()))
}

func (c *coordinator) status() uptypes.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Status
}

func (c *coordinator) cloneSess() *uptypes.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Clone()
}
