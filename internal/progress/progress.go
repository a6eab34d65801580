// Package progress derives human-facing transfer metrics from raw session
// counters. All computations are pure; nothing here mutates session state.
package progress

import (
	"time"

	"github.com/voxscribe/upload/uptypes"
)

// Trailing-window defaults for throughput estimation. A windowed average
// over recently completed parts avoids the noisy ETA swings of a
// single-sample instantaneous rate.
const (
	DefaultWindowSpan    = 30 * time.Second
	DefaultWindowSamples = 16
)

// Sample records one completed part for throughput estimation.
type Sample struct {
	// Bytes is the part size
	Bytes int64

	// At is the completion time
	At time.Time
}

// Window keeps a bounded trailing window of part completions.
type Window struct {
	span    time.Duration
	max     int
	samples []Sample
}

// NewWindow creates a trailing window. Non-positive arguments fall back to
// the defaults.
func NewWindow(span time.Duration, maxSamples int) *Window {
	if span <= 0 {
		span = DefaultWindowSpan
	}
	if maxSamples <= 0 {
		maxSamples = DefaultWindowSamples
	}
	return &Window{span: span, max: maxSamples}
}

// Add records a completed part.
func (w *Window) Add(bytes int64, at time.Time) {
	w.samples = append(w.samples, Sample{Bytes: bytes, At: at})
	if len(w.samples) > w.max {
		w.samples = w.samples[len(w.samples)-w.max:]
	}
}

// Throughput returns the windowed average rate in bytes per second at the
// given instant, or 0 when too little data is in the window.
func (w *Window) Throughput(now time.Time) float64 {
	cutoff := now.Add(-w.span)
	var bytes int64
	var oldest time.Time
	for _, s := range w.samples {
		if s.At.Before(cutoff) {
			continue
		}
		if oldest.IsZero() || s.At.Before(oldest) {
			oldest = s.At
		}
		bytes += s.Bytes
	}
	if bytes == 0 || oldest.IsZero() {
		return 0
	}

	elapsed := now.Sub(oldest).Seconds()
	if elapsed <= 0 {
		// All samples landed at the same instant; spread them over one
		// second rather than reporting an infinite rate.
		elapsed = 1
	}
	return float64(bytes) / elapsed
}

// Snapshot derives the progress view for a session. throughput is the
// windowed rate in bytes per second; pass 0 when unknown and the ETA is
// omitted.
func Snapshot(sess *uptypes.Session, throughput float64) uptypes.Snapshot {
	snap := uptypes.Snapshot{
		SessionID:      sess.ID,
		Status:         sess.Status,
		UploadedBytes:  sess.UploadedBytes(),
		TotalBytes:     sess.FileSize,
		UploadedChunks: int32(len(sess.Parts)),
		TotalChunks:    sess.TotalChunks,
		Throughput:     throughput,
		Error:          sess.ErrorMsg,
	}

	if sess.TotalChunks > 0 {
		snap.Percent = float64(len(sess.Parts)) / float64(sess.TotalChunks) * 100
	} else {
		snap.Percent = 100
	}
	if snap.Percent < 0 {
		snap.Percent = 0
	}
	if snap.Percent > 100 {
		snap.Percent = 100
	}

	if throughput > 0 {
		remaining := sess.FileSize - snap.UploadedBytes
		if remaining > 0 {
			snap.ETA = time.Duration(float64(remaining) / throughput * float64(time.Second))
		}
	}

	return snap
}
