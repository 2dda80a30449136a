// Package stream drives a single fragment transfer over an already-open
// WebRTC data channel: chunk framing, back-pressure against the
// channel's buffered-amount, and the activity-refresh callback that
// keeps the owning peer's inactivity watchdog from firing mid-transfer.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fragmesh/storage-node/internal/protocol"
)

const (
	// ThrottleCheckInterval is how often the back-pressure loop polls
	// BufferedAmount while waiting for the channel to drain.
	ThrottleCheckInterval = 50 * time.Millisecond

	// maxBufferThreshold pauses sending once BufferedAmount crosses it.
	maxBufferThreshold = protocol.ChunkSize * 5

	// resumeThreshold is the BufferedAmount the channel must drain back
	// below before sending resumes.
	resumeThreshold = protocol.ChunkSize

	// activityRefreshInterval is how often an in-progress transfer
	// reports activity back to its owning peer.
	activityRefreshInterval = 5 * time.Second

	// lowMemoryThresholdPct is the used-memory percentage above which
	// free RAM is considered below the spec's 15% floor.
	lowMemoryThresholdPct = 85.0

	// maxBufferedBytesGate is the channel buffered-bytes ceiling the
	// resource gate refuses to start a new transfer above (spec.md
	// §4.3 gate 3).
	maxBufferedBytesGate = 10 * 1024 * 1024
)

// ErrChannelNotOpen is returned when the data channel isn't ready.
var ErrChannelNotOpen = errors.New("data channel not open")

// ErrResourceExhausted is returned when the pre-flight memory gate or
// the peer's existing buffered amount rules out starting a new
// transfer right now.
var ErrResourceExhausted = errors.New("insufficient resources to start transfer")

// ErrCancelled is returned (wrapped) when a transfer is stopped via its
// Cancel method or the manager's teardown path.
var ErrCancelled = errors.New("transfer cancelled")

// ErrThrottled is returned when the back-pressure drain does not
// complete before its computed deadline.
var ErrThrottled = errors.New("Transfer throttled too long") //nolint:stylecheck // exact spec error text

// ErrFragmentNotFound is returned when the fragment file does not
// exist (or has been removed) at the path the caller resolved.
var ErrFragmentNotFound = errors.New("fragment file not found")

// TransferRegistry is the subset of peer.Manager's per-peer bookkeeping
// a Transfer needs. Defined here (not imported from internal/peer) to
// avoid an import cycle, since internal/peer imports internal/stream
// for the Transfer type itself.
type TransferRegistry interface {
	RegisterTransfer(sessionID string, t *Transfer)
	UnregisterTransfer(sessionID string)
	LookupTransfer(sessionID string) (*Transfer, bool)
	DataChannel() *webrtc.DataChannel
}

// emitter is the subset of signaling.Client a Transfer needs to report
// fragment status. Declared locally so this package never imports
// internal/signaling.
type emitter interface {
	Emit(event string, payload any) error
}

// metricsSink is the subset of internal/metrics.Collector a Transfer
// reports through. Declared locally so this package never imports
// internal/metrics.
type metricsSink interface {
	TransferStarted()
	TransferFinished(remote, status string, bytesSent int64)
}

// Transfer tracks one in-flight fragment send, cancellable from outside
// the goroutine driving it.
type Transfer struct {
	SessionID  string
	FragmentID string

	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	err       error

	totalBytes atomic.Int64
	sentBytes  atomic.Int64
}

// Cancel stops the transfer at its next chunk boundary. Safe to call
// more than once.
func (t *Transfer) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel()
	}
}

// Done reports whether the transfer has finished (successfully, with
// an error, or cancelled).
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal error, if any, once Done is closed.
func (t *Transfer) Err() error {
	return t.err
}

// SentBytes and TotalBytes report live progress, e.g. for an admin
// status surface.
func (t *Transfer) SentBytes() int64  { return t.sentBytes.Load() }
func (t *Transfer) TotalBytes() int64 { return t.totalBytes.Load() }

// Request describes one fragment send.
type Request struct {
	SessionID  string
	FragmentID string
	Path       string
	Registry   TransferRegistry

	// Remote identifies the owning peer, used only to label metrics.
	Remote string

	// Signaling, if non-nil, receives a fragment_status event at every
	// status transition (STARTING, IN_PROGRESS, terminal). Nil-safe for
	// tests that don't care about status reporting.
	Signaling emitter

	// Metrics, if non-nil, is incremented on transfer start and the
	// terminal outcome. Nil-safe for tests that don't wire a collector.
	Metrics metricsSink

	// OnActivity is invoked roughly every activityRefreshInterval while
	// the transfer is running, and once more on completion. A function
	// value rather than a peer.Manager pointer, so this package never
	// imports internal/peer.
	OnActivity func()
}

// Stream opens Path, frames it into protocol chunks, and writes them to
// the request's data channel, respecting back-pressure. It registers
// itself in Registry under SessionID for the duration of the transfer
// and unregisters on every exit path. Every pre-flight gate and
// terminal outcome is reported through Signaling as a fragment_status
// event, per spec.md §4.3/§7.
func Stream(ctx context.Context, logger *slog.Logger, req Request) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("session_id", req.SessionID), slog.String("fragment_id", req.FragmentID))

	emitStatus(req, protocol.StatusStarting, nil, 0, 0)

	info, err := os.Stat(req.Path)
	if err != nil {
		emitStatus(req, protocol.StatusFileNotFound, ErrFragmentNotFound, 0, 0)
		return ErrFragmentNotFound
	}

	dc := req.Registry.DataChannel()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		emitStatus(req, protocol.StatusDataChannelClosed, ErrChannelNotOpen, 0, 0)
		return ErrChannelNotOpen
	}

	if err := checkResources(dc); err != nil {
		sendOutboundCancel(dc, req.SessionID, "low memory")
		emitStatus(req, protocol.StatusLowMemory, err, 0, info.Size())
		return err
	}

	f, err := os.Open(req.Path)
	if err != nil {
		emitStatus(req, protocol.StatusFailed, err, 0, info.Size())
		return fmt.Errorf("open fragment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only, nothing to flush

	runCtx, cancel := context.WithCancel(ctx)
	transfer := &Transfer{
		SessionID:  req.SessionID,
		FragmentID: req.FragmentID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	transfer.totalBytes.Store(info.Size())
	req.Registry.RegisterTransfer(req.SessionID, transfer)
	defer req.Registry.UnregisterTransfer(req.SessionID)
	defer close(transfer.done)

	emitStatus(req, protocol.StatusInProgress, nil, 0, info.Size())
	if req.Metrics != nil {
		req.Metrics.TransferStarted()
	}

	err = drive(runCtx, logger, dc, req.SessionID, f, info.Size(), req.OnActivity, transfer)
	transfer.err = err
	if req.OnActivity != nil {
		req.OnActivity()
	}

	sent := transfer.sentBytes.Load()
	var status string
	switch {
	case err == nil:
		status = protocol.StatusCompleted
		emitStatus(req, status, nil, sent, info.Size())
	case errors.Is(err, ErrThrottled):
		status = protocol.StatusFailed
		emitStatus(req, status, ErrThrottled, sent, info.Size())
	case errors.Is(err, ErrCancelled) || transfer.cancelled.Load():
		status = protocol.StatusCanceled
		emitStatus(req, status, nil, sent, info.Size())
	default:
		status = protocol.StatusFailed
		emitStatus(req, status, err, sent, info.Size())
	}
	if req.Metrics != nil {
		req.Metrics.TransferFinished(req.Remote, status, sent)
	}
	return err
}

func emitStatus(req Request, status string, err error, sent, total int64) {
	if req.Signaling == nil {
		return
	}
	msg := protocol.FragmentStatus{
		FragmentID: req.FragmentID,
		SessionID:  req.SessionID,
		Status:     status,
		SentBytes:  sent,
		TotalBytes: total,
	}
	if err != nil {
		msg.Error = err.Error()
	}
	_ = req.Signaling.Emit("fragment_status", msg)
}

// sendOutboundCancel writes a CANCELED control frame to dc, used when
// the node itself aborts a transfer (e.g. under memory pressure)
// rather than the remote peer requesting cancellation.
func sendOutboundCancel(dc *webrtc.DataChannel, sessionID, reason string) {
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := json.Marshal(protocol.ControlMessage{
		Type:      protocol.TypeCanceled,
		SessionID: sessionID,
		Error:     reason,
	})
	if err != nil {
		return
	}
	_ = dc.SendText(string(data))
}

func checkResources(dc *webrtc.DataChannel) error {
	if dc.BufferedAmount() > maxBufferedBytesGate {
		return ErrResourceExhausted
	}
	vm, err := mem.VirtualMemory()
	if err == nil && vm.UsedPercent > lowMemoryThresholdPct {
		return ErrResourceExhausted
	}
	return nil
}

// drive reads r in ChunkSize pieces, frames each under sessionID, and
// writes it to dc, waiting out back-pressure between sends and
// refreshing activity on the configured interval.
func drive(ctx context.Context, logger *slog.Logger, dc *webrtc.DataChannel, sessionID string, r io.Reader, size int64, onActivity func(), transfer *Transfer) error {
	total := protocol.ChunkCount(size)
	buf := make([]byte, protocol.ChunkSize)
	lastActivity := time.Now()

	for i := int64(0); ; i++ {
		if transfer.cancelled.Load() {
			return fmt.Errorf("chunk %d/%d: %w", i, total, ErrCancelled)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chunk %d/%d: %w", i, total, ErrCancelled)
		default:
		}

		n, readErr := io.ReadFull(r, buf)
		if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read fragment: %w", readErr)
		}
		// The index-based check covers exact-multiple-of-ChunkSize
		// fragments, where the final ReadFull still returns a full
		// buffer with no error; the EOF check covers everything else,
		// including the zero-byte fragment (total == 0).
		last := i == total-1 || errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF)

		if err := waitForBufferRoom(ctx, dc); err != nil {
			return err
		}

		frame, err := protocol.EncodeChunk(sessionID, last, buf[:n])
		if err != nil {
			return fmt.Errorf("encode chunk %d: %w", i, err)
		}
		if err := dc.Send(frame); err != nil {
			return fmt.Errorf("send chunk %d: %w", i, err)
		}
		transfer.sentBytes.Add(int64(n))

		if time.Since(lastActivity) >= activityRefreshInterval {
			if onActivity != nil {
				onActivity()
			}
			lastActivity = time.Now()
		}

		if last {
			break
		}
	}

	logger.Info("transfer complete", slog.Int64("total_chunks", total))
	return nil
}

// waitForBufferRoom blocks until dc.BufferedAmount() drops to or below
// resumeThreshold, polling every ThrottleCheckInterval. The deadline is
// computed once at the start of the pause as 1 ms per KiB currently
// buffered, clamped to 1-10 s, and is not recomputed while
// polling (spec.md §4.3: "reevaluated once per pause"). If the buffer
// has not drained by the deadline, the transfer fails with
// ErrThrottled.
func waitForBufferRoom(ctx context.Context, dc *webrtc.DataChannel) error {
	buffered := dc.BufferedAmount()
	if buffered <= maxBufferThreshold {
		return nil
	}

	deadline := clampDuration(time.Duration(buffered/1024)*time.Millisecond, time.Second, 10*time.Second)
	deadlineTimer := time.NewTimer(deadline)
	defer deadlineTimer.Stop()

	ticker := time.NewTicker(ThrottleCheckInterval)
	defer ticker.Stop()

	for {
		if dc.BufferedAmount() <= resumeThreshold {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for buffer drain: %w", ErrCancelled)
		case <-deadlineTimer.C:
			return ErrThrottled
		case <-ticker.C:
		}
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
