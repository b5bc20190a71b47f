package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/observability"
)

var (
	// ErrEmptyRecording indicates the capture session accumulated zero bytes.
	// The attempt is unrecoverable; the user must re-record.
	ErrEmptyRecording = errors.New("recording produced no audio data")
	// ErrPermissionDenied indicates microphone access was refused. Remediation
	// is granting the permission, not retrying.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrNoDevice indicates no capture device is present.
	ErrNoDevice = errors.New("no audio capture device available")
	// ErrSessionActive indicates a recording session is already running.
	ErrSessionActive = errors.New("a recording session is already active")
	// ErrNoSession indicates Stop or Cancel was called with nothing recording.
	ErrNoSession = errors.New("no active recording session")
)

// State names a position in the capture state machine.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting-device"
	StateRecording  State = "recording"
	StateStopping   State = "stopping"
	StateAssembling State = "assembling"
)

// Stream is a live capture session on the platform audio device. The device
// lock is held until Release.
type Stream interface {
	// Chunks delivers raw audio chunks in capture order. The channel closes
	// after Stop once trailing data has been delivered.
	Chunks() <-chan []byte
	// ForceFlush asks the device to emit any buffered trailing audio as a
	// final chunk. Must be called before Stop to avoid losing tail audio.
	ForceFlush(ctx context.Context) error
	// Stop ends capture and closes the chunk channel.
	Stop() error
	// Release frees the exclusive device lock.
	Release() error
}

// Device acquires an exclusive lock on the platform audio-capture device.
// Implementations surface ErrPermissionDenied or ErrNoDevice where they can
// classify the failure.
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Prober runs the local playback self-test on an assembled recording and
// reports the readable duration.
type Prober interface {
	Probe(ctx context.Context, data []byte) (durationSeconds float64, err error)
}

// IndicatorSink receives recording presence transitions. In production this
// is the indicator engine, which owns the duration ticker.
type IndicatorSink interface {
	StartRecording(threadID string)
	StopRecording(threadID string)
}

// Result is a valid assembled recording ready for the send path.
type Result struct {
	ThreadID        string
	Data            []byte
	DurationSeconds float64
	// ProbeWarning is set when the playback self-test failed. The recording
	// is still usable; container mismatches across playback environments are
	// expected.
	ProbeWarning string
}

type session struct {
	threadID  string
	stream    Stream
	startedAt time.Time

	// chunks has a single writer: the drain goroutine. Ownership passes to
	// the assembly step once drained is closed.
	chunks  [][]byte
	drained chan struct{}
}

// Engine drives one voice recording session at a time through
// idle -> requesting-device -> recording -> stopping -> assembling.
type Engine struct {
	mu           sync.Mutex
	state        State
	device       Device
	prober       Prober
	indicators   IndicatorSink
	probeTimeout time.Duration
	log          zerolog.Logger
	now          func() time.Time
	sess         *session
}

// NewEngine constructs a capture engine around the given device and prober.
func NewEngine(device Device, prober Prober, indicators IndicatorSink, probeTimeout time.Duration, logger zerolog.Logger) *Engine {
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	return &Engine{
		state:        StateIdle,
		device:       device,
		prober:       prober,
		indicators:   indicators,
		probeTimeout: probeTimeout,
		log:          logger.With().Str("component", "capture_engine").Logger(),
		now:          time.Now,
	}
}

// State reports the engine's current position in the state machine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start acquires the capture device and begins accumulating chunks for the
// given thread. Device failures terminate the attempt cleanly with a typed
// cause and leave the engine idle.
func (e *Engine) Start(ctx context.Context, threadID string) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrSessionActive
	}
	e.state = StateRequesting
	e.mu.Unlock()

	stream, err := e.device.Acquire(ctx)
	if err != nil {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()

		observability.CaptureSessions().WithLabelValues("rejected").Inc()
		switch {
		case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNoDevice):
			return err
		default:
			return fmt.Errorf("acquire capture device: %w", err)
		}
	}

	sess := &session{
		threadID:  threadID,
		stream:    stream,
		startedAt: e.now(),
		drained:   make(chan struct{}),
	}

	e.mu.Lock()
	e.sess = sess
	e.state = StateRecording
	e.mu.Unlock()

	e.indicators.StartRecording(threadID)
	go drain(sess)

	e.log.Info().Str("thread_id", threadID).Msg("voice recording started")
	return nil
}

// drain is the single writer of sess.chunks. It hands ownership to the
// assembly step by closing sess.drained.
func drain(sess *session) {
	for chunk := range sess.stream.Chunks() {
		if len(chunk) > 0 {
			sess.chunks = append(sess.chunks, chunk)
		}
	}
	close(sess.drained)
}

// Stop force-flushes the device, assembles the accumulated chunks and runs
// the playback self-test. An empty assembled buffer is a hard failure. The
// device lock is released only after the self-test (or its timeout) so
// source data cannot be destroyed prematurely.
func (e *Engine) Stop(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.state != StateRecording || e.sess == nil {
		e.mu.Unlock()
		return Result{}, ErrNoSession
	}
	e.state = StateStopping
	sess := e.sess
	e.mu.Unlock()

	if err := sess.stream.ForceFlush(ctx); err != nil {
		e.log.Warn().Err(err).Msg("force flush of trailing audio failed")
	}
	if err := sess.stream.Stop(); err != nil {
		e.log.Warn().Err(err).Msg("stopping capture stream failed")
	}
	<-sess.drained

	e.indicators.StopRecording(sess.threadID)

	e.mu.Lock()
	e.state = StateAssembling
	e.mu.Unlock()

	assembled := assemble(sess.chunks)
	if len(assembled) == 0 {
		_ = sess.stream.Release()
		e.finish()
		observability.CaptureSessions().WithLabelValues("empty").Inc()
		return Result{}, ErrEmptyRecording
	}

	elapsed := e.now().Sub(sess.startedAt).Seconds()
	result := Result{
		ThreadID:        sess.threadID,
		Data:            assembled,
		DurationSeconds: elapsed,
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	duration, err := e.prober.Probe(probeCtx, assembled)
	cancel()
	if err != nil {
		result.ProbeWarning = err.Error()
		e.log.Warn().Err(err).Msg("playback self-test failed, keeping recording")
	} else if duration > 0 {
		result.DurationSeconds = duration
	}

	_ = sess.stream.Release()
	e.finish()

	observability.CaptureSessions().WithLabelValues("ready").Inc()
	e.log.Info().
		Str("thread_id", sess.threadID).
		Int("bytes", len(assembled)).
		Float64("duration_s", result.DurationSeconds).
		Msg("voice recording assembled")

	return result, nil
}

// Cancel discards the accumulated chunks, releases the device lock and clears
// the recording indicator without producing an attachment.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	if e.state != StateRecording || e.sess == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	e.state = StateStopping
	sess := e.sess
	e.mu.Unlock()

	_ = sess.stream.Stop()
	<-sess.drained
	_ = sess.stream.Release()

	e.indicators.StopRecording(sess.threadID)
	e.finish()

	observability.CaptureSessions().WithLabelValues("cancelled").Inc()
	e.log.Info().Str("thread_id", sess.threadID).Msg("voice recording cancelled")
	return nil
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.sess = nil
	e.state = StateIdle
	e.mu.Unlock()
}

func assemble(chunks [][]byte) []byte {
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}
	out := make([]byte, 0, total)
	for _, chunk := range chunks {
		out = append(out, chunk...)
	}
	return out
}
