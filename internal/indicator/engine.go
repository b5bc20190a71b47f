package indicator

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/models"
	"github.com/ortusmarket/convo-core/internal/observability"
)

// Emitter publishes outbound presence transitions. In production this is the
// realtime transport; tests substitute a recorder.
type Emitter interface {
	EmitTyping(threadID string, typing bool) error
	EmitRecording(threadID string, recording bool, durationSeconds int) error
}

// Config carries the engine's timer durations. Zero values fall back to the
// production defaults.
type Config struct {
	Debounce time.Duration
	Linger   time.Duration
	Tick     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 400 * time.Millisecond
	}
	if c.Linger <= 0 {
		c.Linger = 500 * time.Millisecond
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	return c
}

type recordingSession struct {
	startedAt time.Time
	stop      chan struct{}
}

// Engine runs the per-thread typing/recording state machines: outbound typing
// with debounce, outbound recording with a duration ticker, and inbound
// indicators smoothed by a short linger. One inbound actor is tracked per
// thread; a different actor replaces the tracked one.
type Engine struct {
	mu      sync.Mutex
	emitter Emitter
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	typingActive map[string]bool
	typingTimers map[string]*time.Timer
	recordings   map[string]*recordingSession
	inbound      map[string]*models.Indicator
	lingerTimers map[string]*time.Timer
}

// NewEngine constructs an indicator engine emitting through the given emitter.
func NewEngine(emitter Emitter, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		emitter:      emitter,
		cfg:          cfg.withDefaults(),
		log:          logger.With().Str("component", "indicator_engine").Logger(),
		now:          time.Now,
		typingActive: make(map[string]bool),
		typingTimers: make(map[string]*time.Timer),
		recordings:   make(map[string]*recordingSession),
		inbound:      make(map[string]*models.Indicator),
		lingerTimers: make(map[string]*time.Timer),
	}
}

// SetComposerText feeds the composer's current text into the typing state
// machine. Only the 0->1 content transition emits typing=true; further edits
// just restart the debounce timer. Clearing the composer emits typing=false
// immediately.
func (e *Engine) SetComposerText(threadID, text string) {
	trimmed := strings.TrimSpace(text)

	e.mu.Lock()
	if trimmed == "" {
		wasActive := e.typingActive[threadID]
		delete(e.typingActive, threadID)
		e.cancelTypingTimer(threadID)
		e.mu.Unlock()

		if wasActive {
			e.emitTyping(threadID, false)
		}
		return
	}

	emitTrue := !e.typingActive[threadID]
	e.typingActive[threadID] = true
	e.cancelTypingTimer(threadID)
	e.typingTimers[threadID] = time.AfterFunc(e.cfg.Debounce, func() {
		e.typingExpired(threadID)
	})
	e.mu.Unlock()

	if emitTrue {
		e.emitTyping(threadID, true)
	}
}

func (e *Engine) typingExpired(threadID string) {
	e.mu.Lock()
	wasActive := e.typingActive[threadID]
	delete(e.typingActive, threadID)
	delete(e.typingTimers, threadID)
	e.mu.Unlock()

	if wasActive {
		e.emitTyping(threadID, false)
	}
}

// StartRecording emits recording=true with duration 0 and starts the ticker
// that re-emits the elapsed duration every tick while the session is live.
func (e *Engine) StartRecording(threadID string) {
	e.mu.Lock()
	if _, exists := e.recordings[threadID]; exists {
		e.mu.Unlock()
		return
	}
	session := &recordingSession{startedAt: e.now(), stop: make(chan struct{})}
	e.recordings[threadID] = session
	e.mu.Unlock()

	e.emitRecording(threadID, true, 0)
	go e.tickRecording(threadID, session)
}

// StopRecording ends the duration ticker and emits recording=false.
func (e *Engine) StopRecording(threadID string) {
	e.mu.Lock()
	session, ok := e.recordings[threadID]
	if ok {
		close(session.stop)
		delete(e.recordings, threadID)
	}
	e.mu.Unlock()

	if ok {
		e.emitRecording(threadID, false, 0)
	}
}

func (e *Engine) tickRecording(threadID string, session *recordingSession) {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-session.stop:
			return
		case <-ticker.C:
			elapsed := int(e.now().Sub(session.startedAt).Seconds())
			e.emitRecording(threadID, true, elapsed)
		}
	}
}

// ApplyInbound applies a counterpart presence event. Stop events linger
// briefly before clearing so out-of-order delivery does not flicker; a fresh
// active event cancels the pending clear. A different actor replaces the one
// currently tracked for the thread.
func (e *Engine) ApplyInbound(ind models.Indicator) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if timer, ok := e.lingerTimers[ind.ThreadID]; ok {
		timer.Stop()
		delete(e.lingerTimers, ind.ThreadID)
	}

	if ind.Active {
		ind.UpdatedAt = e.now()
		copied := ind
		e.inbound[ind.ThreadID] = &copied
		return
	}

	current, ok := e.inbound[ind.ThreadID]
	if !ok || current.ActorID != ind.ActorID {
		return
	}

	threadID := ind.ThreadID
	e.lingerTimers[threadID] = time.AfterFunc(e.cfg.Linger, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.inbound, threadID)
		delete(e.lingerTimers, threadID)
	})
}

// Active reports whether any inbound indicator is live for the thread. This
// feeds the thread-list comparator.
func (e *Engine) Active(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inbound[threadID]
	return ok
}

// Snapshot returns the tracked inbound indicator for the composer surface.
func (e *Engine) Snapshot(threadID string) (models.Indicator, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ind, ok := e.inbound[threadID]
	if !ok {
		return models.Indicator{}, false
	}
	return *ind, true
}

// ClearThread cancels all timers and indicator state for a thread, emitting
// the necessary stop transitions. Called when the viewer leaves the thread.
func (e *Engine) ClearThread(threadID string) {
	e.mu.Lock()
	typingWasActive := e.typingActive[threadID]
	delete(e.typingActive, threadID)
	e.cancelTypingTimer(threadID)

	recording, wasRecording := e.recordings[threadID]
	if wasRecording {
		close(recording.stop)
		delete(e.recordings, threadID)
	}

	if timer, ok := e.lingerTimers[threadID]; ok {
		timer.Stop()
		delete(e.lingerTimers, threadID)
	}
	delete(e.inbound, threadID)
	e.mu.Unlock()

	if typingWasActive {
		e.emitTyping(threadID, false)
	}
	if wasRecording {
		e.emitRecording(threadID, false, 0)
	}
}

// Close clears every tracked thread.
func (e *Engine) Close() {
	e.mu.Lock()
	threads := make(map[string]struct{})
	for id := range e.typingActive {
		threads[id] = struct{}{}
	}
	for id := range e.recordings {
		threads[id] = struct{}{}
	}
	for id := range e.inbound {
		threads[id] = struct{}{}
	}
	e.mu.Unlock()

	for id := range threads {
		e.ClearThread(id)
	}
}

// cancelTypingTimer stops a pending debounce timer. Callers hold e.mu.
func (e *Engine) cancelTypingTimer(threadID string) {
	if timer, ok := e.typingTimers[threadID]; ok {
		timer.Stop()
		delete(e.typingTimers, threadID)
	}
}

func (e *Engine) emitTyping(threadID string, typing bool) {
	observability.IndicatorTransitions().WithLabelValues(string(models.IndicatorTyping), boolLabel(typing)).Inc()
	if err := e.emitter.EmitTyping(threadID, typing); err != nil {
		e.log.Warn().Err(err).Str("thread_id", threadID).Bool("typing", typing).Msg("failed to emit typing indicator")
	}
}

func (e *Engine) emitRecording(threadID string, recording bool, duration int) {
	observability.IndicatorTransitions().WithLabelValues(string(models.IndicatorRecording), boolLabel(recording)).Inc()
	if err := e.emitter.EmitRecording(threadID, recording, duration); err != nil {
		e.log.Warn().Err(err).Str("thread_id", threadID).Bool("recording", recording).Msg("failed to emit recording indicator")
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
