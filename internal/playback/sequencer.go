package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/models"
	"github.com/ortusmarket/convo-core/internal/observability"
)

// ErrVoiceNotFound indicates the referenced voice attachment is not in the
// local cache.
var ErrVoiceNotFound = errors.New("voice attachment not found")

// Player is the platform audio output. Exactly one player is audible at a
// time; the sequencer enforces exclusivity above it.
type Player interface {
	// Play loads the url and starts playback. The returned channel closes on
	// natural completion.
	Play(ctx context.Context, url string) (done <-chan struct{}, durationSeconds float64, err error)
	Pause() error
	Resume() error
	Seek(positionSeconds float64) error
	Stop() error
	Position() float64
}

// MessageSource looks up the cached messages of a thread in display order.
type MessageSource interface {
	Messages(threadID string) []models.Message
}

// Sequencer plays at most one voice attachment at a time and drives the
// ordered autoplay queue across a thread's unplayed voice notes.
type Sequencer struct {
	mu     sync.Mutex
	player Player
	source MessageSource
	log    zerolog.Logger

	activeThread string
	current      *models.VoiceRef
	duration     float64
	queue        []models.VoiceRef
	played       map[models.VoiceRef]struct{}
	scrubbing    bool
	generation   int
}

// NewSequencer constructs a sequencer over the given player and message source.
func NewSequencer(player Player, source MessageSource, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		player: player,
		source: source,
		log:    logger.With().Str("component", "playback_sequencer").Logger(),
		played: make(map[models.VoiceRef]struct{}),
	}
}

// Play stops whatever is currently audible and starts the requested voice
// attachment. With enqueueRemaining set it rebuilds the autoplay queue from
// the thread's other not-yet-played voice notes in message order and advances
// through them on natural completion.
func (s *Sequencer) Play(ctx context.Context, ref models.VoiceRef, enqueueRemaining bool) error {
	s.mu.Lock()

	if s.current != nil {
		_ = s.player.Stop()
		s.current = nil
	}
	s.generation++
	gen := s.generation

	url, ok := s.findVoiceURL(ref)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s[%d]", ErrVoiceNotFound, ref.MessageID, ref.AttachmentIndex)
	}

	done, duration, err := s.player.Play(ctx, url)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("start playback: %w", err)
	}

	copied := ref
	s.current = &copied
	s.duration = duration
	s.played[ref] = struct{}{}
	if enqueueRemaining {
		s.queue = s.buildQueue(ref)
	}
	s.mu.Unlock()

	observability.PlaybackStarted().Inc()
	go s.watch(done, gen)

	return nil
}

// Pause pauses the current attachment without disturbing the queue.
func (s *Sequencer) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.player.Pause()
}

// Resume resumes the current attachment without disturbing the queue.
func (s *Sequencer) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.player.Resume()
}

// SeekStart marks the start of a user scrub. While scrubbing, a natural
// completion of the current item does not trigger the autoplay advance, so a
// user-initiated seek never races an autoplay transition.
func (s *Sequencer) SeekStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrubbing = true
}

// SeekTo moves the current playback position.
func (s *Sequencer) SeekTo(positionSeconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.player.Seek(positionSeconds)
}

// SeekEnd marks the end of a user scrub, re-enabling autoplay advancement.
func (s *Sequencer) SeekEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrubbing = false
}

// Stop halts playback and clears the autoplay queue.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// SetActiveThread switches the thread the sequencer operates on. Switching
// stops playback, clears the queue and forgets the played set.
func (s *Sequencer) SetActiveThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if threadID == s.activeThread {
		return
	}
	s.stopLocked()
	s.played = make(map[models.VoiceRef]struct{})
	s.activeThread = threadID
}

// State reports the current playback position and autoplay queue.
func (s *Sequencer) State() models.PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := models.PlaybackState{Duration: s.duration}
	if s.current != nil {
		copied := *s.current
		state.Current = &copied
		state.Position = s.player.Position()
	}
	if len(s.queue) > 0 {
		state.Queue = make([]models.VoiceRef, len(s.queue))
		copy(state.Queue, s.queue)
	}
	return state
}

// stopLocked halts the player and clears transient state. Callers hold s.mu.
func (s *Sequencer) stopLocked() {
	if s.current != nil {
		_ = s.player.Stop()
	}
	s.generation++
	s.current = nil
	s.duration = 0
	s.queue = nil
	s.scrubbing = false
}

func (s *Sequencer) watch(done <-chan struct{}, gen int) {
	<-done

	s.mu.Lock()
	if gen != s.generation || s.scrubbing {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		s.current = nil
		s.duration = 0
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	if err := s.Play(context.Background(), next, false); err != nil {
		s.log.Warn().Err(err).Str("message_id", next.MessageID).Msg("autoplay advance failed")
	}
}

// findVoiceURL resolves a voice ref against the cached messages. Callers
// hold s.mu.
func (s *Sequencer) findVoiceURL(ref models.VoiceRef) (string, bool) {
	for _, msg := range s.source.Messages(ref.ThreadID) {
		if msg.ID != ref.MessageID {
			continue
		}
		if ref.AttachmentIndex < 0 || ref.AttachmentIndex >= len(msg.Attachments) {
			return "", false
		}
		att := msg.Attachments[ref.AttachmentIndex]
		if att.Kind != models.AttachmentVoice {
			return "", false
		}
		return att.URL, true
	}
	return "", false
}

// buildQueue collects the thread's other unplayed voice attachments in
// message order. Callers hold s.mu.
func (s *Sequencer) buildQueue(exclude models.VoiceRef) []models.VoiceRef {
	var queue []models.VoiceRef
	for _, msg := range s.source.Messages(exclude.ThreadID) {
		if msg.Deleted {
			continue
		}
		for i, att := range msg.Attachments {
			if att.Kind != models.AttachmentVoice {
				continue
			}
			ref := models.VoiceRef{ThreadID: exclude.ThreadID, MessageID: msg.ID, AttachmentIndex: i}
			if ref == exclude {
				continue
			}
			if _, seen := s.played[ref]; seen {
				continue
			}
			queue = append(queue, ref)
		}
	}
	return queue
}
