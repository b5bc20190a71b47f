package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ortusmarket/convo-core/internal/capture"
	"github.com/ortusmarket/convo-core/internal/inbox"
	"github.com/ortusmarket/convo-core/internal/indicator"
	"github.com/ortusmarket/convo-core/internal/models"
	"github.com/ortusmarket/convo-core/internal/notify"
	"github.com/ortusmarket/convo-core/internal/observability"
	"github.com/ortusmarket/convo-core/internal/playback"
	"github.com/ortusmarket/convo-core/internal/store"
	"github.com/ortusmarket/convo-core/internal/transport"
	"github.com/ortusmarket/convo-core/internal/upload"
)

var (
	// ErrEmptyMessage indicates a send was attempted with neither body text nor
	// attachments. This is a local validation failure; nothing reaches the wire.
	ErrEmptyMessage = errors.New("message must carry text or attachments")
	// ErrNoActiveThread indicates a thread-scoped operation was attempted with
	// no thread open.
	ErrNoActiveThread = errors.New("no thread is currently open")
	// ErrSendFailed wraps a backend rejection of a send. The composer content
	// is preserved so the user can retry.
	ErrSendFailed = errors.New("message send failed")
)

// Identity is the local user on whose behalf the controller acts.
type Identity struct {
	UserID   string
	UserName string
	Role     models.Role
}

// Realtime is the duplex event connection the controller publishes presence
// on and receives conversation events from. *transport.Client satisfies it.
type Realtime interface {
	Subscribe(kind transport.EventKind, handler transport.Handler)
	Send(kind transport.EventKind, payload any) error
	JoinThread(id string) error
	LeaveThread(id string) error
}

// Options carries the collaborators a Controller composes.
type Options struct {
	Identity Identity
	Inbox    inbox.API
	Realtime Realtime
	Store    *store.ConversationStore
	Storage  upload.FileStorage
	Device   capture.Device
	Prober   capture.Prober
	Player   playback.Player
	Mirror   *notify.Mirror

	Indicator     indicator.Config
	AttachmentCap int
	UploadWait    time.Duration
	ProbeTimeout  time.Duration

	Logger zerolog.Logger
}

// Controller is the single entry point the embedding surface talks to. It
// composes the store, the indicator engine, the upload pipeline, voice capture
// and playback behind thread-scoped operations, and wires inbound realtime
// events into the store. All methods are safe for concurrent use.
type Controller struct {
	identity   Identity
	inbox      inbox.API
	realtime   Realtime
	store      *store.ConversationStore
	indicators *indicator.Engine
	uploads    *upload.Pipeline
	capture    *capture.Engine
	playback   *playback.Sequencer
	mirror     *notify.Mirror
	validate   *validator.Validate
	sanitizer  *bluemonday.Policy
	tracer     trace.Tracer
	log        zerolog.Logger
	uploadWait time.Duration

	mu       sync.Mutex
	composer string
	replyTo  *string
}

// New constructs a Controller, builds its engines and subscribes to the
// realtime event stream. Call Close to release timers when done.
func New(opts Options) *Controller {
	if opts.UploadWait <= 0 {
		opts.UploadWait = 10 * time.Second
	}

	c := &Controller{
		identity:   opts.Identity,
		inbox:      opts.Inbox,
		realtime:   opts.Realtime,
		store:      opts.Store,
		mirror:     opts.Mirror,
		validate:   validator.New(),
		sanitizer:  bluemonday.UGCPolicy().AllowElements("br"),
		tracer:     otel.Tracer("convo-core/controller"),
		log:        opts.Logger.With().Str("component", "controller").Logger(),
		uploadWait: opts.UploadWait,
	}

	c.indicators = indicator.NewEngine(c, opts.Indicator, opts.Logger)
	c.uploads = upload.NewPipeline(opts.Storage, opts.AttachmentCap, opts.Logger)
	c.capture = capture.NewEngine(opts.Device, opts.Prober, c.indicators, opts.ProbeTimeout, opts.Logger)
	c.playback = playback.NewSequencer(opts.Player, opts.Store, opts.Logger)

	c.store.SetActivityProbe(c.indicators.Active)

	c.realtime.Subscribe(transport.EventNewMessage, c.handleNewMessage)
	c.realtime.Subscribe(transport.EventThreadUpdate, c.handleThreadUpdate)
	c.realtime.Subscribe(transport.EventUserTyping, c.handleTyping)
	c.realtime.Subscribe(transport.EventUserRecording, c.handleRecording)

	return c
}

// EmitTyping publishes an outbound typing transition for the local user. It
// implements the indicator engine's emitter.
func (c *Controller) EmitTyping(threadID string, typing bool) error {
	return c.realtime.Send(transport.EventUserTyping, transport.TypingPayload{
		ThreadID: threadID,
		UserID:   c.identity.UserID,
		UserName: c.identity.UserName,
		IsTyping: typing,
	})
}

// EmitRecording publishes an outbound recording transition for the local user.
func (c *Controller) EmitRecording(threadID string, recording bool, durationSeconds int) error {
	return c.realtime.Send(transport.EventUserRecording, transport.RecordingPayload{
		ThreadID:        threadID,
		UserID:          c.identity.UserID,
		IsRecording:     recording,
		DurationSeconds: durationSeconds,
	})
}

// RefreshThreads fetches thread summaries from the backend and merges them
// into the local cache.
func (c *Controller) RefreshThreads(ctx context.Context, filter inbox.ThreadFilter) ([]models.Thread, error) {
	threads, err := c.inbox.GetThreads(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("refresh threads: %w", err)
	}
	for _, thread := range threads {
		c.store.UpsertThreadSummary(thread)
	}
	return c.store.Threads(), nil
}

// OpenThread makes a thread the active conversation: previous thread state is
// torn down, the realtime room is joined, the full history is fetched into
// the store and the thread is marked read. The join is best effort so a
// transport outage does not block reading cached history.
func (c *Controller) OpenThread(ctx context.Context, threadID string) error {
	ctx, span := c.tracer.Start(ctx, "controller.open_thread",
		trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	if prev := c.store.ActiveThread(); prev != "" && prev != threadID {
		c.teardownThread(prev)
	}

	c.store.SetActiveThread(threadID)
	c.store.WarmFromCache(threadID)
	c.playback.SetActiveThread(threadID)
	c.resetComposer()

	if err := c.realtime.JoinThread(threadID); err != nil {
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("join deferred until transport reconnects")
	}

	result, err := c.inbox.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("open thread %s: %w", threadID, err)
	}
	c.store.Hydrate(result.Thread, result.Messages)

	c.store.MarkRead(threadID)
	if err := c.inbox.MarkThreadAsRead(ctx, threadID); err != nil {
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("mark-read not acknowledged")
	}

	return nil
}

// CloseThread leaves the active thread and clears its transient state.
// In-flight uploads are not cancelled; they belong to the pending message.
func (c *Controller) CloseThread() {
	threadID := c.store.ActiveThread()
	if threadID == "" {
		return
	}
	c.teardownThread(threadID)
	c.store.SetActiveThread("")
	c.playback.SetActiveThread("")
	c.resetComposer()
}

func (c *Controller) teardownThread(threadID string) {
	c.indicators.ClearThread(threadID)
	if err := c.realtime.LeaveThread(threadID); err != nil {
		c.log.Debug().Err(err).Str("thread_id", threadID).Msg("leave not delivered")
	}
}

// StartConversation creates a new thread with a counterpart. The caller opens
// it separately.
func (c *Controller) StartConversation(ctx context.Context, in inbox.CreateThreadInput) (models.Thread, error) {
	if err := c.validate.Struct(in); err != nil {
		return models.Thread{}, fmt.Errorf("invalid thread input: %w", err)
	}

	thread, err := c.inbox.CreateThread(ctx, in)
	if err != nil {
		return models.Thread{}, fmt.Errorf("create thread: %w", err)
	}

	c.store.UpsertThreadSummary(thread)
	return thread, nil
}

// SetComposerText mirrors the composer's current text into the controller and
// drives the typing indicator state machine.
func (c *Controller) SetComposerText(text string) {
	threadID := c.store.ActiveThread()
	if threadID == "" {
		return
	}

	c.mu.Lock()
	c.composer = text
	c.mu.Unlock()

	c.indicators.SetComposerText(threadID, text)
}

// ComposerText returns the buffered composer content.
func (c *Controller) ComposerText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.composer
}

// SetReplyTo targets the next send at an existing message. A reference to a
// message missing from the cache is kept; the backend validates it for real.
func (c *Controller) SetReplyTo(messageID *string) {
	if messageID != nil {
		threadID := c.store.ActiveThread()
		if _, ok := c.store.Message(threadID, *messageID); !ok {
			c.log.Debug().Str("message_id", *messageID).Msg("reply target not in cache")
		}
	}

	c.mu.Lock()
	c.replyTo = messageID
	c.mu.Unlock()
}

// SendMessage validates, finalizes attachments and sends the composed message.
// The store is updated optimistically before the backend acknowledges; the
// acknowledgment (or the racing realtime event) replaces the optimistic entry
// by correlation id. On failure the optimistic entry is rolled back and the
// composer content survives for a retry.
func (c *Controller) SendMessage(ctx context.Context) (models.Message, error) {
	threadID := c.store.ActiveThread()
	if threadID == "" {
		return models.Message{}, ErrNoActiveThread
	}

	ctx, span := c.tracer.Start(ctx, "controller.send_message",
		trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	c.mu.Lock()
	raw := c.composer
	replyTo := c.replyTo
	c.mu.Unlock()

	content := strings.TrimSpace(c.sanitizer.Sanitize(raw))
	if content == "" && c.uploads.Len() == 0 {
		return models.Message{}, ErrEmptyMessage
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.uploadWait)
	attachments, err := c.uploads.Collect(waitCtx)
	cancel()
	if err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}
	if content == "" && len(attachments) == 0 {
		return models.Message{}, ErrEmptyMessage
	}

	correlationID := uuid.NewString()
	optimistic := models.Message{
		ID:            "local-" + correlationID,
		ThreadID:      threadID,
		SenderID:      c.identity.UserID,
		SenderRole:    c.identity.Role,
		Content:       content,
		Attachments:   attachments,
		ReplyTo:       replyTo,
		Delivery:      models.DeliverySent,
		CreatedAt:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	c.store.AppendOptimistic(threadID, optimistic)

	sent, err := c.inbox.SendMessage(ctx, threadID, inbox.SendMessageInput{
		Content:       content,
		Attachments:   attachments,
		ReplyTo:       replyTo,
		CorrelationID: correlationID,
	})
	if err != nil {
		c.store.RemoveMessage(threadID, optimistic.ID)
		span.RecordError(err)
		return models.Message{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if sent.CorrelationID == "" {
		sent.CorrelationID = correlationID
	}
	c.store.AppendMessage(threadID, sent)

	c.uploads.Clear()
	c.resetComposer()
	c.indicators.SetComposerText(threadID, "")

	observability.MessagesSent().WithLabelValues(kindLabel(sent)).Inc()
	c.log.Info().Str("thread_id", threadID).Str("message_id", sent.ID).Msg("message sent")

	return sent, nil
}

// EditMessage replaces a sent message's body text on the backend and patches
// the cached copy.
func (c *Controller) EditMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	threadID := c.store.ActiveThread()
	if threadID == "" {
		return models.Message{}, ErrNoActiveThread
	}

	clean := strings.TrimSpace(c.sanitizer.Sanitize(content))
	if clean == "" {
		return models.Message{}, ErrEmptyMessage
	}

	edited, err := c.inbox.EditMessage(ctx, threadID, messageID, clean)
	if err != nil {
		return models.Message{}, fmt.Errorf("edit message: %w", err)
	}

	c.store.PatchMessage(threadID, messageID, models.MessagePatch{
		MessageID: messageID,
		Content:   &clean,
	})
	return edited, nil
}

// DeleteMessage tombstones a message on the backend and in the cache.
func (c *Controller) DeleteMessage(ctx context.Context, messageID string) error {
	threadID := c.store.ActiveThread()
	if threadID == "" {
		return ErrNoActiveThread
	}

	if err := c.inbox.DeleteMessage(ctx, threadID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	deleted := true
	c.store.PatchMessage(threadID, messageID, models.MessagePatch{
		MessageID: messageID,
		Deleted:   &deleted,
	})
	return nil
}

// ReactToMessage toggles the viewer's emoji reaction on a message and applies
// it to the cache optimistically.
func (c *Controller) ReactToMessage(ctx context.Context, messageID, emoji string) error {
	threadID := c.store.ActiveThread()
	if threadID == "" {
		return ErrNoActiveThread
	}

	if err := c.inbox.ReactToMessage(ctx, threadID, messageID, emoji); err != nil {
		return fmt.Errorf("react to message: %w", err)
	}

	c.store.PatchMessage(threadID, messageID, models.MessagePatch{
		MessageID:   messageID,
		AddReaction: &models.Reaction{Emoji: emoji, ReactorID: c.identity.UserID},
	})
	return nil
}

// MarkThreadRead clears the viewer's unread counter locally and on the backend.
func (c *Controller) MarkThreadRead(ctx context.Context, threadID string) error {
	c.store.MarkRead(threadID)
	if err := c.inbox.MarkThreadAsRead(ctx, threadID); err != nil {
		return fmt.Errorf("mark thread read: %w", err)
	}
	return nil
}

// AttachFiles queues selected files on the upload pipeline. Queueing stops at
// the first file that would exceed the attachment cap.
func (c *Controller) AttachFiles(files []inbox.UploadFile) ([]models.UploadTask, error) {
	tasks := make([]models.UploadTask, 0, len(files))
	for _, file := range files {
		task, err := c.uploads.Add(file.Name, file.Data)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// UploadTasks reports the pending attachment set in selection order.
func (c *Controller) UploadTasks() []models.UploadTask {
	return c.uploads.Tasks()
}

// RetryUpload re-attempts a failed attachment upload.
func (c *Controller) RetryUpload(taskID string) error {
	return c.uploads.Retry(taskID)
}

// CancelUpload removes an attachment from the pending set.
func (c *Controller) CancelUpload(taskID string) error {
	return c.uploads.Cancel(taskID)
}

// StartRecording begins a voice capture session for the active thread.
func (c *Controller) StartRecording(ctx context.Context) error {
	threadID := c.store.ActiveThread()
	if threadID == "" {
		return ErrNoActiveThread
	}
	return c.capture.Start(ctx, threadID)
}

// StopRecording ends the capture session and routes the assembled voice note:
// with an empty composer it is uploaded and sent immediately as a standalone
// message, otherwise it joins the pending attachment set for the next send.
// The returned message is non-nil only on the auto-send path.
func (c *Controller) StopRecording(ctx context.Context) (*models.Message, error) {
	result, err := c.capture.Stop(ctx)
	if err != nil {
		return nil, err
	}
	if result.ProbeWarning != "" {
		c.log.Warn().Str("warning", result.ProbeWarning).Msg("voice note kept despite failed self-test")
	}

	name := fmt.Sprintf("voice-%d.ogg", time.Now().Unix())

	c.mu.Lock()
	composerEmpty := strings.TrimSpace(c.composer) == ""
	c.mu.Unlock()

	if !composerEmpty {
		if _, err := c.uploads.AddVoice(name, result.Data, result.DurationSeconds); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return c.sendVoiceNote(ctx, result.ThreadID, name, result)
}

// sendVoiceNote uploads one assembled recording and sends it as a message of
// its own, bypassing the pending attachment set so queued files stay with the
// text the user is not done composing.
func (c *Controller) sendVoiceNote(ctx context.Context, threadID, name string, rec capture.Result) (*models.Message, error) {
	ctx, span := c.tracer.Start(ctx, "controller.send_voice_note",
		trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	duration := rec.DurationSeconds
	uploadCtx, cancel := context.WithTimeout(ctx, c.uploadWait)
	attachment, err := c.uploads.UploadNow(uploadCtx, name, rec.Data, models.AttachmentVoice, &duration)
	cancel()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	correlationID := uuid.NewString()
	optimistic := models.Message{
		ID:            "local-" + correlationID,
		ThreadID:      threadID,
		SenderID:      c.identity.UserID,
		SenderRole:    c.identity.Role,
		Attachments:   []models.Attachment{attachment},
		Delivery:      models.DeliverySent,
		CreatedAt:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	c.store.AppendOptimistic(threadID, optimistic)

	sent, err := c.inbox.SendMessage(ctx, threadID, inbox.SendMessageInput{
		Attachments:   []models.Attachment{attachment},
		CorrelationID: correlationID,
	})
	if err != nil {
		c.store.RemoveMessage(threadID, optimistic.ID)
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if sent.CorrelationID == "" {
		sent.CorrelationID = correlationID
	}
	c.store.AppendMessage(threadID, sent)

	observability.MessagesSent().WithLabelValues("voice").Inc()
	c.log.Info().Str("thread_id", threadID).Str("message_id", sent.ID).Msg("voice note sent")

	return &sent, nil
}

// CancelRecording discards the in-flight capture session.
func (c *Controller) CancelRecording() error {
	return c.capture.Cancel()
}

// CaptureState reports the capture state machine position.
func (c *Controller) CaptureState() capture.State {
	return c.capture.State()
}

// PlayVoiceNote starts playback of one voice attachment in the active thread,
// queueing the thread's remaining unplayed voice notes for autoplay.
func (c *Controller) PlayVoiceNote(ctx context.Context, messageID string, attachmentIndex int) error {
	threadID := c.store.ActiveThread()
	if threadID == "" {
		return ErrNoActiveThread
	}

	ref := models.VoiceRef{ThreadID: threadID, MessageID: messageID, AttachmentIndex: attachmentIndex}
	return c.playback.Play(ctx, ref, true)
}

// PausePlayback pauses the audible voice note.
func (c *Controller) PausePlayback() error { return c.playback.Pause() }

// ResumePlayback resumes the paused voice note.
func (c *Controller) ResumePlayback() error { return c.playback.Resume() }

// BeginScrub suspends autoplay advancement while the user drags the position.
func (c *Controller) BeginScrub() { c.playback.SeekStart() }

// SeekTo moves the playback position during a scrub.
func (c *Controller) SeekTo(positionSeconds float64) error { return c.playback.SeekTo(positionSeconds) }

// EndScrub re-enables autoplay advancement.
func (c *Controller) EndScrub() { c.playback.SeekEnd() }

// PlaybackState reports the current voice note and autoplay queue.
func (c *Controller) PlaybackState() models.PlaybackState { return c.playback.State() }

// Threads returns the cached thread list in display order.
func (c *Controller) Threads() []models.Thread { return c.store.Threads() }

// Messages returns the cached messages of a thread.
func (c *Controller) Messages(threadID string) []models.Message { return c.store.Messages(threadID) }

// CounterpartIndicator reports the live presence indicator for a thread.
func (c *Controller) CounterpartIndicator(threadID string) (models.Indicator, bool) {
	return c.indicators.Snapshot(threadID)
}

// Counterparts lists the actors the viewer may start conversations with.
func (c *Controller) Counterparts(ctx context.Context) ([]models.Counterpart, error) {
	return c.inbox.GetCounterparts(ctx)
}

// Close releases timers and stops playback.
func (c *Controller) Close() {
	c.indicators.Close()
	c.playback.Stop()
}

func (c *Controller) resetComposer() {
	c.mu.Lock()
	c.composer = ""
	c.replyTo = nil
	c.mu.Unlock()
}

func (c *Controller) handleNewMessage(env transport.Envelope) {
	var payload transport.NewMessagePayload
	if err := env.Decode(&payload); err != nil {
		c.log.Warn().Err(err).Msg("malformed new_message event dropped")
		return
	}

	applied := c.store.AppendMessage(payload.ThreadID, payload.Message)
	if !applied {
		return
	}

	if payload.Message.SenderID != c.identity.UserID {
		observability.MessagesReceived().WithLabelValues(kindLabel(payload.Message)).Inc()
		c.mirror.PublishMessage(payload.ThreadID, payload.Message)
	}
}

func (c *Controller) handleThreadUpdate(env transport.Envelope) {
	var payload transport.ThreadUpdatePayload
	if err := env.Decode(&payload); err != nil {
		c.log.Warn().Err(err).Msg("malformed thread_update event dropped")
		return
	}

	if payload.LastMessage != nil {
		c.store.AppendMessage(payload.ThreadID, *payload.LastMessage)
	}
	c.store.ApplyThreadPatch(payload.ThreadID, payload.Patch)
}

func (c *Controller) handleTyping(env transport.Envelope) {
	var payload transport.TypingPayload
	if err := env.Decode(&payload); err != nil {
		c.log.Warn().Err(err).Msg("malformed user_typing event dropped")
		return
	}
	if payload.UserID == c.identity.UserID {
		return
	}

	c.indicators.ApplyInbound(models.Indicator{
		ThreadID:  payload.ThreadID,
		ActorID:   payload.UserID,
		ActorName: payload.UserName,
		Kind:      models.IndicatorTyping,
		Active:    payload.IsTyping,
	})
}

func (c *Controller) handleRecording(env transport.Envelope) {
	var payload transport.RecordingPayload
	if err := env.Decode(&payload); err != nil {
		c.log.Warn().Err(err).Msg("malformed user_recording event dropped")
		return
	}
	if payload.UserID == c.identity.UserID {
		return
	}

	c.indicators.ApplyInbound(models.Indicator{
		ThreadID:        payload.ThreadID,
		ActorID:         payload.UserID,
		Kind:            models.IndicatorRecording,
		Active:          payload.IsRecording,
		DurationSeconds: payload.DurationSeconds,
	})
}

func kindLabel(msg models.Message) string {
	if len(msg.Attachments) == 0 {
		return "text"
	}
	return string(msg.Attachments[0].Kind)
}
