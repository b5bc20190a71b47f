package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/models"
	"github.com/ortusmarket/convo-core/internal/observability"
)

var (
	// ErrTooManyAttachments indicates the per-message attachment cap was hit.
	ErrTooManyAttachments = errors.New("too many attachments for one message")
	// ErrUploadFailed indicates one or more attachment uploads failed. The
	// failed task keeps its file handle so Retry can re-attempt it.
	ErrUploadFailed = errors.New("attachment upload failed")
	// ErrTaskNotFound indicates the referenced upload task does not exist.
	ErrTaskNotFound = errors.New("upload task not found")
)

// FileStorage abstracts upload destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

type task struct {
	mu       sync.Mutex
	model    models.UploadTask
	data     []byte
	duration *float64
	done     chan struct{}
}

func (t *task) snapshot() models.UploadTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model
}

func (t *task) doneChan() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// setProgress keeps a file's progress monotonically non-decreasing within an
// upload attempt.
func (t *task) setProgress(pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct > t.model.Progress {
		if pct > 100 {
			pct = 100
		}
		t.model.Progress = pct
	}
}

// Pipeline queues outgoing attachments, tracks per-file progress and enforces
// the per-message attachment cap. Non-voice files start uploading on
// selection; voice notes wait until send time because capture may still be
// in flight. Uploads run independently per file.
type Pipeline struct {
	mu      sync.Mutex
	storage FileStorage
	cap     int
	tasks   map[string]*task
	order   []string
	log     zerolog.Logger
}

// NewPipeline constructs an upload pipeline with the given attachment cap.
func NewPipeline(storage FileStorage, cap int, logger zerolog.Logger) *Pipeline {
	if cap <= 0 {
		cap = 5
	}
	return &Pipeline{
		storage: storage,
		cap:     cap,
		tasks:   make(map[string]*task),
		order:   make([]string, 0, cap),
		log:     logger.With().Str("component", "upload_pipeline").Logger(),
	}
}

// Add accepts a selected file, detects its attachment kind and, for non-voice
// kinds, starts uploading immediately.
func (p *Pipeline) Add(name string, data []byte) (models.UploadTask, error) {
	kind := detectKind(data)
	t, err := p.accept(name, data, kind, nil)
	if err != nil {
		return models.UploadTask{}, err
	}

	if kind != models.AttachmentVoice {
		go p.run(context.Background(), t)
	}

	return t.snapshot(), nil
}

// AddVoice queues a captured voice note. Voice uploads are deferred until
// send time.
func (p *Pipeline) AddVoice(name string, data []byte, durationSeconds float64) (models.UploadTask, error) {
	duration := durationSeconds
	t, err := p.accept(name, data, models.AttachmentVoice, &duration)
	if err != nil {
		return models.UploadTask{}, err
	}
	return t.snapshot(), nil
}

func (p *Pipeline) accept(name string, data []byte, kind models.AttachmentKind, duration *float64) (*task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.tasks) >= p.cap {
		observability.UploadRejected().WithLabelValues("cap").Inc()
		return nil, fmt.Errorf("%w: cap is %d", ErrTooManyAttachments, p.cap)
	}

	t := &task{
		model: models.UploadTask{
			ID:        uuid.NewString(),
			FileName:  name,
			SizeBytes: int64(len(data)),
			State:     models.UploadPending,
		},
		data:     data,
		duration: duration,
		done:     make(chan struct{}),
	}
	t.model.Attachment = &models.Attachment{
		Kind:            kind,
		FileName:        name,
		SizeBytes:       int64(len(data)),
		DurationSeconds: duration,
	}

	p.tasks[t.model.ID] = t
	p.order = append(p.order, t.model.ID)

	p.log.Debug().Str("task_id", t.model.ID).Str("file", name).Str("kind", string(kind)).Msg("attachment queued")
	return t, nil
}

// Retry re-attempts a failed upload using the original file handle.
func (p *Pipeline) Retry(taskID string) error {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	t.mu.Lock()
	if t.model.State != models.UploadFailed {
		t.mu.Unlock()
		return fmt.Errorf("task %s is not in a failed state", taskID)
	}
	t.model.State = models.UploadPending
	t.model.Progress = 0
	t.model.Error = ""
	t.done = make(chan struct{})
	t.mu.Unlock()

	go p.run(context.Background(), t)
	return nil
}

// Cancel removes a task and its file reference from the queue.
func (p *Pipeline) Cancel(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	delete(p.tasks, taskID)
	for i, id := range p.order {
		if id == taskID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// Tasks returns snapshots of all tracked tasks in selection order.
func (p *Pipeline) Tasks() []models.UploadTask {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.UploadTask, 0, len(p.order))
	for _, id := range p.order {
		if t, ok := p.tasks[id]; ok {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// Task returns one task snapshot by id.
func (p *Pipeline) Task(taskID string) (models.UploadTask, bool) {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return models.UploadTask{}, false
	}
	return t.snapshot(), true
}

// Len reports the number of live tasks.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Collect finalizes the pending attachment set for a send: it waits for
// in-flight uploads until ctx expires, uploads deferred files synchronously,
// and returns the attachments in selection order. Failed tasks stay in the
// queue so the caller can retry the specific file.
func (p *Pipeline) Collect(ctx context.Context) ([]models.Attachment, error) {
	p.mu.Lock()
	pending := make([]*task, 0, len(p.order))
	for _, id := range p.order {
		if t, ok := p.tasks[id]; ok {
			pending = append(pending, t)
		}
	}
	p.mu.Unlock()

	attachments := make([]models.Attachment, 0, len(pending))
	for _, t := range pending {
		snap := t.snapshot()
		if snap.State == models.UploadFailed {
			return nil, fmt.Errorf("%w: %s: %s", ErrUploadFailed, snap.FileName, snap.Error)
		}
		if snap.State == models.UploadPending {
			p.run(ctx, t)
		}
		if t.snapshot().State == models.UploadUploading {
			select {
			case <-t.doneChan():
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: timed out waiting for %s", ErrUploadFailed, snap.FileName)
			}
		}

		snap = t.snapshot()
		if snap.State != models.UploadDone || snap.Attachment == nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrUploadFailed, snap.FileName, snap.Error)
		}
		attachments = append(attachments, *snap.Attachment)
	}

	return attachments, nil
}

// UploadNow uploads a single file outside the pending queue and returns the
// finished attachment. Used for voice notes that are auto-sent as standalone
// messages the moment capture stops.
func (p *Pipeline) UploadNow(ctx context.Context, name string, data []byte, kind models.AttachmentKind, durationSeconds *float64) (models.Attachment, error) {
	start := time.Now()
	url, err := p.storage.Upload(ctx, name, newProgressReader(data, func(int) {}))
	observability.UploadLatency().Observe(time.Since(start).Seconds())
	if err != nil {
		observability.UploadRejected().WithLabelValues("storage").Inc()
		return models.Attachment{}, fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, err)
	}

	return models.Attachment{
		Kind:            kind,
		URL:             url,
		FileName:        name,
		SizeBytes:       int64(len(data)),
		DurationSeconds: durationSeconds,
	}, nil
}

// Clear drops every task, typically after the attachments were bound to a
// sent message.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = make(map[string]*task)
	p.order = p.order[:0]
}

func (p *Pipeline) run(ctx context.Context, t *task) {
	t.mu.Lock()
	if t.model.State == models.UploadUploading || t.model.State == models.UploadDone {
		t.mu.Unlock()
		return
	}
	t.model.State = models.UploadUploading
	name := t.model.FileName
	data := t.data
	done := t.done
	t.mu.Unlock()

	start := time.Now()
	reader := newProgressReader(data, t.setProgress)

	url, err := p.storage.Upload(ctx, name, reader)
	observability.UploadLatency().Observe(time.Since(start).Seconds())

	t.mu.Lock()
	if err != nil {
		t.model.State = models.UploadFailed
		t.model.Error = err.Error()
		t.mu.Unlock()

		observability.UploadRejected().WithLabelValues("storage").Inc()
		p.log.Warn().Err(err).Str("file", name).Msg("attachment upload failed")
		close(done)
		return
	}

	t.model.State = models.UploadDone
	t.model.Progress = 100
	t.model.Attachment.URL = url
	t.mu.Unlock()

	p.log.Info().Str("file", name).Str("url", url).Msg("attachment uploaded")
	close(done)
}

// progressReader reports read progress as a percentage of the known size.
type progressReader struct {
	inner    *bytes.Reader
	total    int64
	read     int64
	onChange func(pct int)
}

func newProgressReader(data []byte, onChange func(pct int)) *progressReader {
	return &progressReader{
		inner:    bytes.NewReader(data),
		total:    int64(len(data)),
		onChange: onChange,
	}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 && r.total > 0 {
		r.read += int64(n)
		r.onChange(int(r.read * 100 / r.total))
	}
	return n, err
}

func detectKind(data []byte) models.AttachmentKind {
	mime := mimetype.Detect(data).String()
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return models.AttachmentVoice
	default:
		return models.AttachmentFile
	}
}
