package inbox

import (
	"context"

	"github.com/ortusmarket/convo-core/internal/models"
)

// ThreadFilter narrows a thread listing.
type ThreadFilter struct {
	Kind          *models.ThreadKind
	Status        *models.ThreadStatus
	CounterpartID string
}

// SendMessageInput is the payload for sending one message.
type SendMessageInput struct {
	Content       string              `json:"content"`
	Attachments   []models.Attachment `json:"attachments,omitempty"`
	ReplyTo       *string             `json:"reply_to,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
}

// CreateThreadInput starts a new conversation with a counterpart.
type CreateThreadInput struct {
	CounterpartID string            `json:"counterpart_id" validate:"required,max=64"`
	Subject       string            `json:"subject" validate:"required,min=1,max=255"`
	Kind          models.ThreadKind `json:"kind" validate:"omitempty,oneof=message rfq order"`
}

// ThreadWithMessages is the full fetch result for one thread.
type ThreadWithMessages struct {
	Thread   models.Thread    `json:"thread"`
	Messages []models.Message `json:"messages"`
}

// UploadFile is one file handed to the Inbox API upload endpoint.
type UploadFile struct {
	Name string
	Data []byte
}

// ProgressFunc receives per-file upload progress.
type ProgressFunc func(name string, pct int)

// API is the backing message/thread persistence service. The core only ever
// talks to this interface; persistence design is owned by the backend.
type API interface {
	GetThreads(ctx context.Context, filter ThreadFilter) ([]models.Thread, error)
	GetThread(ctx context.Context, id string) (ThreadWithMessages, error)
	MarkThreadAsRead(ctx context.Context, id string) error
	CreateThread(ctx context.Context, in CreateThreadInput) (models.Thread, error)
	SendMessage(ctx context.Context, threadID string, in SendMessageInput) (models.Message, error)
	EditMessage(ctx context.Context, threadID, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, threadID, messageID string) error
	ReactToMessage(ctx context.Context, threadID, messageID, emoji string) error
	UploadFiles(ctx context.Context, files []UploadFile, voiceDuration *float64, onProgress ProgressFunc) ([]models.Attachment, error)
	GetCounterparts(ctx context.Context) ([]models.Counterpart, error)
}
