package notify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/models"
)

// messageEvent is the payload mirrored onto NATS for co-resident alert
// consumers (badge counters, desktop notifications). Delivery is best effort.
type messageEvent struct {
	Source   string         `json:"source"`
	ThreadID string         `json:"thread_id"`
	Message  models.Message `json:"message"`
	SentAt   time.Time      `json:"sent_at"`
}

// Mirror republishes inbound conversation events to a NATS subject so other
// components on the same host can react without holding their own realtime
// connection. A nil connection disables the mirror.
type Mirror struct {
	conn    *nats.Conn
	subject string
	nodeID  string
	log     zerolog.Logger
}

// NewMirror constructs a mirror publishing on "<base>.conversations.message".
func NewMirror(conn *nats.Conn, subjectBase string, logger zerolog.Logger) *Mirror {
	subject := ""
	if subjectBase != "" {
		subject = strings.ReplaceAll(subjectBase, ":", ".") + ".conversations.message"
	}
	return &Mirror{
		conn:    conn,
		subject: subject,
		nodeID:  uuid.NewString(),
		log:     logger.With().Str("component", "notify_mirror").Logger(),
	}
}

// PublishMessage mirrors one inbound message event, best effort.
func (m *Mirror) PublishMessage(threadID string, msg models.Message) {
	if m == nil || m.conn == nil || m.subject == "" {
		return
	}

	event := messageEvent{
		Source:   m.nodeID,
		ThreadID: threadID,
		Message:  msg,
		SentAt:   time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to marshal mirrored message event")
		return
	}

	if err := m.conn.Publish(m.subject, payload); err != nil {
		m.log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to mirror message event")
	}
}
