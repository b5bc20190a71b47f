package transport

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/ortusmarket/convo-core/internal/models"
)

const envelopeSchema = `{
	"type": "object",
	"required": ["event", "payload"],
	"properties": {
		"event": {
			"type": "string",
			"enum": ["join_thread", "leave_thread", "new_message", "thread_update", "user_typing", "user_recording"]
		},
		"payload": {"type": "object"}
	}
}`

const typingSchema = `{
	"type": "object",
	"required": ["thread_id", "user_id", "is_typing"],
	"properties": {
		"thread_id": {"type": "string", "minLength": 1},
		"user_id": {"type": "string", "minLength": 1},
		"user_name": {"type": "string"},
		"is_typing": {"type": "boolean"}
	},
	"additionalProperties": false
}`

const newMessageSchema = `{
	"type": "object",
	"required": ["thread_id", "message"],
	"properties": {
		"thread_id": {"type": "string", "minLength": 1},
		"message": {
			"type": "object",
			"required": ["id", "thread_id", "sender_id", "created_at"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"thread_id": {"type": "string", "minLength": 1},
				"sender_id": {"type": "string"},
				"sender_role": {"type": "string", "enum": ["buyer", "seller", ""]},
				"content": {"type": "string"},
				"created_at": {"type": "string", "format": "date-time"}
			}
		}
	}
}`

func compileSchema(t *testing.T, name, source string) *jsonschema.Schema {
	t.Helper()
	compiler := jsonschema.NewCompiler()
	require.NoError(t, compiler.AddResource(name, strings.NewReader(source)))
	schema, err := compiler.Compile(name)
	require.NoError(t, err)
	return schema
}

func validate(t *testing.T, schema *jsonschema.Schema, value any) error {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)

	var decoded any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return schema.Validate(decoded)
}

func TestWireEnvelopeMatchesSchema(t *testing.T) {
	schema := compileSchema(t, "envelope.json", envelopeSchema)

	payload, err := json.Marshal(RoomPayload{ThreadID: "t1"})
	require.NoError(t, err)

	for _, kind := range []EventKind{EventJoinThread, EventLeaveThread, EventNewMessage, EventThreadUpdate, EventUserTyping, EventUserRecording} {
		require.NoError(t, validate(t, schema, Envelope{Kind: kind, Payload: payload}))
	}

	require.Error(t, validate(t, schema, Envelope{Kind: "bogus_event", Payload: payload}))
}

func TestTypingPayloadMatchesSchema(t *testing.T) {
	schema := compileSchema(t, "typing.json", typingSchema)

	require.NoError(t, validate(t, schema, TypingPayload{
		ThreadID: "t1",
		UserID:   "u1",
		UserName: "Ada",
		IsTyping: true,
	}))

	require.Error(t, validate(t, schema, map[string]any{"thread_id": "t1", "is_typing": true}))
}

func TestNewMessagePayloadMatchesSchema(t *testing.T) {
	schema := compileSchema(t, "new_message.json", newMessageSchema)

	require.NoError(t, validate(t, schema, NewMessagePayload{
		ThreadID: "t1",
		Message: models.Message{
			ID:         "m1",
			ThreadID:   "t1",
			SenderID:   "u2",
			SenderRole: models.RoleSeller,
			Content:    "2k units, 14 day lead time",
			Delivery:   models.DeliverySent,
			CreatedAt:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		},
	}))

	require.Error(t, validate(t, schema, NewMessagePayload{ThreadID: "t1"}))
}
