package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPreviewText(t *testing.T) {
	require.Equal(t, "hello", Message{Content: "hello"}.PreviewText())
	require.Equal(t, "[voice note]", Message{Attachments: []Attachment{{Kind: AttachmentVoice}}}.PreviewText())
	require.Equal(t, "[image]", Message{Attachments: []Attachment{{Kind: AttachmentImage}}}.PreviewText())
	require.Equal(t, "[file]", Message{Attachments: []Attachment{{Kind: AttachmentFile}}}.PreviewText())
	require.Empty(t, Message{Deleted: true, Content: "gone"}.PreviewText())
	require.Empty(t, Message{}.PreviewText())
}

func TestTombstoneClearsRenderablePayload(t *testing.T) {
	replyTo := "m0"
	msg := Message{
		ID:          "m1",
		Content:     "offensive",
		Attachments: []Attachment{{Kind: AttachmentImage, URL: "https://cdn/a.png"}},
		ReplyTo:     &replyTo,
	}

	msg.Tombstone()

	require.True(t, msg.Deleted)
	require.Empty(t, msg.Content)
	require.Nil(t, msg.Attachments)
	require.Nil(t, msg.ReplyTo)
	require.Equal(t, "m1", msg.ID)
}

func TestUnreadSelectsViewerCounter(t *testing.T) {
	thread := Thread{UnreadBuyer: 2, UnreadSeller: 7}
	require.Equal(t, 2, thread.Unread(RoleBuyer))
	require.Equal(t, 7, thread.Unread(RoleSeller))
}
