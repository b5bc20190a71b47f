package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ortusmarket/convo-core/internal/models"
)

func newTestStore(t *testing.T) *ConversationStore {
	t.Helper()
	return New(models.RoleBuyer, nil, zerolog.Nop())
}

func textMessage(id, threadID string, role models.Role, content string, at time.Time) models.Message {
	return models.Message{
		ID:         id,
		ThreadID:   threadID,
		SenderID:   "user-" + string(role),
		SenderRole: role,
		Content:    content,
		Delivery:   models.DeliverySent,
		CreatedAt:  at,
	}
}

func TestAppendMessageIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	msg := textMessage("m1", "t1", models.RoleSeller, "hello", at)
	require.True(t, s.AppendMessage("t1", msg))
	require.False(t, s.AppendMessage("t1", msg))

	require.Len(t, s.Messages("t1"), 1)
}

func TestOptimisticAppendReconciledByCorrelationID(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	local := textMessage("local-abc", "t1", models.RoleBuyer, "quote please", at)
	local.CorrelationID = "corr-1"
	require.True(t, s.AppendOptimistic("t1", local))

	confirmed := textMessage("srv-9", "t1", models.RoleBuyer, "quote please", at)
	confirmed.CorrelationID = "corr-1"
	require.True(t, s.AppendMessage("t1", confirmed))

	messages := s.Messages("t1")
	require.Len(t, messages, 1)
	require.Equal(t, "srv-9", messages[0].ID)
}

func TestOptimisticAppendSuppressedWhenServerWinsRace(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	confirmed := textMessage("srv-9", "t1", models.RoleBuyer, "quote please", at)
	confirmed.CorrelationID = "corr-1"
	require.True(t, s.AppendMessage("t1", confirmed))

	local := textMessage("local-abc", "t1", models.RoleBuyer, "quote please", at)
	local.CorrelationID = "corr-1"
	require.False(t, s.AppendOptimistic("t1", local))

	messages := s.Messages("t1")
	require.Len(t, messages, 1)
	require.Equal(t, "srv-9", messages[0].ID)
}

func TestRemoveMessageRollsBackOptimisticEntry(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	local := textMessage("local-abc", "t1", models.RoleBuyer, "retry me", at)
	local.CorrelationID = "corr-1"
	require.True(t, s.AppendOptimistic("t1", local))

	require.True(t, s.RemoveMessage("t1", "local-abc"))
	require.Empty(t, s.Messages("t1"))

	// A later confirmed message with the same correlation id appends normally.
	confirmed := textMessage("srv-9", "t1", models.RoleBuyer, "retry me", at)
	confirmed.CorrelationID = "corr-1"
	require.True(t, s.AppendMessage("t1", confirmed))
	require.Len(t, s.Messages("t1"), 1)
}

func TestThreadOrderingPutsIndicatorActivityFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	s.UpsertThreadSummary(models.Thread{ID: "t-old", LastMessageAt: base.Add(-2 * time.Hour)})
	s.UpsertThreadSummary(models.Thread{ID: "t-new", LastMessageAt: base})
	s.UpsertThreadSummary(models.Thread{ID: "t-mid", LastMessageAt: base.Add(-time.Hour)})

	s.SetActivityProbe(func(id string) bool { return id == "t-old" })

	threads := s.Threads()
	require.Equal(t, []string{"t-old", "t-new", "t-mid"}, []string{threads[0].ID, threads[1].ID, threads[2].ID})
}

func TestThreadOrderingBreaksTimestampTiesByID(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	s.UpsertThreadSummary(models.Thread{ID: "t-b", LastMessageAt: at})
	s.UpsertThreadSummary(models.Thread{ID: "t-a", LastMessageAt: at})

	for i := 0; i < 5; i++ {
		threads := s.Threads()
		require.Equal(t, "t-a", threads[0].ID)
		require.Equal(t, "t-b", threads[1].ID)
	}
}

func TestUnreadBumpsOnlyForInactiveThreads(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	s.SetActiveThread("t-open")

	s.AppendMessage("t-open", textMessage("m1", "t-open", models.RoleSeller, "hi", at))
	s.AppendMessage("t-other", textMessage("m2", "t-other", models.RoleSeller, "hi", at))
	s.AppendMessage("t-other", textMessage("m3", "t-other", models.RoleBuyer, "own message", at))

	open, ok := s.Thread("t-open")
	require.True(t, ok)
	require.Zero(t, open.Unread(models.RoleBuyer))

	other, ok := s.Thread("t-other")
	require.True(t, ok)
	require.Equal(t, 1, other.Unread(models.RoleBuyer))

	s.MarkRead("t-other")
	other, _ = s.Thread("t-other")
	require.Zero(t, other.Unread(models.RoleBuyer))
}

func TestAppendRefreshesPreviewAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	s.AppendMessage("t1", textMessage("m1", "t1", models.RoleSeller, "first", at))

	voice := models.Message{
		ID:         "m2",
		ThreadID:   "t1",
		SenderID:   "seller-1",
		SenderRole: models.RoleSeller,
		Attachments: []models.Attachment{
			{Kind: models.AttachmentVoice, URL: "https://cdn/x.ogg"},
		},
		CreatedAt: at.Add(time.Minute),
	}
	s.AppendMessage("t1", voice)

	thread, ok := s.Thread("t1")
	require.True(t, ok)
	require.Equal(t, "[voice note]", thread.Preview)
	require.Equal(t, at.Add(time.Minute), thread.LastMessageAt)
}

func TestPatchMessageTombstonesDeletes(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	msg := textMessage("m1", "t1", models.RoleSeller, "offensive", at)
	msg.Attachments = []models.Attachment{{Kind: models.AttachmentImage, URL: "https://cdn/a.png"}}
	s.AppendMessage("t1", msg)

	deleted := true
	require.True(t, s.PatchMessage("t1", "m1", models.MessagePatch{MessageID: "m1", Deleted: &deleted}))

	got, ok := s.Message("t1", "m1")
	require.True(t, ok)
	require.True(t, got.Deleted)
	require.Empty(t, got.Content)
	require.Empty(t, got.Attachments)
}

func TestPatchMessageReactionsDeduplicate(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	s.AppendMessage("t1", textMessage("m1", "t1", models.RoleSeller, "deal?", at))

	reaction := models.Reaction{Emoji: "👍", ReactorID: "buyer-1"}
	s.PatchMessage("t1", "m1", models.MessagePatch{MessageID: "m1", AddReaction: &reaction})
	s.PatchMessage("t1", "m1", models.MessagePatch{MessageID: "m1", AddReaction: &reaction})

	got, _ := s.Message("t1", "m1")
	require.Len(t, got.Reactions, 1)

	s.PatchMessage("t1", "m1", models.MessagePatch{MessageID: "m1", RemoveReaction: &reaction})
	got, _ = s.Message("t1", "m1")
	require.Empty(t, got.Reactions)
}

func TestSnapshotCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewSnapshotCache(client, "convo", time.Minute, zerolog.Nop())

	thread := models.Thread{
		ID:      "t1",
		Subject: "Bulk pricing",
		Kind:    models.ThreadKindRFQ,
		Status:  models.ThreadStatusOpen,
	}
	cache.Save(thread)

	got, ok := cache.Load("t1")
	require.True(t, ok)
	require.Equal(t, thread.Subject, got.Subject)
	require.Equal(t, thread.Kind, got.Kind)

	_, ok = cache.Load("missing")
	require.False(t, ok)
}

func TestWarmFromCacheSeedsUnknownThreads(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewSnapshotCache(client, "convo", time.Minute, zerolog.Nop())
	cache.Save(models.Thread{ID: "t1", Subject: "From last session"})

	s := New(models.RoleBuyer, cache, zerolog.Nop())
	require.True(t, s.WarmFromCache("t1"))

	thread, ok := s.Thread("t1")
	require.True(t, ok)
	require.Equal(t, "From last session", thread.Subject)

	// Known threads are not overwritten by stale snapshots.
	require.False(t, s.WarmFromCache("t1"))
	require.False(t, New(models.RoleBuyer, nil, zerolog.Nop()).WarmFromCache("t1"))
}

func TestStoreWritesSnapshotsThroughCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewSnapshotCache(client, "convo", time.Minute, zerolog.Nop())
	s := New(models.RoleBuyer, cache, zerolog.Nop())

	s.UpsertThreadSummary(models.Thread{ID: "t1", Subject: "Order #12"})

	require.True(t, mr.Exists("convo:thread:t1"))
}
