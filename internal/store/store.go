package store

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/models"
)

// ActivityProbe reports whether a thread currently shows an active presence
// indicator. Threads with activity sort before all others.
type ActivityProbe func(threadID string) bool

// ConversationStore is the authoritative local cache of thread summaries and
// the active thread's messages. It reconciles optimistic local appends with
// server-confirmed events by correlation id and is safe for concurrent use.
type ConversationStore struct {
	mu         sync.RWMutex
	viewer     models.Role
	threads    map[string]*models.Thread
	messages   map[string][]models.Message
	seen       map[string]map[string]struct{}
	confirmed  map[string]struct{}
	optimistic map[string]string
	active     string
	probe      ActivityProbe
	cache      *SnapshotCache
	log        zerolog.Logger
}

// New constructs an empty store for the given viewer role. cache may be nil.
func New(viewer models.Role, cache *SnapshotCache, logger zerolog.Logger) *ConversationStore {
	return &ConversationStore{
		viewer:     viewer,
		threads:    make(map[string]*models.Thread),
		messages:   make(map[string][]models.Message),
		seen:       make(map[string]map[string]struct{}),
		confirmed:  make(map[string]struct{}),
		optimistic: make(map[string]string),
		cache:      cache,
		log:        logger.With().Str("component", "store").Logger(),
	}
}

// SetActivityProbe wires the indicator lookup used by the thread comparator.
func (s *ConversationStore) SetActivityProbe(probe ActivityProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe = probe
}

// SetActiveThread marks the thread whose messages are currently rendered.
// Inbound messages for the active thread do not bump unread counters.
func (s *ConversationStore) SetActiveThread(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
}

// ActiveThread returns the currently open thread id, if any.
func (s *ConversationStore) ActiveThread() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// UpsertThreadSummary inserts or replaces a thread summary.
func (s *ConversationStore) UpsertThreadSummary(thread models.Thread) {
	s.mu.Lock()
	copied := thread
	s.threads[thread.ID] = &copied
	s.mu.Unlock()

	s.cache.Save(thread)
}

// WarmFromCache seeds an unknown thread summary from the snapshot cache so
// the surface can render while the authoritative fetch is in flight.
func (s *ConversationStore) WarmFromCache(threadID string) bool {
	s.mu.RLock()
	_, known := s.threads[threadID]
	s.mu.RUnlock()
	if known {
		return false
	}

	thread, ok := s.cache.Load(threadID)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[threadID]; exists {
		return false
	}
	s.threads[threadID] = &thread
	return true
}

// ApplyThreadPatch applies a partial thread_update to a cached summary and,
// when the patch carries a message patch, to the cached message as well.
func (s *ConversationStore) ApplyThreadPatch(threadID string, patch models.ThreadPatch) {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if ok {
		if patch.Subject != nil {
			thread.Subject = *patch.Subject
		}
		if patch.Status != nil {
			thread.Status = *patch.Status
		}
		if patch.Preview != nil {
			thread.Preview = *patch.Preview
		}
		if patch.UnreadBuyer != nil {
			thread.UnreadBuyer = *patch.UnreadBuyer
		}
		if patch.UnreadSeller != nil {
			thread.UnreadSeller = *patch.UnreadSeller
		}
	}
	var snapshot models.Thread
	if ok {
		snapshot = *thread
	}
	s.mu.Unlock()

	if ok {
		s.cache.Save(snapshot)
	}

	if patch.Message != nil {
		s.PatchMessage(threadID, patch.Message.MessageID, *patch.Message)
	}
}

// Hydrate replaces the cached message list for a thread, typically after a
// full fetch on open, and upserts the summary.
func (s *ConversationStore) Hydrate(thread models.Thread, messages []models.Message) {
	s.mu.Lock()
	copied := thread
	s.threads[thread.ID] = &copied

	list := make([]models.Message, len(messages))
	copy(list, messages)
	s.messages[thread.ID] = list

	ids := make(map[string]struct{}, len(messages))
	for _, msg := range messages {
		if msg.ID != "" {
			ids[msg.ID] = struct{}{}
		}
		if msg.CorrelationID != "" {
			s.confirmed[msg.CorrelationID] = struct{}{}
		}
	}
	s.seen[thread.ID] = ids
	s.mu.Unlock()

	s.cache.Save(thread)
}

// AppendMessage applies a server-confirmed message. Appends are idempotent on
// message id: replayed events collapse to one entry. A message carrying the
// correlation id of a pending optimistic append replaces that entry in place;
// if the server message wins the race, the later optimistic append is
// suppressed instead.
func (s *ConversationStore) AppendMessage(threadID string, msg models.Message) bool {
	s.mu.Lock()

	ids := s.seenIDs(threadID)
	if msg.ID != "" {
		if _, dup := ids[msg.ID]; dup {
			s.mu.Unlock()
			return false
		}
	}

	replaced := false
	if msg.CorrelationID != "" {
		if tempID, ok := s.optimistic[msg.CorrelationID]; ok {
			list := s.messages[threadID]
			for i := range list {
				if list[i].ID == tempID {
					list[i] = msg
					replaced = true
					break
				}
			}
			delete(s.optimistic, msg.CorrelationID)
		}
		s.confirmed[msg.CorrelationID] = struct{}{}
	}

	if !replaced {
		s.messages[threadID] = append(s.messages[threadID], msg)
	}
	if msg.ID != "" {
		ids[msg.ID] = struct{}{}
	}

	bumpUnread := msg.SenderRole != s.viewer && threadID != s.active
	snapshot := s.touchSummary(threadID, msg, bumpUnread)
	s.mu.Unlock()

	s.cache.Save(snapshot)
	return true
}

// AppendOptimistic applies a local append before server acknowledgment. It
// returns false when the server-confirmed message already arrived for the
// same correlation id, in which case the entry is suppressed, not duplicated.
func (s *ConversationStore) AppendOptimistic(threadID string, msg models.Message) bool {
	s.mu.Lock()

	if msg.CorrelationID != "" {
		if _, done := s.confirmed[msg.CorrelationID]; done {
			s.mu.Unlock()
			return false
		}
		s.optimistic[msg.CorrelationID] = msg.ID
	}

	ids := s.seenIDs(threadID)
	if msg.ID != "" {
		if _, dup := ids[msg.ID]; dup {
			s.mu.Unlock()
			return false
		}
		ids[msg.ID] = struct{}{}
	}

	s.messages[threadID] = append(s.messages[threadID], msg)
	snapshot := s.touchSummary(threadID, msg, false)
	s.mu.Unlock()

	s.cache.Save(snapshot)
	return true
}

// RemoveMessage drops a message outright, used to roll back an optimistic
// append after a failed send. Server-confirmed messages are tombstoned via
// PatchMessage instead.
func (s *ConversationStore) RemoveMessage(threadID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[threadID]
	for i := range list {
		if list[i].ID != messageID {
			continue
		}
		if corr := list[i].CorrelationID; corr != "" {
			delete(s.optimistic, corr)
		}
		s.messages[threadID] = append(list[:i], list[i+1:]...)
		delete(s.seenIDs(threadID), messageID)
		return true
	}
	return false
}

// PatchMessage applies an edit, delete, delivery or reaction change to one
// cached message. Deletes tombstone the entry rather than removing it.
func (s *ConversationStore) PatchMessage(threadID, messageID string, patch models.MessagePatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[threadID]
	for i := range list {
		if list[i].ID != messageID {
			continue
		}

		msg := &list[i]
		if patch.Deleted != nil && *patch.Deleted {
			msg.Tombstone()
		}
		if patch.Content != nil {
			msg.Content = *patch.Content
			msg.Edited = true
		}
		if patch.Edited != nil {
			msg.Edited = *patch.Edited
		}
		if patch.Delivery != nil {
			msg.Delivery = *patch.Delivery
		}
		if patch.AddReaction != nil {
			msg.Reactions = addReaction(msg.Reactions, *patch.AddReaction)
		}
		if patch.RemoveReaction != nil {
			msg.Reactions = removeReaction(msg.Reactions, *patch.RemoveReaction)
		}
		return true
	}

	s.log.Debug().Str("thread_id", threadID).Str("message_id", messageID).Msg("patch for unknown message dropped")
	return false
}

// Message looks up one cached message, used for best-effort reply-to checks.
func (s *ConversationStore) Message(threadID, messageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages[threadID] {
		if msg.ID == messageID {
			return msg, true
		}
	}
	return models.Message{}, false
}

// Messages returns a copy of the cached messages for a thread in append order.
func (s *ConversationStore) Messages(threadID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[threadID]
	out := make([]models.Message, len(list))
	copy(out, list)
	return out
}

// Thread returns a copy of one cached thread summary.
func (s *ConversationStore) Thread(id string) (models.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[id]
	if !ok {
		return models.Thread{}, false
	}
	return *thread, true
}

// Threads returns all thread summaries in display order: threads with an
// active indicator first, then by last-message timestamp descending. The
// comparator is total and stable so repeated re-sorts do not jitter.
func (s *ConversationStore) Threads() []models.Thread {
	s.mu.RLock()
	out := make([]models.Thread, 0, len(s.threads))
	for _, thread := range s.threads {
		out = append(out, *thread)
	}
	probe := s.probe
	s.mu.RUnlock()

	active := func(id string) bool {
		return probe != nil && probe(id)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := active(out[i].ID), active(out[j].ID)
		if ai != aj {
			return ai
		}
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// MarkRead clears the viewer's unread counter for a thread.
func (s *ConversationStore) MarkRead(threadID string) {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if ok {
		if s.viewer == models.RoleBuyer {
			thread.UnreadBuyer = 0
		} else {
			thread.UnreadSeller = 0
		}
	}
	var snapshot models.Thread
	if ok {
		snapshot = *thread
	}
	s.mu.Unlock()

	if ok {
		s.cache.Save(snapshot)
	}
}

// seenIDs returns the id set for a thread, creating it on first use.
// Callers hold s.mu.
func (s *ConversationStore) seenIDs(threadID string) map[string]struct{} {
	ids, ok := s.seen[threadID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[threadID] = ids
	}
	return ids
}

// touchSummary refreshes preview, timestamp and unread counters after an
// append. Callers hold s.mu. Returns the updated summary for caching.
func (s *ConversationStore) touchSummary(threadID string, msg models.Message, bumpUnread bool) models.Thread {
	thread, ok := s.threads[threadID]
	if !ok {
		thread = &models.Thread{
			ID:     threadID,
			Kind:   models.ThreadKindMessage,
			Status: models.ThreadStatusOpen,
		}
		s.threads[threadID] = thread
	}

	if msg.CreatedAt.After(thread.LastMessageAt) {
		thread.LastMessageAt = msg.CreatedAt
		thread.Preview = msg.PreviewText()
	}

	if bumpUnread {
		if s.viewer == models.RoleBuyer {
			thread.UnreadBuyer++
		} else {
			thread.UnreadSeller++
		}
	}

	return *thread
}

func addReaction(reactions []models.Reaction, r models.Reaction) []models.Reaction {
	for _, existing := range reactions {
		if existing.Emoji == r.Emoji && existing.ReactorID == r.ReactorID {
			return reactions
		}
	}
	return append(reactions, r)
}

func removeReaction(reactions []models.Reaction, r models.Reaction) []models.Reaction {
	out := reactions[:0]
	for _, existing := range reactions {
		if existing.Emoji == r.Emoji && existing.ReactorID == r.ReactorID {
			continue
		}
		out = append(out, existing)
	}
	return out
}
