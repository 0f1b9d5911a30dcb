package chat

import (
	"sort"
	"sync"
	"time"
)

// SessionState is one conversation's summary as the session list shows it.
type SessionState struct {
	ConversationID string    `json:"conversationId"`
	Unread         int       `json:"unread"`
	LastMessage    string    `json:"lastMessage"`
	LastActivity   time.Time `json:"lastActivity"`
	ReadAt         time.Time `json:"readAt"`
}

// Sessions reconciles the local unread/session view with inbound messages
// and server snapshots. Local read state wins over a remote snapshot that
// still counts messages unread, because the read receipt may simply not have
// round-tripped yet.
type Sessions struct {
	// Notify fires for a message arriving in any conversation that is not
	// currently active; the push layer hooks in here.
	Notify func(conversationID, senderID, preview string)

	mu     sync.Mutex
	active string
	states map[string]*SessionState
}

func NewSessions() *Sessions {
	return &Sessions{
		states: make(map[string]*SessionState),
	}
}

// SetActive marks a conversation as on screen: its unread count resets and
// arriving messages no longer notify.
func (s *Sessions) SetActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	if st, ok := s.states[conversationID]; ok {
		st.Unread = 0
		st.ReadAt = time.Now().UTC()
	}
	s.mu.Unlock()
}

// HandleIncoming folds one arriving message into the session list.
func (s *Sessions) HandleIncoming(msg *Message) {
	s.mu.Lock()
	st, ok := s.states[msg.ConversationID]
	if !ok {
		st = &SessionState{ConversationID: msg.ConversationID}
		s.states[msg.ConversationID] = st
	}
	st.LastMessage = msg.Body
	if msg.SentAt.After(st.LastActivity) {
		st.LastActivity = msg.SentAt
	}
	notify := s.active != msg.ConversationID
	if notify {
		st.Unread++
	} else {
		st.ReadAt = time.Now().UTC()
	}
	s.mu.Unlock()

	if notify {
		if f := s.Notify; f != nil {
			f(msg.ConversationID, msg.SenderID, msg.Body)
		}
	}
}

// MarkRead zeroes a conversation's unread count without activating it.
func (s *Sessions) MarkRead(conversationID string) {
	s.mu.Lock()
	if st, ok := s.states[conversationID]; ok {
		st.Unread = 0
		st.ReadAt = time.Now().UTC()
	}
	s.mu.Unlock()
}

// Reconcile merges a server snapshot into local state. A remote entry with
// newer activity replaces the local summary, but a locally read conversation
// is never re-marked unread by a snapshot taken before the read receipt
// landed.
func (s *Sessions) Reconcile(remote []SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range remote {
		local, ok := s.states[r.ConversationID]
		if !ok {
			cp := r
			s.states[r.ConversationID] = &cp
			continue
		}
		if r.LastActivity.After(local.LastActivity) {
			local.LastActivity = r.LastActivity
			local.LastMessage = r.LastMessage
		}
		if r.Unread > local.Unread && r.LastActivity.After(local.ReadAt) {
			local.Unread = r.Unread
		}
	}
}

// Snapshot lists sessions newest-first.
func (s *Sessions) Snapshot() []SessionState {
	s.mu.Lock()
	out := make([]SessionState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

func (s *Sessions) Unread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[conversationID]; ok {
		return st.Unread
	}
	return 0
}
