// Package models defines the chat data shared across packages.
package models

import (
	"encoding/json"
	"slices"
	"time"
)

// Message is a single chat message as held in the client cache.
type Message struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId,omitempty"`
	ChatID      string    `json:"chatId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId,omitempty"`
	Text        string    `json:"text"`
	IsSeen      bool      `json:"isSeen"`
	CreatedAt   time.Time `json:"createdAt"`

	// Version counts accepted local mutations. Never sent by the server.
	Version int64 `json:"version,omitempty"`

	// Pending marks an optimistic message not yet echoed by the server.
	Pending bool `json:"pending,omitempty"`
}

// SameContent reports whether two messages carry the same server-visible
// fields, ignoring local bookkeeping (Version, Pending).
func (m Message) SameContent(o Message) bool {
	return m.ID == o.ID &&
		m.ClientID == o.ClientID &&
		m.ChatID == o.ChatID &&
		m.SenderID == o.SenderID &&
		m.RecipientID == o.RecipientID &&
		m.Text == o.Text &&
		m.IsSeen == o.IsSeen &&
		m.CreatedAt.Equal(o.CreatedAt)
}

// Chat is a conversation entry in the chat list.
type Chat struct {
	ID          string    `json:"id"`
	MemberIDs   MemberSet `json:"memberIds"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	Version     int64     `json:"version,omitempty"`
}

// Draft is an outbound message composed by the local user.
type Draft struct {
	ChatID      string `json:"chatId"`
	RecipientID string `json:"recipientId,omitempty"`
	Text        string `json:"text"`
}

// MemberSet is a set of user IDs. It encodes as a sorted JSON array.
type MemberSet map[string]struct{}

// NewMemberSet builds a set from ids.
func NewMemberSet(ids ...string) MemberSet {
	s := make(MemberSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

// Has reports whether id is a member.
func (s MemberSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the member IDs in ascending order.
func (s MemberSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// MarshalJSON implements json.Marshaler.
func (s MemberSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *MemberSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}

	*s = NewMemberSet(ids...)

	return nil
}
