package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidMessage is returned when a message is missing a required field.
var ErrInvalidMessage = errors.New("invalid message")

// ErrDimensionMismatch is returned when an embedding does not have the
// store's configured dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Role distinguishes human turns from assistant turns.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a stored chat turn.
type Message struct {
	ID         int64
	ExternalID string
	ChannelID  string
	GuildID    string
	AuthorID   string
	AuthorName string
	Content    string
	Role       Role
	CreatedAt  time.Time
	Embedding  []float32 // nil until the background derivation succeeds
}

// IsBot reports whether the message was written by the assistant.
func (m Message) IsBot() bool { return m.Role == RoleAssistant }

// HasEmbedding reports whether an embedding has been attached.
func (m Message) HasEmbedding() bool { return m.Embedding != nil }

// Before reports whether m precedes o in the channel's total order:
// created_at ascending, ties broken by id ascending.
func (m Message) Before(o Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// MessageInput is what a caller supplies to InsertMessage.
type MessageInput struct {
	ExternalID string
	ChannelID  string
	GuildID    string
	AuthorID   string
	AuthorName string
	Content    string
	Role       Role
	// CreatedAt is assigned by the store when zero.
	CreatedAt time.Time
}

func (in MessageInput) validate() error {
	switch {
	case in.ExternalID == "":
		return fmt.Errorf("%w: external id is required", ErrInvalidMessage)
	case in.ChannelID == "":
		return fmt.Errorf("%w: channel id is required", ErrInvalidMessage)
	case in.AuthorID == "":
		return fmt.Errorf("%w: author id is required", ErrInvalidMessage)
	}
	switch in.Role {
	case "", RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, in.Role)
	}
	return nil
}

// WriteError reports a failed durable write.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("storage write %s: %v", e.Op, e.Err) }

func (e *WriteError) Unwrap() error { return e.Err }
