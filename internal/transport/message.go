package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
)

// ChatMessage is one entry of the conversation. Timestamp is the sender's
// clock in unix milliseconds.
type ChatMessage struct {
	ID        string       `json:"id" msgpack:"id"`
	SenderID  string       `json:"senderId" msgpack:"senderId"`
	Timestamp int64        `json:"timestamp" msgpack:"timestamp"`
	Text      string       `json:"text,omitempty" msgpack:"text,omitempty"`
	File      *FilePayload `json:"file,omitempty" msgpack:"file,omitempty"`
}

// FilePayload is an inline file addressed by its SHA-256 digest.
type FilePayload struct {
	Name     string `json:"name" msgpack:"name"`
	MIMEType string `json:"mimeType" msgpack:"mimeType"`
	Digest   string `json:"digest" msgpack:"digest"`
	Data     []byte `json:"data" msgpack:"data"`
}

// Time returns the send time.
func (m ChatMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// IsFile reports whether the message carries a file.
func (m ChatMessage) IsFile() bool {
	return m.File != nil
}

var newMessageID = mustGenerator()

func mustGenerator() func() string {
	gen, err := nanoid.Standard(21)
	if err != nil {
		panic(err)
	}
	return gen
}

// NewTextMessage stamps a text message from sender with the current time.
func NewTextMessage(sender, text string) ChatMessage {
	return ChatMessage{
		ID:        newMessageID(),
		SenderID:  sender,
		Timestamp: time.Now().UnixMilli(),
		Text:      text,
	}
}

// NewFileMessage stamps a file message from sender with the current time.
func NewFileMessage(sender string, file *FilePayload) ChatMessage {
	return ChatMessage{
		ID:        newMessageID(),
		SenderID:  sender,
		Timestamp: time.Now().UnixMilli(),
		File:      file,
	}
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks the payload against its digest.
func (f *FilePayload) Verify() error {
	if got := Digest(f.Data); got != f.Digest {
		return fmt.Errorf("%w: %s: want %s, got %s", ErrDigestMismatch, f.Name, f.Digest, got)
	}
	return nil
}

// MessageLog is the in-memory conversation: deduplicated by message id and
// ordered by timestamp, ties broken by arrival.
type MessageLog struct {
	mu      sync.RWMutex
	entries []ChatMessage
	seen    map[string]struct{}
}

func NewMessageLog() *MessageLog {
	return &MessageLog{seen: make(map[string]struct{})}
}

// Append inserts msg in display order. It returns false when a message with
// the same id is already present.
func (l *MessageLog) Append(msg ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[msg.ID]; dup {
		return false
	}
	l.seen[msg.ID] = struct{}{}

	// Insert after every entry with an equal timestamp to keep arrival order.
	idx := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Timestamp > msg.Timestamp
	})
	l.entries = append(l.entries, ChatMessage{})
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = msg
	return true
}

// Messages returns a copy of the log in display order.
func (l *MessageLog) Messages() []ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ChatMessage, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of messages.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
