package notify

import (
	"context"
	"strings"
	"sync"
)

// Directory maps user ids to Telegram chat ids. The bot registers a chat
// once the user links their account.
type Directory interface {
	ChatID(ctx context.Context, userID string) (chatID string, ok bool, err error)
	SetChatID(ctx context.Context, userID, chatID string) error
}

// MemoryDirectory is a process-local Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	chats map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{chats: map[string]string{}}
}

func (d *MemoryDirectory) ChatID(ctx context.Context, userID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.chats[userID]
	return id, ok, nil
}

// SetChatID links userID to chatID. An empty chatID unlinks.
func (d *MemoryDirectory) SetChatID(ctx context.Context, userID, chatID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		delete(d.chats, userID)
		return nil
	}
	d.chats[userID] = chatID
	return nil
}

var _ Directory = (*MemoryDirectory)(nil)
