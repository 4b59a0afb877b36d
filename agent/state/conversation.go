package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Conversation is the per-session dialogue context. It is owned by one
// dispatcher task per turn; nothing else mutates it.
type Conversation struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	ChannelType string `json:"channel_type"`

	Turns []Turn `json:"turns,omitempty"`

	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNilConversation      = errors.New("conversation is nil")
	ErrInvalidConversation  = errors.New("conversation id is empty")
)

func NewConversation(id, userID, channelType string, now time.Time) *Conversation {
	return &Conversation{
		ID:          id,
		UserID:      userID,
		ChannelType: channelType,
		Version:     1,
		UpdatedAt:   now.UTC(),
	}
}

func (c *Conversation) Append(role Role, text string, now time.Time) {
	c.Turns = append(c.Turns, Turn{
		Role: role,
		Text: text,
		At:   now.UTC(),
	})
	c.Touch(now)
}

func (c *Conversation) Touch(now time.Time) {
	c.UpdatedAt = now.UTC()
}

// RecentTurns returns up to n most recent turns in chronological order.
func (c *Conversation) RecentTurns(n int) []Turn {
	if c == nil || n <= 0 || len(c.Turns) == 0 {
		return nil
	}
	if len(c.Turns) <= n {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}

func (c *Conversation) Validate() error {
	if c == nil {
		return ErrNilConversation
	}
	if strings.TrimSpace(c.ID) == "" {
		return ErrInvalidConversation
	}
	for i, turn := range c.Turns {
		switch turn.Role {
		case RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("turn %d has invalid role %q", i, turn.Role)
		}
	}
	// turns must be chronological
	for i := 1; i < len(c.Turns); i++ {
		if c.Turns[i].At.Before(c.Turns[i-1].At) {
			return fmt.Errorf("turn %d is out of order", i)
		}
	}
	return nil
}
