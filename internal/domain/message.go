package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role tags who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole converts a stored role string into a Role. Only user and
// assistant are valid for persisted conversation messages.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

// Conversational reports whether r may appear in a conversation log.
func (r Role) Conversational() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one persisted conversation entry.
type Message struct {
	ID        string
	TurnID    string
	Role      Role
	Content   string
	Timestamp time.Time
}

// ChatMessage is a role/content pair sent to a completion model.
type ChatMessage struct {
	Role    Role
	Content string
}

// ConversationWindow is the recent slice of a conversation used for prompt
// assembly. Messages are oldest-first. Messages belonging to InFlightTurn
// are the current request and are never replayed as history.
type ConversationWindow struct {
	Key          string
	Messages     []Message
	InFlightTurn string
}

// TurnState is the lifecycle position of a single turn.
type TurnState int

const (
	TurnPendingUser TurnState = iota
	TurnCompleted
	TurnRolledBack
)

func (s TurnState) String() string {
	switch s {
	case TurnPendingUser:
		return "pending_user"
	case TurnCompleted:
		return "completed"
	case TurnRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("turn_state(%d)", int(s))
	}
}

// Turn is one user message plus its resulting assistant reply.
type Turn struct {
	ID              string
	ConversationKey string
	User            Message
	State           TurnState
	StartedAt       time.Time
}
