package db

import "github.com/gmhub/gm/internal/msgcodec"

// Conversation identity of a chat session thread.
type Conversation struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agentId"`
	Title       *string `json:"title,omitempty"`
	CreatedAt   int64   `json:"createdAt"` // unix micros
	UpdatedAt   int64   `json:"updatedAt"` // unix micros
	Status      string  `json:"status"`
	Source      *string `json:"source,omitempty"`
	ExternalID  *string `json:"externalId,omitempty"`
	ProjectPath *string `json:"projectPath,omitempty"`
}

const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
	ConversationStatusDeleted  = "deleted"
)

// Message is one turn within a conversation.
type Message struct {
	ID                 string                       `json:"id"`
	ConversationID     string                       `json:"conversationId"`
	Role               string                       `json:"role"`
	Content            []byte                       `json:"content"`
	ContentCompression msgcodec.ContentCompression  `json:"-"`
	CreatedAt          int64                        `json:"createdAt"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// SessionResponse is the terminal payload of a completed Session.
type SessionResponse struct {
	Text               string `json:"text"`
	AssistantMessageID string `json:"assistantMessageId"`
}

// Session is one agent invocation triggered by a user message.
type Session struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	UserMessageID  string           `json:"userMessageId"`
	Status         string           `json:"status"`
	StartedAt      int64            `json:"startedAt"`
	CompletedAt    *int64           `json:"completedAt,omitempty"`
	Response       *SessionResponse `json:"response,omitempty"`
	Error          *string          `json:"error,omitempty"`
}

const (
	SessionStatusPending    = "pending"
	SessionStatusProcessing = "processing"
	SessionStatusCompleted  = "completed"
	SessionStatusError      = "error"
	SessionStatusTimeout    = "timeout"
	SessionStatusCancelled  = "cancelled"
)

// IdempotencyRecord caches the first successful appendMessage result for a
// client-supplied key.
type IdempotencyRecord struct {
	Key       string
	MessageID string
	CreatedAt int64
	TTL       int64 // seconds
}

// Event is an append-only audit log entry.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId"`
	SessionID      *string        `json:"sessionId,omitempty"`
	MessageID      *string        `json:"messageId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
}

const (
	EventMessageCreated      = "message.created"
	EventSessionCreated      = "session.created"
	EventSessionProcessing   = "session.processing"
	EventSessionCompleted    = "session.completed"
	EventSessionError        = "session.error"
	EventConversationUpdated = "conversation.updated"
)

// SessionPatch describes a partial update to a Session applied atomically
// by UpdateSession.
type SessionPatch struct {
	Status      *string
	CompletedAt *int64
	Response    *SessionResponse
	Error       *string
}

// ConversationPatch describes a partial update to a Conversation.
type ConversationPatch struct {
	Title  *string
	Status *string
}

// IntegrityReport is the result of ValidateIntegrity.
type IntegrityReport struct {
	OK         bool
	Violations []string
}
