package agent

// NDJSON message types exchanged over an agent CLI's stdin/stdout.
// The Runner does NOT parse message content beyond the outer `type` tag
// (nested content blocks of assistant lines are not decoded) — it
// forwards the verbatim bytes to the caller's onChunk callback.

// MessageType is the outer `type` field of an NDJSON line.
type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeSystem    MessageType = "system"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeResult    MessageType = "result"
)

// BlockType discriminates the nested content blocks of an assistant line.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeCode       BlockType = "code"
	BlockTypeThinking   BlockType = "thinking"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeImage      BlockType = "image"
	BlockTypeBash       BlockType = "bash"
	BlockTypeSystem     BlockType = "system"
)

// MessageEnvelope extracts only the `type` field for lifecycle bookkeeping.
type MessageEnvelope struct {
	Type MessageType `json:"type"`
}

// UserInputMessage is written to the agent's stdin for stream-json input.
type UserInputMessage struct {
	Type    MessageType      `json:"type"`
	Message UserInputContent `json:"message"`
}

// UserInputContent is the nested message content for stream-json input.
type UserInputContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// resultEnvelope extracts the final text and usage from a `result` line.
type resultEnvelope struct {
	Type      MessageType    `json:"type"`
	Result    string         `json:"result"`
	IsError   bool           `json:"is_error"`
	Usage     map[string]any `json:"usage"`
}
