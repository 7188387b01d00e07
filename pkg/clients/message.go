package clients

import "encoding/json"

// Message types exchanged with controlled pages.
const (
	TypeSkipWaiting      = "SKIP_WAITING"
	TypeClearCache       = "CLEAR_CACHE"
	TypeCacheQuestions   = "CACHE_QUESTIONS"
	TypeSyncComplete     = "SYNC_COMPLETE"
	TypeQuestionsUpdated = "QUESTIONS_UPDATED"
	TypeCacheCleared     = "CACHE_CLEARED"
)

// Message is the structured payload posted between pages and the worker.
type Message struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Questions json.RawMessage `json:"questions,omitempty"`
}

// Bool returns a pointer to b, for Message.Success.
func Bool(b bool) *bool {
	return &b
}

// ParseMessage decodes a message. Payloads without a type decode to an
// empty Type, which handlers ignore.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
