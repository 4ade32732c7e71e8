package domain

import "strings"

// Roles understood by the text-generation assistant.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of context handed to the rewrite assistant.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcript converts persisted conversation records into assistant context.
// Inbound records become user turns and everything else assistant turns;
// blank records are skipped.
func Transcript(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		role := RoleAssistant
		if m.Direction == DirectionInbound {
			role = RoleUser
		}
		out = append(out, ChatMessage{Role: role, Content: text})
	}
	return out
}
