package domain

// ContentKind tags what an inbound event carries.
type ContentKind string

const (
	KindText          ContentKind = "text"
	KindImage         ContentKind = "image"
	KindDocument      ContentKind = "document"
	KindVideo         ContentKind = "video"
	KindAudio         ContentKind = "audio"
	KindMenuSelection ContentKind = "menu-selection"
)

// IsAttachment reports whether the kind is real media rather than typed or
// selected text.
func (k ContentKind) IsAttachment() bool {
	switch k {
	case KindImage, KindDocument, KindVideo, KindAudio:
		return true
	}
	return false
}

// InboundEvent is one message received from the chat channel.
type InboundEvent struct {
	// EventID is the provider's message id; it keys duplicate detection.
	EventID        string
	ConversationID string
	Text           string
	Kind           ContentKind
	MediaID        string
	CorrelationID  string
}
