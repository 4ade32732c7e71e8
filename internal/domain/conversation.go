package domain

// Message directions recorded in the conversation log.
const (
	DirectionInbound = "in"
	DirectionSystem  = "system"
)

// Message is a single persisted conversation record: either what the user
// sent or what the system queued back.
type Message struct {
	PK             string
	SK             string
	ConversationID string
	Direction      string
	Kind           string
	Text           string
	State          string
	OutboxID       string
	TTL            int64
}

// Contact is the durable identity of a conversation: which client (by CUIT)
// a phone number has been linked to.
type Contact struct {
	Phone     string
	CUIT      string
	UpdatedAt string
}

// Account is the billing view of a client used to answer payment questions.
type Account struct {
	CUIT    string
	Name    string
	Balance string
}
