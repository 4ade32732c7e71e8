package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"chatbox/internal/domain"
)

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type notification struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type statusError struct {
	Code  int    `json:"code"`
	Title string `json:"title"`
}

type deliveryStatus struct {
	ID     string        `json:"id"`
	Status string        `json:"status"`
	Errors []statusError `json:"errors"`
}

type changeValue struct {
	Messages []inboundMessage `json:"messages"`
	Statuses []deliveryStatus `json:"statuses"`
}

type media struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type textMsg struct {
	Body string `json:"body"`
}

type buttonMsg struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type interactiveMsg struct {
	Type        string `json:"type"`
	ButtonReply *row   `json:"button_reply"`
	ListReply   *row   `json:"list_reply"`
}

type inboundMessage struct {
	From        string          `json:"from"`
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Text        *textMsg        `json:"text"`
	Image       *media          `json:"image"`
	Document    *media          `json:"document"`
	Video       *media          `json:"video"`
	Audio       *media          `json:"audio"`
	Voice       *media          `json:"voice"`
	Sticker     *media          `json:"sticker"`
	Button      *buttonMsg      `json:"button"`
	Interactive *interactiveMsg `json:"interactive"`
}

// ParseNotification decodes a webhook POST body into inbound events.
// Delivery status callbacks and unsupported message types produce no
// events.
func ParseNotification(body []byte) ([]domain.InboundEvent, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("whatsapp: decode notification: %w", err)
	}
	var events []domain.InboundEvent
	for _, e := range n.Entry {
		for _, ch := range e.Changes {
			if ch.Field != "" && ch.Field != "messages" {
				continue
			}
			for _, st := range ch.Value.Statuses {
				if st.Status == "failed" {
					slog.Warn("whatsapp delivery failed", "remote_id", st.ID, "errors", st.Errors)
				}
			}
			for _, m := range ch.Value.Messages {
				ev, ok := toEvent(m)
				if !ok {
					slog.Info("whatsapp message type ignored", "type", m.Type, "id", m.ID)
					continue
				}
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func toEvent(m inboundMessage) (domain.InboundEvent, bool) {
	ev := domain.InboundEvent{EventID: m.ID, ConversationID: m.From}
	if ev.EventID == "" || ev.ConversationID == "" {
		return ev, false
	}
	withMedia := func(kind domain.ContentKind, md *media) (domain.InboundEvent, bool) {
		if md == nil {
			return ev, false
		}
		ev.Kind, ev.MediaID, ev.Text = kind, md.ID, md.Caption
		return ev, true
	}

	switch m.Type {
	case "text":
		if m.Text == nil {
			return ev, false
		}
		ev.Kind, ev.Text = domain.KindText, m.Text.Body
		return ev, true
	case "image":
		return withMedia(domain.KindImage, m.Image)
	case "sticker":
		return withMedia(domain.KindImage, m.Sticker)
	case "document":
		return withMedia(domain.KindDocument, m.Document)
	case "video":
		return withMedia(domain.KindVideo, m.Video)
	case "audio":
		return withMedia(domain.KindAudio, m.Audio)
	case "voice":
		return withMedia(domain.KindAudio, m.Voice)
	case "button":
		if m.Button == nil {
			return ev, false
		}
		ev.Kind, ev.Text = domain.KindMenuSelection, firstNonEmpty(m.Button.Payload, m.Button.Text)
		return ev, true
	case "interactive":
		if m.Interactive == nil {
			return ev, false
		}
		reply := m.Interactive.ButtonReply
		if reply == nil {
			reply = m.Interactive.ListReply
		}
		if reply == nil {
			return ev, false
		}
		ev.Kind, ev.Text = domain.KindMenuSelection, firstNonEmpty(reply.ID, reply.Title)
		return ev, true
	}
	return ev, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against the app secret.
func VerifySignature(body []byte, header, appSecret string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok || appSecret == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
