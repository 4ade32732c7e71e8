// Package whatsapp talks to the WhatsApp Cloud API: it sends outbox
// payloads and decodes webhook notifications into inbound events.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatbox/internal/domain"
)

// Parameters read through the paramstore getter, relative to its prefix.
const (
	TokenParameter       = "whatsapp/token"
	PhoneIDParameter     = "whatsapp/phone-number-id"
	VerifyTokenParameter = "whatsapp/verify-token"
	AppSecretParameter   = "whatsapp/app-secret"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v21.0"
	maxButtons     = 3
	maxListRows    = 10
	buttonTitleMax = 20
	rowTitleMax    = 24
	listButtonText = "Ver opciones"
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the expected JSON shape stored in SSM for the access token.
type tokenPayload struct {
	Token string `json:"token"`
}

// HTTPStatusError captures non-2xx responses from the Graph API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends messages through one business phone number.
type Client struct {
	baseURL    string
	httpClient *http.Client
	getter     Getter

	mu      sync.Mutex
	token   string
	phoneID string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose credentials are fetched through ps on the
// first send and reused for the lifetime of the process.
func NewClient(ps Getter, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		getter:     ps,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// credentials caches only a successful lookup so a transient parameter
// store failure is retried on the next send.
func (c *Client) credentials(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, c.phoneID, nil
	}

	raw, err := c.getter.GetParameter(ctx, TokenParameter)
	if err != nil {
		return "", "", fmt.Errorf("whatsapp: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", "", fmt.Errorf("whatsapp: unmarshal token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", "", errors.New("whatsapp: access token is empty")
	}
	phoneID, err := c.getter.GetParameter(ctx, PhoneIDParameter)
	if err != nil {
		return "", "", fmt.Errorf("whatsapp: fetch phone number id: %w", err)
	}
	phoneID = strings.TrimSpace(phoneID)
	if phoneID == "" {
		return "", "", errors.New("whatsapp: phone number id is empty")
	}
	c.token, c.phoneID = tp.Token, phoneID
	return c.token, c.phoneID, nil
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send delivers payload to recipient and returns the message id assigned by
// WhatsApp. The idempotency key travels as opaque callback data so status
// notifications can be matched back to the outbox entry.
func (c *Client) Send(ctx context.Context, recipient string, payload domain.Payload, idempotencyKey string) (string, error) {
	token, phoneID, err := c.credentials(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(buildMessage(recipient, payload, idempotencyKey))
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal message: %w", err)
	}
	url := c.baseURL + "/" + phoneID + "/messages"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	var out sendResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("whatsapp: decode response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", errors.New("whatsapp: response carries no message id")
	}
	return out.Messages[0].ID, nil
}

type message struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Interactive      *interactive `json:"interactive,omitempty"`
	CallbackData     string       `json:"biz_opaque_callback_data,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type interactive struct {
	Type   string   `json:"type"`
	Body   textBody `json:"body"`
	Action action   `json:"action"`
}

type action struct {
	Button   string    `json:"button,omitempty"`
	Buttons  []button  `json:"buttons,omitempty"`
	Sections []section `json:"sections,omitempty"`
}

type button struct {
	Type  string `json:"type"`
	Reply row    `json:"reply"`
}

type section struct {
	Title string `json:"title"`
	Rows  []row  `json:"rows"`
}

type row struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// buildMessage picks reply buttons for up to three options, a list for up
// to ten and plain numbered text beyond that.
func buildMessage(recipient string, p domain.Payload, key string) message {
	m := message{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		CallbackData:     key,
	}
	opts := p.Options
	switch {
	case p.Kind != domain.PayloadInteractive || len(opts) == 0:
		m.Type = "text"
		m.Text = &textBody{Body: p.Text}
	case len(opts) <= maxButtons:
		buttons := make([]button, 0, len(opts))
		for _, o := range opts {
			buttons = append(buttons, button{Type: "reply", Reply: row{ID: o.ID, Title: truncate(o.Title, buttonTitleMax)}})
		}
		m.Type = "interactive"
		m.Interactive = &interactive{Type: "button", Body: textBody{Body: p.Text}, Action: action{Buttons: buttons}}
	case len(opts) <= maxListRows:
		rows := make([]row, 0, len(opts))
		for _, o := range opts {
			rows = append(rows, row{ID: o.ID, Title: truncate(o.Title, rowTitleMax)})
		}
		m.Type = "interactive"
		m.Interactive = &interactive{
			Type:   "list",
			Body:   textBody{Body: p.Text},
			Action: action{Button: listButtonText, Sections: []section{{Title: "Opciones", Rows: rows}}},
		}
	default:
		m.Type = "text"
		m.Text = &textBody{Body: numbered(p)}
	}
	return m
}

func numbered(p domain.Payload) string {
	var b strings.Builder
	b.WriteString(p.Text)
	for _, o := range p.Options {
		fmt.Fprintf(&b, "\n%s. %s", o.ID, o.Title)
	}
	return b.String()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
