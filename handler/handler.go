// Package handler adapts API Gateway proxy requests from the WhatsApp
// webhook to the inbound use case.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chatbox/internal/domain"
	"chatbox/internal/integrations/whatsapp"
	"chatbox/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	signatureHeader   = "X-Hub-Signature-256"
)

type InboundUseCase interface {
	Handle(ctx context.Context, ev domain.InboundEvent) (usecase.HandleOutput, error)
}

type Secrets interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Options struct {
	// RequireSignature rejects POSTs whose X-Hub-Signature-256 does not
	// match the app secret.
	RequireSignature bool
}

type Handler struct {
	uc      InboundUseCase
	secrets Secrets
	opts    Options
}

type ackResponse struct {
	Received   int `json:"received"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewHandler(uc InboundUseCase, secrets Secrets, opts Options) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("handler: secrets must not be nil")
	}
	return &Handler{uc: uc, secrets: secrets, opts: opts}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := header(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := slog.With("correlation_id", corrID, "method", req.HTTPMethod)

	switch req.HTTPMethod {
	case http.MethodGet:
		return h.verify(ctx, req, corrID, log), nil
	case http.MethodPost:
		return h.receive(ctx, req, corrID, log), nil
	}
	return jsonResponse(http.StatusMethodNotAllowed, corrID, errorResponse{Error: string(usecase.ErrorMethodNotAllowed)}), nil
}

// verify answers the subscription challenge sent when the webhook is
// registered.
func (h *Handler) verify(ctx context.Context, req events.APIGatewayProxyRequest, corrID string, log *slog.Logger) events.APIGatewayProxyResponse {
	q := req.QueryStringParameters
	if q["hub.mode"] != "subscribe" || q["hub.challenge"] == "" {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "not a subscription request"})
	}
	want, err := h.secrets.GetParameter(ctx, whatsapp.VerifyTokenParameter)
	if err != nil {
		log.Error("load verify token", "err", err)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	if want == "" || q["hub.verify_token"] != want {
		log.Warn("webhook verification rejected")
		return jsonResponse(http.StatusForbidden, corrID, errorResponse{Error: string(usecase.ErrorForbidden), Message: "verify token mismatch"})
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/plain", correlationHeader: corrID},
		Body:       q["hub.challenge"],
	}
}

// receive acknowledges a notification once it has been parsed. Events that
// fail downstream are already marked seen, so asking the provider to retry
// would not reprocess them.
func (h *Handler) receive(ctx context.Context, req events.APIGatewayProxyRequest, corrID string, log *slog.Logger) events.APIGatewayProxyResponse {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid body encoding"})
		}
		body = decoded
	}

	if h.opts.RequireSignature {
		secret, err := h.secrets.GetParameter(ctx, whatsapp.AppSecretParameter)
		if err != nil {
			log.Error("load app secret", "err", err)
			return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal)})
		}
		if !whatsapp.VerifySignature(body, header(req.Headers, signatureHeader), secret) {
			log.Warn("webhook signature rejected")
			return jsonResponse(http.StatusUnauthorized, corrID, errorResponse{Error: string(usecase.ErrorUnauthorized), Message: "invalid signature"})
		}
	}

	evs, err := whatsapp.ParseNotification(body)
	if err != nil {
		log.Warn("webhook body rejected", "err", err)
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid notification"})
	}

	var ack ackResponse
	for _, ev := range evs {
		ev.CorrelationID = corrID
		out, err := h.uc.Handle(ctx, ev)
		if err != nil {
			ack.Failed++
			if usecase.CodeOf(err) == usecase.ErrorInvalidInput {
				log.Warn("inbound event rejected", "event_id", ev.EventID, "err", err)
				continue
			}
			log.Error("inbound event failed", "event_id", ev.EventID, "conversation", ev.ConversationID, "err", err)
			continue
		}
		if out.Duplicate {
			ack.Duplicates++
			continue
		}
		ack.Received++
	}
	return jsonResponse(http.StatusOK, corrID, ack)
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status, body = http.StatusInternalServerError, []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json", correlationHeader: corrID},
		Body:       string(body),
	}
}

// header looks a header up case-insensitively; API Gateway preserves the
// client's casing.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
