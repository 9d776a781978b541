// Package handler adapts API Gateway proxy requests to the chat use case.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"convsync/internal/docstore"
	"convsync/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ChatUseCase interface {
	Execute(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type Handler struct {
	uc     ChatUseCase
	logger *slog.Logger
}

func NewHandler(uc ChatUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

type chatRequest struct {
	Action       string   `json:"action"`
	UID          string   `json:"uid"`
	PublicID     string   `json:"publicId"`
	PeerPublicID string   `json:"peerPublicId"`
	Text         string   `json:"text"`
	MessageID    string   `json:"messageId"`
	Emoji        string   `json:"emoji"`
	MessageIDs   []string `json:"messageIds"`
	Typing       bool     `json:"typing"`
	UpTo         int64    `json:"upTo"`
	Before       string   `json:"before"`
	Limit        int      `json:"limit"`
}

type chatResponse struct {
	ConversationID string        `json:"conversationId"`
	MessageID      string        `json:"messageId,omitempty"`
	Count          int           `json:"count,omitempty"`
	Messages       []messageBody `json:"messages,omitempty"`
	ReachedStart   bool          `json:"reachedStart,omitempty"`
}

type messageBody struct {
	ID          string              `json:"id"`
	SenderID    string              `json:"senderId"`
	RecipientID string              `json:"recipientId"`
	Text        string              `json:"text"`
	CreatedAt   int64               `json:"createdAt"`
	Edited      bool                `json:"edited,omitempty"`
	EditedAt    int64               `json:"editedAt,omitempty"`
	Starred     bool                `json:"starred,omitempty"`
	Status      string              `json:"status,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	var req chatRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		logger.Warn("request_decode_failed", "err", err)
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"}), nil
	}
	// An authorizer-issued subject always wins over the body.
	if sub := claimSubject(event.RequestContext.Authorizer); sub != "" {
		req.UID = sub
	}

	out, err := h.uc.Execute(ctx, usecase.ChatInput{
		Action:       req.Action,
		UID:          req.UID,
		PublicID:     req.PublicID,
		PeerPublicID: req.PeerPublicID,
		Text:         req.Text,
		MessageID:    req.MessageID,
		Emoji:        req.Emoji,
		MessageIDs:   req.MessageIDs,
		Typing:       req.Typing,
		UpTo:         req.UpTo,
		Before:       req.Before,
		Limit:        req.Limit,
	})
	if err != nil {
		status, body := errorStatus(err)
		logger.Warn("chat_request_failed", "action", req.Action, "status", status, "code", body.Error, "reason", body.Reason, "err", err)
		return respond(status, correlationID, body), nil
	}

	logger.Info("chat_request_completed", "action", req.Action, "conversation_id", out.ConversationID)
	return respond(http.StatusOK, correlationID, toResponse(out, req.UID)), nil
}

func errorStatus(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	body := errorResponse{Error: string(ue.Code), Reason: ue.Reason}
	switch {
	case ue.Code == usecase.ErrorInvalidInput:
		return http.StatusBadRequest, body
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, body
	case ue.Code == usecase.ErrorPermanent:
		return http.StatusUnprocessableEntity, body
	case ue.Code == usecase.ErrorTransient:
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, body
	}
}

func toResponse(out usecase.ChatOutput, me string) chatResponse {
	resp := chatResponse{
		ConversationID: out.ConversationID,
		MessageID:      out.MessageID,
		Count:          out.Count,
		ReachedStart:   out.ReachedStart,
	}
	for _, m := range out.Messages {
		body := messageBody{
			ID:          m.ID,
			SenderID:    m.SenderID,
			RecipientID: m.RecipientID,
			Text:        m.Text,
			CreatedAt:   m.CreatedAt,
			Edited:      m.Edited,
			EditedAt:    m.EditedAt,
			Starred:     m.StarredByMe,
			Reactions:   m.Reactions,
		}
		if m.SenderID == me {
			body.Status = string(m.Status(m.RecipientID))
		}
		resp.Messages = append(resp.Messages, body)
	}
	return resp
}

func respond(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"` + string(usecase.ErrorInternal) + `"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// claimSubject reads the Cognito "sub" claim from a REST API authorizer.
func claimSubject(authorizer map[string]interface{}) string {
	claims, _ := authorizer["claims"].(map[string]interface{})
	sub, _ := claims["sub"].(string)
	return strings.TrimSpace(sub)
}
