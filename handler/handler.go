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

	"voicenote/internal/domain"
	"voicenote/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	// headerUserID is set by the upstream authorizer.
	headerUserID = "X-User-Id"

	defaultMaxAudioBytes = 4 << 20

	codeUnauthenticated  = "UNAUTHENTICATED"
	codeNotFound         = "NOT_FOUND"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

type SendUseCase interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	Quota(ctx context.Context, userID string) (usecase.QuotaOutput, error)
	History(ctx context.Context, selfID, peerID string) ([]domain.Message, error)
}

type Handler struct {
	uc            SendUseCase
	maxAudioBytes int
	logger        *slog.Logger
}

type Option func(*Handler)

func WithMaxAudioBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxAudioBytes = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

type sendRequest struct {
	ReceiverID string `json:"receiverId"`
	// Audio is base64 in the JSON body.
	Audio           []byte `json:"audio"`
	DurationSeconds int    `json:"durationSeconds"`
	ContentType     string `json:"contentType"`
}

type sendResponse struct {
	Message   domain.Message `json:"message"`
	Remaining int            `json:"remaining"`
}

type quotaResponse struct {
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Date      string `json:"date"`
}

type historyResponse struct {
	Messages []domain.Message `json:"messages"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

func NewHandler(uc SendUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, maxAudioBytes: defaultMaxAudioBytes, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle serves the API Gateway proxy routes:
//
//	POST /messages           send a voice note
//	GET  /quota              sends left today
//	GET  /messages?peer=<id> conversation history
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID)
	r := responder{correlationID: correlationID, log: log}

	userID := headerValue(event.Headers, headerUserID)
	if !domain.ValidUserID(userID) {
		return r.json(http.StatusUnauthorized, errorResponse{Error: codeUnauthenticated}), nil
	}

	path := strings.TrimRight(event.Path, "/")
	switch path {
	case "/messages":
		switch event.HTTPMethod {
		case http.MethodPost:
			return h.send(ctx, r, userID, event), nil
		case http.MethodGet:
			return h.history(ctx, r, userID, event), nil
		}
	case "/quota":
		if event.HTTPMethod == http.MethodGet {
			return h.quota(ctx, r, userID), nil
		}
	default:
		return r.json(http.StatusNotFound, errorResponse{Error: codeNotFound}), nil
	}
	return r.json(http.StatusMethodNotAllowed, errorResponse{Error: codeMethodNotAllowed}), nil
}

func (h *Handler) send(ctx context.Context, r responder, userID string, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return r.json(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body_encoding"})
		}
		body = decoded
	}

	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return r.json(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
	}
	if len(req.Audio) > h.maxAudioBytes {
		return r.json(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "audio_too_large"})
	}

	out, err := h.uc.Send(ctx, usecase.SendInput{
		SenderID:        userID,
		ReceiverID:      strings.TrimSpace(req.ReceiverID),
		Audio:           req.Audio,
		DurationSeconds: req.DurationSeconds,
		ContentType:     strings.TrimSpace(req.ContentType),
	})
	if err != nil {
		return r.fail(err)
	}
	r.log.Info("voice note sent", "message_id", out.Message.ID, "sender", userID, "receiver", out.Message.ReceiverID, "remaining", out.Remaining)
	return r.json(http.StatusCreated, sendResponse{Message: out.Message, Remaining: out.Remaining})
}

func (h *Handler) quota(ctx context.Context, r responder, userID string) events.APIGatewayProxyResponse {
	out, err := h.uc.Quota(ctx, userID)
	if err != nil {
		return r.fail(err)
	}
	return r.json(http.StatusOK, quotaResponse{Limit: out.Limit, Remaining: out.Remaining, Date: out.Date})
}

func (h *Handler) history(ctx context.Context, r responder, userID string, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	peer := strings.TrimSpace(event.QueryStringParameters["peer"])
	if peer == "" {
		return r.json(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_peer"})
	}
	msgs, err := h.uc.History(ctx, userID, peer)
	if err != nil {
		return r.fail(err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return r.json(http.StatusOK, historyResponse{Messages: msgs})
}

type responder struct {
	correlationID string
	log           *slog.Logger
}

func (r responder) json(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		r.log.Error("failed to encode response", "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: r.correlationID,
		},
		Body: string(body),
	}
}

func (r responder) fail(err error) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		r.log.Error("unexpected error", "err", err)
		return r.json(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	resp := errorResponse{Error: string(ue.Code), Reason: ue.Reason}
	status := statusFor(ue.Code)
	if ue.Code == usecase.ErrorQuotaExceeded {
		remaining, limit := ue.Remaining, ue.Limit
		resp.Remaining, resp.Limit = &remaining, &limit
	}
	if status >= http.StatusInternalServerError {
		r.log.Error("request failed", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	} else {
		r.log.Info("request rejected", "code", ue.Code, "reason", ue.Reason)
	}
	return r.json(status, resp)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorQuotaExceeded:
		return http.StatusTooManyRequests
	case usecase.ErrorStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
