// Package handler exposes the conversation service as an API Gateway proxy
// handler. The same handler serves local runs through ServeHTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"couple-talk/internal/conversation"
	"couple-talk/internal/domain"
)

const (
	correlationHeader = "X-Correlation-Id"
	userHeader        = "X-User-Id"
	maxBodyBytes      = 64 << 10
)

type Service interface {
	StartSession(ctx context.Context, userID string) (domain.Session, error)
	GetSession(ctx context.Context, sessionID, userID string) (domain.Session, error)
	Reply(ctx context.Context, in conversation.ReplyInput) (conversation.ReplyOutput, error)
	AssembleContext(ctx context.Context, sessionID string) (domain.ContextWindow, error)
	EndSession(ctx context.Context, in conversation.EndSessionInput) (conversation.EndSessionResult, error)
	GetInsight(ctx context.Context, sessionID, userID string) (domain.SessionInsight, error)
}

type Handler struct {
	svc    Service
	logger *slog.Logger
	// trustUserHeader accepts X-User-Id when no authorizer principal is present.
	trustUserHeader bool
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithUserHeader makes the handler read the caller identity from X-User-Id.
// Only local runs without an authorizer in front should enable it.
func WithUserHeader() Option {
	return func(h *Handler) {
		h.trustUserHeader = true
	}
}

func NewHandler(svc Service, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	h := &Handler{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type messageRequest struct {
	Message string `json:"message"`
}

type endRequest struct {
	IsResolved bool `json:"isResolved"`
}

type sessionResponse struct {
	SessionID  string     `json:"sessionId"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	IsResolved *bool      `json:"isResolved,omitempty"`
}

type turnResponse struct {
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type replyResponse struct {
	Reply         string       `json:"reply"`
	UserTurn      turnResponse `json:"userTurn"`
	AssistantTurn turnResponse `json:"assistantTurn"`
}

type contextResponse struct {
	SessionID              string         `json:"sessionId"`
	Summary                string         `json:"summary,omitempty"`
	SummarizedMessageCount int            `json:"summarizedMessageCount"`
	TotalTurns             int            `json:"totalTurns"`
	RecentTurns            []turnResponse `json:"recentTurns"`
}

type insightResponse struct {
	Title             string   `json:"title"`
	Summary           string   `json:"summary"`
	RootCause         string   `json:"rootCause"`
	Emotions          []string `json:"emotions"`
	SuggestedApproach string   `json:"suggestedApproach"`
}

type endResponse struct {
	Discarded       bool             `json:"discarded"`
	AnalyticsFailed bool             `json:"analyticsFailed"`
	Insight         *insightResponse `json:"insight,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle routes an API Gateway proxy request. Failures are always reported in
// the response; the returned error is reserved for the Lambda runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", corrID)

	userID := h.userID(req)
	if userID == "" {
		return respondError(corrID, http.StatusUnauthorized, "UNAUTHORIZED", "missing_identity"), nil
	}

	segments := splitPath(req.Path)
	if len(segments) == 0 || segments[0] != "sessions" {
		return respondError(corrID, http.StatusNotFound, string(conversation.ErrorNotFound), "route_not_found"), nil
	}

	var (
		status int
		body   any
		err    error
	)
	switch {
	case len(segments) == 1 && req.HTTPMethod == http.MethodPost:
		status, body, err = h.startSession(ctx, userID)
	case len(segments) == 2 && req.HTTPMethod == http.MethodGet:
		status, body, err = h.getSession(ctx, segments[1], userID)
	case len(segments) == 3 && segments[2] == "messages" && req.HTTPMethod == http.MethodPost:
		status, body, err = h.reply(ctx, segments[1], userID, req.Body)
	case len(segments) == 3 && segments[2] == "context" && req.HTTPMethod == http.MethodGet:
		status, body, err = h.contextWindow(ctx, segments[1], userID)
	case len(segments) == 3 && segments[2] == "end" && req.HTTPMethod == http.MethodPost:
		status, body, err = h.endSession(ctx, segments[1], userID, req.Body)
	case len(segments) == 3 && segments[2] == "insight" && req.HTTPMethod == http.MethodGet:
		status, body, err = h.insight(ctx, segments[1], userID)
	default:
		return respondError(corrID, http.StatusNotFound, string(conversation.ErrorNotFound), "route_not_found"), nil
	}
	if err != nil {
		return h.mapError(ctx, logger, corrID, err), nil
	}
	return respondJSON(corrID, status, body), nil
}

func (h *Handler) startSession(ctx context.Context, userID string) (int, any, error) {
	session, err := h.svc.StartSession(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, toSessionResponse(session), nil
}

func (h *Handler) getSession(ctx context.Context, sessionID, userID string) (int, any, error) {
	session, err := h.svc.GetSession(ctx, sessionID, userID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, toSessionResponse(session), nil
}

func (h *Handler) reply(ctx context.Context, sessionID, userID, raw string) (int, any, error) {
	var req messageRequest
	if err := decodeBody(raw, &req); err != nil {
		return 0, nil, err
	}
	out, err := h.svc.Reply(ctx, conversation.ReplyInput{
		SessionID: sessionID,
		UserID:    userID,
		Message:   req.Message,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, replyResponse{
		Reply:         out.Reply,
		UserTurn:      toTurnResponse(out.UserTurn),
		AssistantTurn: toTurnResponse(out.AssistantTurn),
	}, nil
}

// contextWindow checks ownership first; AssembleContext itself is identity-free.
func (h *Handler) contextWindow(ctx context.Context, sessionID, userID string) (int, any, error) {
	session, err := h.svc.GetSession(ctx, sessionID, userID)
	if err != nil {
		return 0, nil, err
	}
	window, err := h.svc.AssembleContext(ctx, session.ID)
	if err != nil {
		return 0, nil, err
	}
	resp := contextResponse{
		SessionID:              window.SessionID,
		Summary:                window.SummaryText,
		SummarizedMessageCount: window.SummarizedMessageCount,
		TotalTurns:             window.TotalTurns,
		RecentTurns:            make([]turnResponse, 0, len(window.RecentTurns)),
	}
	for _, t := range window.RecentTurns {
		resp.RecentTurns = append(resp.RecentTurns, toTurnResponse(t))
	}
	return http.StatusOK, resp, nil
}

func (h *Handler) endSession(ctx context.Context, sessionID, userID, raw string) (int, any, error) {
	var req endRequest
	if strings.TrimSpace(raw) != "" {
		if err := decodeBody(raw, &req); err != nil {
			return 0, nil, err
		}
	}
	res, err := h.svc.EndSession(ctx, conversation.EndSessionInput{
		SessionID:  sessionID,
		UserID:     userID,
		IsResolved: req.IsResolved,
	})
	if err != nil {
		return 0, nil, err
	}
	resp := endResponse{Discarded: res.Discarded, AnalyticsFailed: res.AnalyticsFailed}
	if res.Insight != nil {
		ir := toInsightResponse(*res.Insight)
		resp.Insight = &ir
	}
	return http.StatusOK, resp, nil
}

func (h *Handler) insight(ctx context.Context, sessionID, userID string) (int, any, error) {
	insight, err := h.svc.GetInsight(ctx, sessionID, userID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, toInsightResponse(insight), nil
}

func (h *Handler) userID(req events.APIGatewayProxyRequest) string {
	if principal, ok := req.RequestContext.Authorizer["principalId"].(string); ok && strings.TrimSpace(principal) != "" {
		return strings.TrimSpace(principal)
	}
	if h.trustUserHeader {
		return headerValue(req.Headers, userHeader)
	}
	return ""
}

func (h *Handler) mapError(ctx context.Context, logger *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	var convErr *conversation.Error
	if !errors.As(err, &convErr) {
		logger.ErrorContext(ctx, "unexpected error", "err", err)
		return respondError(corrID, http.StatusInternalServerError, string(conversation.ErrorInternal), "")
	}

	status := http.StatusInternalServerError
	switch convErr.Code {
	case conversation.ErrorInvalidInput:
		status = http.StatusBadRequest
	case conversation.ErrorNotFound:
		status = http.StatusNotFound
	case conversation.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case conversation.ErrorUpstream:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "code", convErr.Code, "reason", convErr.Reason, "err", convErr.Err)
	} else {
		logger.WarnContext(ctx, "request rejected", "code", convErr.Code, "reason", convErr.Reason)
	}
	return respondError(corrID, status, string(convErr.Code), convErr.Reason)
}

// ServeHTTP adapts a plain HTTP request into a proxy event for local runs.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	resp, err := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(body),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func decodeBody(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &conversation.Error{Code: conversation.ErrorInvalidInput, Reason: "invalid_body", Err: err}
	}
	return nil
}

func toSessionResponse(s domain.Session) sessionResponse {
	return sessionResponse{
		SessionID:  s.ID,
		Status:     string(s.Status),
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		IsResolved: s.IsResolved,
	}
}

func toTurnResponse(t domain.Turn) turnResponse {
	return turnResponse{Seq: t.Seq, Role: string(t.Role), Content: t.Content, CreatedAt: t.CreatedAt}
}

func toInsightResponse(in domain.SessionInsight) insightResponse {
	emotions := in.Emotions
	if emotions == nil {
		emotions = []string{}
	}
	return insightResponse{
		Title:             in.Title,
		Summary:           in.Summary,
		RootCause:         in.RootCause,
		Emotions:          emotions,
		SuggestedApproach: in.SuggestedApproach,
	}
}

func splitPath(path string) []string {
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func respondJSON(corrID string, status int, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		return respondError(corrID, http.StatusInternalServerError, string(conversation.ErrorInternal), "encode_error")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(b),
	}
}

func respondError(corrID string, status int, code, reason string) events.APIGatewayProxyResponse {
	b, _ := json.Marshal(errorResponse{Error: code, Reason: reason})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(b),
	}
}
