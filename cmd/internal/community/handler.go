package community

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"echostream/cmd/internal/auth"
	"echostream/cmd/internal/httpjson"
	v1 "echostream/contracts/realtime/v1"
)

// Handler exposes the chat persistence REST API.
type Handler struct {
	log      *slog.Logger
	svc      *Service
	tokens   *auth.TokenManager
	maxBytes int64
}

// NewHandler constructs a Handler. tokens guards the community routes.
func NewHandler(log *slog.Logger, svc *Service, tokens *auth.TokenManager) (*Handler, error) {
	if svc == nil || tokens == nil {
		return nil, errors.New("community: nil dependency")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc, tokens: tokens, maxBytes: 64 << 10}, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	req := func(f http.HandlerFunc) http.Handler { return h.tokens.Require(f) }

	mux.Handle("POST /api/communities", req(h.handleCreate))
	mux.HandleFunc("GET /api/communities", h.handleList)
	mux.Handle("POST /api/communities/join", req(h.handleJoin))
	mux.Handle("POST /api/communities/{id}/messages", req(h.handlePostMessage))
	mux.Handle("GET /api/communities/{id}/messages", req(h.handleListMessages))
	mux.Handle("PATCH /api/communities/{id}/messages/{messageID}", req(h.handleEditMessage))
	mux.Handle("DELETE /api/communities/{id}/messages/{messageID}", req(h.handleDeleteMessage))

	mux.HandleFunc("POST /api/anonymous-community/join", h.handleAnonJoin)
	mux.HandleFunc("POST /api/anonymous-community/message", h.handleAnonMessage)
	mux.HandleFunc("GET /api/anonymous-community/{name}/messages", h.handleAnonMessages)
}

// ---- wire types ----

type createCommunityRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type joinCommunityRequest struct {
	CommunityID string `json:"community_id"`
}

type communityResponse struct {
	Community Community `json:"community"`
}

type communityListResponse struct {
	Communities []Community `json:"communities"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse is returned by the persist endpoints.
type MessageResponse struct {
	Message    v1.ChatMessage `json:"message"`
	Duplicated bool           `json:"duplicated,omitempty"`
}

// AnonymousJoinRequest is the anonymous join body.
type AnonymousJoinRequest struct {
	CommunityName string `json:"community_name"`
	Username      string `json:"username"`
}

// AnonymousJoinResponse carries the normalized room.
type AnonymousJoinResponse struct {
	Room AnonymousRoom `json:"room"`
}

// AnonymousMessageRequest is the anonymous persist body.
type AnonymousMessageRequest struct {
	CommunityName string `json:"community_name"`
	Username      string `json:"username"`
	MessageInput
}

// ---- community handlers ----

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	var req createCommunityRequest
	if err := httpjson.Decode(w, r, h.maxBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	c, err := h.svc.CreateCommunity(r.Context(), p.UserID, req.Name, req.Description)
	if err != nil {
		h.writeServiceError(w, "community.create", err)
		return
	}
	httpjson.Write(w, http.StatusCreated, communityResponse{Community: c})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", DefaultPageLimit)
	offset := queryInt(r, "offset", 0)

	out, err := h.svc.ListCommunities(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, "community.list", err)
		return
	}
	httpjson.Write(w, http.StatusOK, communityListResponse{Communities: out})
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	var req joinCommunityRequest
	if err := httpjson.Decode(w, r, h.maxBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	c, err := h.svc.JoinCommunity(r.Context(), p.UserID, req.CommunityID)
	if err != nil {
		h.writeServiceError(w, "community.join", err)
		return
	}
	httpjson.Write(w, http.StatusOK, communityResponse{Community: c})
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	var req MessageInput
	if err := httpjson.Decode(w, r, h.maxBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	sender := v1.Sender{ID: p.UserID, Name: p.Username}
	res, err := h.svc.PostCommunityMessage(r.Context(), sender, r.PathValue("id"), req)
	if err != nil {
		h.writeServiceError(w, "community.message.post", err)
		return
	}
	writeAppendResult(w, res)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	page, err := h.svc.CommunityMessages(r.Context(), p.UserID, r.PathValue("id"),
		queryInt(r, "page", 1), queryInt(r, "limit", DefaultPageLimit))
	if err != nil {
		h.writeServiceError(w, "community.message.list", err)
		return
	}
	httpjson.Write(w, http.StatusOK, page)
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	var req editMessageRequest
	if err := httpjson.Decode(w, r, h.maxBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	m, err := h.svc.EditCommunityMessage(r.Context(), p.UserID, r.PathValue("id"), r.PathValue("messageID"), req.Content)
	if err != nil {
		h.writeServiceError(w, "community.message.edit", err)
		return
	}
	httpjson.Write(w, http.StatusOK, MessageResponse{Message: m})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	if err := h.svc.DeleteCommunityMessage(r.Context(), p.UserID, r.PathValue("id"), r.PathValue("messageID")); err != nil {
		h.writeServiceError(w, "community.message.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- anonymous handlers ----

func (h *Handler) handleAnonJoin(w http.ResponseWriter, r *http.Request) {
	var req AnonymousJoinRequest
	if err := httpjson.Decode(w, r, h.maxBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	room, err := h.svc.JoinAnonymous(r.Context(), req.CommunityName, req.Username)
	if err != nil {
		h.writeServiceError(w, "anonymous.join", err)
		return
	}
	httpjson.Write(w, http.StatusOK, AnonymousJoinResponse{Room: room})
}

func (h *Handler) handleAnonMessage(w http.ResponseWriter, r *http.Request) {
	var req AnonymousMessageRequest
	if err := httpjson.Decode(w, r, h.maxBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.svc.PostAnonymousMessage(r.Context(), req.CommunityName, req.Username, req.MessageInput)
	if err != nil {
		h.writeServiceError(w, "anonymous.message.post", err)
		return
	}
	writeAppendResult(w, res)
}

func (h *Handler) handleAnonMessages(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.AnonymousMessages(r.Context(), r.PathValue("name"),
		queryInt(r, "page", 1), queryInt(r, "limit", DefaultPageLimit))
	if err != nil {
		h.writeServiceError(w, "anonymous.message.list", err)
		return
	}
	httpjson.Write(w, http.StatusOK, page)
}

// ---- helpers ----

func writeAppendResult(w http.ResponseWriter, res AppendResult) {
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	httpjson.Write(w, status, MessageResponse{Message: res.Message, Duplicated: res.Duplicated})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	var opErr OpError
	msg := "internal error"
	if errors.As(err, &opErr) && opErr.Msg != "" {
		msg = opErr.Msg
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", msg)
	case errors.Is(err, ErrNotFound):
		httpjson.Error(w, http.StatusNotFound, "not_found", msg)
	case errors.Is(err, ErrForbidden):
		httpjson.Error(w, http.StatusForbidden, "forbidden", msg)
	case errors.Is(err, ErrConflict):
		httpjson.Error(w, http.StatusConflict, "conflict", msg+" already exists")
	default:
		h.log.Error(event+".fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
