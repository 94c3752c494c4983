// Package http exposes the call service to a UI process: JSON commands over
// REST and an event stream over a websocket.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	CallService *service.CallService
	Hub         *Hub
	Messages    domain.Messages
}

func NewHandler(callService *service.CallService, hub *Hub, messages domain.Messages) *Handler {
	if messages == nil {
		messages = domain.DefaultMessages
	}
	return &Handler{
		CallService: callService,
		Hub:         hub,
		Messages:    messages,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/ws", h.ServeWS)

	r.Post("/calls", h.Initiate)
	r.Get("/call", h.State)
	r.Post("/call/{action}", h.Action)

	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Post("/join", h.Join)
		r.Post("/leave", h.Leave)
	})

	return r
}

func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"InvalidArgument", "malformed request body"})
		return
	}
	call, err := h.CallService.Initiate(r.Context(), req.Channel, req.ConversationID, req.CallType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, call)
}

func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"InvalidArgument", "malformed request body"})
		return
	}
	if err := h.do(r.Context(), chi.URLParam(r, "action"), req); err != nil {
		h.writeError(w, err)
		return
	}
	h.State(w, r)
}

// do runs one call command; shared by the REST and websocket surfaces.
func (h *Handler) do(ctx context.Context, action string, req actionRequest) error {
	switch action {
	case "answer":
		return h.CallService.Answer(ctx, req.CallID, req.ConversationID)
	case "reject":
		return h.CallService.Reject(ctx, req.CallID, req.ConversationID)
	case "cancel":
		return h.CallService.Cancel(ctx, req.CallID, req.ConversationID)
	case "end":
		return h.CallService.End(ctx, req.CallID, req.ConversationID, req.DurationSeconds)
	}
	return domain.ErrInvalidArgument
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

func (h *Handler) state() stateDTO {
	var st stateDTO
	if call, ok := h.CallService.Current(); ok {
		st.Call = &call
	}
	st.CallID = h.CallService.CurrentCallID()
	st.LocalStream = newStreamDTO(h.CallService.LocalStream())
	st.RemoteStream = newStreamDTO(h.CallService.RemoteStream())
	return st
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	channel := domain.ParseChannel(r.URL.Query().Get("channel"))
	if err := h.CallService.JoinConversation(r.Context(), channel, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	channel := domain.ParseChannel(r.URL.Query().Get("channel"))
	if err := h.CallService.LeaveConversation(r.Context(), channel, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health is 200 while at least one transport is connected.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	transports := h.CallService.Connected()
	status := http.StatusServiceUnavailable
	for _, up := range transports {
		if up {
			status = http.StatusOK
			break
		}
	}
	writeJSON(w, status, map[string]any{"transports": transports})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, body := classify(err, h.Messages)
	writeJSON(w, status, body)
}
