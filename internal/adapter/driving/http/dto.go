package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type streamDTO struct {
	ID    string `json:"id"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

func newStreamDTO(s domain.Stream) *streamDTO {
	if s == nil {
		return nil
	}
	return &streamDTO{ID: s.StreamID(), Audio: s.HasAudio(), Video: s.HasVideo()}
}

type errorDTO struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type eventDTO struct {
	Type     string               `json:"type"`
	Call     *domain.CallSession  `json:"call,omitempty"`
	Incoming *domain.IncomingCall `json:"incoming,omitempty"`
	Stream   *streamDTO           `json:"stream,omitempty"`
	Error    *errorDTO            `json:"error,omitempty"`
}

func newEventDTO(ev domain.Event) eventDTO {
	call := ev.Call
	dto := eventDTO{
		Type:     ev.Kind.String(),
		Call:     &call,
		Incoming: ev.Incoming,
		Stream:   newStreamDTO(ev.Stream),
	}
	if ev.Error != nil {
		dto.Error = &errorDTO{Kind: string(ev.Error.Kind), Message: ev.Message}
	}
	return dto
}

type stateDTO struct {
	Call         *domain.CallSession `json:"call"`
	CallID       string              `json:"callId,omitempty"`
	LocalStream  *streamDTO          `json:"localStream"`
	RemoteStream *streamDTO          `json:"remoteStream"`
}

type initiateRequest struct {
	Channel        domain.Channel  `json:"channel"`
	ConversationID string          `json:"conversationId"`
	CallType       domain.CallType `json:"callType"`
}

type actionRequest struct {
	CallID          string `json:"callId"`
	ConversationID  string `json:"conversationId"`
	DurationSeconds *int   `json:"durationSeconds,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps a command error to an HTTP status and an error name.
func classify(err error, messages domain.Messages) (int, errorResponse) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, errorResponse{"InvalidArgument", err.Error()}
	case errors.Is(err, domain.ErrNoActiveCall):
		return http.StatusNotFound, errorResponse{"NoActiveCall", err.Error()}
	case errors.Is(err, domain.ErrCallInProgress):
		return http.StatusConflict, errorResponse{"CallInProgress", err.Error()}
	case errors.Is(err, domain.ErrCallMismatch):
		return http.StatusConflict, errorResponse{"CallMismatch", err.Error()}
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, errorResponse{"InvalidTransition", err.Error()}
	case errors.Is(err, domain.ErrClosed):
		return http.StatusServiceUnavailable, errorResponse{"Closed", err.Error()}
	}

	ce := domain.AsCallError(err)
	status := http.StatusInternalServerError
	switch {
	case ce.Kind == domain.KindSignalingUnavailable:
		status = http.StatusServiceUnavailable
	case ce.Kind.IsDevice():
		status = http.StatusConflict
	}
	return status, errorResponse{string(ce.Kind), messages.Lookup(ce.Kind)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
