package domain

import "time"

type Channel string

const (
	ChannelAdmin Channel = "admin"
	ChannelShop  Channel = "shop"
	ChannelAI    Channel = "ai"
)

// ParseChannel maps a conversation tag to a channel; anything unknown is admin.
func ParseChannel(s string) Channel {
	switch Channel(s) {
	case ChannelShop:
		return ChannelShop
	case ChannelAI:
		return ChannelAI
	default:
		return ChannelAdmin
	}
}

func (c Channel) String() string {
	return string(c)
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Kinds returns the device kinds a call of this type needs.
func (t CallType) Kinds() []MediaKind {
	if t == CallTypeVideo {
		return []MediaKind{MediaAudio, MediaVideo}
	}
	return []MediaKind{MediaAudio}
}

type Status string

const (
	StatusIdle            Status = "idle"
	StatusDialing         Status = "dialing"
	StatusRingingIncoming Status = "ringing_incoming"
	StatusAnswered        Status = "answered"
	StatusEnded           Status = "ended"
	StatusRejected        Status = "rejected"
	StatusFailed          Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusIdle:            {StatusDialing, StatusRingingIncoming},
	StatusDialing:         {StatusAnswered, StatusEnded, StatusRejected, StatusFailed},
	StatusRingingIncoming: {StatusAnswered, StatusRejected, StatusEnded, StatusFailed},
	StatusAnswered:        {StatusEnded, StatusFailed},
}

// CanTransition reports whether to is reachable from from in one step.
// Status only moves forward, so no state lists itself.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Counterpart struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// CallSession is the data side of one call attempt. Zero times mean "not yet".
type CallSession struct {
	CallID         string       `json:"callId,omitempty"`
	ConversationID string       `json:"conversationId"`
	Channel        Channel      `json:"channel"`
	Direction      Direction    `json:"direction"`
	CallType       CallType     `json:"callType"`
	Status         Status       `json:"status"`
	Counterpart    *Counterpart `json:"counterpart,omitempty"`
	StartedAt      time.Time    `json:"startedAt,omitzero"`
	AnsweredAt     time.Time    `json:"answeredAt,omitzero"`
	EndedAt        time.Time    `json:"endedAt,omitzero"`
	LastError      *CallError   `json:"lastError,omitempty"`
}

// AssignCallID sets the call id once. Later calls, and empty ids, are ignored.
func (c *CallSession) AssignCallID(id string) bool {
	if id == "" || c.CallID != "" {
		return false
	}
	c.CallID = id
	return true
}

// Apply moves the session to next and stamps the matching timestamp.
func (c *CallSession) Apply(next Status, at time.Time) error {
	if !CanTransition(c.Status, next) {
		return ErrInvalidTransition
	}
	c.Status = next
	switch {
	case next == StatusAnswered:
		c.AnsweredAt = at
	case next.Terminal():
		c.EndedAt = at
	}
	return nil
}

// Duration is only meaningful for calls that were answered and have ended.
func (c CallSession) Duration() (time.Duration, bool) {
	if c.AnsweredAt.IsZero() || c.EndedAt.IsZero() {
		return 0, false
	}
	return c.EndedAt.Sub(c.AnsweredAt), true
}

// Stream is a renderable media reference, local or remote.
type Stream interface {
	StreamID() string
	HasAudio() bool
	HasVideo() bool
}
