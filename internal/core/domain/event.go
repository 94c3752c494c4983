package domain

type EventKind int

const (
	EventIncomingCall EventKind = iota
	EventStatusChange
	EventLocalStream
	EventRemoteStream
	EventCallIDReceived
	EventError
)

var eventNames = [...]string{
	EventIncomingCall:   "incoming_call",
	EventStatusChange:   "status_change",
	EventLocalStream:    "local_stream",
	EventRemoteStream:   "remote_stream",
	EventCallIDReceived: "call_id_received",
	EventError:          "error",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

type IncomingCall struct {
	CallID         string      `json:"callId"`
	ConversationID string      `json:"conversationId"`
	Channel        Channel     `json:"channel"`
	CallType       CallType    `json:"callType"`
	Caller         Counterpart `json:"caller"`
}

// Event is what the core emits to the presentation layer. Call is a snapshot
// taken when the event was produced.
type Event struct {
	Kind     EventKind
	Call     CallSession
	Incoming *IncomingCall
	Stream   Stream
	Error    *CallError
	Message  string
}
