package realtime

import "encoding/json"

// Event is one item on the session's outbound event stream. The pipeline
// consumes events from a single channel in arrival order; there is one
// variant per event kind.
type Event interface {
	isEvent()
}

// ConnectedEvent fires after every successful (re)authentication, once the
// desired subscriptions have been replayed.
type ConnectedEvent struct {
	SessionID string
}

// DisconnectedEvent fires when the connection drops or is shut down.
type DisconnectedEvent struct {
	Err error
}

// MessageEvent delivers a decoded room message.
type MessageEvent struct {
	Message *RoomMessage
}

// NotifyEvent passes through a changed frame from any stream other than the
// room-messages stream, as a collection + event-name + args triple.
type NotifyEvent struct {
	Collection string
	EventName  string
	Args       json.RawMessage
}

// ErrorEvent reports a non-fatal transport or protocol error.
type ErrorEvent struct {
	Err error
}

func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (MessageEvent) isEvent()      {}
func (NotifyEvent) isEvent()       {}
func (ErrorEvent) isEvent()        {}
