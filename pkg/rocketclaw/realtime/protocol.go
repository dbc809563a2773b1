// protocol.go defines the DDP-style JSON frame vocabulary spoken over the
// realtime socket:
//
//	client → server:  connect, method, sub, unsub, ping/pong
//	server → client:  connected, result, ready, nosub, changed, ping/pong
//
// Frames not listed here are ignored for forward compatibility.
package realtime

import (
	"encoding/json"
	"fmt"
)

type frame struct {
	Msg string `json:"msg"`

	// connect
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`

	// connected
	Session string `json:"session,omitempty"`

	// method / sub correlation
	ID     string `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	Name   string `json:"name,omitempty"`
	Params []any  `json:"params,omitempty"`

	// result
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`

	// changed
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`

	// ready
	Subs []string `json:"subs,omitempty"`
}

// RPCError is a server-reported method failure.
type RPCError struct {
	Code    any    `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *RPCError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("rpc error %v: %s", e.Code, e.Message)
	case e.Reason != "":
		return fmt.Sprintf("rpc error %v: %s", e.Code, e.Reason)
	default:
		return fmt.Sprintf("rpc error %v", e.Code)
	}
}

// roomMessagesStream is the subscription delivering room messages; its
// changed frames are this system's primary inbound source.
const roomMessagesStream = "stream-room-messages"

// userNotifyStream carries server-pushed user-scoped events.
const userNotifyStream = "stream-notify-user"

// AllMessagesRoom is the pseudo room id that subscribes to every message
// visible to the logged-in user, direct conversations included.
const AllMessagesRoom = "__my_messages__"

// RoomMessage is a decoded inbound chat message from the room stream.
type RoomMessage struct {
	ID             string
	RoomID         string
	RoomType       string // "d" direct, "c" channel, "p" private group
	Text           string
	SenderID       string
	SenderName     string
	SenderUsername string
	ThreadID       string
	SystemType     string // non-empty for system messages (joins, topic changes, ...)
	Mentions       []string
	// Reactions maps emoji shortname to reacting usernames, as currently
	// present on the message. Updates re-deliver the full state.
	Reactions map[string][]string
}

// IsDirect reports whether the message arrived in a direct conversation.
func (m *RoomMessage) IsDirect() bool { return m.RoomType == "d" }

// wire shapes of the room stream payload.

type wireUser struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type wireMessage struct {
	ID        string                             `json:"_id"`
	RID       string                             `json:"rid"`
	Msg       string                             `json:"msg"`
	T         string                             `json:"t"`
	TMID      string                             `json:"tmid"`
	U         wireUser                           `json:"u"`
	Mentions  []wireUser                         `json:"mentions"`
	Reactions map[string]struct {
		Usernames []string `json:"usernames"`
	} `json:"reactions"`
}

type wireRoomMeta struct {
	RoomType string `json:"roomType"`
}

type roomStreamFields struct {
	EventName string            `json:"eventName"`
	Args      []json.RawMessage `json:"args"`
}

// decodeRoomMessage parses a stream-room-messages changed payload. The first
// arg is the message document; an optional second arg carries room metadata.
func decodeRoomMessage(fields json.RawMessage) (*RoomMessage, error) {
	var f roomStreamFields
	if err := json.Unmarshal(fields, &f); err != nil {
		return nil, fmt.Errorf("decode stream fields: %w", err)
	}
	if len(f.Args) == 0 {
		return nil, fmt.Errorf("room stream event without args")
	}

	var wm wireMessage
	if err := json.Unmarshal(f.Args[0], &wm); err != nil {
		return nil, fmt.Errorf("decode room message: %w", err)
	}

	m := &RoomMessage{
		ID:             wm.ID,
		RoomID:         wm.RID,
		Text:           wm.Msg,
		SenderID:       wm.U.ID,
		SenderName:     wm.U.Name,
		SenderUsername: wm.U.Username,
		ThreadID:       wm.TMID,
		SystemType:     wm.T,
	}
	for _, u := range wm.Mentions {
		m.Mentions = append(m.Mentions, u.Username)
	}
	if len(wm.Reactions) > 0 {
		m.Reactions = make(map[string][]string, len(wm.Reactions))
		for emoji, r := range wm.Reactions {
			m.Reactions[emoji] = r.Usernames
		}
	}
	if len(f.Args) > 1 {
		var meta wireRoomMeta
		if err := json.Unmarshal(f.Args[1], &meta); err == nil {
			m.RoomType = meta.RoomType
		}
	}
	return m, nil
}
