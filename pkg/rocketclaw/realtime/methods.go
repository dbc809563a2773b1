package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SendMessage posts text to a room and returns the created message id.
func (s *Session) SendMessage(ctx context.Context, roomID, text string) (string, error) {
	return s.postMessage(ctx, roomID, "", text)
}

// SendThreadMessage posts text as a reply inside an existing thread.
func (s *Session) SendThreadMessage(ctx context.Context, roomID, threadID, text string) (string, error) {
	return s.postMessage(ctx, roomID, threadID, text)
}

func (s *Session) postMessage(ctx context.Context, roomID, threadID, text string) (string, error) {
	id := uuid.NewString()
	msg := map[string]any{"_id": id, "rid": roomID, "msg": text}
	if threadID != "" {
		msg["tmid"] = threadID
	}
	res, err := s.call(ctx, "sendMessage", msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	var out struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(res, &out); err == nil && out.ID != "" {
		return out.ID, nil
	}
	return id, nil
}

// SetReaction adds (react=true) or removes an emoji reaction on a message.
func (s *Session) SetReaction(ctx context.Context, emoji, messageID string, react bool) error {
	if _, err := s.call(ctx, "setReaction", emoji, messageID, react); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

// Typing toggles the bot's typing indicator in a room. Failures are
// non-fatal for callers; the indicator is cosmetic.
func (s *Session) Typing(ctx context.Context, roomID string, typing bool) error {
	activity := []any{}
	if typing {
		activity = []any{"user-typing"}
	}
	_, err := s.call(ctx, "stream-notify-room", roomID+"/user-activity", s.cfg.Username, activity)
	return err
}

// UserRoles looks up the server-side roles of a user. It satisfies the
// role-pattern resolver's client interface.
func (s *Session) UserRoles(ctx context.Context, userID string) ([]string, error) {
	res, err := s.call(ctx, "getUserRoles", userID)
	if err != nil {
		return nil, fmt.Errorf("get user roles: %w", err)
	}
	var users []struct {
		ID    string   `json:"_id"`
		Roles []string `json:"roles"`
	}
	if err := json.Unmarshal(res, &users); err != nil {
		var single struct {
			Roles []string `json:"roles"`
		}
		if err2 := json.Unmarshal(res, &single); err2 == nil {
			return single.Roles, nil
		}
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	for _, u := range users {
		if u.ID == userID {
			return u.Roles, nil
		}
	}
	return nil, nil
}
