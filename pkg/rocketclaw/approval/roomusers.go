package approval

import (
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/store"
)

// RoomUser is a user granted room-scoped interaction rights, independent of
// the global allow-lists.
type RoomUser struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username,omitempty"`
	ApprovedBy string    `json:"approvedBy,omitempty"`
	ApprovedAt time.Time `json:"approvedAt"`
}

type roomEntry struct {
	Approved []*RoomUser `json:"approved"`
}

type roomUsersDoc struct {
	Version int                   `json:"version"`
	Rooms   map[string]*roomEntry `json:"rooms"`
}

const roomUsersDocName = "room-users"

// RoomUsers manages the per-room approved-user document.
type RoomUsers struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRoomUsers creates a room-users manager backed by st.
func NewRoomUsers(st *store.Store, logger *slog.Logger) *RoomUsers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomUsers{
		store:  st,
		logger: logger.With("component", "room_users"),
		now:    time.Now,
	}
}

// Approve grants user interaction rights in roomID. Approving an already
// approved user is a no-op and reports added=false.
func (ru *RoomUsers) Approve(roomID, userID, username, approvedBy string) (bool, error) {
	var doc roomUsersDoc
	if err := ru.store.Load(roomUsersDocName, &doc); err != nil {
		return false, err
	}
	if doc.Rooms == nil {
		doc.Rooms = make(map[string]*roomEntry)
	}
	entry := doc.Rooms[roomID]
	if entry == nil {
		entry = &roomEntry{}
		doc.Rooms[roomID] = entry
	}

	for _, u := range entry.Approved {
		if matchesRoomUser(u, userID) || matchesRoomUser(u, username) {
			return false, nil
		}
	}

	entry.Approved = append(entry.Approved, &RoomUser{
		UserID:     userID,
		Username:   strings.TrimPrefix(username, "@"),
		ApprovedBy: approvedBy,
		ApprovedAt: ru.now(),
	})
	if err := ru.save(&doc); err != nil {
		return false, err
	}
	ru.logger.Info("room user approved", "room", roomID, "user", userID, "by", approvedBy)
	return true, nil
}

// Deny revokes interaction rights for the user matching target (id or
// handle) in roomID. Reports removed=false when no entry matched.
func (ru *RoomUsers) Deny(roomID, target string) (bool, error) {
	var doc roomUsersDoc
	if err := ru.store.Load(roomUsersDocName, &doc); err != nil {
		return false, err
	}
	entry := doc.Rooms[roomID]
	if entry == nil {
		return false, nil
	}
	for i, u := range entry.Approved {
		if matchesRoomUser(u, target) {
			entry.Approved = append(entry.Approved[:i], entry.Approved[i+1:]...)
			if err := ru.save(&doc); err != nil {
				return false, err
			}
			ru.logger.Info("room user denied", "room", roomID, "target", target)
			return true, nil
		}
	}
	return false, nil
}

// IsApproved reports whether the user (by id or handle) holds room-scoped
// rights in roomID.
func (ru *RoomUsers) IsApproved(roomID, userID, username string) (bool, error) {
	var doc roomUsersDoc
	if err := ru.store.Load(roomUsersDocName, &doc); err != nil {
		return false, err
	}
	entry := doc.Rooms[roomID]
	if entry == nil {
		return false, nil
	}
	for _, u := range entry.Approved {
		if matchesRoomUser(u, userID) || (username != "" && matchesRoomUser(u, username)) {
			return true, nil
		}
	}
	return false, nil
}

// List returns the approved users of roomID.
func (ru *RoomUsers) List(roomID string) ([]*RoomUser, error) {
	var doc roomUsersDoc
	if err := ru.store.Load(roomUsersDocName, &doc); err != nil {
		return nil, err
	}
	entry := doc.Rooms[roomID]
	if entry == nil {
		return nil, nil
	}
	return entry.Approved, nil
}

func (ru *RoomUsers) save(doc *roomUsersDoc) error {
	doc.Version = docVersion
	return ru.store.Save(roomUsersDocName, doc)
}

func matchesRoomUser(u *RoomUser, target string) bool {
	n := NormalizePrincipal(target)
	if n == "" {
		return false
	}
	return strings.ToLower(u.UserID) == n || strings.ToLower(u.Username) == n
}
