// Package approval implements the durable access-control state of rocketclaw:
// pending owner approvals, DM pairing requests, named allow-lists and
// per-room approved users, plus the chat command mini-language and the
// message templates used by the approval workflow.
package approval

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/store"
)

// ApprovalType distinguishes what a pending approval gates.
type ApprovalType string

const (
	ApprovalDM   ApprovalType = "dm"
	ApprovalRoom ApprovalType = "room"
)

// ApprovalStatus is the lifecycle state of a pending approval.
// A record is terminal once it leaves StatusPending.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
	StatusExpired  ApprovalStatus = "expired"
)

// NotifyMessage identifies a notification message carrying reaction-based
// decision controls for an approval.
type NotifyMessage struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// PendingApproval is a request awaiting a human decision.
type PendingApproval struct {
	ID                string          `json:"id"`
	Type              ApprovalType    `json:"type"`
	TargetID          string          `json:"targetId"`
	TargetName        string          `json:"targetName,omitempty"`
	TargetUsername    string          `json:"targetUsername,omitempty"`
	RequesterID       string          `json:"requesterId,omitempty"`
	RequesterName     string          `json:"requesterName,omitempty"`
	RequesterUsername string          `json:"requesterUsername,omitempty"`
	ReplyRoomID       string          `json:"replyRoomId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	LastNotifiedAt    time.Time       `json:"lastNotifiedAt"`
	ExpiresAt         *time.Time      `json:"expiresAt,omitempty"`
	Status            ApprovalStatus  `json:"status"`
	DecidedBy         string          `json:"decidedBy,omitempty"`
	DecidedAt         *time.Time      `json:"decidedAt,omitempty"`
	NotifyMessages    []NotifyMessage `json:"notifyMessages,omitempty"`
}

// Display returns the most human-friendly identifier for the target.
func (p *PendingApproval) Display() string {
	switch {
	case p.TargetUsername != "":
		return "@" + p.TargetUsername
	case p.TargetName != "":
		return p.TargetName
	default:
		return p.TargetID
	}
}

type approvalsDoc struct {
	Version int                `json:"version"`
	Pending []*PendingApproval `json:"pending"`
}

// docVersion is written into every persisted document, reserved for future
// migrations.
const docVersion = 1

const (
	approvalsDocName = "pending-approvals"

	// maxCompleted caps how many decided/expired records are retained for
	// audit before the oldest are pruned.
	maxCompleted = 50
)

// CreateRequest carries the identity fields for a new pending approval.
type CreateRequest struct {
	Type              ApprovalType
	TargetID          string
	TargetName        string
	TargetUsername    string
	RequesterID       string
	RequesterName     string
	RequesterUsername string
	ReplyRoomID       string
	Timeout           time.Duration // zero means no expiry
}

// Approvals manages the pending-approvals document.
type Approvals struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewApprovals creates an approvals manager backed by st.
func NewApprovals(st *store.Store, logger *slog.Logger) *Approvals {
	if logger == nil {
		logger = slog.Default()
	}
	return &Approvals{
		store:  st,
		logger: logger.With("component", "approvals"),
		now:    time.Now,
	}
}

// Create registers a new pending approval for (TargetID, Type), or refreshes
// the existing one. At most one pending record exists per (target, type)
// pair: a duplicate create bumps LastNotifiedAt on the existing record and
// reports created=false so the caller does not notify again.
func (a *Approvals) Create(req CreateRequest) (*PendingApproval, bool, error) {
	var doc approvalsDoc
	if err := a.store.Load(approvalsDocName, &doc); err != nil {
		return nil, false, err
	}

	now := a.now()
	for _, p := range doc.Pending {
		if p.Status == StatusPending && p.Type == req.Type && p.TargetID == req.TargetID {
			p.LastNotifiedAt = now
			if err := a.save(&doc); err != nil {
				return nil, false, err
			}
			return p, false, nil
		}
	}

	p := &PendingApproval{
		ID:                newToken(4),
		Type:              req.Type,
		TargetID:          req.TargetID,
		TargetName:        req.TargetName,
		TargetUsername:    req.TargetUsername,
		RequesterID:       req.RequesterID,
		RequesterName:     req.RequesterName,
		RequesterUsername: req.RequesterUsername,
		ReplyRoomID:       req.ReplyRoomID,
		CreatedAt:         now,
		LastNotifiedAt:    now,
		Status:            StatusPending,
	}
	if req.Timeout > 0 {
		exp := now.Add(req.Timeout)
		p.ExpiresAt = &exp
	}

	doc.Pending = append(doc.Pending, p)
	a.prune(&doc)
	if err := a.save(&doc); err != nil {
		return nil, false, err
	}

	a.logger.Info("created pending approval",
		"id", p.ID, "type", p.Type, "target", p.TargetID)
	return p, true, nil
}

// Find returns the pending record for (targetID, typ), if any.
func (a *Approvals) Find(targetID string, typ ApprovalType) (*PendingApproval, error) {
	var doc approvalsDoc
	if err := a.store.Load(approvalsDocName, &doc); err != nil {
		return nil, err
	}
	for _, p := range doc.Pending {
		if p.Status == StatusPending && p.Type == typ && p.TargetID == targetID {
			return p, nil
		}
	}
	return nil, nil
}

// Latest returns the most recent record for (targetID, typ) in any status.
// Used to honor a past approval after a restart.
func (a *Approvals) Latest(targetID string, typ ApprovalType) (*PendingApproval, error) {
	var doc approvalsDoc
	if err := a.store.Load(approvalsDocName, &doc); err != nil {
		return nil, err
	}
	var latest *PendingApproval
	for _, p := range doc.Pending {
		if p.Type != typ || p.TargetID != targetID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	return latest, nil
}

// Resolve maps a command target token (record id, @handle, bare handle or
// raw id) to a still-pending record.
func (a *Approvals) Resolve(token string) (*PendingApproval, error) {
	var doc approvalsDoc
	if err := a.store.Load(approvalsDocName, &doc); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimPrefix(token, "@"))
	for _, p := range doc.Pending {
		if p.Status != StatusPending {
			continue
		}
		if p.ID == token ||
			strings.EqualFold(p.TargetID, needle) ||
			strings.ToLower(p.TargetUsername) == needle {
			return p, nil
		}
	}
	return nil, nil
}

// ListPending returns all pending records, oldest first.
func (a *Approvals) ListPending() ([]*PendingApproval, error) {
	var doc approvalsDoc
	if err := a.store.Load(approvalsDocName, &doc); err != nil {
		return nil, err
	}
	var out []*PendingApproval
	for _, p := range doc.Pending {
		if p.Status == StatusPending {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Decide marks a pending record approved or denied. Deciding an already
// terminal record is an error.
func (a *Approvals) Decide(id string, status ApprovalStatus, decidedBy string) (*PendingApproval, error) {
	if status != StatusApproved && status != StatusDenied {
		return nil, fmt.Errorf("invalid decision status %q", status)
	}

	var doc approvalsDoc
	if err := a.store.Load(approvalsDocName, &doc); err != nil {
		return nil, err
	}
	for _, p := range doc.Pending {
		if p.ID != id {
			continue
		}
		if p.Status != StatusPending {
			return nil, fmt.Errorf("approval %s already %s", id, p.Status)
		}
		now := a.now()
		p.Status = status
		p.DecidedBy = decidedBy
		p.DecidedAt = &now
		if err := a.save(&doc); err != nil {
			return nil, err
		}
		a.logger.Info("approval decided", "id", id, "status", status, "by", decidedBy)
		return p, nil
	}
	return nil, fmt.Errorf("approval %s not found", id)
}

// TrackNotification records a (room, message) pair whose reactions act as
// decision controls for the approval.
func (a *Approvals) TrackNotification(id, roomID, messageID string) error {
	var doc approvalsDoc
	if err := a.store.Load(approvalsDocName, &doc); err != nil {
		return err
	}
	for _, p := range doc.Pending {
		if p.ID == id {
			p.NotifyMessages = append(p.NotifyMessages, NotifyMessage{RoomID: roomID, MessageID: messageID})
			return a.save(&doc)
		}
	}
	return fmt.Errorf("approval %s not found", id)
}

// FindByNotification resolves a tracked notification message back to its
// pending approval.
func (a *Approvals) FindByNotification(messageID string) (*PendingApproval, error) {
	var doc approvalsDoc
	if err := a.store.Load(approvalsDocName, &doc); err != nil {
		return nil, err
	}
	for _, p := range doc.Pending {
		if p.Status != StatusPending {
			continue
		}
		for _, nm := range p.NotifyMessages {
			if nm.MessageID == messageID {
				return p, nil
			}
		}
	}
	return nil, nil
}

// SweepExpired transitions pending records past their ExpiresAt to expired
// and returns the newly expired records.
func (a *Approvals) SweepExpired() ([]*PendingApproval, error) {
	var doc approvalsDoc
	if err := a.store.Load(approvalsDocName, &doc); err != nil {
		return nil, err
	}

	now := a.now()
	var expired []*PendingApproval
	for _, p := range doc.Pending {
		if p.Status == StatusPending && p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
			p.Status = StatusExpired
			p.DecidedAt = &now
			expired = append(expired, p)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	a.prune(&doc)
	if err := a.save(&doc); err != nil {
		return nil, err
	}
	a.logger.Info("expired pending approvals", "count", len(expired))
	return expired, nil
}

func (a *Approvals) save(doc *approvalsDoc) error {
	doc.Version = docVersion
	return a.store.Save(approvalsDocName, doc)
}

// prune drops the oldest completed records beyond maxCompleted. Pending
// records are never pruned.
func (a *Approvals) prune(doc *approvalsDoc) {
	var completed []*PendingApproval
	for _, p := range doc.Pending {
		if p.Status != StatusPending {
			completed = append(completed, p)
		}
	}
	if len(completed) <= maxCompleted {
		return
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].CreatedAt.Before(completed[j].CreatedAt) })
	drop := make(map[string]bool)
	for _, p := range completed[:len(completed)-maxCompleted] {
		drop[p.ID] = true
	}

	kept := doc.Pending[:0]
	for _, p := range doc.Pending {
		if !drop[p.ID] {
			kept = append(kept, p)
		}
	}
	doc.Pending = kept
}

// newToken returns a short random hex token.
func newToken(byteLength int) string {
	b := make([]byte, byteLength)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		panic(err)
	}
	return hex.EncodeToString(b)
}
