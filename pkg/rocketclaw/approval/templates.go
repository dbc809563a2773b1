// templates.go holds the deterministic message texts sent by the approval
// workflow. Everything here is a pure function so replies are testable
// byte-for-byte.
package approval

import (
	"fmt"
	"strings"
)

// PairingReply is sent once per fresh pairing request.
func PairingReply(code string) string {
	return fmt.Sprintf(
		"Hi! This bot is invite-only. Your pairing code is *%s*. Send it to an administrator to get access.",
		code)
}

// WaitingReply is sent to a requester exactly once when their approval
// request is created.
func WaitingReply() string {
	return "Your request has been sent to the administrators. You will be notified once it is decided."
}

// NotAuthorizedReply is sent on an unauthorized @mention when the room is
// configured to answer them.
func NotAuthorizedReply() string {
	return "You are not authorized to interact with this bot in this room."
}

// RequestNotice is posted into each notify channel when an approval request
// is created. React with a check or cross, or reply `approve`/`deny`.
func RequestNotice(p *PendingApproval) string {
	var b strings.Builder
	switch p.Type {
	case ApprovalRoom:
		fmt.Fprintf(&b, "Room access request: *%s*", p.Display())
		if p.RequesterUsername != "" {
			fmt.Fprintf(&b, " (invited by @%s)", p.RequesterUsername)
		}
	default:
		fmt.Fprintf(&b, "DM access request: *%s*", p.Display())
	}
	fmt.Fprintf(&b, "\nReply `approve %s` or `deny %s`, or react with :white_check_mark: / :x:.", p.ID, p.ID)
	return b.String()
}

// ApprovedNotice tells the requester their request was granted.
func ApprovedNotice(p *PendingApproval) string {
	if p.Type == ApprovalRoom {
		return "This room has been approved. The bot is now active here."
	}
	return "Your access request was approved. You can message the bot now."
}

// DeniedNotice tells the requester their request was rejected.
func DeniedNotice(p *PendingApproval) string {
	if p.Type == ApprovalRoom {
		return "Room access was denied."
	}
	return "Your access request was denied."
}

// DecisionLine reports the outcome for one command target.
func DecisionLine(target string, status ApprovalStatus, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %v", target, err)
	}
	return fmt.Sprintf("%s: %s", target, status)
}

// NoPendingLine reports a target that matched no pending request.
func NoPendingLine(target string) string {
	return fmt.Sprintf("%s: no pending request", target)
}

// PendingList renders the pending approvals and pairing requests for the
// `pending` command.
func PendingList(approvals []*PendingApproval, pairings []*PairingRequest) string {
	if len(approvals) == 0 && len(pairings) == 0 {
		return "No pending requests."
	}
	var b strings.Builder
	if len(approvals) > 0 {
		b.WriteString("Pending approvals:\n")
		for _, p := range approvals {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", p.ID, p.Display(), p.Type)
		}
	}
	if len(pairings) > 0 {
		b.WriteString("Pairing codes:\n")
		for _, r := range pairings {
			who := r.Username
			if who == "" {
				who = r.ID
			}
			fmt.Fprintf(&b, "- %s: %s\n", who, r.Code)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RoomUserList renders the approved users of a room for `room-list`.
func RoomUserList(users []*RoomUser) string {
	if len(users) == 0 {
		return "No approved users in this room."
	}
	var b strings.Builder
	b.WriteString("Approved users:\n")
	for _, u := range users {
		who := u.Username
		if who == "" {
			who = u.UserID
		}
		fmt.Fprintf(&b, "- @%s (approved by %s)\n", who, u.ApprovedBy)
	}
	return strings.TrimRight(b.String(), "\n")
}
