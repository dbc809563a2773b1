// Package access implements the layered access-control pipeline of
// rocketclaw: the approver/role resolver and the decision engine that gates
// every inbound message through DM policy, group policy, per-room user ACLs
// and the in-band approval workflow.
package access

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration reads YAML durations written as strings like "30m" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DMPolicy gates messages arriving in direct conversations.
type DMPolicy string

const (
	DMPolicyOpen          DMPolicy = "open"
	DMPolicyDisabled      DMPolicy = "disabled"
	DMPolicyAllowlist     DMPolicy = "allowlist"
	DMPolicyPairing       DMPolicy = "pairing"
	DMPolicyOwnerApproval DMPolicy = "owner-approval"
)

// GroupPolicy gates rooms (non-direct conversations), keyed on room identity.
type GroupPolicy string

const (
	GroupPolicyOpen          GroupPolicy = "open"
	GroupPolicyDisabled      GroupPolicy = "disabled"
	GroupPolicyAllowlist     GroupPolicy = "allowlist"
	GroupPolicyOwnerApproval GroupPolicy = "owner-approval"
)

// ResponseMode filters which messages from interactable senders are answered.
type ResponseMode string

const (
	ResponseAlways      ResponseMode = "always"
	ResponseMentionOnly ResponseMode = "mention-only"
)

// MentionUnauthorized selects the behavior when a non-interactable sender
// @mentions the bot.
type MentionUnauthorized string

const (
	MentionUnauthorizedIgnore MentionUnauthorized = "ignore"
	MentionUnauthorizedReply  MentionUnauthorized = "reply"
)

// OwnerApprovalConfig configures the in-band approval workflow.
type OwnerApprovalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Approvers are patterns (@handle, role:<name>, bare id or handle) for
	// principals allowed to decide requests.
	Approvers []string `yaml:"approvers"`
	// NotifyChannels are room ids that receive the request notices.
	NotifyChannels  []string      `yaml:"notifyChannels"`
	NotifyOnApprove bool          `yaml:"notifyOnApprove"`
	NotifyOnDeny    bool          `yaml:"notifyOnDeny"`
	// Timeout expires undecided requests. Zero keeps them pending forever.
	Timeout Duration `yaml:"timeout"`
}

// RoomConfig is the per-room ACL surface.
type RoomConfig struct {
	ResponseMode ResponseMode `yaml:"responseMode"`
	// CanInteract is a static pattern list of principals allowed to interact.
	CanInteract []string `yaml:"canInteract"`
	// RoomApprovers may issue room-approve/room-deny/room-list in this room.
	RoomApprovers         []string            `yaml:"roomApprovers"`
	OnMentionUnauthorized MentionUnauthorized `yaml:"onMentionUnauthorized"`
	// ReplyMode is "room" or "thread".
	ReplyMode string `yaml:"replyMode"`
}

// Gated reports whether the room defines its own user ACL; rooms without one
// skip the per-room layer entirely.
func (rc RoomConfig) Gated() bool {
	return len(rc.CanInteract) > 0 || len(rc.RoomApprovers) > 0
}

// PolicyConfig is the complete per-account access-control configuration.
type PolicyConfig struct {
	DMPolicy       DMPolicy              `yaml:"dmPolicy"`
	GroupPolicy    GroupPolicy           `yaml:"groupPolicy"`
	AllowFrom      []string              `yaml:"allowFrom"`
	GroupAllowFrom []string              `yaml:"groupAllowFrom"`
	OwnerApproval  OwnerApprovalConfig   `yaml:"ownerApproval"`
	Rooms          map[string]RoomConfig `yaml:"rooms"`
}

// ApplyDefaults fills unset policy values.
func (pc *PolicyConfig) ApplyDefaults() {
	if pc.DMPolicy == "" {
		pc.DMPolicy = DMPolicyOpen
	}
	if pc.GroupPolicy == "" {
		pc.GroupPolicy = GroupPolicyOpen
	}
}

// Room returns the configuration for roomID, or a zero config when the room
// is not explicitly configured.
func (pc *PolicyConfig) Room(roomID string) RoomConfig {
	if rc, ok := pc.Rooms[roomID]; ok {
		return rc
	}
	return RoomConfig{}
}

// NotifyChannel reports whether roomID is an owner-approval notify channel.
// Notify channels are always treated as allow-listed so the approval channel
// itself is never gated out.
func (pc *PolicyConfig) NotifyChannel(roomID string) bool {
	for _, c := range pc.OwnerApproval.NotifyChannels {
		if c == roomID {
			return true
		}
	}
	return false
}
