package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/approval"
)

// Verdict is the engine's classification of an inbound message.
type Verdict int

const (
	// VerdictDrop discards the message silently.
	VerdictDrop Verdict = iota
	// VerdictDefer means a notice was sent and state recorded; the message
	// itself is not forwarded.
	VerdictDefer
	// VerdictForward hands the message to the agent pipeline.
	VerdictForward
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictDefer:
		return "defer"
	case VerdictForward:
		return "forward"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Message is a decoded inbound chat message.
type Message struct {
	ID             string
	RoomID         string
	IsDirect       bool
	SenderID       string
	SenderName     string
	SenderUsername string
	Text           string
	// Mentions holds the usernames @mentioned in the message.
	Mentions []string
	ThreadID string
}

// Reaction is an emoji added to a message.
type Reaction struct {
	MessageID string
	RoomID    string
	Emoji     string
	UserID    string
	Username  string
}

// Sender posts a message into a room and returns the new message id.
// Send failures inside the engine are logged and do not abort the decision.
type Sender interface {
	SendMessage(ctx context.Context, roomID, text string) (string, error)
}

// Reactor sets an emoji reaction on a message. The engine acknowledges
// reaction-based decisions by marking the notice message, so approvers
// watching the channel can see the reaction was acted on.
type Reactor interface {
	SetReaction(ctx context.Context, emoji, messageID string, react bool) error
}

// ackEmoji marks a notice whose reaction decision has been applied.
const ackEmoji = ":ok_hand:"

// Engine evaluates the layered access-control pipeline for one account.
type Engine struct {
	cfg         *PolicyConfig
	botUsername string
	resolver    *Resolver
	allow       *approval.AllowLists
	approvals   *approval.Approvals
	pairing     *approval.Pairing
	roomUsers   *approval.RoomUsers
	sender      Sender
	reactor     Reactor
	logger      *slog.Logger

	// seenReactions dedupes (messageId, emoji, principal) triples so a
	// re-delivered reaction state applies each decision at most once. The
	// set is bounded; the oldest key is evicted FIFO on overflow.
	mu            sync.Mutex
	seenReactions map[string]bool
	seenOrder     []string
	seenNext      int
}

// seenReactionCap bounds the reaction dedup set for long-running daemons.
const seenReactionCap = 512

// EngineDeps bundles the engine's collaborators.
type EngineDeps struct {
	Config      *PolicyConfig
	BotUsername string
	Resolver    *Resolver
	AllowLists  *approval.AllowLists
	Approvals   *approval.Approvals
	Pairing     *approval.Pairing
	RoomUsers   *approval.RoomUsers
	Sender      Sender
	// Reactor is optional; without one decisions are simply not acknowledged.
	Reactor Reactor
	Logger  *slog.Logger
}

// NewEngine creates an access-control engine.
func NewEngine(d EngineDeps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d.Config.ApplyDefaults()
	return &Engine{
		cfg:           d.Config,
		botUsername:   d.BotUsername,
		resolver:      d.Resolver,
		allow:         d.AllowLists,
		approvals:     d.Approvals,
		pairing:       d.Pairing,
		roomUsers:     d.RoomUsers,
		sender:        d.Sender,
		reactor:       d.Reactor,
		logger:        logger.With("component", "access"),
		seenReactions: make(map[string]bool),
	}
}

// Evaluate runs msg through every applicable layer and returns the verdict.
// Side effects (notices, store mutations) happen before returning; only a
// VerdictForward message reaches the agent.
func (e *Engine) Evaluate(ctx context.Context, msg *Message) (Verdict, error) {
	sender := Principal{ID: msg.SenderID, Username: msg.SenderUsername}

	if msg.IsDirect {
		v, err := e.evalDM(ctx, msg, sender)
		if err != nil || v != VerdictForward {
			return v, err
		}
	} else {
		v, err := e.evalRoom(ctx, msg, sender)
		if err != nil || v != VerdictForward {
			return v, err
		}
	}

	// Approval command interception: approvers administering the bot from a
	// DM or a notify channel. Recognized commands never reach the agent, and
	// are honored with or without an @mention.
	if msg.IsDirect || e.cfg.NotifyChannel(msg.RoomID) {
		if cmd, ok := approval.ParseCommand(e.strippedText(msg)); ok && e.isApprover(ctx, sender) {
			e.executeCommand(ctx, msg, cmd)
			return VerdictDefer, nil
		}
	}

	// Response mode filters the remaining room traffic. Unconfigured rooms
	// answer mentions only.
	if !msg.IsDirect {
		mode := e.cfg.Room(msg.RoomID).ResponseMode
		if mode == "" {
			mode = ResponseMentionOnly
		}
		if mode == ResponseMentionOnly && !e.mentioned(msg) {
			return VerdictDrop, nil
		}
	}

	return VerdictForward, nil
}

// evalDM applies the DM policy layer.
func (e *Engine) evalDM(ctx context.Context, msg *Message, sender Principal) (Verdict, error) {
	switch e.cfg.DMPolicy {
	case DMPolicyOpen:
		return VerdictForward, nil

	case DMPolicyDisabled:
		return VerdictDrop, nil

	case DMPolicyAllowlist, DMPolicyPairing, DMPolicyOwnerApproval:
		// Approvers always reach the bot, allow-listed or not. Without this
		// an approver's "approve <code>" DM would be gated at this layer and
		// pairing codes could never be redeemed in-band.
		if e.isApprover(ctx, sender) {
			return VerdictForward, nil
		}
		allowed, err := e.dmAllowed(ctx, sender)
		if err != nil {
			return VerdictDrop, err
		}
		if allowed {
			return VerdictForward, nil
		}
		switch e.cfg.DMPolicy {
		case DMPolicyAllowlist:
			return VerdictDrop, nil
		case DMPolicyPairing:
			return e.dmPairing(ctx, msg)
		default:
			return e.dmOwnerApproval(ctx, msg)
		}

	default:
		e.logger.Warn("unknown dm policy, dropping", "policy", e.cfg.DMPolicy)
		return VerdictDrop, nil
	}
}

// dmAllowed checks the static allowFrom patterns and the durable DM
// allow-list.
func (e *Engine) dmAllowed(ctx context.Context, sender Principal) (bool, error) {
	if e.resolver.Matches(ctx, sender, e.cfg.AllowFrom) {
		return true, nil
	}
	return e.allow.Contains(approval.ListDM, sender.ID, sender.Username)
}

// dmPairing issues or refreshes the sender's pairing request. The code reply
// is sent exactly once per fresh request.
func (e *Engine) dmPairing(ctx context.Context, msg *Message) (Verdict, error) {
	req, fresh, err := e.pairing.Touch(msg.SenderID, msg.SenderName, msg.SenderUsername)
	if err != nil {
		return VerdictDrop, err
	}
	if fresh {
		e.send(ctx, msg.RoomID, approval.PairingReply(req.Code))
	}
	return VerdictDefer, nil
}

// dmOwnerApproval runs the owner-approval flow for an unknown DM sender.
func (e *Engine) dmOwnerApproval(ctx context.Context, msg *Message) (Verdict, error) {
	latest, err := e.approvals.Latest(msg.SenderID, approval.ApprovalDM)
	if err != nil {
		return VerdictDrop, err
	}
	if latest != nil {
		switch latest.Status {
		case approval.StatusApproved:
			// Approved earlier (possibly before a restart): admit and remember.
			if err := e.allow.Add(approval.ListDM, msg.SenderID, msg.SenderUsername); err != nil {
				return VerdictDrop, err
			}
			return VerdictForward, nil
		case approval.StatusPending:
			// Already waiting; stay silent.
			if _, _, err := e.approvals.Create(e.dmCreateRequest(msg)); err != nil {
				return VerdictDrop, err
			}
			return VerdictDrop, nil
		}
	}

	p, created, err := e.approvals.Create(e.dmCreateRequest(msg))
	if err != nil {
		return VerdictDrop, err
	}
	if created {
		e.notifyApprovers(ctx, p)
		e.send(ctx, msg.RoomID, approval.WaitingReply())
	}
	return VerdictDefer, nil
}

func (e *Engine) dmCreateRequest(msg *Message) approval.CreateRequest {
	return approval.CreateRequest{
		Type:              approval.ApprovalDM,
		TargetID:          msg.SenderID,
		TargetName:        msg.SenderName,
		TargetUsername:    msg.SenderUsername,
		RequesterID:       msg.SenderID,
		RequesterName:     msg.SenderName,
		RequesterUsername: msg.SenderUsername,
		ReplyRoomID:       msg.RoomID,
		Timeout:           e.cfg.OwnerApproval.Timeout.Std(),
	}
}

// evalRoom applies the group policy and the per-room user ACL.
func (e *Engine) evalRoom(ctx context.Context, msg *Message, sender Principal) (Verdict, error) {
	v, err := e.evalGroupPolicy(ctx, msg, sender)
	if err != nil || v != VerdictForward {
		return v, err
	}

	rc := e.cfg.Room(msg.RoomID)
	if rc.Gated() {
		return e.evalRoomACL(ctx, msg, sender, rc)
	}
	return VerdictForward, nil
}

// evalGroupPolicy gates the room itself, analogously to the DM policy but
// keyed on room identity.
func (e *Engine) evalGroupPolicy(ctx context.Context, msg *Message, sender Principal) (Verdict, error) {
	switch e.cfg.GroupPolicy {
	case GroupPolicyOpen:
		return VerdictForward, nil

	case GroupPolicyDisabled:
		return VerdictDrop, nil

	case GroupPolicyAllowlist, GroupPolicyOwnerApproval:
		// The approval channel itself is never gated out.
		if e.cfg.NotifyChannel(msg.RoomID) {
			return VerdictForward, nil
		}
		for _, r := range e.cfg.GroupAllowFrom {
			if r == msg.RoomID {
				return VerdictForward, nil
			}
		}
		allowed, err := e.allow.Contains(approval.ListRooms, msg.RoomID)
		if err != nil {
			return VerdictDrop, err
		}
		if allowed {
			return VerdictForward, nil
		}
		if e.cfg.GroupPolicy == GroupPolicyAllowlist {
			return VerdictDrop, nil
		}
		return e.roomOwnerApproval(ctx, msg)

	default:
		e.logger.Warn("unknown group policy, dropping", "policy", e.cfg.GroupPolicy)
		return VerdictDrop, nil
	}
}

// roomOwnerApproval runs the owner-approval flow for an ungated room.
func (e *Engine) roomOwnerApproval(ctx context.Context, msg *Message) (Verdict, error) {
	latest, err := e.approvals.Latest(msg.RoomID, approval.ApprovalRoom)
	if err != nil {
		return VerdictDrop, err
	}
	req := approval.CreateRequest{
		Type:              approval.ApprovalRoom,
		TargetID:          msg.RoomID,
		RequesterID:       msg.SenderID,
		RequesterName:     msg.SenderName,
		RequesterUsername: msg.SenderUsername,
		ReplyRoomID:       msg.RoomID,
		Timeout:           e.cfg.OwnerApproval.Timeout.Std(),
	}
	if latest != nil {
		switch latest.Status {
		case approval.StatusApproved:
			if err := e.allow.Add(approval.ListRooms, msg.RoomID); err != nil {
				return VerdictDrop, err
			}
			return VerdictForward, nil
		case approval.StatusPending:
			if _, _, err := e.approvals.Create(req); err != nil {
				return VerdictDrop, err
			}
			return VerdictDrop, nil
		}
	}

	p, created, err := e.approvals.Create(req)
	if err != nil {
		return VerdictDrop, err
	}
	if created {
		e.notifyApprovers(ctx, p)
		e.send(ctx, msg.RoomID, approval.WaitingReply())
	}
	return VerdictDefer, nil
}

// evalRoomACL enforces the per-room user ACL. Room approvers (and global
// approvers) may issue room-scoped admin commands, which short-circuit.
func (e *Engine) evalRoomACL(ctx context.Context, msg *Message, sender Principal, rc RoomConfig) (Verdict, error) {
	global := e.isApprover(ctx, sender)
	roomApprover := global || e.resolver.Matches(ctx, sender, rc.RoomApprovers)

	if roomApprover {
		if cmd, ok := approval.ParseCommand(e.strippedText(msg)); ok {
			switch cmd.Kind {
			case approval.CmdRoomApprove, approval.CmdRoomDeny, approval.CmdRoomList:
				e.executeRoomCommand(ctx, msg, cmd)
				return VerdictDefer, nil
			}
		}
		return VerdictForward, nil
	}

	interactable := e.resolver.Matches(ctx, sender, rc.CanInteract)
	if !interactable {
		approved, err := e.roomUsers.IsApproved(msg.RoomID, sender.ID, sender.Username)
		if err != nil {
			return VerdictDrop, err
		}
		interactable = approved
	}
	if interactable {
		return VerdictForward, nil
	}

	if e.mentioned(msg) && rc.OnMentionUnauthorized == MentionUnauthorizedReply {
		e.send(ctx, msg.RoomID, approval.NotAuthorizedReply())
		return VerdictDefer, nil
	}
	return VerdictDrop, nil
}

// executeCommand runs a parsed approve/deny/list command and replies in the
// conversation it arrived in.
func (e *Engine) executeCommand(ctx context.Context, msg *Message, cmd approval.Command) {
	switch cmd.Kind {
	case approval.CmdList:
		pending, err := e.approvals.ListPending()
		if err != nil {
			e.logger.Warn("list pending failed", "error", err)
			return
		}
		codes, err := e.pairing.List()
		if err != nil {
			e.logger.Warn("list pairing failed", "error", err)
			return
		}
		e.send(ctx, msg.RoomID, approval.PendingList(pending, codes))

	case approval.CmdApprove, approval.CmdDeny:
		status := approval.StatusApproved
		if cmd.Kind == approval.CmdDeny {
			status = approval.StatusDenied
		}
		targets := cmd.Targets
		if len(targets) == 0 {
			// Bare yes/no applies to the single outstanding request.
			pending, err := e.approvals.ListPending()
			if err != nil || len(pending) != 1 {
				e.send(ctx, msg.RoomID, "Specify a target: approve <user|id>.")
				return
			}
			targets = []string{pending[0].ID}
		}

		lines := make([]string, 0, len(targets))
		for _, target := range targets {
			lines = append(lines, e.decideTarget(ctx, target, status, msg.SenderUsername))
		}
		e.send(ctx, msg.RoomID, strings.Join(lines, "\n"))

	case approval.CmdRoomApprove, approval.CmdRoomDeny, approval.CmdRoomList:
		// Room commands are only meaningful inside a gated room; from a DM or
		// notify channel there is no room context to administer.
		e.send(ctx, msg.RoomID, "Room commands only work inside the room they administer.")
	}
}

// decideTarget resolves one command target, applies the decision, and
// returns the per-target report line.
func (e *Engine) decideTarget(ctx context.Context, target string, status approval.ApprovalStatus, decidedBy string) string {
	p, err := e.approvals.Resolve(target)
	if err != nil {
		return approval.DecisionLine(target, status, err)
	}
	if p != nil {
		if err := e.applyDecision(ctx, p, status, decidedBy); err != nil {
			return approval.DecisionLine(target, status, err)
		}
		return approval.DecisionLine(p.Display(), status, nil)
	}

	// Not a pending record: an approve target may be a pairing code.
	if status == approval.StatusApproved {
		req, err := e.pairing.Redeem(strings.ToUpper(strings.TrimSpace(target)))
		if err != nil {
			return approval.DecisionLine(target, status, err)
		}
		if req != nil {
			if err := e.allow.Add(approval.ListDM, req.ID, req.Username); err != nil {
				return approval.DecisionLine(target, status, err)
			}
			who := req.Username
			if who == "" {
				who = req.ID
			}
			return approval.DecisionLine("@"+who, status, nil)
		}
	}
	return approval.NoPendingLine(target)
}

// applyDecision mutates the record and performs the decision side effects:
// allow-list membership on approve and the optional requester notice.
func (e *Engine) applyDecision(ctx context.Context, p *approval.PendingApproval, status approval.ApprovalStatus, decidedBy string) error {
	decided, err := e.approvals.Decide(p.ID, status, decidedBy)
	if err != nil {
		return err
	}

	if status == approval.StatusApproved {
		list := approval.ListDM
		if decided.Type == approval.ApprovalRoom {
			list = approval.ListRooms
		}
		if err := e.allow.Add(list, decided.TargetID, decided.TargetUsername); err != nil {
			return err
		}
	}

	if decided.ReplyRoomID != "" {
		switch {
		case status == approval.StatusApproved && e.cfg.OwnerApproval.NotifyOnApprove:
			e.send(ctx, decided.ReplyRoomID, approval.ApprovedNotice(decided))
		case status == approval.StatusDenied && e.cfg.OwnerApproval.NotifyOnDeny:
			e.send(ctx, decided.ReplyRoomID, approval.DeniedNotice(decided))
		}
	}
	return nil
}

// executeRoomCommand runs room-approve/room-deny/room-list in msg's room.
func (e *Engine) executeRoomCommand(ctx context.Context, msg *Message, cmd approval.Command) {
	switch cmd.Kind {
	case approval.CmdRoomList:
		users, err := e.roomUsers.List(msg.RoomID)
		if err != nil {
			e.logger.Warn("room-list failed", "room", msg.RoomID, "error", err)
			return
		}
		e.send(ctx, msg.RoomID, approval.RoomUserList(users))

	case approval.CmdRoomApprove:
		lines := make([]string, 0, len(cmd.Targets))
		for _, target := range cmd.Targets {
			handle := strings.TrimPrefix(target, "@")
			added, err := e.roomUsers.Approve(msg.RoomID, "", handle, msg.SenderUsername)
			switch {
			case err != nil:
				lines = append(lines, approval.DecisionLine(target, approval.StatusApproved, err))
			case added:
				lines = append(lines, approval.DecisionLine(target, approval.StatusApproved, nil))
			default:
				lines = append(lines, fmt.Sprintf("%s: already approved", target))
			}
		}
		e.send(ctx, msg.RoomID, strings.Join(lines, "\n"))

	case approval.CmdRoomDeny:
		lines := make([]string, 0, len(cmd.Targets))
		for _, target := range cmd.Targets {
			removed, err := e.roomUsers.Deny(msg.RoomID, target)
			switch {
			case err != nil:
				lines = append(lines, approval.DecisionLine(target, approval.StatusDenied, err))
			case removed:
				lines = append(lines, approval.DecisionLine(target, approval.StatusDenied, nil))
			default:
				lines = append(lines, fmt.Sprintf("%s: not in room list", target))
			}
		}
		e.send(ctx, msg.RoomID, strings.Join(lines, "\n"))
	}
}

// Emoji vocabularies mapping tracked-notification reactions to decisions.
var (
	approveEmojis = map[string]bool{
		":white_check_mark:": true,
		":heavy_check_mark:": true,
		":thumbsup:":         true,
		":+1:":               true,
	}
	denyEmojis = map[string]bool{
		":x:":                           true,
		":negative_squared_cross_mark:": true,
		":thumbsdown:":                  true,
		":-1:":                          true,
	}
)

// HandleReaction resolves a reaction on a tracked notification message to an
// approve/deny decision. Each (messageId, emoji, principal) triple is
// processed at most once; the first authorized reaction on a message wins.
func (e *Engine) HandleReaction(ctx context.Context, r Reaction) error {
	key := r.MessageID + "|" + r.Emoji + "|" + r.UserID + "|" + r.Username
	e.mu.Lock()
	if e.seenReactions[key] {
		e.mu.Unlock()
		return nil
	}
	if len(e.seenOrder) < seenReactionCap {
		e.seenOrder = append(e.seenOrder, key)
	} else {
		delete(e.seenReactions, e.seenOrder[e.seenNext])
		e.seenOrder[e.seenNext] = key
		e.seenNext = (e.seenNext + 1) % seenReactionCap
	}
	e.seenReactions[key] = true
	e.mu.Unlock()

	var status approval.ApprovalStatus
	switch {
	case approveEmojis[r.Emoji]:
		status = approval.StatusApproved
	case denyEmojis[r.Emoji]:
		status = approval.StatusDenied
	default:
		return nil
	}

	p, err := e.approvals.FindByNotification(r.MessageID)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}

	if !e.isApprover(ctx, Principal{ID: r.UserID, Username: r.Username}) {
		return nil
	}

	decidedBy := r.Username
	if decidedBy == "" {
		decidedBy = r.UserID
	}
	if err := e.applyDecision(ctx, p, status, decidedBy); err != nil {
		return err
	}
	if e.reactor != nil {
		if err := e.reactor.SetReaction(ctx, ackEmoji, r.MessageID, true); err != nil {
			e.logger.Warn("decision ack failed", "message", r.MessageID, "error", err)
		}
	}
	return nil
}

// isApprover checks the sender against the configured approver patterns.
func (e *Engine) isApprover(ctx context.Context, p Principal) bool {
	return e.resolver.Matches(ctx, p, e.cfg.OwnerApproval.Approvers)
}

// notifyApprovers posts the request notice into every notify channel and
// tracks the resulting messages for reaction-based decisions. One notice per
// channel, exactly once per newly created request.
func (e *Engine) notifyApprovers(ctx context.Context, p *approval.PendingApproval) {
	text := approval.RequestNotice(p)
	for _, roomID := range e.cfg.OwnerApproval.NotifyChannels {
		msgID, err := e.sender.SendMessage(ctx, roomID, text)
		if err != nil {
			e.logger.Warn("approval notice failed", "room", roomID, "error", err)
			continue
		}
		if err := e.approvals.TrackNotification(p.ID, roomID, msgID); err != nil {
			e.logger.Warn("tracking approval notice failed", "approval", p.ID, "error", err)
		}
	}
}

// mentioned reports whether msg @mentions the bot.
func (e *Engine) mentioned(msg *Message) bool {
	for _, m := range msg.Mentions {
		if strings.EqualFold(m, e.botUsername) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(msg.Text), "@"+strings.ToLower(e.botUsername))
}

// strippedText returns the message text with a leading bot mention removed,
// so "@bot approve x" parses the same as "approve x".
func (e *Engine) strippedText(msg *Message) string {
	text := strings.TrimSpace(msg.Text)
	prefix := "@" + e.botUsername
	if len(text) >= len(prefix) && strings.EqualFold(text[:len(prefix)], prefix) {
		text = strings.TrimSpace(text[len(prefix):])
	}
	return text
}

// send posts text into roomID, logging failures. A failed notice never
// aborts a policy decision.
func (e *Engine) send(ctx context.Context, roomID, text string) {
	if _, err := e.sender.SendMessage(ctx, roomID, text); err != nil {
		e.logger.Warn("send failed", "room", roomID, "error", err)
	}
}
