// Package pipeline is the inbound dispatch loop for one account: it consumes
// the realtime event stream, filters and deduplicates messages, runs the
// access-control verdict, and hands forwarded messages to the agent runtime,
// streaming the reply back into the originating room or thread.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/access"
	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/realtime"
)

// AgentRequest carries everything the agent runtime needs to answer one
// forwarded message.
type AgentRequest struct {
	Account        string
	MessageID      string
	RoomID         string
	IsDirect       bool
	ThreadID       string
	SenderID       string
	SenderName     string
	SenderUsername string
	Text           string
}

// Chunk is one piece of a streamed agent reply. A chunk with Err set is
// terminal.
type Chunk struct {
	Text string
	Err  error
}

// Agent is the external runtime boundary. Run returns a channel of reply
// chunks; the channel is closed when the reply is complete. Each chunk is
// delivered as its own message, so the agent controls message boundaries.
type Agent interface {
	Run(ctx context.Context, req AgentRequest) (<-chan Chunk, error)
}

// Session is the slice of the realtime session the pipeline consumes.
type Session interface {
	Events() <-chan realtime.Event
	SendMessage(ctx context.Context, roomID, text string) (string, error)
	SendThreadMessage(ctx context.Context, roomID, threadID, text string) (string, error)
	Typing(ctx context.Context, roomID string, typing bool) error
}

// Evaluator is the access-control surface the pipeline calls.
type Evaluator interface {
	Evaluate(ctx context.Context, msg *access.Message) (access.Verdict, error)
	HandleReaction(ctx context.Context, r access.Reaction) error
}

// Config holds per-account pipeline settings.
type Config struct {
	Account     string
	BotUserID   string
	BotUsername string
	// TypingDelay is how long a reply must take before the typing
	// indicator starts. Short replies never flash the indicator.
	TypingDelay time.Duration
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Session Session
	Engine  Evaluator
	Agent   Agent
	Policy  *access.PolicyConfig
	Dedup   Deduper
	Logger  *slog.Logger
}

// Pipeline dispatches events for one account. Messages are processed one at
// a time, in arrival order.
type Pipeline struct {
	cfg     Config
	session Session
	engine  Evaluator
	agent   Agent
	policy  *access.PolicyConfig
	dedup   Deduper
	logger  *slog.Logger
}

// New creates a pipeline. A nil Dedup gets a default bounded set.
func New(cfg Config, d Deps) *Pipeline {
	if cfg.TypingDelay == 0 {
		cfg.TypingDelay = time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dedup := d.Dedup
	if dedup == nil {
		dedup = NewRingDeduper(512)
	}
	return &Pipeline{
		cfg:     cfg,
		session: d.Session,
		engine:  d.Engine,
		agent:   d.Agent,
		policy:  d.Policy,
		dedup:   dedup,
		logger:  logger.With("component", "pipeline", "account", cfg.Account),
	}
}

// Run consumes the session's event stream until ctx is cancelled or the
// stream ends.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.session.Events():
			if !ok {
				return nil
			}
			p.handleEvent(ctx, ev)
		}
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.ConnectedEvent:
		p.logger.Info("session connected", "session", e.SessionID)
	case realtime.DisconnectedEvent:
		if e.Err != nil {
			p.logger.Warn("session disconnected", "error", e.Err)
		} else {
			p.logger.Info("session disconnected")
		}
	case realtime.ErrorEvent:
		p.logger.Warn("session error", "error", e.Err)
	case realtime.NotifyEvent:
		p.logger.Debug("notify event", "collection", e.Collection, "event", e.EventName)
	case realtime.MessageEvent:
		p.handleMessage(ctx, e.Message)
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, m *realtime.RoomMessage) {
	// Reaction state rides on message updates; decisions apply before any
	// other filter so reactions on the bot's own notices are honored.
	p.applyReactions(ctx, m)

	if m.SenderID == p.cfg.BotUserID {
		return
	}
	if m.SystemType != "" {
		return
	}
	if p.dedup.Seen(m.ID) {
		return
	}

	msg := &access.Message{
		ID:             m.ID,
		RoomID:         m.RoomID,
		IsDirect:       m.IsDirect(),
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderUsername: m.SenderUsername,
		Text:           m.Text,
		Mentions:       m.Mentions,
		ThreadID:       m.ThreadID,
	}
	verdict, err := p.engine.Evaluate(ctx, msg)
	if err != nil {
		p.logger.Warn("access evaluation failed", "message", m.ID, "error", err)
		return
	}
	p.logger.Debug("verdict", "message", m.ID, "room", m.RoomID, "verdict", verdict.String())
	if verdict != access.VerdictForward {
		return
	}

	p.respond(ctx, m)
}

func (p *Pipeline) applyReactions(ctx context.Context, m *realtime.RoomMessage) {
	for emoji, usernames := range m.Reactions {
		for _, username := range usernames {
			if username == p.cfg.BotUsername {
				continue
			}
			r := access.Reaction{
				MessageID: m.ID,
				RoomID:    m.RoomID,
				Emoji:     emoji,
				Username:  username,
			}
			if err := p.engine.HandleReaction(ctx, r); err != nil {
				p.logger.Warn("reaction handling failed", "message", m.ID, "error", err)
			}
		}
	}
}

// respond runs the agent and streams its reply back, bracketed by the typing
// indicator. Delivery failures of individual chunks are logged and the
// stream continues.
func (p *Pipeline) respond(ctx context.Context, m *realtime.RoomMessage) {
	req := AgentRequest{
		Account:        p.cfg.Account,
		MessageID:      m.ID,
		RoomID:         m.RoomID,
		IsDirect:       m.IsDirect(),
		ThreadID:       m.ThreadID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderUsername: m.SenderUsername,
		Text:           m.Text,
	}

	replyThread := p.replyThread(m)

	typing := time.AfterFunc(p.cfg.TypingDelay, func() {
		if err := p.session.Typing(ctx, m.RoomID, true); err != nil {
			p.logger.Debug("typing start failed", "error", err)
		}
	})
	defer func() {
		typing.Stop()
		if err := p.session.Typing(ctx, m.RoomID, false); err != nil {
			p.logger.Debug("typing stop failed", "error", err)
		}
	}()

	stream, err := p.agent.Run(ctx, req)
	if err != nil {
		p.logger.Warn("agent run failed", "message", m.ID, "error", err)
		return
	}
	for chunk := range stream {
		if chunk.Err != nil {
			p.logger.Warn("agent stream failed", "message", m.ID, "error", chunk.Err)
			return
		}
		if chunk.Text == "" {
			continue
		}
		if err := p.deliver(ctx, m.RoomID, replyThread, chunk.Text); err != nil {
			p.logger.Warn("reply delivery failed", "room", m.RoomID, "error", err)
		}
	}
}

// replyThread returns the thread id replies should target, or empty for a
// plain room message. An incoming thread message is always answered in its
// thread; rooms configured with thread reply mode start one off the incoming
// message.
func (p *Pipeline) replyThread(m *realtime.RoomMessage) string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	if m.IsDirect() {
		return ""
	}
	if p.policy != nil && p.policy.Room(m.RoomID).ReplyMode == "thread" {
		return m.ID
	}
	return ""
}

func (p *Pipeline) deliver(ctx context.Context, roomID, threadID, text string) error {
	if threadID != "" {
		_, err := p.session.SendThreadMessage(ctx, roomID, threadID, text)
		return err
	}
	_, err := p.session.SendMessage(ctx, roomID, text)
	return err
}
