// Package agent runs the external agent runtime. The only built-in runner
// shells out to a configured executable per request; anything that satisfies
// pipeline.Agent can replace it.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/pipeline"
)

// Command executes one process per forwarded message. The message text
// arrives on stdin, request metadata in ROCKETCLAW_* environment variables,
// and stdout streams back as reply chunks split on blank lines, so each
// paragraph becomes its own chat message.
type Command struct {
	path    string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommand creates a process-per-request runner. A zero timeout means no
// limit beyond the caller's context.
func NewCommand(path string, args []string, timeout time.Duration, logger *slog.Logger) *Command {
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{
		path:    path,
		args:    args,
		timeout: timeout,
		logger:  logger.With("component", "agent"),
	}
}

// Run implements pipeline.Agent.
func (c *Command) Run(ctx context.Context, req pipeline.AgentRequest) (<-chan pipeline.Chunk, error) {
	cancel := func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = strings.NewReader(req.Text)
	cmd.Env = append(os.Environ(),
		"ROCKETCLAW_ACCOUNT="+req.Account,
		"ROCKETCLAW_ROOM_ID="+req.RoomID,
		"ROCKETCLAW_MESSAGE_ID="+req.MessageID,
		"ROCKETCLAW_THREAD_ID="+req.ThreadID,
		"ROCKETCLAW_SENDER_ID="+req.SenderID,
		"ROCKETCLAW_SENDER_USERNAME="+req.SenderUsername,
		fmt.Sprintf("ROCKETCLAW_IS_DIRECT=%t", req.IsDirect),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	cmd.Stderr = os.Stderr
	// On timeout the kill reaches only the direct child; anything it spawned
	// may still hold the stdout write end. Closing our read end unblocks the
	// scanner regardless.
	cmd.Cancel = func() error {
		err := cmd.Process.Kill()
		stdout.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent: %w", err)
	}

	out := make(chan pipeline.Chunk)
	go func() {
		defer close(out)
		defer cancel()

		var para strings.Builder
		flush := func() {
			text := strings.TrimSpace(para.String())
			para.Reset()
			if text != "" {
				out <- pipeline.Chunk{Text: text}
			}
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				flush()
				continue
			}
			if para.Len() > 0 {
				para.WriteByte('\n')
			}
			para.WriteString(line)
		}
		flush()

		if err := scanner.Err(); err != nil {
			out <- pipeline.Chunk{Err: fmt.Errorf("read agent output: %w", err)}
			_ = cmd.Wait()
			return
		}
		if err := cmd.Wait(); err != nil {
			out <- pipeline.Chunk{Err: fmt.Errorf("agent exited: %w", err)}
		}
	}()
	return out, nil
}
