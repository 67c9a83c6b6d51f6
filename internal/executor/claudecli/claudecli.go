// Package claudecli runs tasks through the Claude Code command line tool,
// consuming its stream-json output line by line.
package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"agentd/internal/executor"
	"agentd/pkg/logx"
)

const (
	defaultCommand  = "claude"
	defaultMaxTurns = 50

	// Stream lines can carry whole file contents.
	maxLineBytes = 4 << 20
)

type Runner struct {
	command  string
	maxTurns int
	log      logx.Logger
}

type Option func(*Runner)

func WithCommand(cmd string) Option {
	return func(r *Runner) {
		if strings.TrimSpace(cmd) != "" {
			r.command = cmd
		}
	}
}

func WithMaxTurns(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

func New(log logx.Logger, opts ...Option) *Runner {
	r := &Runner{
		command:  defaultCommand,
		maxTurns: defaultMaxTurns,
		log:      log.With(logx.String("component", "claudecli")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// streamLine is the subset of the CLI's stream-json schema we consume.
type streamLine struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
}

func (r *Runner) Run(ctx context.Context, req executor.Request, emit func(executor.StreamEvent)) (string, error) {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.maxTurns
	}

	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(maxTurns),
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.AllowedTools, ","))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = req.WorkingDir
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", r.command, err)
	}
	r.log.Debug("executor started", logx.Int("pid", cmd.Process.Pid), logx.Int("max_turns", maxTurns))

	var (
		result    string
		resultErr error
		sawResult bool
	)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev streamLine
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			r.log.Trace("skipping non-json stream line", logx.Int("len", len(line)))
			continue
		}
		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						emit(executor.StreamEvent{Kind: "text", Text: block.Text})
					}
				case "tool_use":
					emit(executor.StreamEvent{Kind: "tool_use", Tool: block.Name})
				}
			}
		case "result":
			sawResult = true
			result = ev.Result
			if ev.IsError {
				resultErr = fmt.Errorf("executor reported failure: %s", truncate(ev.Result, 500))
			}
		}
	}
	scanErr := sc.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if resultErr != nil {
		return "", resultErr
	}
	if waitErr != nil {
		return "", fmt.Errorf("%s exited: %w", r.command, waitErr)
	}
	if scanErr != nil {
		return "", fmt.Errorf("read %s output: %w", r.command, scanErr)
	}
	if !sawResult {
		return "", errors.New("executor stream ended without a result")
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
