package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/rickchristie/pgguard/internal/safety"
)

// Config is the hook runner's own config type.
type Config struct {
	DefaultTimeout time.Duration
	BeforeExecute  []HookEntry
}

// HookEntry defines a single command-based review hook. The hook runs when
// the query matches Pattern and the batch risk is at least MinRisk.
type HookEntry struct {
	Pattern string
	MinRisk safety.RiskLevel
	Command string
	Args    []string
	Timeout time.Duration // 0 means use DefaultTimeout
}

// Statement is one classified statement as shown to a hook.
type Statement struct {
	SQL        string   `json:"sql"`
	Category   string   `json:"category"`
	Command    string   `json:"command"`
	Risk       string   `json:"risk"`
	ObjectType string   `json:"object_type,omitempty"`
	Schema     string   `json:"schema,omitempty"`
	Schemas    []string `json:"schemas,omitempty"`
}

// Request is written as JSON to the hook's stdin.
type Request struct {
	Query                 string           `json:"query"`
	Mode                  string           `json:"mode"`
	HighestRisk           safety.RiskLevel `json:"highest_risk"`
	HasTransactionControl bool             `json:"has_transaction_control"`
	Statements            []Statement      `json:"statements"`
}

// Response is the JSON a hook prints to stdout. Hooks can only accept or
// reject; they cannot rewrite the query after it has been classified.
type Response struct {
	Accept       bool   `json:"accept"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RejectedError is returned when a hook answers with accept=false.
type RejectedError struct {
	Command string
	Message string
}

func (e *RejectedError) Error() string {
	return e.Message
}

type compiledHook struct {
	pattern *regexp.Regexp
	minRisk safety.RiskLevel
	command string
	args    []string
	timeout time.Duration
}

// Runner executes command-based hooks.
type Runner struct {
	beforeExecute []compiledHook
	logger        zerolog.Logger
}

// NewRunner creates a new Runner. Panics on invalid regex or invalid config.
func NewRunner(config Config, logger zerolog.Logger) *Runner {
	if config.DefaultTimeout <= 0 && len(config.BeforeExecute) > 0 {
		panic("hooks: default_hook_timeout_seconds must be > 0 when hooks are configured")
	}

	compiled := make([]compiledHook, len(config.BeforeExecute))
	for i, e := range config.BeforeExecute {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			panic(fmt.Sprintf("hooks: invalid regex pattern %q: %v", e.Pattern, err))
		}
		if e.Command == "" {
			panic(fmt.Sprintf("hooks: hook with pattern %q has no command", e.Pattern))
		}
		timeout := e.Timeout
		if timeout == 0 {
			timeout = config.DefaultTimeout
		}
		compiled[i] = compiledHook{
			pattern: re,
			minRisk: e.MinRisk,
			command: e.Command,
			args:    e.Args,
			timeout: timeout,
		}
	}

	return &Runner{
		beforeExecute: compiled,
		logger:        logger,
	}
}

// HasHooks returns true if any hooks are configured.
func (r *Runner) HasHooks() bool {
	return len(r.beforeExecute) > 0
}

// RunBeforeExecute runs every matching hook in order. The first rejection or
// failure stops the chain. Returns the commands that ran.
func (r *Runner) RunBeforeExecute(ctx context.Context, req Request) ([]string, error) {
	var executed []string
	var input []byte
	for _, hook := range r.beforeExecute {
		if req.HighestRisk < hook.minRisk || !hook.pattern.MatchString(req.Query) {
			continue
		}
		if input == nil {
			var err error
			input, err = json.Marshal(req)
			if err != nil {
				return executed, fmt.Errorf("failed to encode hook request: %w", err)
			}
		}
		output, err := r.executeHook(ctx, hook, input)
		executed = append(executed, hook.command)
		if err != nil {
			return executed, fmt.Errorf("before_execute hook error: %w", err)
		}

		var resp Response
		if err := json.Unmarshal(output, &resp); err != nil {
			return executed, fmt.Errorf("before_execute hook returned unparseable response (command: %s): %w", hook.command, err)
		}
		if !resp.Accept {
			msg := "query rejected by hook"
			if resp.ErrorMessage != "" {
				msg = resp.ErrorMessage
			}
			return executed, &RejectedError{Command: hook.command, Message: msg}
		}
	}
	return executed, nil
}

// IsRejection reports whether err is a hook answering accept=false, as
// opposed to a hook that failed to run.
func IsRejection(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

func (r *Runner) executeHook(ctx context.Context, hook compiledHook, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, hook.timeout)
	defer cancel()

	// No shell: the command is executed directly with its args.
	cmd := exec.CommandContext(ctx, hook.command, hook.args...)
	cmd.Stdin = bytes.NewReader(input)
	// Grandchildren can hold stdout open after the hook is killed.
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			r.logger.Warn().Str("command", hook.command).Str("stderr", stderr.String()).Msg("hook stderr output")
		}
		// Any failure stops the pipeline: non-zero exit, crash, timeout.
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("hook timed out: %s", hook.command)
		}
		return nil, fmt.Errorf("hook failed (command: %s): %w", hook.command, err)
	}
	if stderr.Len() > 0 {
		r.logger.Debug().Str("command", hook.command).Str("stderr", stderr.String()).Msg("hook stderr output")
	}
	return output, nil
}
