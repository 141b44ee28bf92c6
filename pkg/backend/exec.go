package backend

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"loom/pkg/protocol"
)

// ExecBackend runs a local CLI model (llama.cpp, ollama run, a wrapper
// script) as a subprocess per generation. The prompt is written to the
// process's stdin; stdout is the generated text.
type ExecBackend struct {
	// Command is the binary to invoke.
	Command string

	// Args are fixed arguments prepended before every invocation.
	Args []string

	// Dir is the working directory; empty inherits the caller's.
	Dir string

	// Role labels errors from this backend. Defaults to local.
	Role protocol.BackendRole
}

// NewExecBackend creates a local subprocess backend.
func NewExecBackend(command string, args ...string) *ExecBackend {
	return &ExecBackend{Command: command, Args: args, Role: protocol.BackendLocal}
}

func (b *ExecBackend) role() protocol.BackendRole {
	if b.Role == "" {
		return protocol.BackendLocal
	}
	return b.Role
}

// Generate implements worker.Generator. The subprocess is bound to ctx
// and killed on cancellation; a non-zero exit is reported as a
// retryable backend error, since local model servers fail transiently
// far more often than permanently.
func (b *ExecBackend) Generate(ctx context.Context, prompt string) (protocol.GenResult, error) {
	cmd := exec.CommandContext(ctx, b.Command, b.Args...)
	cmd.Dir = b.Dir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return protocol.GenResult{}, &protocol.BackendError{
			Backend: b.role(), Retryable: false,
			Msg: "start " + b.Command + ": " + err.Error(),
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return protocol.GenResult{}, ctx.Err()
		}
		msg := err.Error()
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += ": " + s
		}
		return protocol.GenResult{}, &protocol.BackendError{
			Backend: b.role(), Retryable: true, Msg: msg,
		}
	}

	text, needs := normalize(stdout.String())
	return protocol.GenResult{Text: text, NeedsContext: needs}, nil
}
