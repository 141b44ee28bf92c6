package worker

import (
	"fmt"
	"strings"

	"loom/pkg/protocol"
)

// BuildPrompt renders an event into the prompt sent to a backend. The
// shape is deliberately plain: an instruction line, the structural
// scope when one was resolved, then any attached file payloads fenced
// for the model. Output-format requirements are spelled out at the end
// so the confidence scorer's leak checks have teeth.
func BuildPrompt(ev protocol.Event) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task (%s): %s\n", ev.Intent, ev.Instruction)
	fmt.Fprintf(&b, "Target file: %s\n", ev.Target())

	if ev.Scope != nil && ev.Scope.Kind != protocol.ScopeFile {
		fmt.Fprintf(&b, "Scope: %s %s (lines %d-%d)\n",
			ev.Scope.Kind, ev.Scope.Name, ev.Scope.StartLine, ev.Scope.EndLine)
	}

	for _, att := range ev.Attachments {
		fmt.Fprintf(&b, "\nAttached %s:\n```\n%s\n```\n", att.Name, att.Content)
	}

	b.WriteString("\nRespond with code only. No prose, no markdown fences, no tool calls.\n")
	return b.String()
}
