package supervisor

import (
	"strings"

	"github.com/wgst88w/Gemini-CLI-UI/internal/attachments"
)

// DefaultModel is used for new sessions when neither the request nor the
// configuration names one.
const DefaultModel = "gemini-2.5-pro"

// ArgsInput is everything the CLI argument vector depends on.
type ArgsInput struct {
	Command string
	// Context is the rendered conversation history, empty for a first turn.
	Context    string
	ImagePaths []string
	Debug      bool
	// MCPConfigPath is set only when MCP servers were detected.
	MCPConfigPath   string
	NewSession      bool
	Model           string
	SkipPermissions bool
}

// HasPrompt reports whether the command carries a prompt. An empty command
// starts the CLI in interactive mode.
func HasPrompt(command string) bool {
	return strings.TrimSpace(command) != ""
}

// BuildArgs returns the CLI arguments in a fixed order. It has no side
// effects. Allowed and disallowed tool lists have no CLI equivalent and are
// never part of the result.
func BuildArgs(in ArgsInput) []string {
	var args []string

	if HasPrompt(in.Command) {
		prompt := in.Context + in.Command + attachments.ReferenceBlock(in.ImagePaths)
		args = append(args, "--prompt", prompt)
	}

	if in.Debug {
		args = append(args, "--debug")
	}

	if in.MCPConfigPath != "" {
		args = append(args, "--mcp-config", in.MCPConfigPath)
	}

	if in.NewSession {
		model := in.Model
		if model == "" {
			model = DefaultModel
		}
		args = append(args, "--model", model)
	}

	if in.SkipPermissions {
		args = append(args, "--yolo")
	}

	return args
}
