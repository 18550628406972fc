package runproc

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nugget/agentgate/internal/agentevent"
)

const previewMaxLen = 60
const truncateDisplayLen = 500

// classify maps a tool name to the action kind used for display.
func classify(name string) agentevent.ActionKind {
	switch name {
	case "Bash":
		return agentevent.ActionCommand
	case "Read":
		return agentevent.ActionTool
	case "Write", "Edit":
		return agentevent.ActionFileChange
	case "Glob", "Grep":
		return agentevent.ActionTool
	case "WebSearch", "WebFetch":
		return agentevent.ActionWebSearch
	case "Task":
		return agentevent.ActionSubagent
	default:
		return agentevent.ActionTool
	}
}

// preview builds a short human title for a tool invocation from its
// name and arguments.
func preview(name string, args map[string]any) string {
	switch name {
	case "Bash":
		cmd, _ := args["command"].(string)
		line := cmd
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		return "$ " + truncateRunes(line, previewMaxLen-2)
	case "Read":
		path, _ := args["file_path"].(string)
		return "Read " + filepath.Base(path)
	case "Edit":
		path, _ := args["file_path"].(string)
		return "Edit " + filepath.Base(path)
	case "Write":
		path, _ := args["file_path"].(string)
		return "Write " + filepath.Base(path)
	case "Grep":
		pattern, _ := args["pattern"].(string)
		return "Grep " + truncateRunes(pattern, previewMaxLen-5)
	case "Glob":
		pattern, _ := args["pattern"].(string)
		return "Glob " + truncateRunes(pattern, previewMaxLen-5)
	case "WebSearch", "WebFetch":
		q, _ := args["query"].(string)
		if q == "" {
			q, _ = args["url"].(string)
		}
		return name + " " + truncateRunes(q, previewMaxLen-len(name)-1)
	case "Task":
		desc, _ := args["description"].(string)
		return "Task " + truncateRunes(desc, previewMaxLen-5)
	default:
		return name
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n < 0 {
		n = 0
	}
	return string(r[:n])
}

// truncateDisplay truncates s to at most truncateDisplayLen characters
// for display, appending an ellipsis marker when truncated. Callers
// that need the untruncated text keep it separately (e.g. in Detail).
func truncateDisplay(s string) string {
	if len(s) <= truncateDisplayLen {
		return s
	}
	return s[:truncateDisplayLen] + "…"
}

// flattenToolResult joins a structured tool result's blocks into one
// text string, in order, separated by newlines.
func flattenToolResult(blocks []agentevent.ToolResultBlock) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.Text
	}
	return strings.Join(parts, "\n")
}

// formatErrorReason renders an engine error/cancel reason as the
// user-visible completed_error message.
func formatErrorReason(reason string) string {
	return reason
}

func formatCanceledReason(reason string) string {
	return fmt.Sprintf("canceled: %s", reason)
}
