package engine

import (
	"context"
	"fmt"
	"time"
)

// tool is one callable entry in a ChatEngine's fixed tool set.
type tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// defaultTools returns ChatEngine's small fixed tool set: enough to
// exercise the tool_execution_* translation table end-to-end without
// pulling in the teacher's full tool registry, which belongs to a
// different domain's capability set.
func defaultTools() []tool {
	return []tool{
		{
			Name:        "echo",
			Description: "Echo the given text back unchanged.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []string{"text"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				text, _ := args["text"].(string)
				return text, nil
			},
		},
		{
			Name:        "clock",
			Description: "Return the current UTC time in RFC3339 format.",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
		},
		{
			Name:        "delegate",
			Description: "Stub for delegating a sub-task to another agent. Always reports unimplemented.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{"type": "string"},
				},
				"required": []string{"task"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				task, _ := args["task"].(string)
				return "", fmt.Errorf("delegate: not implemented (task %q)", task)
			},
		},
	}
}

func toolDefs(tools []tool) []map[string]any {
	defs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Schema,
			},
		})
	}
	return defs
}

func findTool(tools []tool, name string) (tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return tool{}, false
}
