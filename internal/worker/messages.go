package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeswarm/swarm/internal/llm"
)

const systemPromptTemplate = `You are worker %d of a build swarm operating on the project at %s.

You complete exactly one subtask per invocation by calling the available tools.
Read files before editing them. Prefer patch_file for small changes and
write_file only for new files or full rewrites. Never guess at file contents
you have not read. When the subtask is fully done, reply with a short plain
text summary of what you changed and do not call any more tools.

%s`

// buildInitialMessages assembles the system and user turns that seed a
// worker's tool-calling loop: a system prompt fixing the worker's role and
// ground rules, and a user prompt carrying the subtask itself plus whatever
// project context helps it avoid redundant exploration.
func buildInitialMessages(cfg Config, in Input) []llm.Message {
	system := cfg.SystemPrompt
	if system == "" {
		system = fmt.Sprintf(systemPromptTemplate, cfg.WorkerIndex, cfg.RootDir, cfg.Limitations)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Subtask: %s\n\n%s\n", in.Subtask.Title, in.Subtask.Description)

	if in.Subtask.Feedback != "" {
		fmt.Fprintf(&user, "\nReviewer feedback from a previous attempt:\n%s\n", in.Subtask.Feedback)
	}

	if cfg.ProjectTree != "" {
		fmt.Fprintf(&user, "\nProject file tree:\n%s\n", cfg.ProjectTree)
	}

	if in.SiblingSummaries != "" {
		fmt.Fprintf(&user, "\nOther subtasks in this build:\n%s\n", in.SiblingSummaries)
	}

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}
}

// parseArguments decodes a tool call's raw JSON arguments, treating an
// empty string as a tool that takes no arguments rather than an error.
func parseArguments(raw string) (map[string]interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
