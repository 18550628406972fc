package inbound

import (
	"strings"

	"github.com/nugget/agentgate/internal/agentevent"
)

// Queue-mode command prefixes. A message starting with one of these
// (followed by a space or end-of-string) strips the prefix and forces
// that queue_mode for this one submission, overriding the session's
// bound default.
const (
	DirectiveSteer     = "/steer"
	DirectiveFollowup  = "/followup"
	DirectiveInterrupt = "/interrupt"
)

var queueModeDirectives = map[string]agentevent.QueueMode{
	DirectiveSteer:     agentevent.QueueSteer,
	DirectiveFollowup:  agentevent.QueueFollowup,
	DirectiveInterrupt: agentevent.QueueInterrupt,
}

// Engine directive prefixes. A message starting with one of these picks
// the named engine for this one submission, overriding the scope's
// bound engine_id.
var engineDirectives = map[string]string{
	"/claude": "claude",
	"/codex":  "codex",
}

// directives is the outcome of stripping any leading command prefix
// from an inbound message's text.
type directives struct {
	text            string
	queueModeForced agentevent.QueueMode // "" if no override
	engineForced    string               // "" if no override
}

// parseDirectives strips at most one queue-mode prefix and one engine
// prefix (in either order) from the front of text, each followed by a
// space or end-of-string, and returns what remains plus any overrides
// found.
func parseDirectives(text string) directives {
	d := directives{text: text}

	for {
		word, rest, ok := splitDirectiveWord(d.text)
		if !ok {
			break
		}
		if mode, isQueueMode := queueModeDirectives[word]; isQueueMode && d.queueModeForced == "" {
			d.queueModeForced = mode
			d.text = rest
			continue
		}
		if engineID, isEngine := engineDirectives[word]; isEngine && d.engineForced == "" {
			d.engineForced = engineID
			d.text = rest
			continue
		}
		break
	}

	return d
}

// splitDirectiveWord returns the leading "/word" token of text (if
// any), the remainder with it and one following space stripped, and
// whether a token was found at all.
func splitDirectiveWord(text string) (word, rest string, ok bool) {
	trimmed := strings.TrimLeft(text, " ")
	if !strings.HasPrefix(trimmed, "/") {
		return "", text, false
	}
	sp := strings.IndexByte(trimmed, ' ')
	if sp < 0 {
		return trimmed, "", true
	}
	return trimmed[:sp], strings.TrimLeft(trimmed[sp+1:], " "), true
}
