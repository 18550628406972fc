// Package sessionkey implements the canonical conversation identifier
// used to route inbound messages, admit runs, and persist session
// state. A SessionKey is an opaque string with two recognized shapes;
// all functions here are pure.
package sessionkey

import "strings"

// Kind identifies which canonical shape a parsed key has.
type Kind string

const (
	KindChannelPeer Kind = "channel_peer"
	KindAgentMain   Kind = "agent_main"
	KindOpaque      Kind = "opaque"
)

// PeerKind identifies the kind of conversation target on a channel.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// Parsed is the structured form of a SessionKey.
type Parsed struct {
	Kind      Kind
	ChannelID string
	AccountID string
	PeerKind  PeerKind
	PeerID    string
	ThreadID  string // empty if absent
	AgentID   string
	Raw       string
}

// Key is the canonical string form. It is immutable; its fields (once
// parsed) are the authoritative routing identity. Equality is
// byte-equality on the string.
type Key string

// String returns the canonical string form.
func (k Key) String() string { return string(k) }

// Parse never fails. An unrecognized shape parses to {Kind: opaque, Raw: s}.
func Parse(s string) Parsed {
	switch {
	case strings.HasPrefix(s, "channel_peer:"):
		return parseChannelPeer(s)
	case strings.HasPrefix(s, "agent_main:"):
		rest := strings.TrimPrefix(s, "agent_main:")
		if rest == "" {
			return Parsed{Kind: KindOpaque, Raw: s}
		}
		return Parsed{Kind: KindAgentMain, AgentID: rest, Raw: s}
	default:
		return Parsed{Kind: KindOpaque, Raw: s}
	}
}

func parseChannelPeer(s string) Parsed {
	// channel_peer:<channel>:<account>:<kind>:<peer>[:<thread>]
	parts := strings.Split(s, ":")
	// parts[0] == "channel_peer"
	if len(parts) < 5 || len(parts) > 6 {
		return Parsed{Kind: KindOpaque, Raw: s}
	}
	channel, account, kindStr, peer := parts[1], parts[2], parts[3], parts[4]
	if channel == "" || account == "" || peer == "" {
		return Parsed{Kind: KindOpaque, Raw: s}
	}
	var kind PeerKind
	switch kindStr {
	case string(PeerDM):
		kind = PeerDM
	case string(PeerGroup):
		kind = PeerGroup
	case string(PeerChannel):
		kind = PeerChannel
	default:
		return Parsed{Kind: KindOpaque, Raw: s}
	}
	thread := ""
	if len(parts) == 6 {
		thread = parts[5]
		if thread == "" {
			return Parsed{Kind: KindOpaque, Raw: s}
		}
	}
	return Parsed{
		Kind:      KindChannelPeer,
		ChannelID: channel,
		AccountID: account,
		PeerKind:  kind,
		PeerID:    peer,
		ThreadID:  thread,
		Raw:       s,
	}
}

// MakeChannelPeer builds the canonical channel_peer form. thread is
// omitted from the string when empty.
func MakeChannelPeer(channel, account string, kind PeerKind, peer, thread string) Key {
	s := "channel_peer:" + channel + ":" + account + ":" + string(kind) + ":" + peer
	if thread != "" {
		s += ":" + thread
	}
	return Key(s)
}

// MakeAgentMain builds the canonical agent_main form for a standalone,
// non-channel session.
func MakeAgentMain(agentID string) Key {
	return Key("agent_main:" + agentID)
}

// AgentID returns the agent id for an agent_main key, or "default"
// for any other shape (including channel_peer keys, which route to
// an agent via a separate binding table rather than the key itself).
func AgentID(key Key) string {
	p := Parse(string(key))
	if p.Kind == KindAgentMain {
		return p.AgentID
	}
	return "default"
}

// Valid reports whether key parses to a recognized (non-opaque) kind.
func Valid(key Key) bool {
	return Parse(string(key)).Kind != KindOpaque
}
