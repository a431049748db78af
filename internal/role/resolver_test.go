package role

import (
	"testing"

	"github.com/voxops/call-reconciler/internal/transport"
)

func TestResolve(t *testing.T) {
	r := NewResolver("agent.state", "agent-")

	remotes := []transport.Participant{
		{Identity: "agent-7f3", Attributes: map[string]string{"agent.state": "listening"}},
		{Identity: "caller-1", Name: "Dana"},
	}

	tests := []struct {
		name     string
		identity string
		want     Role
	}{
		{"local identity is user", "web-abc", User},
		{"remote with agent marker", "agent-7f3", Agent},
		{"remote human", "caller-1", User},
		{"unknown remote defaults to user", "mystery-guest", User},
		{"unknown remote with agent prefix", "agent-cold-start", Agent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.identity, "web-abc", remotes)
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.identity, got, tt.want)
			}
		})
	}
}

func TestResolve_MarkerWinsOverMissingPrefix(t *testing.T) {
	r := NewResolver("agent.state", "agent-")

	// Agent joined under a non-conventional identity but published its state
	// attribute; the attribute is authoritative.
	remotes := []transport.Participant{
		{Identity: "sip-bridge-2", Attributes: map[string]string{"agent.state": "speaking"}},
	}

	if got := r.Resolve("sip-bridge-2", "web-abc", remotes); got != Agent {
		t.Errorf("Resolve() = %q, want %q", got, Agent)
	}
}

func TestResolve_PrefixFallbackWhenAttributeAbsent(t *testing.T) {
	r := NewResolver("agent.state", "agent-")

	// Roster knows the participant but the attribute bag never propagated.
	remotes := []transport.Participant{
		{Identity: "agent-9a1"},
	}

	if got := r.Resolve("agent-9a1", "web-abc", remotes); got != Agent {
		t.Errorf("Resolve() = %q, want %q", got, Agent)
	}
}

func TestResolve_LocalIdentityWithAgentPrefix(t *testing.T) {
	r := NewResolver("agent.state", "agent-")

	// Local identity always resolves to user, even with a confusing name.
	if got := r.Resolve("agent-local", "agent-local", nil); got != User {
		t.Errorf("Resolve() = %q, want %q", got, User)
	}
}

func TestHasAgentMarker(t *testing.T) {
	r := NewResolver("agent.state", "agent-")

	tests := []struct {
		name string
		p    transport.Participant
		want bool
	}{
		{"marker present", transport.Participant{Identity: "a", Attributes: map[string]string{"agent.state": "idle"}}, true},
		{"marker empty value", transport.Participant{Identity: "a", Attributes: map[string]string{"agent.state": ""}}, false},
		{"no attributes", transport.Participant{Identity: "a"}, false},
		{"other attributes only", transport.Participant{Identity: "a", Attributes: map[string]string{"region": "eu"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.HasAgentMarker(tt.p); got != tt.want {
				t.Errorf("HasAgentMarker() = %v, want %v", got, tt.want)
			}
		})
	}
}
