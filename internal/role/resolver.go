// Package role classifies participants in a call session as the remote
// voice agent or a human user.
package role

import (
	"strings"

	"github.com/voxops/call-reconciler/internal/transport"
)

// Role is the derived classification of a participant. It is computed per
// event from current room state, never stored.
type Role string

const (
	Agent Role = "agent"
	User  Role = "user"
)

// Resolver classifies participant identities. The zero value is not usable;
// construct with NewResolver.
type Resolver struct {
	stateAttribute string
	identityPrefix string
}

// NewResolver creates a Resolver. stateAttribute is the well-known attribute
// key agent processes publish (any non-empty value marks the agent);
// identityPrefix is the naming-convention fallback for rooms where the
// attribute is not propagated.
func NewResolver(stateAttribute, identityPrefix string) *Resolver {
	return &Resolver{
		stateAttribute: stateAttribute,
		identityPrefix: identityPrefix,
	}
}

// Resolve classifies identity against the local identity and the current
// remote roster.
//
// Precedence: the local participant is always User. For remotes, the
// attribute marker is authoritative when present; the identity-prefix
// convention applies only when the matching participant carries no marker
// (or is not in the roster at all). Unknown remotes default to User so a
// second human joining the room is never mistaken for the agent.
func (r *Resolver) Resolve(identity, localIdentity string, remotes []transport.Participant) Role {
	if identity == localIdentity {
		return User
	}

	for _, p := range remotes {
		if p.Identity != identity {
			continue
		}
		if r.HasAgentMarker(p) {
			return Agent
		}
		break
	}

	if r.identityPrefix != "" && strings.HasPrefix(identity, r.identityPrefix) {
		return Agent
	}

	return User
}

// HasAgentMarker reports whether the participant's attribute bag carries the
// agent marker.
func (r *Resolver) HasAgentMarker(p transport.Participant) bool {
	if r.stateAttribute == "" || p.Attributes == nil {
		return false
	}
	return p.Attributes[r.stateAttribute] != ""
}
