// Package transcript merges streamed transcription segment events into a
// single ordered, deduplicated transcript.
package transcript

import (
	"sort"
	"sync"

	"github.com/voxops/call-reconciler/internal/observability"
	"github.com/voxops/call-reconciler/internal/role"
	"github.com/voxops/call-reconciler/internal/transport"
)

// Item is one externally visible transcript entry.
type Item struct {
	SegmentID           string    `json:"segmentId"`
	Speaker             string    `json:"speaker"`
	Role                role.Role `json:"role"`
	Text                string    `json:"text"`
	Final               bool      `json:"final"`
	FirstReceivedTimeMs int64     `json:"firstReceivedTimeMs"`
}

// Labeler resolves a participant identity into a role and display label for
// speaker attribution. It is called per segment so attribution always
// reflects current room state.
type Labeler func(identity string) (role.Role, string)

// Subscriber receives the full ordered transcript after every change.
type Subscriber func(snapshot []Item)

// Reconciler holds the segment map for one session. Transport delivery is
// goroutine-based, so all mutation happens under a mutex. Each session owns
// exactly one Reconciler; nothing else mutates it.
type Reconciler struct {
	mu      sync.Mutex
	label   Labeler
	entries map[string]*Item
	order   []*Item // insertion order, position preserved across upserts
	subs    []Subscriber
	ticks   chan struct{}
}

// New creates an empty Reconciler using label for speaker attribution.
func New(label Labeler) *Reconciler {
	return &Reconciler{
		label:   label,
		entries: make(map[string]*Item),
		ticks:   make(chan struct{}, 1),
	}
}

// Subscribe registers fn to receive the ordered transcript on every change.
// Subscribers are invoked synchronously, in registration order, while the
// applying goroutine runs.
func (r *Reconciler) Subscribe(fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// RenderTicks returns a channel that receives a signal after every change,
// coalescing bursts. UI render loops select on it.
func (r *Reconciler) RenderTicks() <-chan struct{} {
	return r.ticks
}

// Apply merges a batch of segment events into the transcript.
//
// Upsert semantics: a new segment id is appended; a known id is overwritten
// in place, keeping its original insertion position and its first-received
// timestamp. A final segment is the
// terminal value for its id; a later interim for the same id is dropped.
// Malformed segments (empty id or non-positive timestamp) are skipped
// without touching existing state.
func (r *Reconciler) Apply(segments []transport.SegmentEvent, sourceIdentity string) {
	r.mu.Lock()

	changed := false
	for _, seg := range segments {
		if seg.SegmentID == "" || seg.FirstReceivedMs <= 0 {
			observability.RecordSegmentDropped("malformed")
			continue
		}

		identity := seg.ParticipantIdentity
		if identity == "" {
			identity = sourceIdentity
		}
		segRole, speaker := r.label(identity)

		if existing, ok := r.entries[seg.SegmentID]; ok {
			if existing.Final && !seg.IsFinal {
				// finals are sticky
				observability.RecordSegmentDropped("final_sticky")
				continue
			}
			// The ordering key is the first arrival; revisions replace
			// text and finality only.
			existing.Speaker = speaker
			existing.Role = segRole
			existing.Text = seg.Text
			existing.Final = seg.IsFinal
		} else {
			item := &Item{
				SegmentID:           seg.SegmentID,
				Speaker:             speaker,
				Role:                segRole,
				Text:                seg.Text,
				Final:               seg.IsFinal,
				FirstReceivedTimeMs: seg.FirstReceivedMs,
			}
			r.entries[seg.SegmentID] = item
			r.order = append(r.order, item)
		}
		observability.RecordSegmentApplied(seg.IsFinal)
		changed = true
	}

	if !changed {
		r.mu.Unlock()
		return
	}

	snapshot := r.materializeLocked()
	subs := make([]Subscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}

	select {
	case r.ticks <- struct{}{}:
	default:
	}
}

// Snapshot returns the current ordered transcript.
func (r *Reconciler) Snapshot() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.materializeLocked()
}

// Len returns the number of known segments.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// materializeLocked builds the externally visible transcript: all segment
// values sorted ascending by first-received timestamp. Starting from
// insertion order and sorting stably makes ties keep first-insertion order
// across every re-render.
func (r *Reconciler) materializeLocked() []Item {
	out := make([]Item, len(r.order))
	for i, e := range r.order {
		out[i] = *e
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FirstReceivedTimeMs < out[j].FirstReceivedTimeMs
	})
	return out
}
