package repeat

import (
	"sync"
	"time"
)

// windowSize is how many trailing message texts are kept per group. A streak
// is the window filled with one text, so 3 means "third identical message in
// a row triggers".
const windowSize = 3

// groupState is the per-group sliding window plus the lock that serializes
// the whole observe/decide/emit pipeline for that group. Locking is per group
// so one group's blocking send never stalls another group's detection.
type groupState struct {
	mu       sync.Mutex
	window   []string
	lastSeen time.Time
}

// streak reports whether appending text would be the windowSize-th identical
// message in a row: the last two stored entries both equal text.
// The caller must hold mu.
func (g *groupState) streak(text string) bool {
	n := len(g.window)
	if n < windowSize-1 {
		return false
	}
	return g.window[n-1] == text && g.window[n-2] == text
}

// push appends text, evicting the oldest entry when the window is full.
// The caller must hold mu.
func (g *groupState) push(text string) {
	g.window = append(g.window, text)
	if len(g.window) > windowSize {
		g.window = g.window[1:]
	}
}

// groups is the lazily populated group-id -> state map.
type groups struct {
	mu sync.Mutex
	m  map[string]*groupState
}

func newGroups() *groups {
	return &groups{m: map[string]*groupState{}}
}

func (gs *groups) get(groupID string) *groupState {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	g, ok := gs.m[groupID]
	if !ok {
		g = &groupState{}
		gs.m[groupID] = g
	}
	return g
}

// prune drops whole windows for groups silent since before cutoff, so the map
// stays bounded over long uptimes. Live streaks are never trimmed: a group is
// only removed when every entry in its window predates cutoff.
func (gs *groups) prune(cutoff time.Time) int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	removed := 0
	for id, g := range gs.m {
		g.mu.Lock()
		idle := g.lastSeen.Before(cutoff)
		g.mu.Unlock()
		if idle {
			delete(gs.m, id)
			removed++
		}
	}
	return removed
}

func (gs *groups) len() int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return len(gs.m)
}
