package resilience

import "sync"

// Group hands out one breaker per key, created on first use with shared
// settings. The IPC bridge keys it by capability namespace.
type Group struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewGroup(settings Settings) *Group {
	return &Group{settings: settings, breakers: map[string]*Breaker{}}
}

func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[key]; ok {
		return b
	}
	b := New(key, g.settings)
	g.breakers[key] = b
	return b
}

// States snapshots every breaker's state by key
func (g *Group) States() map[string]State {
	g.mu.Lock()
	snapshot := make(map[string]*Breaker, len(g.breakers))
	for k, b := range g.breakers {
		snapshot[k] = b
	}
	g.mu.Unlock()

	out := make(map[string]State, len(snapshot))
	for k, b := range snapshot {
		out[k] = b.State()
	}
	return out
}
