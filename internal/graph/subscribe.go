package graph

import (
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Subscription is one registered observer of graph mutations.
type Subscription struct {
	g      *ContextGraph
	fn     func(State)
	once   sync.Once
	active atomic.Bool

	// mu serialises deliveries; last is the highest version delivered.
	mu   sync.Mutex
	last uint64
}

// Unsubscribe stops further notifications. It is idempotent and may be
// called from inside the callback itself.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.active.Store(false)
		s.g.removeSubscriber(s)
	})
}

// Subscribe registers fn to be called synchronously, with an immutable
// state, after every mutation. fn must not call a mutating method.
func (g *ContextGraph) Subscribe(fn func(State)) *Subscription {
	s := &Subscription{g: g, fn: fn}
	s.active.Store(true)

	g.subMu.Lock()
	g.subscribers = append(g.subscribers, s)
	g.subMu.Unlock()
	return s
}

// SubscriberCount returns the number of live subscriptions.
func (g *ContextGraph) SubscriberCount() int {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	return len(g.subscribers)
}

func (g *ContextGraph) removeSubscriber(s *Subscription) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	g.subscribers = slices.DeleteFunc(g.subscribers, func(x *Subscription) bool { return x == s })
}

// publish delivers state to a copy of the observer list, so observers may
// unsubscribe while being notified. Mutators publish after releasing the
// graph lock, so two of them can race here; deliver sorts that out.
func (g *ContextGraph) publish(state *State) {
	if state == nil {
		return
	}
	g.subMu.Lock()
	subs := slices.Clone(g.subscribers)
	g.subMu.Unlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		g.deliver(s, *state)
	}
}

// deliver hands state to one subscriber unless a newer state already
// reached it.
func (g *ContextGraph) deliver(s *Subscription, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Version <= s.last {
		return
	}
	s.last = state.Version
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("subscriber panicked", zap.Any("panic", r))
		}
	}()
	s.fn(state)
}

// stateLocked bumps the version and builds the immutable view for
// subscribers. It returns nil when nobody is listening. Must be called with
// the write lock held, once per mutation.
func (g *ContextGraph) stateLocked() *State {
	g.version++
	if g.SubscriberCount() == 0 {
		return nil
	}
	st := g.snapshotStateLocked()
	return &st
}

func (g *ContextGraph) snapshotStateLocked() State {
	return State{
		Nodes:       g.nodeListLocked(),
		Edges:       g.edgeListLocked(),
		FocusedIDs:  sortedKeys(g.focused),
		Maturity:    g.maturity,
		PluginID:    g.pluginID,
		LastUpdated: g.lastUpdated,
		SignalCount: g.signalCount,
		Version:     g.version,
	}
}

// State returns the current immutable view of the graph.
func (g *ContextGraph) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotStateLocked()
}
