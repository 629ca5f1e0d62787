package channel

import (
	"sort"
	"sync"
)

// A TSG is a time-slice group. Its channels share a GPU context and are
// recovered together.
type TSG struct {
	ID uint32

	mu        sync.Mutex
	channels  map[uint32]*Channel
	events    []EventID
	listeners []func(tsg *TSG, ev EventID)
}

// NewTSG creates an empty TSG.
func NewTSG(id uint32) *TSG {
	return &TSG{
		ID:       id,
		channels: make(map[uint32]*Channel),
	}
}

// Bind adds a channel to the TSG.
func (t *TSG) Bind(ch *Channel) {
	t.mu.Lock()
	t.channels[ch.ID] = ch
	t.mu.Unlock()

	ch.setTSG(t)
}

// Unbind removes a channel from the TSG.
func (t *TSG) Unbind(ch *Channel) {
	t.mu.Lock()
	delete(t.channels, ch.ID)
	t.mu.Unlock()

	ch.setTSG(nil)
}

// Channels returns the member channels ordered by id.
func (t *TSG) Channels() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// SetErrorNotifier writes code to the error notifier of every member.
func (t *TSG) SetErrorNotifier(code NotifierCode) {
	for _, ch := range t.Channels() {
		ch.SetErrorNotifier(code)
	}
}

// SetUnserviceable marks every member unserviceable.
func (t *TSG) SetUnserviceable() {
	for _, ch := range t.Channels() {
		ch.SetUnserviceable()
	}
}

// PostEvent records an event and wakes the listeners.
func (t *TSG) PostEvent(ev EventID) {
	t.mu.Lock()
	t.events = append(t.events, ev)
	listeners := t.listeners
	t.mu.Unlock()

	for _, l := range listeners {
		l(t, ev)
	}
}

// Events returns the events posted so far.
func (t *TSG) Events() []EventID {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]EventID(nil), t.events...)
}

// Listen registers a function called on every posted event.
func (t *TSG) Listen(f func(tsg *TSG, ev EventID)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.listeners = append(t.listeners, f)
}
