// Package alert holds the latest driver alert and fans changes out to observers.
package alert

import (
	"slices"
	"sync"
	"time"

	"adas-system/driver-monitor/internal/models"
)

// Board is the single "latest alert" cell. Each published alert replaces the
// previous one outright; nothing is merged.
type Board struct {
	mu        sync.Mutex
	latest    models.Alert
	listeners []func(models.Alert)
	subs      map[int]chan models.Alert
	nextID    int
	now       func() time.Time
}

func NewBoard() *Board {
	return &Board{
		subs: make(map[int]chan models.Alert),
		now:  time.Now,
	}
}

// Publish replaces the latest alert with commands. An empty list clears it.
func (b *Board) Publish(commands []string) {
	b.set(slices.Clone(commands))
}

// Clear drops the latest alert.
func (b *Board) Clear() {
	b.set(nil)
}

func (b *Board) set(commands []string) {
	b.mu.Lock()
	if len(commands) == 0 && !b.latest.Active() {
		b.mu.Unlock()
		return
	}
	b.latest = models.Alert{Commands: commands, UpdatedAt: b.now()}
	snapshot := b.latest
	listeners := slices.Clone(b.listeners)
	for _, ch := range b.subs {
		offer(ch, snapshot)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Latest returns a copy of the current alert.
func (b *Board) Latest() models.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.latest
	a.Commands = slices.Clone(a.Commands)
	return a
}

// OnChange registers fn to be called synchronously after every change.
// fn must not block.
func (b *Board) OnChange(fn func(models.Alert)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Subscribe returns a channel carrying the newest alert. A slow reader only
// ever sees the freshest value, never a backlog.
func (b *Board) Subscribe() (<-chan models.Alert, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.Alert, 1)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// offer overwrites the mailbox's pending value, if any.
func offer(ch chan models.Alert, a models.Alert) {
	select {
	case <-ch:
	default:
	}
	ch <- a
}
