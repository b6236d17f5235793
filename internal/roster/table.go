// Package roster tracks which participants are currently present in the
// room. Full snapshots from the presence feed are authoritative; joins and
// leaves in between are applied incrementally.
package roster

import (
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventJoined   EventType = "joined"
	EventLeft     EventType = "left"
	EventSnapshot EventType = "snapshot"
)

type Event struct {
	Type        EventType
	Participant *domain.Participant // set for joined/left
	Snapshot    []domain.Participant
}

type Table struct {
	mu        sync.Mutex
	entries   map[domain.ParticipantID]domain.Participant
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{
		entries: make(map[domain.ParticipantID]domain.Participant),
	}
}

// ApplySnapshot replaces the whole table with the given set. Every snapshot
// from the feed is treated as the truth about who is in the room.
func (t *Table) ApplySnapshot(parts []domain.Participant) {
	t.mu.Lock()
	t.entries = make(map[domain.ParticipantID]domain.Participant, len(parts))
	for _, p := range parts {
		p.Online = true
		t.entries[p.ID] = p
	}
	snap := t.snapshotLocked()
	t.notifyLocked(Event{Type: EventSnapshot, Snapshot: snap})
	t.mu.Unlock()
	log.Debug().Str("module", "roster").Int("count", len(parts)).Msg("snapshot applied")
}

func (t *Table) Join(p domain.Participant) {
	p.Online = true
	t.mu.Lock()
	t.entries[p.ID] = p
	t.notifyLocked(Event{Type: EventJoined, Participant: &p})
	t.mu.Unlock()
	log.Info().Str("module", "roster").Str("participant", string(p.ID)).Msg("joined")
}

func (t *Table) Leave(id domain.ParticipantID) {
	t.mu.Lock()
	p, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	p.Online = false
	t.notifyLocked(Event{Type: EventLeft, Participant: &p})
	t.mu.Unlock()
	log.Info().Str("module", "roster").Str("participant", string(id)).Msg("left")
}

func (t *Table) Get(id domain.ParticipantID) (domain.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	return p, ok
}

// Online returns everyone currently present, the local participant included
// if the feed reports it.
func (t *Table) Online() []domain.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Table) snapshotLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, p)
	}
	return out
}

func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notifyLocked(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
