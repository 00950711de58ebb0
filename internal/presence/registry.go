package presence

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a participant id is not registered.
var ErrNotFound = errors.New("participant not found")

// Role describes what a participant is allowed to do in a transfer.
type Role uint8

const (
	RoleSender Role = 1 << iota
	RoleReceiver
)

// RoleBoth marks a participant that can act as either side.
const RoleBoth = RoleSender | RoleReceiver

func (r Role) CanSend() bool    { return r&RoleSender != 0 }
func (r Role) CanReceive() bool { return r&RoleReceiver != 0 }

// Participant is a connected (or recently connected) user of the transfer core.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Roles       Role      `json:"roles"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
}

// Event is emitted whenever a participant's online state changes.
type Event struct {
	Participant Participant
	At          time.Time
}

const numShards = 16

type shard struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

// Registry tracks connected participants and their online state. Writes are
// serialized per shard so unrelated participants never contend on one lock.
type Registry struct {
	shards [numShards]*shard

	watchMu  sync.RWMutex
	watchers []func(Event)
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{participants: make(map[string]*Participant)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%numShards]
}

// Watch registers a callback invoked on every presence change. Callbacks run
// outside the shard lock and must not block for long.
func (r *Registry) Watch(fn func(Event)) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	r.watchers = append(r.watchers, fn)
}

func (r *Registry) notify(p Participant) {
	ev := Event{Participant: p, At: time.Now()}
	r.watchMu.RLock()
	watchers := r.watchers
	r.watchMu.RUnlock()
	for _, fn := range watchers {
		fn(ev)
	}
}

// Register adds a participant or updates an existing one. Re-registering the
// same id is idempotent: the last write wins for display name and roles, while
// the online flag is only ever moved by SetOnline.
func (r *Registry) Register(p Participant) {
	s := r.shardFor(p.ID)
	s.mu.Lock()
	existing, ok := s.participants[p.ID]
	if ok {
		existing.DisplayName = p.DisplayName
		existing.Roles = p.Roles
		existing.LastSeen = time.Now()
	} else {
		np := p
		np.Online = false
		np.LastSeen = time.Now()
		s.participants[p.ID] = &np
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"participant_id": p.ID,
		"display_name":   p.DisplayName,
	}).Debug("Participant registered")
}

// SetOnline flips a participant's connectivity state and emits a presence
// event when the state actually changed.
func (r *Registry) SetOnline(id string, online bool) error {
	s := r.shardFor(id)
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	changed := p.Online != online
	p.Online = online
	p.LastSeen = time.Now()
	snapshot := *p
	s.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"participant_id": id,
			"online":         online,
		}).Info("Presence changed")
		r.notify(snapshot)
	}
	return nil
}

// Lookup returns a copy of the participant's current record.
func (r *Registry) Lookup(id string) (Participant, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return *p, nil
}

// IsOnline reports whether the participant is registered and currently online.
func (r *Registry) IsOnline(id string) bool {
	p, err := r.Lookup(id)
	return err == nil && p.Online
}

// ListOnline returns a snapshot of every online participant.
func (r *Registry) ListOnline() []Participant {
	out := make([]Participant, 0)
	for _, s := range r.shards {
		s.mu.RLock()
		for _, p := range s.participants {
			if p.Online {
				out = append(out, *p)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
