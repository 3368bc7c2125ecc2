// Package notify holds short-lived flash messages for the user.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	applog "receiptflow/internal/log"
)

type FlashType string

const (
	Success FlashType = "success"
	Error   FlashType = "error"
	Warning FlashType = "warning"
)

const DefaultTTL = 5 * time.Second

type FlashMessage struct {
	ID        string
	Type      FlashType
	Message   string
	Timestamp time.Time
}

// Sink keeps flash messages in insertion order and drops each one after its
// TTL. Messages are not deduplicated.
type Sink struct {
	mu     sync.Mutex
	ttl    time.Duration
	items  []FlashMessage
	timers map[string]*time.Timer
	subs   map[int]chan []FlashMessage
	nextID int
	now    func() time.Time
	logger *applog.Logger
}

func NewSink(ttl time.Duration, logger *applog.Logger) *Sink {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Sink{
		ttl:    ttl,
		timers: make(map[string]*time.Timer),
		subs:   make(map[int]chan []FlashMessage),
		now:    time.Now,
		logger: logger.WithComponent(applog.ComponentNotify),
	}
}

// Add appends a message and returns its id.
func (s *Sink) Add(t FlashType, message string) string {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, FlashMessage{ID: id, Type: t, Message: message, Timestamp: s.now()})
	s.timers[id] = time.AfterFunc(s.ttl, func() { s.Remove(id) })
	s.logger.Debug("Flash added", "flash_id", id, "type", string(t))
	s.publishLocked()
	return id
}

// Remove drops a message. Unknown ids are ignored.
func (s *Sink) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, m := range s.items {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.publishLocked()
}

func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	if len(s.items) == 0 {
		return
	}
	s.items = nil
	s.publishLocked()
}

// List returns the live messages, oldest first. Entries past their TTL are
// hidden even if the expiry timer has not fired yet.
func (s *Sink) List() []FlashMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel receiving the message list after every change
// and a function that ends the subscription. A slow reader only sees the
// latest snapshot.
func (s *Sink) Subscribe() (<-chan []FlashMessage, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.nextID
	s.nextID++
	ch := make(chan []FlashMessage, 1)
	s.subs[key] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, key)
			close(ch)
		})
	}
}

func (s *Sink) snapshotLocked() []FlashMessage {
	now := s.now()
	out := make([]FlashMessage, 0, len(s.items))
	for _, m := range s.items {
		if now.Sub(m.Timestamp) < s.ttl {
			out = append(out, m)
		}
	}
	return out
}

func (s *Sink) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// replace the unread snapshot with the newer one
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
