// Package outbox queues messages written while offline and resends them
// when connectivity returns.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/4xmen/basemapp/internal/client/api"
	"github.com/4xmen/basemapp/internal/models"
)

var (
	ErrQueueFull     = errors.New("outbox is full")
	ErrAlreadyQueued = errors.New("message already queued")
)

const flushConcurrency = 8

// Entry is a queued send. ClientID is the temp message id it confirms.
type Entry struct {
	ClientID    string
	ChatID      string
	Content     string
	MessageType string
	RepliedTo   *string
	Attempts    int
	LastError   string
	EnqueuedAt  time.Time

	inFlight bool
}

func (e Entry) request() api.SendMessageRequest {
	return api.SendMessageRequest{
		ChatID:      e.ChatID,
		Content:     e.Content,
		MessageType: e.MessageType,
		ClientID:    e.ClientID,
		RepliedTo:   e.RepliedTo,
	}
}

// Sender delivers one message; *api.Client satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, req api.SendMessageRequest) (*models.Message, error)
}

type Delivered struct {
	Entry   Entry
	Message *models.Message
}

type Dropped struct {
	Entry Entry
	Err   error
}

// FlushResult reports what one flush did. Entries left in the queue are
// counted in Retained.
type FlushResult struct {
	Delivered []Delivered
	Dropped   []Dropped
	Retained  int
}

type Queue struct {
	limit int

	mu      sync.Mutex
	order   []string
	entries map[string]*Entry
}

// New creates a queue. A limit of 0 means unbounded.
func New(limit int) *Queue {
	return &Queue{limit: limit, entries: make(map[string]*Entry)}
}

func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[e.ClientID]; ok {
		return ErrAlreadyQueued
	}
	if q.limit > 0 && len(q.order) >= q.limit {
		return ErrQueueFull
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	e.inFlight = false
	q.entries[e.ClientID] = &e
	q.order = append(q.order, e.ClientID)
	return nil
}

func (q *Queue) Remove(clientID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(clientID)
}

func (q *Queue) remove(clientID string) bool {
	if _, ok := q.entries[clientID]; !ok {
		return false
	}
	delete(q.entries, clientID)
	for i, id := range q.order {
		if id == clientID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

func (q *Queue) Contains(clientID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[clientID]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// List returns the queued entries in enqueue order.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.entries[id])
	}
	return out
}

// claim marks every idle entry in flight and returns copies of them.
func (q *Queue) claim() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []Entry
	for _, id := range q.order {
		e := q.entries[id]
		if e.inFlight {
			continue
		}
		e.inFlight = true
		e.Attempts++
		batch = append(batch, *e)
	}
	return batch
}

// Flush resends every entry that is not already in flight, each once and
// concurrently. Delivered entries and entries the server rejects as invalid
// leave the queue; anything else stays for the next flush.
func (q *Queue) Flush(ctx context.Context, sender Sender) FlushResult {
	batch := q.claim()

	var (
		mu     sync.Mutex
		result FlushResult
		g      errgroup.Group
	)
	g.SetLimit(flushConcurrency)

	for _, entry := range batch {
		entry := entry
		g.Go(func() error {
			msg, err := sender.SendMessage(ctx, entry.request())

			q.mu.Lock()
			current, ok := q.entries[entry.ClientID]
			switch {
			case err == nil:
				q.remove(entry.ClientID)
			case api.IsValidation(err):
				q.remove(entry.ClientID)
			case ok:
				current.inFlight = false
				current.LastError = err.Error()
			}
			q.mu.Unlock()

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Delivered = append(result.Delivered, Delivered{Entry: entry, Message: msg})
			case api.IsValidation(err):
				result.Dropped = append(result.Dropped, Dropped{Entry: entry, Err: err})
			}
			return nil
		})
	}
	g.Wait()

	result.Retained = q.Len()
	return result
}
