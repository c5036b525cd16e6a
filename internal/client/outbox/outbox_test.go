package outbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/4xmen/basemapp/internal/client/api"
	"github.com/4xmen/basemapp/internal/models"
)

type senderFunc func(ctx context.Context, req api.SendMessageRequest) (*models.Message, error)

func (f senderFunc) SendMessage(ctx context.Context, req api.SendMessageRequest) (*models.Message, error) {
	return f(ctx, req)
}

func echo(ctx context.Context, req api.SendMessageRequest) (*models.Message, error) {
	return &models.Message{ID: "srv-" + req.ClientID, ClientID: req.ClientID, ChatID: req.ChatID, Content: req.Content}, nil
}

func entry(id string) Entry {
	return Entry{ClientID: id, ChatID: "c1", Content: "msg " + id, MessageType: models.TypeText}
}

func TestEnqueue(t *testing.T) {
	q := New(0)
	if err := q.Enqueue(entry("temp-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(entry("temp-1")); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("duplicate Enqueue err = %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := q.Enqueue(entry(fmt.Sprintf("bulk-%d", i))); err != nil {
			t.Fatalf("unbounded queue rejected entry %d: %v", i, err)
		}
	}

	limited := New(1)
	limited.Enqueue(entry("temp-1"))
	if err := limited.Enqueue(entry("temp-2")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("over limit err = %v", err)
	}

	list := q.List()
	if list[0].ClientID != "temp-1" || list[0].EnqueuedAt.IsZero() {
		t.Fatalf("first entry = %+v", list[0])
	}
}

func TestFlushDeliversAndRemoves(t *testing.T) {
	q := New(0)
	q.Enqueue(entry("temp-1"))
	q.Enqueue(entry("temp-2"))

	result := q.Flush(context.Background(), senderFunc(echo))
	if len(result.Delivered) != 2 || result.Retained != 0 || q.Len() != 0 {
		t.Fatalf("result = %+v, len = %d", result, q.Len())
	}
	for _, d := range result.Delivered {
		if d.Message.ClientID != d.Entry.ClientID {
			t.Errorf("delivered %s confirmed as %s", d.Entry.ClientID, d.Message.ClientID)
		}
	}
}

func TestFlushRetriesOncePerTransition(t *testing.T) {
	q := New(0)
	q.Enqueue(entry("temp-1"))

	var calls atomic.Int32
	failing := senderFunc(func(ctx context.Context, req api.SendMessageRequest) (*models.Message, error) {
		calls.Add(1)
		return nil, &api.Error{StatusCode: http.StatusServiceUnavailable, Message: "down"}
	})

	for i := 1; i <= 3; i++ {
		result := q.Flush(context.Background(), failing)
		if int(calls.Load()) != i {
			t.Fatalf("after flush %d sender called %d times", i, calls.Load())
		}
		if result.Retained != 1 || len(result.Delivered) != 0 || len(result.Dropped) != 0 {
			t.Fatalf("flush %d result = %+v", i, result)
		}
		e := q.List()[0]
		if e.Attempts != i || e.LastError == "" {
			t.Fatalf("entry after flush %d = %+v", i, e)
		}
	}

	result := q.Flush(context.Background(), senderFunc(echo))
	if len(result.Delivered) != 1 || q.Len() != 0 {
		t.Fatalf("recovery flush = %+v", result)
	}
}

func TestFlushDropsValidationFailures(t *testing.T) {
	q := New(0)
	q.Enqueue(entry("temp-bad"))
	q.Enqueue(entry("temp-good"))

	sender := senderFunc(func(ctx context.Context, req api.SendMessageRequest) (*models.Message, error) {
		if req.ClientID == "temp-bad" {
			return nil, &api.Error{StatusCode: http.StatusBadRequest, Message: "invalid"}
		}
		return echo(ctx, req)
	})

	result := q.Flush(context.Background(), sender)
	if len(result.Dropped) != 1 || result.Dropped[0].Entry.ClientID != "temp-bad" {
		t.Fatalf("dropped = %+v", result.Dropped)
	}
	if len(result.Delivered) != 1 || q.Len() != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestFlushNeverSendsAnEntryTwiceConcurrently(t *testing.T) {
	q := New(0)
	q.Enqueue(entry("temp-1"))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var calls atomic.Int32
	slow := senderFunc(func(ctx context.Context, req api.SendMessageRequest) (*models.Message, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return echo(ctx, req)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Flush(context.Background(), slow)
	}()
	<-started

	// A second transition while the first flush is still running.
	second := q.Flush(context.Background(), slow)
	if len(second.Delivered) != 0 {
		t.Fatalf("second flush delivered %+v", second.Delivered)
	}

	close(release)
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("sender called %d times, want 1", calls.Load())
	}
}

func TestFlushEntriesAreIndependent(t *testing.T) {
	q := New(0)
	q.Enqueue(entry("temp-slow"))
	q.Enqueue(entry("temp-fast"))

	fastDone := make(chan struct{})
	sender := senderFunc(func(ctx context.Context, req api.SendMessageRequest) (*models.Message, error) {
		if req.ClientID == "temp-slow" {
			select {
			case <-fastDone:
			case <-time.After(2 * time.Second):
				return nil, errors.New("fast entry was serialized behind slow one")
			}
		} else {
			defer close(fastDone)
		}
		return echo(ctx, req)
	})

	result := q.Flush(context.Background(), sender)
	if len(result.Delivered) != 2 {
		t.Fatalf("result = %+v", result)
	}
}
