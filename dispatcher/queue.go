package dispatcher

import (
	"context"
	"sort"
	"strings"
	"sync"

	transition "github.com/goliatone/go-transition"
)

// DefaultQueueSize is the buffer of each ChannelQueue queue when none is given.
const DefaultQueueSize = 128

// Queue carries job messages between Dispatch and the workers.
type Queue interface {
	// Enqueue blocks while the named queue is full, until ctx is done.
	Enqueue(ctx context.Context, queue string, msg transition.JobMessage) error
	// Dequeue blocks until a message is available on the named queue or ctx is done.
	Dequeue(ctx context.Context, queue string) (transition.JobMessage, error)
	// Names lists the queues known so far.
	Names() []string
}

// TryQueue is implemented by queues that can accept a message without
// blocking. Retries use it to hand a job back from inside a worker.
type TryQueue interface {
	TryEnqueue(queue string, msg transition.JobMessage) bool
}

// ChannelQueue is a set of named bounded channels created on first use.
type ChannelQueue struct {
	mu     sync.Mutex
	size   int
	queues map[string]chan transition.JobMessage
}

// NewChannelQueue builds a queue whose channels hold size messages each.
// The named queues are created up front so workers can be started for them.
func NewChannelQueue(size int, names ...string) *ChannelQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &ChannelQueue{size: size, queues: make(map[string]chan transition.JobMessage)}
	q.channel(transition.DefaultQueue)
	for _, name := range names {
		q.channel(name)
	}
	return q
}

func (q *ChannelQueue) Enqueue(ctx context.Context, queue string, msg transition.JobMessage) error {
	ch := q.channel(queue)
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds msg to queue and reports false when the queue is full.
func (q *ChannelQueue) TryEnqueue(queue string, msg transition.JobMessage) bool {
	select {
	case q.channel(queue) <- msg:
		return true
	default:
		return false
	}
}

func (q *ChannelQueue) Dequeue(ctx context.Context, queue string) (transition.JobMessage, error) {
	ch := q.channel(queue)
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return transition.JobMessage{}, ctx.Err()
	}
}

func (q *ChannelQueue) Names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of buffered messages on queue.
func (q *ChannelQueue) Len(queue string) int {
	return len(q.channel(queue))
}

func (q *ChannelQueue) channel(name string) chan transition.JobMessage {
	name = strings.TrimSpace(name)
	if name == "" {
		name = transition.DefaultQueue
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan transition.JobMessage, q.size)
		q.queues[name] = ch
	}
	return ch
}
