package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/envalloc/envalloc/pkg/alloc"
)

// Task is the payload handed to workers: the request id and its requirement,
// never credentials.
type Task struct {
	RequestID string                `json:"requestId"`
	Spec      alloc.RequirementSpec `json:"spec"`
}

// Queue carries tasks from Submit to the workers.
type Queue[T any] interface {
	// Publish adds a new message with payload to the queue.
	Publish(ctx context.Context, t *T) error

	// Consume blocks until a message is available or ctx is done.
	Consume(ctx context.Context) (Message[T], error)
}

// Message is a message retrieved from a queue.
type Message[T any] interface {
	// T returns the payload of this message.
	T() *T

	// Ack acknowledges successful processing of this message.
	Ack() error

	// Nack reports a failed delivery. The queue redelivers the message until
	// its retry limit, then moves it to the dead letter list.
	Nack(err error) error
}

// QueueConfig configures MemoryQueue.
type QueueConfig struct {
	MaxRetries int
	Buffer     int
}

// DefaultQueueConfig returns a standard configuration for the memory queue.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxRetries: 3,
		Buffer:     256,
	}
}

type memoryMessage[T any] struct {
	id         string
	payload    T
	queue      *MemoryQueue[T]
	retryCount int
	createdAt  time.Time

	mu           sync.Mutex
	processed    bool
	deadLettered bool
}

func (m *memoryMessage[T]) T() *T {
	return &m.payload
}

func (m *memoryMessage[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed {
		return fmt.Errorf("message %s already processed", m.id)
	}
	m.processed = true
	return nil
}

func (m *memoryMessage[T]) Nack(cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed {
		return fmt.Errorf("message %s already processed", m.id)
	}
	m.processed = true

	if m.retryCount >= m.queue.config.MaxRetries {
		m.deadLettered = true
		m.queue.deadLetter(m, cause)
		return nil
	}

	next := &memoryMessage[T]{
		id:         m.id,
		payload:    m.payload,
		queue:      m.queue,
		retryCount: m.retryCount + 1,
		createdAt:  time.Now(),
	}
	select {
	case m.queue.messages <- next:
	default:
		m.deadLettered = true
		m.queue.deadLetter(next, fmt.Errorf("queue full on redelivery: %w", cause))
	}
	return nil
}

// DeadLetter is a message that ran out of deliveries.
type DeadLetter[T any] struct {
	ID      string
	Payload T
	Err     error
}

// MemoryQueue is an in-process Queue backed by a buffered channel.
type MemoryQueue[T any] struct {
	messages chan *memoryMessage[T]
	config   QueueConfig

	dlqMu sync.Mutex
	dlq   []DeadLetter[T]
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue[T any](config QueueConfig) *MemoryQueue[T] {
	if config.Buffer <= 0 {
		config.Buffer = DefaultQueueConfig().Buffer
	}
	return &MemoryQueue[T]{
		messages: make(chan *memoryMessage[T], config.Buffer),
		config:   config,
	}
}

// Publish implements Queue. It blocks while the buffer is full.
func (q *MemoryQueue[T]) Publish(ctx context.Context, t *T) error {
	msg := &memoryMessage[T]{
		id:        uuid.New().String(),
		payload:   *t,
		queue:     q,
		createdAt: time.Now(),
	}
	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements Queue.
func (q *MemoryQueue[T]) Consume(ctx context.Context) (Message[T], error) {
	select {
	case msg := <-q.messages:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the number of queued messages.
func (q *MemoryQueue[T]) Size() int {
	return len(q.messages)
}

// DeadLetters returns a copy of the dead letter list.
func (q *MemoryQueue[T]) DeadLetters() []DeadLetter[T] {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	out := make([]DeadLetter[T], len(q.dlq))
	copy(out, q.dlq)
	return out
}

func (q *MemoryQueue[T]) deadLetter(m *memoryMessage[T], cause error) {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	q.dlq = append(q.dlq, DeadLetter[T]{ID: m.id, Payload: m.payload, Err: cause})
}

var _ Queue[Task] = (*MemoryQueue[Task])(nil)
