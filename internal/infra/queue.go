package infra

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

// ErrNoTransport is reported when no supervisor is connected.
var ErrNoTransport = errors.New("no supervisor transport")

// MessageSender writes one message to the supervisor.
type MessageSender interface {
	SendMessage(msg domain.Message) error
}

type queuedMessage struct {
	msg  domain.Message
	done func(error)
}

// MessageQueue implements domain.Outbox. Send never blocks; a single drain
// goroutine writes messages in FIFO order and then runs their callbacks.
// After the first write error the queue is disconnected and every pending
// or later message fails with ErrNoTransport.
type MessageQueue struct {
	sender MessageSender
	logger *zap.Logger

	mu        sync.Mutex
	pending   []queuedMessage
	connected bool
	closed    bool
	wake      chan struct{}
	drained   chan struct{}
}

// NewMessageQueue creates a queue draining into sender. A nil sender gives a
// disconnected queue.
func NewMessageQueue(sender MessageSender, logger *zap.Logger) *MessageQueue {
	q := &MessageQueue{
		sender:    sender,
		logger:    logger,
		connected: sender != nil,
		wake:      make(chan struct{}, 1),
		drained:   make(chan struct{}),
	}
	if sender == nil {
		close(q.drained)
		return q
	}
	go q.drain()
	return q
}

// Send queues msg; done, if non-nil, runs on the drain goroutine.
func (q *MessageQueue) Send(msg domain.Message, done func(error)) {
	q.mu.Lock()
	if !q.connected || q.closed {
		q.mu.Unlock()
		if done != nil {
			done(ErrNoTransport)
		}
		return
	}
	q.pending = append(q.pending, queuedMessage{msg: msg, done: done})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Connected reports whether messages can still be delivered.
func (q *MessageQueue) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

// Close stops accepting messages and waits for queued ones to be written.
func (q *MessageQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.drained
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.drained
}

func (q *MessageQueue) drain() {
	defer close(q.drained)

	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			item := q.pending[0]
			q.pending = q.pending[1:]
			connected := q.connected
			q.mu.Unlock()

			err := ErrNoTransport
			if connected {
				err = q.sender.SendMessage(item.msg)
				if err != nil {
					q.logger.Debug("supervisor transport failed", zap.Error(err))
					q.mu.Lock()
					q.connected = false
					q.mu.Unlock()
				}
			}
			if item.done != nil {
				item.done(err)
			}
		}
	}
}

// Ensure MessageQueue implements domain.Outbox.
var _ domain.Outbox = (*MessageQueue)(nil)
