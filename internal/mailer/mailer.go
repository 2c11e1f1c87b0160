// Package mailer delivers one-time codes out-of-band. Dispatch is
// fire-and-forget through a buffered asynchronous dispatcher: the auth
// flows enqueue after their transaction commits and never block on
// delivery.
package mailer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Message is one outbound OTP delivery.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender performs the actual delivery (SMTP, SMS gateway, ...).
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender is the development Sender: it logs that a message would be
// sent. The OTP code itself is in Body and is never logged.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound message dispatched", "to", msg.To, "subject", msg.Subject)
	return nil
}

// Dispatcher asynchronously forwards messages to a Sender. A full buffer
// drops the message rather than stalling a request goroutine.
type Dispatcher struct {
	sender    Sender
	logger    *slog.Logger
	ch        chan Message
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(sender Sender, bufferSize int, logger *slog.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		sender: sender,
		logger: logger,
		ch:     make(chan Message, bufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case msg := <-d.ch:
			d.deliver(msg)
		case <-d.done:
			for {
				select {
				case msg := <-d.ch:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	if err := d.sender.Send(context.Background(), msg); err != nil {
		d.logger.Error("outbound message delivery failed", "to", msg.To, "error", err)
	}
}

// Enqueue hands a message to the delivery goroutine without blocking.
func (d *Dispatcher) Enqueue(msg Message) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- msg:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Close drains the buffer and stops the delivery goroutine.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many messages were discarded on a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
