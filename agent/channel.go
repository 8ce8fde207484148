package agent

import (
	"context"
	"sync/atomic"
)

// MessageChannel is a buffered channel bound to an owning context. Sends
// abort when either the caller's context or the owner's context is done.
type MessageChannel[T any] struct {
	channel    chan T
	context    context.Context
	bufferSize int
	closed     atomic.Int32
}

func NewMessageChannel[T any](ctx context.Context, bufferSize int) *MessageChannel[T] {
	return &MessageChannel[T]{
		channel:    make(chan T, bufferSize),
		context:    ctx,
		bufferSize: bufferSize,
	}
}

func (mc *MessageChannel[T]) Send(ctx context.Context, message T) error {
	if err := mc.context.Err(); err != nil {
		return err
	}

	select {
	case mc.channel <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mc.context.Done():
		return mc.context.Err()
	}
}

// TrySend enqueues message without blocking. It reports false when the buffer
// is full or the owner's context is done.
func (mc *MessageChannel[T]) TrySend(message T) bool {
	if mc.context.Err() != nil {
		return false
	}

	select {
	case mc.channel <- message:
		return true
	default:
		return false
	}
}

// TryReceive takes a buffered message without blocking. It reports false
// when the buffer is empty or the channel is closed and drained.
func (mc *MessageChannel[T]) TryReceive() (T, bool) {
	select {
	case message, ok := <-mc.channel:
		return message, ok
	default:
		var zero T
		return zero, false
	}
}

// C exposes the receive side for range loops and selects.
func (mc *MessageChannel[T]) C() <-chan T {
	return mc.channel
}

// Close closes the underlying channel. Only the single producer may call it.
func (mc *MessageChannel[T]) Close() {
	if mc.closed.CompareAndSwap(0, 1) {
		close(mc.channel)
	}
}

func (mc *MessageChannel[T]) BufferSize() int {
	return mc.bufferSize
}

// QueueLength reports how many messages are buffered.
func (mc *MessageChannel[T]) QueueLength() int {
	return len(mc.channel)
}
