// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"sync"

	"go.uber.org/atomic"
	"trpc.group/trpc-go/tloop/internal/locker"
	"trpc.group/trpc-go/tloop/internal/safejob"
	"trpc.group/trpc-go/tloop/log"
	"trpc.group/trpc-go/tloop/metrics"
)

// ChannelEvent is delivered to a channel callback: one event per queued
// message, then a single closing event after the last sender is gone and
// the queue has drained.
type ChannelEvent[T any] struct {
	Msg    T
	Closed bool
}

// ChannelCallback handles channel events on the loop thread.
type ChannelCallback[T any] func(ev ChannelEvent[T], data interface{}) PostAction

// chanState is shared between the loop-side source and the cross-thread
// senders. The unbounded queue is guarded by a spinlock; the bounded
// variant needs to block full senders and uses a mutex with a cond var.
type chanState[T any] struct {
	fd       *wakeFD
	notified atomic.Int32
	senders  atomic.Int32
	refs     atomic.Int32
	closed   atomic.Bool // receiver side gone

	// unbounded path
	spin  locker.Locker
	queue []T

	// bounded path; nil when unbounded
	mu    *sync.Mutex
	avail *sync.Cond
	bound int
}

func (st *chanState[T]) wakeup() {
	if st.notified.CompareAndSwap(0, 1) {
		if err := st.fd.wake(); err != nil {
			log.Debugf("tloop: channel wakeup: %v", err)
		}
	}
}

func (st *chanState[T]) release() {
	if st.refs.Dec() == 0 {
		if err := st.fd.close(); err != nil {
			log.Debugf("tloop: channel close: %v", err)
		}
	}
}

// push appends msg, blocking on a bounded channel until space frees up.
func (st *chanState[T]) push(msg T, block bool) error {
	if st.mu == nil {
		st.spin.Lock()
		st.queue = append(st.queue, msg)
		st.spin.Unlock()
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for len(st.queue) >= st.bound {
		if st.closed.Load() {
			return ErrChannelClosed
		}
		if !block {
			return ErrChannelFull
		}
		st.avail.Wait()
	}
	if st.closed.Load() {
		return ErrChannelClosed
	}
	st.queue = append(st.queue, msg)
	return nil
}

// pop removes the oldest message. Called from the loop thread only.
func (st *chanState[T]) pop() (T, bool) {
	var zero T
	if st.mu == nil {
		st.spin.Lock()
		defer st.spin.Unlock()
		if len(st.queue) == 0 {
			return zero, false
		}
		msg := st.queue[0]
		st.queue[0] = zero
		st.queue = st.queue[1:]
		return msg, true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.queue) == 0 {
		return zero, false
	}
	msg := st.queue[0]
	st.queue[0] = zero
	st.queue = st.queue[1:]
	st.avail.Signal()
	return msg, true
}

func (st *chanState[T]) markClosed() {
	st.closed.Store(true)
	if st.mu != nil {
		st.mu.Lock()
		st.avail.Broadcast()
		st.mu.Unlock()
	}
}

// Sender is the cross-thread producing half of a channel. Messages from a
// single sender are delivered in send order; ordering across senders is
// whatever the senders' own synchronization establishes.
type Sender[T any] struct {
	st     *chanState[T]
	closed *safejob.OnceJob
}

// Send queues msg and wakes the loop. It fails with ErrChannelClosed once
// the receiving Channel has been closed; removing the source from its loop
// alone keeps the channel open.
func (s *Sender[T]) Send(msg T) error {
	if s.closed.Closed() {
		return ErrChannelClosed
	}
	if s.st.closed.Load() {
		return ErrChannelClosed
	}
	if err := s.st.push(msg, false); err != nil {
		return err
	}
	s.st.wakeup()
	return nil
}

// Clone returns an independent handle feeding the same channel.
func (s *Sender[T]) Clone() *Sender[T] {
	if s.closed.Closed() {
		return s
	}
	s.st.senders.Inc()
	s.st.refs.Inc()
	return &Sender[T]{st: s.st, closed: &safejob.OnceJob{}}
}

// Close releases the handle. Closing the last sender wakes the loop so the
// source can deliver its closing event once the queue drains.
func (s *Sender[T]) Close() {
	if !s.closed.Begin() {
		return
	}
	if s.st.senders.Dec() == 0 {
		// Bypass coalescing so the close reaches the loop even when a
		// send is already pending.
		if err := s.st.fd.wake(); err != nil {
			log.Debugf("tloop: channel wakeup: %v", err)
		}
	}
	s.st.release()
}

// SyncSender is the producing half of a bounded channel. Send blocks while
// the queue is full; TrySend never blocks.
type SyncSender[T any] struct {
	st     *chanState[T]
	closed *safejob.OnceJob
}

// Send queues msg, blocking until queue space frees up, and wakes the loop.
func (s *SyncSender[T]) Send(msg T) error {
	if s.closed.Closed() || s.st.closed.Load() {
		return ErrChannelClosed
	}
	if err := s.st.push(msg, true); err != nil {
		return err
	}
	s.st.wakeup()
	return nil
}

// TrySend queues msg if the queue has room, failing with ErrChannelFull
// otherwise.
func (s *SyncSender[T]) TrySend(msg T) error {
	if s.closed.Closed() || s.st.closed.Load() {
		return ErrChannelClosed
	}
	if err := s.st.push(msg, false); err != nil {
		return err
	}
	s.st.wakeup()
	return nil
}

// Clone returns an independent handle feeding the same channel.
func (s *SyncSender[T]) Clone() *SyncSender[T] {
	if s.closed.Closed() {
		return s
	}
	s.st.senders.Inc()
	s.st.refs.Inc()
	return &SyncSender[T]{st: s.st, closed: &safejob.OnceJob{}}
}

// Close releases the handle, waking the loop when it was the last one.
func (s *SyncSender[T]) Close() {
	if !s.closed.Begin() {
		return
	}
	if s.st.senders.Dec() == 0 {
		if err := s.st.fd.wake(); err != nil {
			log.Debugf("tloop: channel wakeup: %v", err)
		}
	}
	s.st.release()
}

// Channel is the loop side of an MPSC channel: queued messages surface as
// events through the source callback. Insert it into the loop; after
// removing it, call Close to release the descriptor.
type Channel[T any] struct {
	st         *chanState[T]
	cb         ChannelCallback[T]
	token      Token
	fdClosed   safejob.OnceJob
	closedSent bool
}

// NewChannel creates an unbounded channel: a cross-thread Sender and the
// Channel source to insert into the loop.
func NewChannel[T any](cb ChannelCallback[T]) (*Sender[T], *Channel[T], error) {
	st, err := newChanState[T](0)
	if err != nil {
		return nil, nil, err
	}
	return &Sender[T]{st: st, closed: &safejob.OnceJob{}}, &Channel[T]{st: st, cb: cb}, nil
}

// NewSyncChannel creates a bounded channel whose senders block when bound
// messages are queued.
func NewSyncChannel[T any](bound int, cb ChannelCallback[T]) (*SyncSender[T], *Channel[T], error) {
	if bound <= 0 {
		bound = 1
	}
	st, err := newChanState[T](bound)
	if err != nil {
		return nil, nil, err
	}
	return &SyncSender[T]{st: st, closed: &safejob.OnceJob{}}, &Channel[T]{st: st, cb: cb}, nil
}

func newChanState[T any](bound int) (*chanState[T], error) {
	fd, err := newWakeFD()
	if err != nil {
		return nil, err
	}
	st := &chanState[T]{fd: fd, bound: bound}
	st.senders.Store(1)
	// One reference for the sender, one for the source.
	st.refs.Store(2)
	if bound > 0 {
		st.mu = &sync.Mutex{}
		st.avail = sync.NewCond(st.mu)
	}
	return st, nil
}

// Close marks the receiving side gone and releases the source's reference
// on the descriptor: senders fail with ErrChannelClosed from here on and
// blocked bounded senders are woken. Call it after the source has been
// removed from the loop.
func (c *Channel[T]) Close() {
	if !c.fdClosed.Begin() {
		return
	}
	c.st.markClosed()
	c.st.release()
}

// Register implements EventSource.
func (c *Channel[T]) Register(reg *Registrar, f *TokenFactory) error {
	c.token = f.Token(0)
	return reg.RegisterFD(c.st.fd.readFD(), c.token, InterestRead, ModeLevel)
}

// Reregister implements EventSource.
func (c *Channel[T]) Reregister(reg *Registrar, f *TokenFactory) error {
	if err := reg.UnregisterFD(c.st.fd.readFD()); err != nil {
		return err
	}
	return c.Register(reg, f)
}

// Unregister implements EventSource.
func (c *Channel[T]) Unregister(reg *Registrar) error {
	return reg.UnregisterFD(c.st.fd.readFD())
}

// ProcessEvents implements EventSource. All messages queued at the time of
// the pass are delivered, each as its own callback invocation; the closing
// event follows the last message exactly once.
func (c *Channel[T]) ProcessEvents(ready Readiness, sub uint32, data interface{}) (PostAction, error) {
	c.st.notified.Store(0)
	c.st.fd.drain()
	// Read the sender count before draining the queue: every Send happens
	// before its sender's Close, so a zero count here means all messages
	// are already queued. A last Close racing with the drain wakes the
	// descriptor again and its closing event comes next pass.
	closing := c.st.senders.Load() == 0
	action := PostActionContinue
	for {
		msg, ok := c.st.pop()
		if !ok {
			break
		}
		metrics.Add(metrics.ChannelMessages, 1)
		if a := c.cb(ChannelEvent[T]{Msg: msg}, data); a != PostActionContinue {
			action = a
		}
	}
	if closing && !c.closedSent {
		c.closedSent = true
		if a := c.cb(ChannelEvent[T]{Closed: true}, data); a != PostActionContinue {
			action = a
		}
	}
	return action, nil
}
