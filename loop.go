// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"time"

	"go.uber.org/atomic"
	"trpc.group/trpc-go/tloop/internal/poller"
	"trpc.group/trpc-go/tloop/log"
	"trpc.group/trpc-go/tloop/metrics"
)

const defaultEventBuffer = 64

// IdleCallback runs once before the next blocking poll.
type IdleCallback func(data interface{})

// NoTimeout blocks a dispatch until an event arrives.
const NoTimeout = time.Duration(-1)

type options struct {
	eventBuffer int
}

// Option configures an EventLoop.
type Option func(*options)

// WithEventBufferSize sets how many kernel events one poll can return.
func WithEventBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

type pendingOpKind uint8

const (
	opUpdate pendingOpKind = iota
	opEnable
	opDisable
	opRemove
)

type pendingOp struct {
	tok  RegistrationToken
	kind pendingOpKind
}

// loopInner is confined to the loop's owning thread; only the stop flag
// and the poller's notify path are touched from other threads.
type loopInner struct {
	poll        poller.Poller
	reg         registry
	wheel       *timerWheel
	registrar   Registrar
	idles       []IdleCallback
	pending     []pendingOp
	pendingFree []uint32
	actions     map[uint32]PostAction
	events      []poller.Event
	stop        atomic.Bool
	dispatching bool
	closed      bool
}

// EventLoop owns the poller, the source registry, the timer wheel and the
// idle queue, and runs all source callbacks on its owning thread.
type EventLoop struct {
	inner  *loopInner
	handle LoopHandle
}

// New creates an event loop.
func New(opts ...Option) (*EventLoop, error) {
	o := &options{eventBuffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(o)
	}
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	in := &loopInner{
		poll:    p,
		wheel:   newTimerWheel(),
		actions: make(map[uint32]PostAction),
		events:  make([]poller.Event, o.eventBuffer),
	}
	in.registrar = Registrar{poll: p, wheel: in.wheel}
	el := &EventLoop{inner: in}
	el.handle = LoopHandle{in: in}
	return el, nil
}

// Handle returns the registration handle of the loop. The handle is valid
// on the loop thread only; cross-thread ingress goes through LoopSignal,
// Ping or channel senders.
func (el *EventLoop) Handle() *LoopHandle {
	return &el.handle
}

// Signal returns a cloneable cross-thread handle that can wake or stop the
// loop.
func (el *EventLoop) Signal() LoopSignal {
	return LoopSignal{stop: &el.inner.stop, poll: el.inner.poll}
}

// Close releases the loop's poller. Sources still registered are not
// unregistered individually; their kernel registrations die with the
// poller, while the descriptors they own stay open until the sources or
// their owners close them.
func (el *EventLoop) Close() error {
	if el.inner.closed {
		return nil
	}
	el.inner.closed = true
	return el.inner.poll.Close()
}

// Dispatch runs one pass: drain idles, poll the kernel bounded by the
// caller timeout and the soonest timer deadline, route events to source
// callbacks, drain expired timers, then apply the collected post-actions.
// A negative timeout (NoTimeout) blocks until something happens.
//
// data is handed to every callback of the pass by exclusive turn: only one
// callback holds it at a time.
func (el *EventLoop) Dispatch(timeout time.Duration, data interface{}) error {
	in := el.inner
	if in.closed {
		return ErrLoopClosed
	}
	metrics.Add(metrics.DispatchPasses, 1)
	in.dispatching = true
	// Post-actions and queued handle ops are applied even if a callback
	// panics, so the loop stays consistent for the caller that recovers.
	defer func() {
		in.flushPending()
		in.applyPostActions()
		in.flushPending()
		in.recycleFreed()
		in.dispatching = false
	}()

	in.drainIdles(data)

	synth := in.collectBeforeSleep()
	eff := timeout
	if len(synth) > 0 || in.stop.Load() {
		eff = 0
	} else if deadline, ok := in.wheel.nextDeadline(); ok {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		if eff < 0 || d < eff {
			eff = d
		}
	}

	n, err := in.poll.Poll(in.events, eff)
	if err != nil {
		return err
	}

	pass := synth
	for i := 0; i < n; i++ {
		ev := &in.events[i]
		pass = append(pass, PollEvent{
			Token: Token(ev.Token),
			Ready: Readiness{Readable: ev.Readable, Writable: ev.Writable, Error: ev.Error},
		})
	}
	in.notifyBeforeHandle(pass)

	for _, ev := range pass {
		in.dispatchEvent(ev, data)
		in.flushPending()
	}

	now := time.Now()
	for {
		tok, _, ok := in.wheel.popExpired(now)
		if !ok {
			break
		}
		in.dispatchEvent(PollEvent{Token: tok, Ready: Readiness{Readable: true}}, data)
		in.flushPending()
	}
	return nil
}

// Run dispatches repeatedly, calling f after every pass, until a LoopSignal
// stops the loop or a dispatch fails.
func (el *EventLoop) Run(timeout time.Duration, data interface{}, f func(data interface{})) error {
	in := el.inner
	in.stop.Store(false)
	for {
		if err := el.Dispatch(timeout, data); err != nil {
			return err
		}
		if f != nil {
			f(data)
		}
		if in.stop.Load() {
			return nil
		}
	}
}

// LoopSignal is a cloneable, send-capable handle pointed at the loop. It is
// the only way to stop a running loop from another thread.
type LoopSignal struct {
	stop *atomic.Bool
	poll poller.Poller
}

// Stop makes Run return after the current pass and wakes a blocked poll.
func (s LoopSignal) Stop() {
	s.stop.Store(true)
	if err := s.poll.Notify(); err != nil {
		log.Debugf("tloop: stop notify: %v", err)
	}
}

// Wakeup forces a blocked poll to return early without stopping the loop.
func (s LoopSignal) Wakeup() {
	if err := s.poll.Notify(); err != nil {
		log.Debugf("tloop: wakeup notify: %v", err)
	}
}

func (in *loopInner) drainIdles(data interface{}) {
	// Idles inserted while draining run in the same pass.
	for len(in.idles) > 0 {
		fn := in.idles[0]
		in.idles = in.idles[1:]
		if fn != nil {
			metrics.Add(metrics.IdleCallbacks, 1)
			fn(data)
		}
	}
}

func (in *loopInner) collectBeforeSleep() []PollEvent {
	var synth []PollEvent
	in.reg.forEachLive(func(key uint32, s *slot) {
		if s.state != slotActive {
			return
		}
		hk, ok := s.source.(PollHooks)
		if !ok {
			return
		}
		ready, sub, ok, err := hk.BeforeSleep()
		if err != nil {
			log.Errorf("tloop: before sleep: %v", err)
			return
		}
		if ok {
			synth = append(synth, PollEvent{Token: makeToken(key, sub), Ready: ready})
		}
	})
	return synth
}

func (in *loopInner) notifyBeforeHandle(events []PollEvent) {
	if len(events) == 0 {
		return
	}
	in.reg.forEachLive(func(key uint32, s *slot) {
		if s.state != slotActive {
			return
		}
		if hk, ok := s.source.(PollHooks); ok {
			hk.BeforeHandleEvents(events)
		}
	})
}

func (in *loopInner) dispatchEvent(ev PollEvent, data interface{}) {
	s := in.reg.byKey(ev.Token.key())
	if s == nil || s.state != slotActive {
		// The source went away after the kernel snapshotted readiness.
		metrics.Add(metrics.StaleEvents, 1)
		log.Debugf("tloop: discarding stale event for %s", ev.Token)
		return
	}
	if s.borrowed {
		return
	}
	key := ev.Token.key()
	s.borrowed = true
	// The callback may insert sources and grow the slab, so the borrow is
	// released through a fresh lookup rather than the pointer above.
	defer func() {
		if cur := in.reg.byKey(key); cur != nil {
			cur.borrowed = false
		}
	}()
	metrics.Add(metrics.EventsDispatched, 1)
	action, err := s.source.ProcessEvents(ev.Ready, ev.Token.Sub(), data)
	if err != nil {
		log.Errorf("tloop: source callback: %v", err)
	}
	if action != PostActionContinue {
		in.actions[ev.Token.key()] = action
	}
}

func (in *loopInner) applyPostActions() {
	for key, action := range in.actions {
		delete(in.actions, key)
		s := in.reg.byKey(key)
		if s == nil {
			continue
		}
		tok := RegistrationToken{key: key, gen: s.gen}
		var err error
		switch action {
		case PostActionReregister:
			err = in.doUpdate(tok)
		case PostActionDisable:
			err = in.doDisable(tok)
		case PostActionRemove:
			err = in.doRemove(tok)
		}
		if err != nil {
			log.Errorf("tloop: post action %s: %v", action, err)
		}
	}
}

func (in *loopInner) flushPending() {
	for len(in.pending) > 0 {
		op := in.pending[0]
		in.pending = in.pending[1:]
		var err error
		switch op.kind {
		case opUpdate:
			err = in.doUpdate(op.tok)
		case opEnable:
			err = in.doEnable(op.tok)
		case opDisable:
			err = in.doDisable(op.tok)
		case opRemove:
			err = in.doRemove(op.tok)
		}
		if err != nil {
			log.Errorf("tloop: deferred op: %v", err)
		}
	}
}

func (in *loopInner) recycleFreed() {
	for _, key := range in.pendingFree {
		in.reg.recycle(key)
	}
	in.pendingFree = in.pendingFree[:0]
}

func (in *loopInner) doUpdate(tok RegistrationToken) error {
	s, err := in.reg.get(tok)
	if err != nil {
		return err
	}
	if s.state != slotActive {
		return nil
	}
	f := TokenFactory{slotKey: tok.key}
	return s.source.Reregister(&in.registrar, &f)
}

func (in *loopInner) doDisable(tok RegistrationToken) error {
	s, err := in.reg.get(tok)
	if err != nil {
		return err
	}
	if s.state == slotDisabled {
		return nil
	}
	s.state = slotDisabled
	return s.source.Unregister(&in.registrar)
}

func (in *loopInner) doEnable(tok RegistrationToken) error {
	s, err := in.reg.get(tok)
	if err != nil {
		return err
	}
	if s.state == slotActive {
		return nil
	}
	s.state = slotActive
	f := TokenFactory{slotKey: tok.key}
	return s.source.Register(&in.registrar, &f)
}

func (in *loopInner) doRemove(tok RegistrationToken) error {
	s, err := in.reg.get(tok)
	if err != nil {
		return err
	}
	if s.state == slotActive {
		if uerr := s.source.Unregister(&in.registrar); uerr != nil {
			log.Debugf("tloop: unregister on remove: %v", uerr)
		}
	}
	if _, err := in.reg.remove(tok); err != nil {
		return err
	}
	if in.dispatching {
		// Readiness already fetched this pass may still name this key;
		// recycling waits for the end of the pass so a reused slot can
		// never receive a dead source's events.
		in.pendingFree = append(in.pendingFree, tok.key)
	} else {
		in.reg.recycle(tok.key)
	}
	return nil
}

// LoopHandle registers sources, idles and timers with the loop. During a
// dispatch pass, state-changing operations are queued and applied between
// callbacks; outside of dispatch they apply immediately.
type LoopHandle struct {
	in *loopInner
}

// Insert registers src and returns its handle. On failure the source is
// handed back inside an *InsertError.
func (h *LoopHandle) Insert(src EventSource) (RegistrationToken, error) {
	in := h.in
	if in.closed {
		return RegistrationToken{}, &InsertError{Source: src, Err: ErrLoopClosed}
	}
	tok := in.reg.insert(src)
	f := TokenFactory{slotKey: tok.key}
	if err := src.Register(&in.registrar, &f); err != nil {
		if _, rerr := in.reg.remove(tok); rerr == nil {
			in.reg.recycle(tok.key)
		}
		return RegistrationToken{}, &InsertError{Source: src, Err: err}
	}
	return tok, nil
}

// InsertIdle schedules fn to run once before the next blocking poll. Idles
// inserted from an idle callback run in the same draining pass.
func (h *LoopHandle) InsertIdle(fn IdleCallback) {
	h.in.idles = append(h.in.idles, fn)
}

// Update re-runs the source's registration, picking up changed interests
// or deadlines.
func (h *LoopHandle) Update(tok RegistrationToken) error {
	return h.op(pendingOp{kind: opUpdate, tok: tok})
}

// Enable resumes event delivery for a disabled source.
func (h *LoopHandle) Enable(tok RegistrationToken) error {
	return h.op(pendingOp{kind: opEnable, tok: tok})
}

// Disable keeps the slot but stops event delivery until Enable.
func (h *LoopHandle) Disable(tok RegistrationToken) error {
	return h.op(pendingOp{kind: opDisable, tok: tok})
}

// Remove unregisters the source and frees its slot. A removal issued
// during a dispatch pass cancels any not-yet-invoked callback of that
// source in the same pass.
func (h *LoopHandle) Remove(tok RegistrationToken) error {
	return h.op(pendingOp{kind: opRemove, tok: tok})
}

func (h *LoopHandle) op(op pendingOp) error {
	in := h.in
	if in.closed {
		return ErrLoopClosed
	}
	// Validate eagerly so callers get ErrInvalidToken synchronously even
	// when the operation itself is deferred.
	if _, err := in.reg.get(op.tok); err != nil {
		return err
	}
	if in.dispatching {
		in.pending = append(in.pending, op)
		return nil
	}
	switch op.kind {
	case opUpdate:
		return in.doUpdate(op.tok)
	case opEnable:
		return in.doEnable(op.tok)
	case opDisable:
		return in.doDisable(op.tok)
	default:
		return in.doRemove(op.tok)
	}
}
