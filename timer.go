// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"time"

	"trpc.group/trpc-go/tloop/metrics"
)

type timeoutKind uint8

const (
	timeoutDrop timeoutKind = iota
	timeoutAt
	timeoutAfter
)

// TimeoutAction is returned by a timer callback and tells the timer whether
// and when to fire again.
type TimeoutAction struct {
	at   time.Time
	d    time.Duration
	kind timeoutKind
}

// TimeoutDrop disarms the timer. The source stays registered and can be
// re-armed with SetDeadline plus an update.
var TimeoutDrop = TimeoutAction{kind: timeoutDrop}

// TimeoutAt re-arms the timer for the given instant.
func TimeoutAt(t time.Time) TimeoutAction {
	return TimeoutAction{kind: timeoutAt, at: t}
}

// TimeoutAfter re-arms the timer for the given duration from now.
func TimeoutAfter(d time.Duration) TimeoutAction {
	return TimeoutAction{kind: timeoutAfter, d: d}
}

// TimerCallback runs when the timer expires. now is the instant the loop
// observed the expiration, at or after the requested deadline.
type TimerCallback func(now time.Time, data interface{}) TimeoutAction

// Timer is an event source firing at a deadline. Expirations ride the
// loop's timer wheel: the wheel's soonest deadline bounds the kernel poll
// timeout, so a timer never fires later than the next dispatch that begins
// at or after its deadline.
type Timer struct {
	cb       TimerCallback
	reg      *Registrar
	deadline time.Time
	token    Token
	wheelID  uint64
	armed    bool
}

// NewTimer creates a timer firing at the given instant. A deadline already
// in the past fires on the first dispatch after insertion.
func NewTimer(deadline time.Time, cb TimerCallback) *Timer {
	return &Timer{deadline: deadline, cb: cb}
}

// NewTimerAfter creates a timer firing the given duration from now.
func NewTimerAfter(d time.Duration, cb TimerCallback) *Timer {
	return NewTimer(time.Now().Add(d), cb)
}

// SetDeadline moves the deadline. For an inserted timer it takes effect on
// the next update or reregister.
func (t *Timer) SetDeadline(deadline time.Time) {
	t.deadline = deadline
}

// Deadline returns the configured deadline.
func (t *Timer) Deadline() time.Time {
	return t.deadline
}

// Register implements EventSource.
func (t *Timer) Register(reg *Registrar, f *TokenFactory) error {
	t.reg = reg
	t.token = f.Token(0)
	t.wheelID = reg.AddTimer(t.deadline, t.token)
	t.armed = true
	return nil
}

// Reregister implements EventSource.
func (t *Timer) Reregister(reg *Registrar, f *TokenFactory) error {
	if err := t.Unregister(reg); err != nil {
		return err
	}
	return t.Register(reg, f)
}

// Unregister implements EventSource.
func (t *Timer) Unregister(reg *Registrar) error {
	if t.armed {
		reg.CancelTimer(t.wheelID)
		t.armed = false
	}
	return nil
}

// ProcessEvents implements EventSource. The callback's TimeoutAction drives
// re-arming; re-armed deadlines land on the wheel before the loop queries
// the next deadline again.
func (t *Timer) ProcessEvents(ready Readiness, sub uint32, data interface{}) (PostAction, error) {
	if !t.armed {
		return PostActionContinue, nil
	}
	// The expiration may arrive through the wheel drain or synthesized by
	// BeforeSleep; cancelling the wheel entry is idempotent and keeps the
	// two paths from both firing.
	t.reg.CancelTimer(t.wheelID)
	t.armed = false
	now := time.Now()
	metrics.Add(metrics.TimersFired, 1)
	switch action := t.cb(now, data); action.kind {
	case timeoutAt:
		t.deadline = action.at
		t.wheelID = t.reg.AddTimer(t.deadline, t.token)
		t.armed = true
	case timeoutAfter:
		t.deadline = now.Add(action.d)
		t.wheelID = t.reg.AddTimer(t.deadline, t.token)
		t.armed = true
	}
	return PostActionContinue, nil
}

// BeforeSleep implements PollHooks. An already expired deadline synthesizes
// immediate readiness, forcing the poll timeout to zero.
func (t *Timer) BeforeSleep() (Readiness, uint32, bool, error) {
	if t.armed && !t.deadline.After(time.Now()) {
		return Readiness{Readable: true}, t.token.Sub(), true, nil
	}
	return Readiness{}, 0, false, nil
}

// BeforeHandleEvents implements PollHooks.
func (t *Timer) BeforeHandleEvents(events []PollEvent) {}
