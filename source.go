// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"time"

	"trpc.group/trpc-go/tloop/internal/poller"
	"trpc.group/trpc-go/tloop/metrics"
)

// EventSource is any object producing events for the loop. Implementations
// bind their typed callback at construction time and invoke it from
// ProcessEvents, so the loop handles all sources through this one interface.
//
// All methods are called on the loop thread only.
type EventSource interface {
	// Register declares the source's kernel registrations and timers
	// through reg, deriving tokens from f. It is called by insert.
	Register(reg *Registrar, f *TokenFactory) error

	// Reregister re-declares the registrations, picking up changed
	// interests, modes or deadlines. It is called after the source returns
	// PostActionReregister, and by LoopHandle.Update.
	Reregister(reg *Registrar, f *TokenFactory) error

	// Unregister withdraws all registrations. It is called on remove and
	// disable.
	Unregister(reg *Registrar) error

	// ProcessEvents handles one readiness report for the sub-id the source
	// chose at registration time, and returns the action the loop should
	// apply to the source afterwards.
	ProcessEvents(ready Readiness, sub uint32, data interface{}) (PostAction, error)
}

// PollEvent pairs a token with the readiness the kernel reported for it.
type PollEvent struct {
	Token Token
	Ready Readiness
}

// PollHooks is implemented by sources that need to observe the poll cycle.
type PollHooks interface {
	// BeforeSleep runs before the loop computes the poll timeout. A source
	// may synthesize immediate readiness for one of its sub-ids by
	// returning ok=true, which forces the poll timeout to zero and queues
	// the synthesized event ahead of the kernel's.
	BeforeSleep() (ready Readiness, sub uint32, ok bool, err error)

	// BeforeHandleEvents runs after the poll returns with every event of
	// the pass, before any callback is invoked.
	BeforeHandleEvents(events []PollEvent)
}

// Registrar is the write side of the loop a source sees while registering:
// it reaches the kernel poller and the loop's timer wheel. The registrar
// handed to Register is stable for the lifetime of the loop, so sources
// that re-arm timers from their callbacks may retain it.
type Registrar struct {
	poll  poller.Poller
	wheel *timerWheel
}

func pollerInterest(i Interest) poller.Interest {
	return poller.Interest{Readable: i.Readable, Writable: i.Writable}
}

func pollerMode(m Mode) poller.Mode {
	switch m {
	case ModeEdge:
		return poller.Edge
	case ModeOneShot:
		return poller.OneShot
	default:
		return poller.Level
	}
}

// RegisterFD adds fd to the kernel poller under the given token.
func (r *Registrar) RegisterFD(fd int, t Token, interest Interest, mode Mode) error {
	return r.poll.Register(fd, uint64(t), pollerInterest(interest), pollerMode(mode))
}

// ModifyFD updates the kernel registration of fd.
func (r *Registrar) ModifyFD(fd int, t Token, interest Interest, mode Mode) error {
	return r.poll.Modify(fd, uint64(t), pollerInterest(interest), pollerMode(mode))
}

// UnregisterFD removes fd from the kernel poller.
func (r *Registrar) UnregisterFD(fd int) error {
	return r.poll.Unregister(fd)
}

// AddTimer schedules a deadline on the loop's timer wheel. When it expires
// the loop routes a readable event for t to the owning source. The returned
// id cancels the entry.
func (r *Registrar) AddTimer(deadline time.Time, t Token) uint64 {
	metrics.Add(metrics.TimersScheduled, 1)
	return r.wheel.add(deadline, t)
}

// CancelTimer drops a pending wheel entry. Unknown ids are ignored.
func (r *Registrar) CancelTimer(id uint64) {
	r.wheel.cancel(id)
}
