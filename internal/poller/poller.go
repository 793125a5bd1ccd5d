// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package poller provides a readiness poller over epoll/kqueue that routes
// kernel events back to callers through opaque 64-bit tokens.
package poller

import (
	"fmt"
	"time"
)

// NotifyToken is the token value reserved for the poller's internal wakeup
// descriptor. It is never reported from Poll and must not be used by callers.
const NotifyToken = ^uint64(0)

// Interest selects which readiness kinds a registration reports.
type Interest struct {
	Readable bool
	Writable bool
}

// Mode selects how the kernel reports readiness for a registration.
type Mode int

// Registration modes.
const (
	// Level reports readiness as long as the condition holds.
	Level Mode = iota
	// Edge reports only transitions to ready.
	Edge
	// OneShot reports once, then the registration must be re-armed via Modify.
	OneShot
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Level:
		return "Level"
	case Edge:
		return "Edge"
	case OneShot:
		return "OneShot"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Event is one readiness report returned by Poll.
type Event struct {
	Token    uint64
	Readable bool
	Writable bool
	Error    bool
}

// Poller monitors registered file descriptors and reports their readiness
// tagged with the token given at registration time.
//
// All methods except Notify must be called from the thread that owns the
// poller. Notify is safe from any thread.
type Poller interface {
	// Register adds fd with the given interest and mode. The token comes
	// back in the Poll events of fd.
	Register(fd int, token uint64, interest Interest, mode Mode) error

	// Modify updates interest, mode and token of an existing registration.
	Modify(fd int, token uint64, interest Interest, mode Mode) error

	// Unregister removes fd from the poller.
	Unregister(fd int) error

	// Poll blocks until at least one registered fd is ready, the timeout
	// expires, or Notify is called. A negative timeout blocks indefinitely,
	// zero polls without blocking. Interruption by a signal yields zero
	// events and a nil error.
	Poll(events []Event, timeout time.Duration) (int, error)

	// Notify wakes a blocked Poll. Wakeups are coalesced: any number of
	// calls between two polls produce a single interruption.
	Notify() error

	// Close releases the poller and its wakeup descriptor.
	Close() error
}

// New creates the platform poller.
func New() (Poller, error) {
	return newPoller()
}

// timeoutMsec converts a poll timeout to milliseconds, rounding partial
// milliseconds up so short timeouts never turn into busy polls.
func timeoutMsec(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	if timeout == 0 {
		return 0
	}
	msec := int((timeout + time.Millisecond - 1) / time.Millisecond)
	if msec == 0 {
		msec = 1
	}
	return msec
}
