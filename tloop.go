// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package tloop provides a callback-based event loop. Heterogeneous event
// sources (file descriptors, timers, signals, cross-thread channels, pings)
// register with a single dispatcher that multiplexes kernel readiness and
// invokes per-source callbacks with shared access to user state.
package tloop

import (
	"errors"
	"fmt"
)

// Errors surfaced by the loop core.
var (
	// ErrInvalidToken denotes a registration token from an older generation
	// of its slot, typically one that has already been removed.
	ErrInvalidToken = errors.New("tloop: invalid registration token")
	// ErrLoopClosed denotes an operation on a closed event loop.
	ErrLoopClosed = errors.New("tloop: event loop is closed")
	// ErrPingClosed is delivered to a ping source callback once after all
	// Ping handles have been closed.
	ErrPingClosed = errors.New("tloop: all ping handles are closed")
	// ErrChannelClosed denotes a send on a channel whose receiving Channel
	// has been closed.
	ErrChannelClosed = errors.New("tloop: channel is closed")
	// ErrChannelFull denotes a TrySend on a bounded channel that is full.
	ErrChannelFull = errors.New("tloop: channel is full")
	// ErrDuplicateMask denotes a signal mask overlapping an existing
	// signals source.
	ErrDuplicateMask = errors.New("tloop: signal mask overlaps an existing source")
	// ErrExecutorDestroyed denotes a Schedule call after the executor has
	// been closed. Removing the executor from the loop alone does not
	// destroy it.
	ErrExecutorDestroyed = errors.New("tloop: executor is destroyed")
)

// Interest selects the readiness kinds a source wants for a descriptor.
type Interest struct {
	Readable bool
	Writable bool
}

// Common interests.
var (
	InterestRead      = Interest{Readable: true}
	InterestWrite     = Interest{Writable: true}
	InterestReadWrite = Interest{Readable: true, Writable: true}
)

// Mode selects how the kernel reports readiness for a registration.
type Mode int

// Registration modes. Level is the default.
const (
	ModeLevel Mode = iota
	ModeEdge
	ModeOneShot
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeLevel:
		return "Level"
	case ModeEdge:
		return "Edge"
	case ModeOneShot:
		return "OneShot"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Readiness describes what the kernel reported for one token.
type Readiness struct {
	Readable bool
	Writable bool
	Error    bool
}

// PostAction is returned by every source callback and tells the loop what
// to do with the source once the callback has returned.
type PostAction int

const (
	// PostActionContinue leaves the source as it is.
	PostActionContinue PostAction = iota
	// PostActionReregister re-runs the source's registration, picking up
	// changed interests or modes.
	PostActionReregister
	// PostActionDisable keeps the slot but stops event delivery until the
	// source is enabled again.
	PostActionDisable
	// PostActionRemove unregisters the source and frees its slot.
	PostActionRemove
)

// String implements fmt.Stringer.
func (a PostAction) String() string {
	switch a {
	case PostActionContinue:
		return "Continue"
	case PostActionReregister:
		return "Reregister"
	case PostActionDisable:
		return "Disable"
	case PostActionRemove:
		return "Remove"
	default:
		return fmt.Sprintf("PostAction(%d)", int(a))
	}
}

// InsertError is returned when inserting a source fails. It hands the
// source back to the caller intact.
type InsertError struct {
	Source EventSource
	Err    error
}

// Error implements the error interface.
func (e *InsertError) Error() string {
	return fmt.Sprintf("tloop: insert source: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *InsertError) Unwrap() error {
	return e.Err
}
