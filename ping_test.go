// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingWakesBlockedDispatch(t *testing.T) {
	l := newTestLoop(t)
	var calls int
	ping, src, err := NewPing(func(err error, data interface{}) PostAction {
		require.NoError(t, err)
		calls++
		return PostActionContinue
	})
	require.NoError(t, err)
	defer src.Close()
	defer ping.Close()

	_, err = l.Handle().Insert(src)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ping.Ping()
	}()
	start := time.Now()
	require.NoError(t, l.Dispatch(10*time.Second, nil))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, calls)
}

func TestPingCoalescing(t *testing.T) {
	l := newTestLoop(t)
	var calls int
	ping, src, err := NewPing(func(err error, data interface{}) PostAction {
		calls++
		return PostActionContinue
	})
	require.NoError(t, err)
	defer src.Close()
	defer ping.Close()

	_, err = l.Handle().Insert(src)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		ping.Ping()
	}
	require.NoError(t, l.Dispatch(time.Second, nil))
	// All pings landed before the pass, so they collapse into one event.
	assert.Equal(t, 1, calls)

	// No residual readiness: the next pass times out quietly.
	start := time.Now()
	require.NoError(t, l.Dispatch(30*time.Millisecond, nil))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestPingAfterDispatchWakesNextPass(t *testing.T) {
	l := newTestLoop(t)
	var calls int
	ping, src, err := NewPing(func(err error, data interface{}) PostAction {
		calls++
		return PostActionContinue
	})
	require.NoError(t, err)
	defer src.Close()
	defer ping.Close()

	_, err = l.Handle().Insert(src)
	require.NoError(t, err)

	for pass := 1; pass <= 3; pass++ {
		ping.Ping()
		require.NoError(t, l.Dispatch(time.Second, nil))
		assert.Equal(t, pass, calls)
	}
}

func TestPingClosedDeliversTerminalError(t *testing.T) {
	l := newTestLoop(t)
	var errs []error
	ping, src, err := NewPing(func(err error, data interface{}) PostAction {
		errs = append(errs, err)
		return PostActionRemove
	})
	require.NoError(t, err)
	defer src.Close()

	tok, err := l.Handle().Insert(src)
	require.NoError(t, err)

	clone := ping.Clone()
	ping.Close()
	// One live handle left; nothing terminal yet, and closing is a
	// wakeup-free no-op for the loop once coalesced with nothing.
	clone.Close()

	require.NoError(t, l.Dispatch(time.Second, nil))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrPingClosed)

	// The callback returned Remove; the slot is gone.
	assert.ErrorIs(t, l.Handle().Update(tok), ErrInvalidToken)
}

func TestPingCloseIdempotent(t *testing.T) {
	ping, src, err := NewPing(func(err error, data interface{}) PostAction {
		return PostActionContinue
	})
	require.NoError(t, err)
	ping.Close()
	ping.Close()
	ping.Ping() // no-op on a closed handle
	src.Close()
	src.Close()
}
