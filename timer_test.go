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

func TestTimerFiresOnce(t *testing.T) {
	l := newTestLoop(t)
	var fired []time.Time
	timer := NewTimerAfter(50*time.Millisecond, func(now time.Time, data interface{}) TimeoutAction {
		fired = append(fired, now)
		return TimeoutDrop
	})
	_, err := l.Handle().Insert(timer)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, l.Dispatch(200*time.Millisecond, nil))
	elapsed := time.Since(start)

	require.Len(t, fired, 1)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 190*time.Millisecond)

	// Dropped timers stay registered but never fire again.
	require.NoError(t, l.Dispatch(20*time.Millisecond, nil))
	assert.Len(t, fired, 1)
}

func TestTimerRearms(t *testing.T) {
	l := newTestLoop(t)
	sig := l.Signal()
	var fired int
	timer := NewTimerAfter(10*time.Millisecond, func(now time.Time, data interface{}) TimeoutAction {
		fired++
		if fired < 3 {
			return TimeoutAfter(10 * time.Millisecond)
		}
		sig.Stop()
		return TimeoutDrop
	})
	_, err := l.Handle().Insert(timer)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, l.Run(time.Second, nil, nil))
	assert.Equal(t, 3, fired)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestTimerAlreadyExpired(t *testing.T) {
	l := newTestLoop(t)
	var fired int
	timer := NewTimer(time.Now().Add(-time.Second), func(now time.Time, data interface{}) TimeoutAction {
		fired++
		return TimeoutDrop
	})
	_, err := l.Handle().Insert(timer)
	require.NoError(t, err)

	// An expired deadline must not let the poll block.
	start := time.Now()
	require.NoError(t, l.Dispatch(10*time.Second, nil))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, fired)
}

func TestTimerRearmToInstant(t *testing.T) {
	l := newTestLoop(t)
	var fired []time.Time
	var second time.Time
	timer := NewTimerAfter(10*time.Millisecond, func(now time.Time, data interface{}) TimeoutAction {
		fired = append(fired, now)
		if len(fired) == 1 {
			second = time.Now().Add(20 * time.Millisecond)
			return TimeoutAt(second)
		}
		return TimeoutDrop
	})
	_, err := l.Handle().Insert(timer)
	require.NoError(t, err)

	require.NoError(t, l.Dispatch(time.Second, nil))
	require.Len(t, fired, 1)
	require.NoError(t, l.Dispatch(time.Second, nil))
	require.Len(t, fired, 2)
	assert.False(t, fired[1].Before(second))
}

func TestTimerRemoveCancelsDeadline(t *testing.T) {
	l := newTestLoop(t)
	var fired int
	timer := NewTimerAfter(20*time.Millisecond, func(now time.Time, data interface{}) TimeoutAction {
		fired++
		return TimeoutDrop
	})
	tok, err := l.Handle().Insert(timer)
	require.NoError(t, err)
	require.NoError(t, l.Handle().Remove(tok))

	// Without pending deadlines the full timeout elapses.
	start := time.Now()
	require.NoError(t, l.Dispatch(50*time.Millisecond, nil))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 0, fired)
}

func TestTimerUpdatePicksUpNewDeadline(t *testing.T) {
	l := newTestLoop(t)
	var fired int
	timer := NewTimerAfter(10*time.Millisecond, func(now time.Time, data interface{}) TimeoutAction {
		fired++
		return TimeoutDrop
	})
	tok, err := l.Handle().Insert(timer)
	require.NoError(t, err)

	require.NoError(t, l.Dispatch(time.Second, nil))
	require.Equal(t, 1, fired)

	// Re-arm the dropped timer through an update.
	timer.SetDeadline(time.Now().Add(10 * time.Millisecond))
	require.NoError(t, l.Handle().Update(tok))
	require.NoError(t, l.Dispatch(time.Second, nil))
	assert.Equal(t, 2, fired)
}
