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

func TestWheelExpirationOrder(t *testing.T) {
	w := newTimerWheel()
	base := time.Now()
	w.add(base.Add(30*time.Millisecond), makeToken(3, 0))
	w.add(base.Add(10*time.Millisecond), makeToken(1, 0))
	w.add(base.Add(20*time.Millisecond), makeToken(2, 0))

	deadline, ok := w.nextDeadline()
	require.True(t, ok)
	assert.Equal(t, base.Add(10*time.Millisecond), deadline)

	var keys []uint32
	for {
		tok, _, ok := w.popExpired(base.Add(time.Second))
		if !ok {
			break
		}
		keys = append(keys, tok.key())
	}
	assert.Equal(t, []uint32{1, 2, 3}, keys)
	_, ok = w.nextDeadline()
	assert.False(t, ok)
}

func TestWheelTieBreakByInsertion(t *testing.T) {
	w := newTimerWheel()
	at := time.Now().Add(5 * time.Millisecond)
	w.add(at, makeToken(1, 0))
	w.add(at, makeToken(2, 0))
	w.add(at, makeToken(3, 0))

	var keys []uint32
	for {
		tok, _, ok := w.popExpired(at)
		if !ok {
			break
		}
		keys = append(keys, tok.key())
	}
	assert.Equal(t, []uint32{1, 2, 3}, keys)
}

func TestWheelLazyCancel(t *testing.T) {
	w := newTimerWheel()
	base := time.Now()
	id1 := w.add(base.Add(10*time.Millisecond), makeToken(1, 0))
	w.add(base.Add(20*time.Millisecond), makeToken(2, 0))

	w.cancel(id1)
	w.cancel(id1) // idempotent
	w.cancel(999) // unknown ids are ignored

	deadline, ok := w.nextDeadline()
	require.True(t, ok)
	assert.Equal(t, base.Add(20*time.Millisecond), deadline)

	tok, _, ok := w.popExpired(base.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, uint32(2), tok.key())
	_, _, ok = w.popExpired(base.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, 0, w.pending())
}

func TestWheelHonorsNow(t *testing.T) {
	w := newTimerWheel()
	base := time.Now()
	w.add(base.Add(50*time.Millisecond), makeToken(1, 0))

	_, _, ok := w.popExpired(base)
	assert.False(t, ok)
	_, _, ok = w.popExpired(base.Add(50 * time.Millisecond))
	assert.True(t, ok)
}

func TestWheelRearmDuringDrain(t *testing.T) {
	w := newTimerWheel()
	base := time.Now()
	w.add(base, makeToken(1, 0))

	tok, _, ok := w.popExpired(base)
	require.True(t, ok)
	require.Equal(t, uint32(1), tok.key())

	// A re-armed deadline lands before the next query.
	w.add(base.Add(time.Millisecond), makeToken(1, 0))
	deadline, ok := w.nextDeadline()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Millisecond), deadline)
}
