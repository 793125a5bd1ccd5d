// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelOrderingAndClose(t *testing.T) {
	l := newTestLoop(t)
	sig := l.Signal()

	var got []int
	var closes int
	sender, ch, err := NewChannel(func(ev ChannelEvent[int], data interface{}) PostAction {
		if ev.Closed {
			closes++
			sig.Stop()
			return PostActionContinue
		}
		got = append(got, ev.Msg)
		return PostActionContinue
	})
	require.NoError(t, err)
	defer ch.Close()

	_, err = l.Handle().Insert(ch)
	require.NoError(t, err)

	const n = 1000
	go func() {
		for i := 1; i <= n; i++ {
			sender.Send(i)
		}
		sender.Close()
	}()

	require.NoError(t, l.Run(time.Second, nil, nil))

	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i+1, v)
	}
	assert.Equal(t, 1, closes)
}

func TestChannelCloseDeliveredExactlyOnce(t *testing.T) {
	l := newTestLoop(t)
	var closes int
	sender, ch, err := NewChannel(func(ev ChannelEvent[string], data interface{}) PostAction {
		if ev.Closed {
			closes++
		}
		return PostActionContinue
	})
	require.NoError(t, err)
	defer ch.Close()

	_, err = l.Handle().Insert(ch)
	require.NoError(t, err)

	require.NoError(t, sender.Send("last"))
	sender.Close()

	require.NoError(t, l.Dispatch(time.Second, nil))
	require.NoError(t, l.Dispatch(10*time.Millisecond, nil))
	assert.Equal(t, 1, closes)
}

func TestChannelSendAfterSourceRemoved(t *testing.T) {
	l := newTestLoop(t)
	sender, ch, err := NewChannel(func(ev ChannelEvent[int], data interface{}) PostAction {
		return PostActionContinue
	})
	require.NoError(t, err)

	tok, err := l.Handle().Insert(ch)
	require.NoError(t, err)
	require.NoError(t, l.Handle().Remove(tok))
	ch.Close()

	assert.ErrorIs(t, sender.Send(1), ErrChannelClosed)
	sender.Close()
}

func TestChannelClonedSenders(t *testing.T) {
	l := newTestLoop(t)
	sig := l.Signal()
	var got []int
	var closes int
	sender, ch, err := NewChannel(func(ev ChannelEvent[int], data interface{}) PostAction {
		if ev.Closed {
			closes++
			sig.Stop()
			return PostActionContinue
		}
		got = append(got, ev.Msg)
		return PostActionContinue
	})
	require.NoError(t, err)
	defer ch.Close()
	_, err = l.Handle().Insert(ch)
	require.NoError(t, err)

	clone := sender.Clone()
	var wg sync.WaitGroup
	for i, s := range []*Sender[int]{sender, clone} {
		wg.Add(1)
		go func(base int, s *Sender[int]) {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				s.Send(base + k)
			}
			s.Close()
		}(1000*(i+1), s)
	}

	require.NoError(t, l.Run(time.Second, nil, nil))
	wg.Wait()

	require.Len(t, got, 200)
	// Per-sender FIFO: each sender's values appear in its own send order.
	var a, b []int
	for _, v := range got {
		if v < 2000 {
			a = append(a, v)
		} else {
			b = append(b, v)
		}
	}
	for i, v := range a {
		require.Equal(t, 1000+i, v)
	}
	for i, v := range b {
		require.Equal(t, 2000+i, v)
	}
	assert.Equal(t, 1, closes)
}

func TestSyncChannelTrySend(t *testing.T) {
	l := newTestLoop(t)
	sender, ch, err := NewSyncChannel(2, func(ev ChannelEvent[int], data interface{}) PostAction {
		return PostActionContinue
	})
	require.NoError(t, err)
	defer ch.Close()
	defer sender.Close()

	_, err = l.Handle().Insert(ch)
	require.NoError(t, err)

	require.NoError(t, sender.TrySend(1))
	require.NoError(t, sender.TrySend(2))
	assert.ErrorIs(t, sender.TrySend(3), ErrChannelFull)

	require.NoError(t, l.Dispatch(time.Second, nil))
	assert.NoError(t, sender.TrySend(3))
}

func TestSyncChannelBlockingSend(t *testing.T) {
	l := newTestLoop(t)
	sig := l.Signal()
	var got []int
	sender, ch, err := NewSyncChannel(2, func(ev ChannelEvent[int], data interface{}) PostAction {
		if ev.Closed {
			sig.Stop()
			return PostActionContinue
		}
		got = append(got, ev.Msg)
		return PostActionContinue
	})
	require.NoError(t, err)
	defer ch.Close()

	_, err = l.Handle().Insert(ch)
	require.NoError(t, err)

	go func() {
		for i := 1; i <= 10; i++ {
			sender.Send(i)
		}
		sender.Close()
	}()

	require.NoError(t, l.Run(time.Second, nil, nil))
	require.Len(t, got, 10)
	for i, v := range got {
		require.Equal(t, i+1, v)
	}
}
