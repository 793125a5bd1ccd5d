// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransientRemoveFromCallback(t *testing.T) {
	l := newTestLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var calls int
	var tr *TransientSource
	g := NewGeneric(int(r.Fd()), InterestRead, ModeLevel,
		func(ready Readiness, fd int, data interface{}) (PostAction, error) {
			calls++
			buf := make([]byte, 8)
			r.Read(buf)
			// The callback never sees its own RegistrationToken; the
			// wrapper carries the removal for it.
			tr.Remove()
			return PostActionContinue, nil
		})
	tr = NewTransient(g)
	assert.Equal(t, EventSource(g), tr.Inner())

	tok, err := l.Handle().Insert(tr)
	require.NoError(t, err)

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.Dispatch(time.Second, nil))
	assert.Equal(t, 1, calls)

	// The wrapper turned the flag into a removal; the slot is gone.
	assert.ErrorIs(t, l.Handle().Update(tok), ErrInvalidToken)

	_, err = w.Write([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, l.Dispatch(30*time.Millisecond, nil))
	assert.Equal(t, 1, calls)
}

func TestTransientDisableFromCallback(t *testing.T) {
	l := newTestLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var calls int
	var tr *TransientSource
	g := NewGeneric(int(r.Fd()), InterestRead, ModeLevel,
		func(ready Readiness, fd int, data interface{}) (PostAction, error) {
			calls++
			buf := make([]byte, 8)
			r.Read(buf)
			tr.Disable()
			return PostActionContinue, nil
		})
	tr = NewTransient(g)

	tok, err := l.Handle().Insert(tr)
	require.NoError(t, err)

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.Dispatch(time.Second, nil))
	require.Equal(t, 1, calls)

	// Disabled, not removed: the token stays valid and Enable revives it.
	_, err = w.Write([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, l.Dispatch(30*time.Millisecond, nil))
	require.Equal(t, 1, calls)

	require.NoError(t, l.Handle().Enable(tok))
	require.NoError(t, l.Dispatch(time.Second, nil))
	assert.Equal(t, 2, calls)
}
