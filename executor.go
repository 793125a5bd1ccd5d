// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
	"trpc.group/trpc-go/tloop/log"
	"trpc.group/trpc-go/tloop/metrics"
)

// ExecutorCallback receives the result of a completed task on the loop
// thread.
type ExecutorCallback[T any] func(res T, err error, data interface{})

type taskResult[T any] struct {
	res T
	err error
}

type executorState[T any] struct {
	sender    *Sender[taskResult[T]]
	pool      *ants.Pool
	destroyed atomic.Bool
}

// Scheduler feeds tasks to an executor from any thread.
type Scheduler[T any] struct {
	st *executorState[T]
}

// Schedule runs task on the executor's goroutine pool; its result is
// delivered to the executor callback on the loop thread. After the
// executor is destroyed, Schedule fails with ErrExecutorDestroyed.
func (s *Scheduler[T]) Schedule(task func() (T, error)) error {
	if s.st.destroyed.Load() {
		return ErrExecutorDestroyed
	}
	metrics.Add(metrics.TasksScheduled, 1)
	return s.st.pool.Submit(func() {
		res, err := task()
		if serr := s.st.sender.Send(taskResult[T]{res: res, err: err}); serr != nil {
			log.Debugf("tloop: dropping result of task finished after executor destruction: %v", serr)
		}
	})
}

// Executor is the loop side of a task executor: a channel source whose
// events are completed task results. Insert it into the loop; after
// removing it, call Close to release its resources.
type Executor[T any] struct {
	ch *Channel[taskResult[T]]
	st *executorState[T]
}

// NewExecutor creates a connected scheduler/executor pair. Task results
// flow through an internal channel; cb runs on the loop thread once per
// completed task. poolSize <= 0 means an unbounded pool.
func NewExecutor[T any](poolSize int, cb ExecutorCallback[T]) (*Scheduler[T], *Executor[T], error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, nil, err
	}
	st := &executorState[T]{pool: pool}
	sender, ch, err := NewChannel(func(ev ChannelEvent[taskResult[T]], data interface{}) PostAction {
		if ev.Closed {
			return PostActionContinue
		}
		cb(ev.Msg.res, ev.Msg.err, data)
		return PostActionContinue
	})
	if err != nil {
		pool.Release()
		return nil, nil, err
	}
	st.sender = sender
	return &Scheduler[T]{st: st}, &Executor[T]{ch: ch, st: st}, nil
}

// Close destroys the executor: pending Schedule calls fail, the pool is
// released and the channel descriptor freed. Results of tasks already
// running are dropped.
func (e *Executor[T]) Close() {
	if !e.st.destroyed.CompareAndSwap(false, true) {
		return
	}
	e.ch.Close()
	e.st.sender.Close()
	e.st.pool.Release()
}

// Register implements EventSource.
func (e *Executor[T]) Register(reg *Registrar, f *TokenFactory) error {
	return e.ch.Register(reg, f)
}

// Reregister implements EventSource.
func (e *Executor[T]) Reregister(reg *Registrar, f *TokenFactory) error {
	return e.ch.Reregister(reg, f)
}

// Unregister implements EventSource.
func (e *Executor[T]) Unregister(reg *Registrar) error {
	return e.ch.Unregister(reg)
}

// ProcessEvents implements EventSource.
func (e *Executor[T]) ProcessEvents(ready Readiness, sub uint32, data interface{}) (PostAction, error) {
	return e.ch.ProcessEvents(ready, sub, data)
}
