// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"go.uber.org/atomic"
	"trpc.group/trpc-go/tloop/internal/safejob"
	"trpc.group/trpc-go/tloop/log"
	"trpc.group/trpc-go/tloop/metrics"
)

// PingCallback runs when the loop observes one or more pings. err is nil on
// wakeups; once all Ping handles are closed the callback receives a single
// terminal ErrPingClosed and should normally return PostActionRemove.
type PingCallback func(err error, data interface{}) PostAction

// pingState is shared between the loop-side source and the cross-thread
// Ping handles. The descriptor lives until both the source and the last
// handle released it.
type pingState struct {
	fd       *wakeFD
	notified atomic.Int32
	senders  atomic.Int32
	refs     atomic.Int32
}

// wakeup coalesces signals: between two drains only the first caller
// actually writes to the descriptor.
func (st *pingState) wakeup() {
	if st.notified.CompareAndSwap(0, 1) {
		if err := st.fd.wake(); err != nil {
			log.Debugf("tloop: ping wakeup: %v", err)
		}
	}
}

func (st *pingState) release() {
	if st.refs.Dec() == 0 {
		if err := st.fd.close(); err != nil {
			log.Debugf("tloop: ping close: %v", err)
		}
	}
}

// Ping is the cross-thread wakeup handle of a ping source. Handles may be
// cloned and used from any thread; signal count, not call count, is what
// reaches the loop, so any number of pings between two dispatches produce
// at least one and at most that many callback invocations.
type Ping struct {
	st     *pingState
	closed *safejob.OnceJob
}

// Ping wakes the loop. Safe from any thread at any time; calling a closed
// handle is a no-op.
func (p Ping) Ping() {
	if p.closed.Closed() {
		return
	}
	p.st.wakeup()
}

// Clone returns an independent handle to the same ping source.
func (p Ping) Clone() Ping {
	if p.closed.Closed() {
		return p
	}
	p.st.senders.Inc()
	p.st.refs.Inc()
	return Ping{st: p.st, closed: &safejob.OnceJob{}}
}

// Close releases the handle. Closing the last handle wakes the loop so the
// source can deliver its terminal error.
func (p Ping) Close() {
	if !p.closed.Begin() {
		return
	}
	if p.st.senders.Dec() == 0 {
		// Bypass coalescing: the wakeup must reach the loop even if a
		// regular ping is already pending.
		if err := p.st.fd.wake(); err != nil {
			log.Debugf("tloop: ping wakeup: %v", err)
		}
	}
	p.st.release()
}

// PingSource is the loop side of a ping. Insert it into the loop; after
// removing it, call Close to release the descriptor.
type PingSource struct {
	st         *pingState
	cb         PingCallback
	token      Token
	fdClosed   safejob.OnceJob
	closedSent bool
}

// NewPing creates a connected ping pair: a cross-thread Ping handle and the
// PingSource to insert into the loop.
func NewPing(cb PingCallback) (Ping, *PingSource, error) {
	fd, err := newWakeFD()
	if err != nil {
		return Ping{}, nil, err
	}
	st := &pingState{fd: fd}
	st.senders.Store(1)
	// One reference for the handle, one for the source.
	st.refs.Store(2)
	ping := Ping{st: st, closed: &safejob.OnceJob{}}
	return ping, &PingSource{st: st, cb: cb}, nil
}

// Close releases the source's reference on the descriptor. Call it after
// the source has been removed from the loop.
func (p *PingSource) Close() {
	if !p.fdClosed.Begin() {
		return
	}
	p.st.release()
}

// Register implements EventSource.
func (p *PingSource) Register(reg *Registrar, f *TokenFactory) error {
	p.token = f.Token(0)
	return reg.RegisterFD(p.st.fd.readFD(), p.token, InterestRead, ModeLevel)
}

// Reregister implements EventSource.
func (p *PingSource) Reregister(reg *Registrar, f *TokenFactory) error {
	if err := reg.UnregisterFD(p.st.fd.readFD()); err != nil {
		return err
	}
	return p.Register(reg, f)
}

// Unregister implements EventSource.
func (p *PingSource) Unregister(reg *Registrar) error {
	return reg.UnregisterFD(p.st.fd.readFD())
}

// ProcessEvents implements EventSource. Pings accumulated since the last
// pass collapse into one callback invocation; pings arriving while the
// drain runs wake the immediately following poll.
func (p *PingSource) ProcessEvents(ready Readiness, sub uint32, data interface{}) (PostAction, error) {
	// Clear the coalescing gate before draining, so a ping racing with the
	// drain writes again and is not lost.
	p.st.notified.Store(0)
	p.st.fd.drain()
	if p.st.senders.Load() == 0 {
		if p.closedSent {
			return PostActionContinue, nil
		}
		p.closedSent = true
		return p.cb(ErrPingClosed, data), nil
	}
	metrics.Add(metrics.PingWakeups, 1)
	return p.cb(nil, data), nil
}
