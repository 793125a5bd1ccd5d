// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build linux
// +build linux

package tloop

import (
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"trpc.group/trpc-go/tloop/internal/safejob"
	"trpc.group/trpc-go/tloop/metrics"
)

// SignalEvent is delivered once per signal delivery.
type SignalEvent struct {
	Signal os.Signal
	Info   unix.SignalfdSiginfo
}

// SignalCallback handles signal events on the loop thread.
type SignalCallback func(ev SignalEvent, data interface{}) PostAction

// claimedSignals guards against two live sources watching the same signal;
// overlapping delivery through two signalfds is undefined enough to forbid.
var (
	claimMu        sync.Mutex
	claimedSignals = make(map[syscall.Signal]bool)
)

func claimSignals(sigs []syscall.Signal) error {
	claimMu.Lock()
	defer claimMu.Unlock()
	for _, s := range sigs {
		if claimedSignals[s] {
			return errors.Wrapf(ErrDuplicateMask, "signal %d", s)
		}
	}
	for _, s := range sigs {
		claimedSignals[s] = true
	}
	return nil
}

func releaseSignals(sigs []syscall.Signal) {
	claimMu.Lock()
	defer claimMu.Unlock()
	for _, s := range sigs {
		delete(claimedSignals, s)
	}
}

func sigaddset(set *unix.Sigset_t, sig syscall.Signal) {
	n := uint(sig) - 1
	set.Val[n/64] |= 1 << (n % 64)
}

// Signals is an event source delivering POSIX signals through a signalfd.
// Creating it blocks the watched signals on the calling thread; Close
// restores the previous mask of that thread, so create and close it on the
// loop thread (pin it with runtime.LockOSThread for deterministic routing).
type Signals struct {
	cb      SignalCallback
	sigs    []syscall.Signal
	fd      int
	token   Token
	mask    unix.Sigset_t
	oldMask unix.Sigset_t
	closed  safejob.OnceJob
}

// NewSignals creates a signals source for the given mask. Watching a
// signal already watched by a live source fails with ErrDuplicateMask.
func NewSignals(cb SignalCallback, sigs ...os.Signal) (*Signals, error) {
	if len(sigs) == 0 {
		return nil, errors.New("tloop: empty signal mask")
	}
	raw := make([]syscall.Signal, 0, len(sigs))
	for _, s := range sigs {
		ss, ok := s.(syscall.Signal)
		if !ok {
			return nil, errors.Errorf("tloop: unsupported signal type %T", s)
		}
		raw = append(raw, ss)
	}
	if err := claimSignals(raw); err != nil {
		return nil, err
	}
	s := &Signals{cb: cb, sigs: raw, fd: -1}
	for _, sig := range raw {
		sigaddset(&s.mask, sig)
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &s.mask, &s.oldMask); err != nil {
		releaseSignals(raw)
		return nil, os.NewSyscallError("pthread_sigmask", err)
	}
	fd, err := unix.Signalfd(-1, &s.mask, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		unix.PthreadSigmask(unix.SIG_SETMASK, &s.oldMask, nil)
		releaseSignals(raw)
		return nil, os.NewSyscallError("signalfd", err)
	}
	s.fd = fd
	return s, nil
}

// Close releases the signalfd, restores the previous thread mask and frees
// the mask claim. Call it after the source has been removed from the loop.
func (s *Signals) Close() error {
	if !s.closed.Begin() {
		return nil
	}
	err := os.NewSyscallError("close", unix.Close(s.fd))
	if merr := unix.PthreadSigmask(unix.SIG_SETMASK, &s.oldMask, nil); err == nil && merr != nil {
		err = os.NewSyscallError("pthread_sigmask", merr)
	}
	releaseSignals(s.sigs)
	return err
}

// Register implements EventSource.
func (s *Signals) Register(reg *Registrar, f *TokenFactory) error {
	s.token = f.Token(0)
	return reg.RegisterFD(s.fd, s.token, InterestRead, ModeLevel)
}

// Reregister implements EventSource.
func (s *Signals) Reregister(reg *Registrar, f *TokenFactory) error {
	if err := reg.UnregisterFD(s.fd); err != nil {
		return err
	}
	return s.Register(reg, f)
}

// Unregister implements EventSource.
func (s *Signals) Unregister(reg *Registrar) error {
	return reg.UnregisterFD(s.fd)
}

// ProcessEvents implements EventSource. Each queued siginfo becomes one
// callback invocation.
func (s *Signals) ProcessEvents(ready Readiness, sub uint32, data interface{}) (PostAction, error) {
	const infoSize = unsafe.Sizeof(unix.SignalfdSiginfo{})
	// Read into siginfo structs directly so the reinterpretation below
	// stays aligned.
	var infos [8]unix.SignalfdSiginfo
	buf := (*(*[8 * infoSize]byte)(unsafe.Pointer(&infos[0])))[:]
	action := PostActionContinue
	for {
		n, err := unix.Read(s.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < int(infoSize) {
			return action, nil
		}
		for i := 0; i < n/int(infoSize); i++ {
			info := infos[i]
			metrics.Add(metrics.SignalsDelivered, 1)
			ev := SignalEvent{Signal: syscall.Signal(info.Signo), Info: info}
			if a := s.cb(ev, data); a != PostActionContinue {
				action = a
			}
		}
	}
}
