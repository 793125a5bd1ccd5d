// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package poller

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"trpc.group/trpc-go/tloop/metrics"
)

// kqReg remembers what was registered for an fd so that Modify and
// Unregister can issue the right per-filter changes. kevent has no 64-bit
// user word that survives kernels uniformly, so tokens are kept here and
// looked up by Ident on the way out.
type kqReg struct {
	token    uint64
	interest Interest
}

type kqueue struct {
	fd       int
	notified int32
	regs     map[int]kqReg
	raw      []unix.Kevent_t
}

func newPoller() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	// Provide FD_CLOEXEC flag for consistency with Go runtime.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if _, err := unix.Kevent(fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("kevent add|clear", err)
	}
	return &kqueue{
		fd:   fd,
		regs: make(map[int]kqReg),
	}, nil
}

func modeFlags(mode Mode) uint16 {
	switch mode {
	case Edge:
		return unix.EV_CLEAR
	case OneShot:
		return unix.EV_ONESHOT
	default:
		return 0
	}
}

// changes builds the per-filter change list turning prev into next.
func changes(fd int, prev, next Interest, mode Mode) []unix.Kevent_t {
	var chs []unix.Kevent_t
	flags := unix.EV_ADD | modeFlags(mode)
	if next.Readable {
		chs = append(chs, unix.Kevent_t{Ident: newKeventIdent(fd), Filter: unix.EVFILT_READ, Flags: flags})
	} else if prev.Readable {
		chs = append(chs, unix.Kevent_t{Ident: newKeventIdent(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if next.Writable {
		chs = append(chs, unix.Kevent_t{Ident: newKeventIdent(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	} else if prev.Writable {
		chs = append(chs, unix.Kevent_t{Ident: newKeventIdent(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	return chs
}

// Register adds fd to the kqueue tagged with token.
func (kq *kqueue) Register(fd int, token uint64, interest Interest, mode Mode) error {
	if _, ok := kq.regs[fd]; ok {
		return errors.Errorf("fd %d is already registered", fd)
	}
	if _, err := unix.Kevent(kq.fd, changes(fd, Interest{}, interest, mode), nil, nil); err != nil {
		return errors.Wrap(os.NewSyscallError("kevent add", err), "register")
	}
	kq.regs[fd] = kqReg{token: token, interest: interest}
	return nil
}

// Modify updates the registration of fd.
func (kq *kqueue) Modify(fd int, token uint64, interest Interest, mode Mode) error {
	prev, ok := kq.regs[fd]
	if !ok {
		return errors.Errorf("fd %d is not registered", fd)
	}
	if _, err := unix.Kevent(kq.fd, changes(fd, prev.interest, interest, mode), nil, nil); err != nil {
		return errors.Wrap(os.NewSyscallError("kevent mod", err), "modify")
	}
	kq.regs[fd] = kqReg{token: token, interest: interest}
	return nil
}

// Unregister removes fd from the kqueue.
func (kq *kqueue) Unregister(fd int) error {
	prev, ok := kq.regs[fd]
	if !ok {
		return errors.Errorf("fd %d is not registered", fd)
	}
	delete(kq.regs, fd)
	if _, err := unix.Kevent(kq.fd, changes(fd, prev.interest, Interest{}, Level), nil, nil); err != nil {
		return errors.Wrap(os.NewSyscallError("kevent del", err), "unregister")
	}
	return nil
}

// Poll waits for readiness and fills events.
func (kq *kqueue) Poll(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, errors.New("events buffer is empty")
	}
	if cap(kq.raw) < len(events) {
		kq.raw = make([]unix.Kevent_t, len(events))
	}
	raw := kq.raw[:len(events)]
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	if timeout == 0 {
		metrics.Add(metrics.PollNoWait, 1)
	}
	metrics.Add(metrics.PollWait, 1)
	n, err := unix.Kevent(kq.fd, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("kevent", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		ev := &raw[i]
		if ev.Filter == unix.EVFILT_USER {
			atomic.StoreInt32(&kq.notified, 0)
			continue
		}
		reg, ok := kq.regs[int(ev.Ident)]
		if !ok {
			continue
		}
		events[out] = Event{
			Token:    reg.token,
			Readable: ev.Filter == unix.EVFILT_READ,
			Writable: ev.Filter == unix.EVFILT_WRITE,
			Error:    ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0,
		}
		out++
	}
	metrics.Add(metrics.PollEvents, uint64(out))
	return out, nil
}

// Notify wakes a blocked Poll from any thread.
func (kq *kqueue) Notify() error {
	metrics.Add(metrics.NotifyCalls, 1)
	if !atomic.CompareAndSwapInt32(&kq.notified, 0, 1) {
		metrics.Add(metrics.NotifyCoalesced, 1)
		return nil
	}
	for {
		if _, err := unix.Kevent(kq.fd, []unix.Kevent_t{{
			Ident:  0,
			Filter: unix.EVFILT_USER,
			Fflags: unix.NOTE_TRIGGER,
		}}, nil, nil); err != unix.EINTR && err != unix.EAGAIN {
			return os.NewSyscallError("kevent", err)
		}
	}
}

// Close closes the kqueue.
func (kq *kqueue) Close() error {
	return os.NewSyscallError("close", unix.Close(kq.fd))
}
