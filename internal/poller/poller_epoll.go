// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build linux
// +build linux

package poller

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"trpc.group/trpc-go/tloop/metrics"
)

const (
	errFlags = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
)

type epoll struct {
	fd       int
	eventFD  int
	notified int32
	buf      []byte
	raw      []unix.EpollEvent
}

func newPoller() (Poller, error) {
	// Provide EPOLL_CLOEXEC flag for consistency with Go runtime.
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	// Provide EFD_CLOEXEC flag for consistency with Go runtime.
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ep := &epoll{
		fd:      fd,
		eventFD: efd,
		buf:     make([]byte, 8),
	}
	if err := ep.Register(efd, NotifyToken, Interest{Readable: true}, Level); err != nil {
		unix.Close(efd)
		unix.Close(fd)
		return nil, err
	}
	return ep, nil
}

// epollEvents maps interest and mode to epoll flag bits. Error conditions
// are always reported by the kernel and need no explicit interest.
func epollEvents(interest Interest, mode Mode) uint32 {
	var ev uint32
	if interest.Readable {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLPRI
	}
	if interest.Writable {
		ev |= unix.EPOLLOUT
	}
	switch mode {
	case Edge:
		ev |= unix.EPOLLET
	case OneShot:
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

// packToken splits a 64-bit token across the Fd and Pad fields of the epoll
// data word, the only user payload epoll carries per registration.
func packToken(ev *unix.EpollEvent, token uint64) {
	ev.Fd = int32(uint32(token))
	ev.Pad = int32(uint32(token >> 32))
}

func unpackToken(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// Register adds fd to the epoll set tagged with token.
func (ep *epoll) Register(fd int, token uint64, interest Interest, mode Mode) error {
	ev := unix.EpollEvent{Events: epollEvents(interest, mode)}
	packToken(&ev, token)
	if err := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrap(os.NewSyscallError("epoll_ctl add", err), "register")
	}
	return nil
}

// Modify updates the registration of fd.
func (ep *epoll) Modify(fd int, token uint64, interest Interest, mode Mode) error {
	ev := unix.EpollEvent{Events: epollEvents(interest, mode)}
	packToken(&ev, token)
	if err := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.Wrap(os.NewSyscallError("epoll_ctl mod", err), "modify")
	}
	return nil
}

// Unregister removes fd from the epoll set.
func (ep *epoll) Unregister(fd int) error {
	if err := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrap(os.NewSyscallError("epoll_ctl del", err), "unregister")
	}
	return nil
}

// Poll waits for readiness and fills events. The wakeup eventfd is drained
// in place and never surfaced to the caller.
func (ep *epoll) Poll(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, errors.New("events buffer is empty")
	}
	if cap(ep.raw) < len(events) {
		ep.raw = make([]unix.EpollEvent, len(events))
	}
	raw := ep.raw[:len(events)]
	msec := timeoutMsec(timeout)
	if msec == 0 {
		metrics.Add(metrics.PollNoWait, 1)
	}
	metrics.Add(metrics.PollWait, 1)
	n, err := unix.EpollWait(ep.fd, raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		token := unpackToken(&raw[i])
		if token == NotifyToken {
			ep.drainWakeup()
			continue
		}
		events[out] = Event{
			Token:    token,
			Readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: raw[i].Events&unix.EPOLLOUT != 0,
			Error:    raw[i].Events&errFlags != 0,
		}
		out++
	}
	metrics.Add(metrics.PollEvents, uint64(out))
	return out, nil
}

func (ep *epoll) drainWakeup() {
	_, _ = unix.Read(ep.eventFD, ep.buf)
	atomic.StoreInt32(&ep.notified, 0)
}

// Notify wakes a blocked Poll from any thread.
func (ep *epoll) Notify() error {
	metrics.Add(metrics.NotifyCalls, 1)
	if !atomic.CompareAndSwapInt32(&ep.notified, 0, 1) {
		metrics.Add(metrics.NotifyCoalesced, 1)
		return nil
	}
	var one = [8]byte{1}
	for {
		_, err := unix.Write(ep.eventFD, one[:])
		if err != unix.EINTR && err != unix.EAGAIN {
			return os.NewSyscallError("write", err)
		}
	}
}

// Close closes the epoll instance and the wakeup eventfd.
func (ep *epoll) Close() error {
	if err := unix.Close(ep.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return os.NewSyscallError("close", unix.Close(ep.eventFD))
}
