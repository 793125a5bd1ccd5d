// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package tloop

import (
	"os"

	"golang.org/x/sys/unix"
)

// wakeFD is the OS event channel behind pings: a nonblocking pipe pair on
// the BSDs, which have no eventfd.
type wakeFD struct {
	r int
	w int
}

func newWakeFD() (*wakeFD, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, os.NewSyscallError("fcntl", err)
		}
		// Provide FD_CLOEXEC flag for consistency with Go runtime.
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &wakeFD{r: p[0], w: p[1]}, nil
}

// readFD returns the descriptor to register with the poller.
func (w *wakeFD) readFD() int {
	return w.r
}

// wake makes the read end readable. A full pipe is already readable, so
// EAGAIN counts as success.
func (w *wakeFD) wake() error {
	one := [1]byte{1}
	for {
		_, err := unix.Write(w.w, one[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		return os.NewSyscallError("write", err)
	}
}

// drain consumes pending bytes so the read end goes quiet.
func (w *wakeFD) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			return
		}
	}
}

func (w *wakeFD) close() error {
	err := os.NewSyscallError("close", unix.Close(w.r))
	if cerr := os.NewSyscallError("close", unix.Close(w.w)); err == nil {
		err = cerr
	}
	return err
}
