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

	"golang.org/x/sys/unix"
)

// wakeFD is the OS event channel behind pings: an eventfd on linux.
type wakeFD struct {
	fd int
}

func newWakeFD() (*wakeFD, error) {
	// Provide EFD_CLOEXEC flag for consistency with Go runtime.
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &wakeFD{fd: fd}, nil
}

// readFD returns the descriptor to register with the poller.
func (w *wakeFD) readFD() int {
	return w.fd
}

// wake makes the descriptor readable. EAGAIN means the counter is already
// saturated, which keeps it readable, so it counts as success.
func (w *wakeFD) wake() error {
	var one = [8]byte{1}
	for {
		_, err := unix.Write(w.fd, one[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		return os.NewSyscallError("write", err)
	}
}

// drain consumes the pending counter so the descriptor goes quiet.
func (w *wakeFD) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.fd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

func (w *wakeFD) close() error {
	return os.NewSyscallError("close", unix.Close(w.fd))
}
