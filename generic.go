// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

// GenericCallback handles readiness of a user-supplied descriptor. A
// returned error is logged by the loop; only the PostAction decides what
// happens to the source.
type GenericCallback func(ready Readiness, fd int, data interface{}) (PostAction, error)

// Generic wraps a caller-owned file descriptor as an event source. The
// caller keeps ownership of the descriptor and closes it after removing
// the source.
type Generic struct {
	cb       GenericCallback
	fd       int
	interest Interest
	mode     Mode
	token    Token
}

// NewGeneric creates a source watching fd with the given interest and mode.
func NewGeneric(fd int, interest Interest, mode Mode, cb GenericCallback) *Generic {
	return &Generic{fd: fd, interest: interest, mode: mode, cb: cb}
}

// FD returns the wrapped descriptor.
func (g *Generic) FD() int {
	return g.fd
}

// SetInterest changes the wanted readiness kinds. For an inserted source it
// takes effect on the next update, typically by returning
// PostActionReregister from the callback.
func (g *Generic) SetInterest(interest Interest) {
	g.interest = interest
}

// SetMode changes the registration mode, effective on the next update.
func (g *Generic) SetMode(mode Mode) {
	g.mode = mode
}

// Register implements EventSource.
func (g *Generic) Register(reg *Registrar, f *TokenFactory) error {
	g.token = f.Token(0)
	return reg.RegisterFD(g.fd, g.token, g.interest, g.mode)
}

// Reregister implements EventSource.
func (g *Generic) Reregister(reg *Registrar, f *TokenFactory) error {
	g.token = f.Token(0)
	return reg.ModifyFD(g.fd, g.token, g.interest, g.mode)
}

// Unregister implements EventSource.
func (g *Generic) Unregister(reg *Registrar) error {
	return reg.UnregisterFD(g.fd)
}

// ProcessEvents implements EventSource.
func (g *Generic) ProcessEvents(ready Readiness, sub uint32, data interface{}) (PostAction, error) {
	return g.cb(ready, g.fd, data)
}
