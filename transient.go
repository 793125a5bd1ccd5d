// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

// TransientSource wraps another source so its callback can signal "remove
// me" without holding its own RegistrationToken: the callback calls Remove
// (or Disable) on the wrapper, and the wrapper turns the flag into the
// matching PostAction when the inner callback returns.
type TransientSource struct {
	inner    EventSource
	removed  bool
	disabled bool
}

// NewTransient wraps src.
func NewTransient(src EventSource) *TransientSource {
	return &TransientSource{inner: src}
}

// Remove marks the source for removal at the end of the current callback.
func (t *TransientSource) Remove() {
	t.removed = true
}

// Disable marks the source for disabling at the end of the current
// callback.
func (t *TransientSource) Disable() {
	t.disabled = true
}

// Inner returns the wrapped source.
func (t *TransientSource) Inner() EventSource {
	return t.inner
}

// Register implements EventSource.
func (t *TransientSource) Register(reg *Registrar, f *TokenFactory) error {
	t.removed = false
	t.disabled = false
	return t.inner.Register(reg, f)
}

// Reregister implements EventSource.
func (t *TransientSource) Reregister(reg *Registrar, f *TokenFactory) error {
	return t.inner.Reregister(reg, f)
}

// Unregister implements EventSource.
func (t *TransientSource) Unregister(reg *Registrar) error {
	return t.inner.Unregister(reg)
}

// ProcessEvents implements EventSource. A Remove or Disable flagged during
// the inner callback overrides its returned action.
func (t *TransientSource) ProcessEvents(ready Readiness, sub uint32, data interface{}) (PostAction, error) {
	action, err := t.inner.ProcessEvents(ready, sub, data)
	if t.removed {
		return PostActionRemove, err
	}
	if t.disabled {
		t.disabled = false
		return PostActionDisable, err
	}
	return action, err
}

// BeforeSleep implements PollHooks when the inner source does.
func (t *TransientSource) BeforeSleep() (Readiness, uint32, bool, error) {
	if hk, ok := t.inner.(PollHooks); ok {
		return hk.BeforeSleep()
	}
	return Readiness{}, 0, false, nil
}

// BeforeHandleEvents implements PollHooks when the inner source does.
func (t *TransientSource) BeforeHandleEvents(events []PollEvent) {
	if hk, ok := t.inner.(PollHooks); ok {
		hk.BeforeHandleEvents(events)
	}
}
