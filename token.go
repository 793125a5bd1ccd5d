// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import "fmt"

// Token is the opaque routing key handed to the kernel poller. It packs the
// registry slot key into the high half and a source-chosen sub-id into the
// low half, so a source owning several descriptors can tell them apart when
// readiness comes back.
type Token uint64

func makeToken(key, sub uint32) Token {
	return Token(uint64(key)<<32 | uint64(sub))
}

func (t Token) key() uint32 {
	return uint32(uint64(t) >> 32)
}

// Sub returns the sub-id the source chose when registering the descriptor
// this token stands for.
func (t Token) Sub() uint32 {
	return uint32(uint64(t))
}

// String implements fmt.Stringer.
func (t Token) String() string {
	return fmt.Sprintf("Token(key=%d, sub=%d)", t.key(), t.Sub())
}

// TokenFactory issues tokens for one registration slot. A source receives
// a factory in Register and Reregister and derives one token per descriptor
// it owns, all sharing the slot key.
type TokenFactory struct {
	slotKey uint32
}

// Token returns the token for the given sub-id.
func (f *TokenFactory) Token(sub uint32) Token {
	return makeToken(f.slotKey, sub)
}

// RegistrationToken is the generation-checked handle to an inserted source.
// The zero value is invalid. Removing a source bumps the slot generation,
// so handles from before the removal are rejected with ErrInvalidToken.
type RegistrationToken struct {
	key uint32
	gen uint32
}

// String implements fmt.Stringer.
func (rt RegistrationToken) String() string {
	return fmt.Sprintf("RegistrationToken(key=%d, gen=%d)", rt.key, rt.gen)
}
