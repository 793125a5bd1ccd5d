// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenPacking(t *testing.T) {
	tok := makeToken(7, 3)
	assert.Equal(t, uint32(7), tok.key())
	assert.Equal(t, uint32(3), tok.Sub())

	tok = makeToken(0xffffffff, 0xfffffffe)
	assert.Equal(t, uint32(0xffffffff), tok.key())
	assert.Equal(t, uint32(0xfffffffe), tok.Sub())
}

func TestTokenFactory(t *testing.T) {
	f := TokenFactory{slotKey: 42}
	a := f.Token(0)
	b := f.Token(1)
	assert.Equal(t, a.key(), b.key())
	assert.NotEqual(t, a, b)
	assert.Equal(t, uint32(1), b.Sub())
}
