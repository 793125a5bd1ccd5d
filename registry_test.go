// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopSource registers nothing; it exists to exercise the registry.
type nopSource struct {
	id int
}

func (n *nopSource) Register(reg *Registrar, f *TokenFactory) error   { return nil }
func (n *nopSource) Reregister(reg *Registrar, f *TokenFactory) error { return nil }
func (n *nopSource) Unregister(reg *Registrar) error                  { return nil }
func (n *nopSource) ProcessEvents(ready Readiness, sub uint32, data interface{}) (PostAction, error) {
	return PostActionContinue, nil
}

func TestRegistryInsertRemove(t *testing.T) {
	var r registry
	src := &nopSource{id: 1}
	tok := r.insert(src)

	s, err := r.get(tok)
	require.NoError(t, err)
	assert.Equal(t, src, s.source)

	got, err := r.remove(tok)
	require.NoError(t, err)
	assert.Equal(t, src, got)

	// Exactly one remove succeeds; all later calls reject the token.
	_, err = r.remove(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = r.get(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegistryGenerationGuardsReuse(t *testing.T) {
	var r registry
	first := r.insert(&nopSource{id: 1})
	_, err := r.remove(first)
	require.NoError(t, err)
	r.recycle(first.key)

	second := r.insert(&nopSource{id: 2})
	assert.Equal(t, first.key, second.key)
	assert.NotEqual(t, first.gen, second.gen)

	// The stale handle must not reach the new occupant.
	_, err = r.get(first)
	assert.ErrorIs(t, err, ErrInvalidToken)
	s, err := r.get(second)
	require.NoError(t, err)
	assert.Equal(t, 2, s.source.(*nopSource).id)
}

func TestRegistryByKey(t *testing.T) {
	var r registry
	tok := r.insert(&nopSource{})
	assert.NotNil(t, r.byKey(tok.key))
	assert.Nil(t, r.byKey(tok.key+1))

	_, err := r.remove(tok)
	require.NoError(t, err)
	assert.Nil(t, r.byKey(tok.key))
}
