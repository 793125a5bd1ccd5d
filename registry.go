// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

type slotState uint8

const (
	slotActive slotState = iota
	slotDisabled
)

// slot is one registry entry. A slot stays allocated across the lifetime of
// its source; remove bumps the generation, so stale RegistrationTokens are
// rejected in O(1), and recycle later pushes the key on the free list.
type slot struct {
	source   EventSource
	gen      uint32
	state    slotState
	live     bool
	borrowed bool
}

// registry is a slab of source slots with generational keys, in the manner
// of a descriptor free-list: freed keys are recycled newest-first.
type registry struct {
	slots []slot
	free  []uint32
}

// insert allocates a slot for src and returns its handle. The caller is
// responsible for running src.Register.
func (r *registry) insert(src EventSource) RegistrationToken {
	var key uint32
	if n := len(r.free); n > 0 {
		key = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		key = uint32(len(r.slots))
		// Generations start at 1 so the zero RegistrationToken never
		// matches a slot.
		r.slots = append(r.slots, slot{gen: 1})
	}
	s := &r.slots[key]
	s.source = src
	s.state = slotActive
	s.live = true
	s.borrowed = false
	return RegistrationToken{key: key, gen: s.gen}
}

// get validates tok and returns its slot.
func (r *registry) get(tok RegistrationToken) (*slot, error) {
	if int(tok.key) >= len(r.slots) {
		return nil, ErrInvalidToken
	}
	s := &r.slots[tok.key]
	if !s.live || s.gen != tok.gen {
		return nil, ErrInvalidToken
	}
	return s, nil
}

// byKey returns the slot for a token key if it is live, nil otherwise.
// Used on the event demux path, where stale kernel events must be dropped
// silently.
func (r *registry) byKey(key uint32) *slot {
	if int(key) >= len(r.slots) {
		return nil
	}
	s := &r.slots[key]
	if !s.live {
		return nil
	}
	return s
}

// remove invalidates tok, bumps the slot generation and returns the source.
// The key is NOT pushed on the free list; the caller recycles it once no
// in-flight events of the current pass can reference it anymore.
func (r *registry) remove(tok RegistrationToken) (EventSource, error) {
	s, err := r.get(tok)
	if err != nil {
		return nil, err
	}
	src := s.source
	s.source = nil
	s.live = false
	s.gen++
	return src, nil
}

// recycle returns a removed key to the free list.
func (r *registry) recycle(key uint32) {
	r.free = append(r.free, key)
}

// forEachLive calls fn for every live slot.
func (r *registry) forEachLive(fn func(key uint32, s *slot)) {
	for i := range r.slots {
		if r.slots[i].live {
			fn(uint32(i), &r.slots[i])
		}
	}
}
