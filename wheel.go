// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package tloop

import (
	"container/heap"
	"time"
)

// timerEntry is one pending expiration. Entries expiring at the same
// instant fire in insertion order, which seq encodes.
type timerEntry struct {
	deadline  time.Time
	seq       uint64
	id        uint64
	token     Token
	cancelled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerWheel is the ordered set of pending timer deadlines, backed by a
// binary heap. Cancellation is lazy: cancelled entries stay in the heap
// marked dead and are skipped when they surface.
type timerWheel struct {
	heap   timerHeap
	byID   map[uint64]*timerEntry
	nextID uint64
	seq    uint64
}

func newTimerWheel() *timerWheel {
	return &timerWheel{byID: make(map[uint64]*timerEntry)}
}

// add schedules a deadline routed to token and returns the entry id.
func (w *timerWheel) add(deadline time.Time, token Token) uint64 {
	w.nextID++
	w.seq++
	e := &timerEntry{
		deadline: deadline,
		seq:      w.seq,
		id:       w.nextID,
		token:    token,
	}
	heap.Push(&w.heap, e)
	w.byID[e.id] = e
	return e.id
}

// cancel marks the entry dead. Unknown ids are ignored.
func (w *timerWheel) cancel(id uint64) {
	if e, ok := w.byID[id]; ok {
		e.cancelled = true
		delete(w.byID, id)
	}
}

// dropCancelled pops dead entries off the top of the heap.
func (w *timerWheel) dropCancelled() {
	for len(w.heap) > 0 && w.heap[0].cancelled {
		heap.Pop(&w.heap)
	}
}

// nextDeadline returns the soonest pending deadline.
func (w *timerWheel) nextDeadline() (time.Time, bool) {
	w.dropCancelled()
	if len(w.heap) == 0 {
		return time.Time{}, false
	}
	return w.heap[0].deadline, true
}

// popExpired removes and returns the next entry with deadline <= now, in
// expiration order with ties broken by insertion order. Entries added while
// draining (re-armed timers) are seen by subsequent calls.
func (w *timerWheel) popExpired(now time.Time) (Token, uint64, bool) {
	w.dropCancelled()
	if len(w.heap) == 0 || w.heap[0].deadline.After(now) {
		return 0, 0, false
	}
	e := heap.Pop(&w.heap).(*timerEntry)
	delete(w.byID, e.id)
	return e.token, e.id, true
}

func (w *timerWheel) pending() int {
	return len(w.byID)
}
