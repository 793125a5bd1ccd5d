// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package metrics provides tloop runtime monitoring data, such as poll and
// wakeup frequencies, which is a good tool for latency tuning.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Poller metrics
	PollWait = iota
	PollNoWait
	PollEvents
	NotifyCalls
	NotifyCoalesced

	// Dispatch metrics
	DispatchPasses
	EventsDispatched
	IdleCallbacks
	StaleEvents

	// Source metrics
	TimersScheduled
	TimersFired
	PingWakeups
	ChannelMessages
	SignalsDelivered
	TasksScheduled
	Max
)

var metrics [Max]atomic.Uint64

// Add increases a metric counter by delta.
func Add(name int, delta uint64) {
	if name >= Max {
		return
	}
	metrics[name].Add(delta)
}

// Get returns one metric counter.
func Get(name int) uint64 {
	if name >= Max {
		return 0
	}
	return metrics[name].Load()
}

// GetAll gets all metrics.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metrics {
		m[i] = metrics[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod shows metric info of duration d from now on.
// It will block d duration, and then prints metrics info.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	cur := GetAll()
	var m [Max]uint64
	for i := range metrics {
		m[i] = cur[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics shows metric info in console.
func ShowMetrics() {
	showAll(GetAll())
}

func showAll(m [Max]uint64) {
	fmt.Println("######### tloop metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	fmt.Printf("%-59s: %d\n", "# number of kernel polls", m[PollWait])
	fmt.Printf("%-59s: %d\n", "# number of zero-timeout kernel polls", m[PollNoWait])
	fmt.Printf("%-59s: %d\n", "# number of kernel events returned", m[PollEvents])
	fmt.Printf("%-59s: %d\n", "# number of poller wakeup calls", m[NotifyCalls])
	fmt.Printf("%-59s: %d\n", "# number of coalesced poller wakeups", m[NotifyCoalesced])
	fmt.Printf("%-59s: %d\n", "# number of dispatch passes", m[DispatchPasses])
	fmt.Printf("%-59s: %d\n", "# number of events dispatched to sources", m[EventsDispatched])
	fmt.Printf("%-59s: %d\n", "# number of idle callbacks run", m[IdleCallbacks])
	fmt.Printf("%-59s: %d\n", "# number of stale events discarded", m[StaleEvents])
	fmt.Printf("%-59s: %d\n", "# number of timers scheduled", m[TimersScheduled])
	fmt.Printf("%-59s: %d\n", "# number of timers fired", m[TimersFired])
	fmt.Printf("%-59s: %d\n", "# number of ping wakeups delivered", m[PingWakeups])
	fmt.Printf("%-59s: %d\n", "# number of channel messages delivered", m[ChannelMessages])
	fmt.Printf("%-59s: %d\n", "# number of signals delivered", m[SignalsDelivered])
	fmt.Printf("%-59s: %d\n", "# number of executor tasks scheduled", m[TasksScheduled])
	fmt.Printf("\n")
}
