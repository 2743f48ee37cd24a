// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const DEFAULT_TRACE_DEPTH = 128

// TraceOp is the kind of mailbox step a TraceEntry records
type TraceOp uint8

const (
	TRACE_READ TraceOp = iota
	TRACE_WRITE
	TRACE_TIMEOUT
	TRACE_REJECT
)

func (o TraceOp) String() string {
	switch o {
	case TRACE_READ:
		return "R"
	case TRACE_WRITE:
		return "W"
	case TRACE_TIMEOUT:
		return "TIMEOUT"
	case TRACE_REJECT:
		return "REJECT"
	}
	return "?"
}

// TraceEntry is one mailbox step kept for post-mortem analysis
type TraceEntry struct {
	Time   time.Time
	Op     TraceOp
	Msg    MessageID
	Offset uint32
	Value  uint32
}

func (e TraceEntry) String() string {
	return fmt.Sprintf("%s %-7s %-24s reg 0x%08X val 0x%08X", e.Time.Format("15:04:05.000000"), e.Op, e.Msg, e.Offset, e.Value)
}

// TraceRing keeps the last N mailbox steps. Recording never blocks: if a dump is
// in progress the entry is dropped and counted.
type TraceRing struct {
	mu      sync.Mutex
	entries []TraceEntry
	next    int
	full    bool
	dropped atomic.Uint64
}

func NewTraceRing(depth int) *TraceRing {
	if depth <= 0 {
		depth = DEFAULT_TRACE_DEPTH
	}
	return &TraceRing{entries: make([]TraceEntry, depth)}
}

func (t *TraceRing) record(e TraceEntry) {
	if t == nil {
		return
	}
	if !t.mu.TryLock() {
		t.dropped.Inc()
		return
	}
	t.entries[t.next] = e
	t.next++
	if t.next == len(t.entries) {
		t.next = 0
		t.full = true
	}
	t.mu.Unlock()
}

// Dump returns the recorded entries oldest first
func (t *TraceRing) Dump() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]TraceEntry(nil), t.entries[:t.next]...)
	}
	out := make([]TraceEntry, 0, len(t.entries))
	out = append(out, t.entries[t.next:]...)
	return append(out, t.entries[:t.next]...)
}

// Dropped returns how many entries were skipped because the ring was being dumped
func (t *TraceRing) Dropped() uint64 {
	return t.dropped.Load()
}
