// Package trace renders a build's command timeline, CPU, and memory
// samples as a chrome://tracing event file, letting a slow build be
// inspected the same way a browser profile is: one event per command
// (see scheduler.go's tid usage, keyed by concurrency slot) plus periodic
// counter events for system load.
//
// https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/edit
// documents the JSON event shape this package writes.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = io.Discard
)

// Sink writes all following Event()s as a Chrome trace event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	// Open the JSON Array Format; the closing ']' is optional per the
	// format's own spec, so nothing ever writes it.
	w.Write([]byte{'['})
}

// Enable is a convenience function that points the sink at a fresh file
// under "$TMPDIR/forge.traces/<prefix>.<pid>", for callers that just want
// a trace without managing the destination file themselves.
func Enable(prefix string) error {
	fn := filepath.Join(os.TempDir(), "forge.traces", fmt.Sprintf("%s.%d", prefix, os.Getpid()))
	if err := os.MkdirAll(filepath.Dir(fn), 0o755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

// cpuCounters accumulates the per-core tick deltas CPUEvents reports,
// keyed by the /proc/stat core label ("cpu0", "cpu1", ...).
type cpuCounters map[string]map[string]uint64

func parseIntOr0(s string) uint64 {
	n, _ := strconv.ParseUint(s, 0, 64)
	return n
}

// sampleCPU reads /proc/stat and emits one counter event per core showing
// the user/sys tick delta since the previous sample. The first sample
// after process start only seeds last and emits nothing, since there is no
// prior reading to diff against.
func sampleCPU(last cpuCounters) error {
	b, err := os.ReadFile("/proc/stat")
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if !strings.HasPrefix(line, "cpu") || strings.HasPrefix(line, "cpu ") {
			continue
		}
		// cpuN user nice sys idle ...
		parts := strings.Split(line, " ")
		if len(parts) < 5 {
			continue
		}
		core := parts[0]
		lm, seeded := last[core]
		if !seeded {
			lm = make(map[string]uint64)
			last[core] = lm
		}

		user := parseIntOr0(parts[1])
		userDiff := user - lm["user"]
		lm["user"] = user

		sys := parseIntOr0(parts[3])
		sysDiff := sys - lm["sys"]
		lm["sys"] = sys

		if !seeded {
			continue
		}

		ev := Event(core, 0)
		ev.Pid = 2
		ev.Type = "C" // counter
		ev.Args = map[string]uint64{"user": userDiff, "sys": sysDiff}
		ev.Done()
	}
	return nil
}

// CPUEvents samples /proc/stat every frequency until ctx is canceled,
// driving sampleCPU. It is run as a background goroutine by the scheduler
// whenever tracing is enabled (spec.md's optional chrome trace output);
// failing here (e.g. no /proc on this platform) never fails the build
// itself, only the trace stream the caller logs the error from.
func CPUEvents(ctx context.Context, frequency time.Duration) error {
	tick := time.NewTicker(frequency)
	defer tick.Stop()
	last := make(cpuCounters)
	sampleCPU(last) // seed the diff baseline
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := sampleCPU(last); err != nil {
				return fmt.Errorf("sampleCPU: %v", err)
			}
		}
	}
}

// sampleMem reads /proc/meminfo and emits a single MemAvailable counter
// event, in kilobytes, as the kernel itself reports it.
func sampleMem() error {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		val := strings.TrimSpace(strings.TrimPrefix(line, "MemAvailable:"))
		kb, err := strconv.ParseUint(strings.TrimSuffix(val, " kB"), 0, 64)
		if err != nil {
			return err
		}
		ev := Event("MemAvailable", 0)
		ev.Pid = 1
		ev.Type = "C" // counter
		ev.Args = map[string]uint64{"available": kb}
		ev.Done()
		break
	}
	return nil
}

// MemEvents samples /proc/meminfo every frequency until ctx is canceled,
// the memory-side counterpart to CPUEvents.
func MemEvents(ctx context.Context, frequency time.Duration) error {
	tick := time.NewTicker(frequency)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := sampleMem(); err != nil {
				return fmt.Errorf("sampleMem: %v", err)
			}
		}
	}
}

// PendingEvent is a trace event in progress: constructed by Event at a
// command or sampler's start, it is serialized to the sink when Done
// computes its duration.
type PendingEvent struct {
	Name           string      `json:"name"` // name of the event, as displayed in Trace Viewer
	Categories     string      `json:"cat"`  // event categories (comma-separated)
	Type           string      `json:"ph"`   // event type (single character)
	ClockTimestamp uint64      `json:"ts"`   // tracing clock timestamp (microsecond granularity)
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"` // process ID for the process that output this event
	Tid            uint64      `json:"tid"` // thread ID for the thread that output this event
	Args           interface{} `json:"args"`

	start time.Time
}

// Done finalizes pe's duration and writes it to the current sink. Safe to
// call from multiple goroutines concurrently: writes are serialized
// through sinkMu, same as Sink's own access to the destination.
func (pe *PendingEvent) Done() {
	pe.Duration = uint64(time.Since(pe.start) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[trace] %v", err)
	}
}

// Event starts a new trace event named name on tid, the scheduler's
// concurrency-slot index for a command event, or 0 for the CPU/memory
// samplers, whose counter events are told apart by Pid (2 and 1 above).
// Call Done once the event's span has ended.
func Event(name string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}
