package gdbstub

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// session.go holds the per-connection Dispatcher/Stub state (§3) and its
// constructor. Grounded on BasicGDBStub's constructor (seeds
// QStartNoAckMode+) and on the reference codebase's convention of building
// small, explicitly-constructed server types (NewServer in
// internal/debug/gdbserver/server.go).

type breakpointKey struct {
	addr uint64
	kind BreakpointKind
}

// Dispatcher is component D: it owns all per-session protocol state and
// translates wire commands into Target calls. It is used by exactly one
// goroutine at a time (the connection's read/dispatch loop) except for
// minProtocolConstraint, which is immutable after construction, so no
// internal locking is required for session state (§5: "breakpoint table,
// thread cache and feature maps are touched only by the dispatcher").
type Dispatcher struct {
	target Target
	regs   PlatformRegisterList

	logger DiagnosticLogger

	stubFeatures map[string]string
	gdbFeatures  map[string]string

	threadForContOp int
	threadForRegOp  int

	lastReportedStopThread int

	threadInfoCache   []ThreadRecord
	threadInfoValid   bool
	threadsSupported  bool
	threadInfoCursor  int

	breakpoints map[breakpointKey]int64

	memoryRegions     []MemoryRegion
	memoryRegionsOnce sync.Once

	minProtocolConstraint *semver.Constraints
}

// DiagnosticLogger receives best-effort protocol diagnostics; it is satisfied
// by *internal/cliutil.Logger. A nil DiagnosticLogger is valid and silently
// drops diagnostics.
type DiagnosticLogger interface {
	Debug(format string, args ...interface{})
	Warn(format string, args ...interface{})
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithLogger attaches a diagnostic logger.
func WithLogger(l DiagnosticLogger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMinProtocolVersion requires peers negotiating qSupported to satisfy a
// semver constraint (§11.1); peers that don't satisfy it receive an empty
// ("unsupported") qSupported reply, which makes GDB fall back to its
// defaults rather than proceeding with a stub this server considers too old
// a protocol surface to serve correctly.
func WithMinProtocolVersion(constraint string) (Option, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, err
	}

	return func(d *Dispatcher) { d.minProtocolConstraint = c }, nil
}

// NewDispatcher creates a Dispatcher bound to target.
func NewDispatcher(target Target, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		target: target,
		regs:   target.RegisterList(),
		stubFeatures: map[string]string{
			"QStartNoAckMode":       "+",
			"PacketSize":            "=1000",
			"qXfer:libraries:read":  "+",
			"qXfer:threads:read":    "+",
			"qXfer:memory-map:read": "+",
		},
		gdbFeatures:            map[string]string{},
		lastReportedStopThread: 0,
		breakpoints:            make(map[breakpointKey]int64),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// invalidateThreadState implements the resume-invalidation policy (§4.D):
// any resume other than Probe invalidates the H selections and the
// thread-info cache before the Target call is made.
func (d *Dispatcher) invalidateThreadState() {
	d.threadForContOp = 0
	d.threadForRegOp = 0
	d.threadInfoValid = false
	d.threadInfoCursor = 0
}

// threadIDForOp implements GetThreadIDForOp: a selection of 0 (unset, or
// explicitly "H c 0") falls back to the last reported stop thread (§9 Open
// Question).
func (d *Dispatcher) threadIDForOp(op byte) int {
	var selected int
	if op == 'c' {
		selected = d.threadForContOp
	} else {
		selected = d.threadForRegOp
	}

	if selected <= 0 {
		return d.lastReportedStopThread
	}

	return selected
}

func (d *Dispatcher) logDebug(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Debug(format, args...)
	}
}

func (d *Dispatcher) logWarn(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Warn(format, args...)
	}
}

// sortedFeatureKeys returns the stub's advertised feature names in a
// deterministic order so qSupported replies are stable across runs (the
// reference std::map-backed original sorts by key incidentally; this module
// makes that explicit).
func sortedFeatureKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
