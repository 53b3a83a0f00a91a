package gdbstub

import "strings"

// vcont.go implements 'vCont' (§4.D.vCont): a single packet can ask for
// different continuation behavior per thread ("s:101;c" means "single-step
// thread 101, continue everything else"). Grounded on the reference
// implementation's per-thread mode table (SetThreadModeForNextCont) plus the
// observation that, whatever was asked of individual threads, the actual
// resume is a single blocking ResumeAndWait call — per-thread state is
// communicated to the Target beforehand and restored afterward, not passed
// as an argument to the resume call itself.

type vcontAction struct {
	mode ContinuationMode
	tid  int // 0 means "the default/remaining threads" (bare 'c' or 's' token)
}

// handleVCont parses and executes one vCont request. Per §4.D.vCont, every
// known thread id is first seeded with Probe (no change); a token without a
// thread id overrides that seed as the default action for every thread not
// individually mentioned; only the resolved non-Probe threads get a
// SetThreadModeForNextCont call.
func (d *Dispatcher) handleVCont(args string) string {
	actions, ok := parseVContActions(args)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	d.invalidateThreadState()

	resolved := d.resolveVContModes(actions)

	type restoreEntry struct {
		tid    int
		cookie int64
	}

	var restores []restoreEntry

	// resolved is an ordered slice (thread-list order, then any token-only
	// thread ids in the order their tokens appeared), not a map: the
	// SetThreadModeForNextCont call order, and therefore the order restores
	// are recorded and replayed in, is deterministic and follows that slice
	// (spec.md Testable Properties, scenario 6).
	for _, r := range resolved {
		if r.mode == ModeProbe {
			continue
		}

		needRestore, cookie, status := d.target.SetThreadModeForNextCont(r.tid, r.mode, 0)
		if status != StatusSuccess && status != StatusNotSupported {
			return formatStatus(status)
		}

		if needRestore {
			restores = append(restores, restoreEntry{tid: r.tid, cookie: cookie})
		}
	}

	status := d.target.ResumeAndWait(0)

	for _, r := range restores {
		_, _, _ = d.target.SetThreadModeForNextCont(r.tid, ModeRestore, r.cookie)
	}

	return d.resumeReply(status)
}

// resolvedVContMode is one thread's effective continuation mode, in the
// order SetThreadModeForNextCont must be called for it.
type resolvedVContMode struct {
	tid  int
	mode ContinuationMode
}

// resolveVContModes seeds every known thread id (in ThreadList order) to
// Probe, applies the default action (a token with no thread id) to all of
// them, then overrides with any per-thread token. Threads the Target
// doesn't report (e.g. when thread listing isn't supported) but that a
// per-thread token names are appended, in token order, since the token
// itself identifies a thread GDB knows about.
func (d *Dispatcher) resolveVContModes(actions []vcontAction) []resolvedVContMode {
	effective := make(map[int]ContinuationMode)

	var order []int

	threads, status := d.target.ThreadList()
	if status == StatusSuccess {
		for _, t := range threads {
			if _, seen := effective[t.ThreadID]; !seen {
				order = append(order, t.ThreadID)
			}

			effective[t.ThreadID] = ModeProbe
		}
	}

	defaultMode := ModeProbe
	hasDefault := false

	for _, a := range actions {
		if a.tid == 0 {
			defaultMode = a.mode
			hasDefault = true
		}
	}

	if hasDefault {
		for _, tid := range order {
			effective[tid] = defaultMode
		}
	}

	for _, a := range actions {
		if a.tid == 0 {
			continue
		}

		if _, seen := effective[a.tid]; !seen {
			order = append(order, a.tid)
		}

		effective[a.tid] = a.mode
	}

	resolved := make([]resolvedVContMode, len(order))
	for i, tid := range order {
		resolved[i] = resolvedVContMode{tid: tid, mode: effective[tid]}
	}

	return resolved
}

// parseVContActions parses the ';'-separated action list following "vCont;".
// Each token is "c"/"s"/"C sig"/"S sig"/"t", optionally suffixed with
// ":thread-id". A capital C/S with a signal number is treated the same as
// its lowercase form; this module does not forward injected signals to the
// Target (§6.1 exposes no signal-delivery call).
func parseVContActions(args string) ([]vcontAction, bool) {
	args = strings.TrimPrefix(args, ";")
	if args == "" {
		return nil, false
	}

	var actions []vcontAction

	for _, tok := range strings.Split(args, ";") {
		if tok == "" {
			continue
		}

		action, tid, ok := splitVContToken(tok)
		if !ok {
			return nil, false
		}

		mode, ok := vcontModeFor(action)
		if !ok {
			return nil, false
		}

		actions = append(actions, vcontAction{mode: mode, tid: tid})
	}

	return actions, true
}

func splitVContToken(tok string) (action string, tid int, ok bool) {
	colon := strings.IndexByte(tok, ':')
	if colon < 0 {
		return tok, 0, true
	}

	tid = int(parseHexInteger(tok[colon+1:]))

	return tok[:colon], tid, true
}

func vcontModeFor(action string) (ContinuationMode, bool) {
	if action == "" {
		return ModeProbe, false
	}

	switch action[0] {
	case 'c', 'C':
		return ModeProbe, true
	case 's', 'S':
		return ModeSingleStep, true
	case 't':
		return ModeSuspend, true
	default:
		return ModeProbe, false
	}
}
