// Package report implements the host-facing JSON variable protocol from
// spec.md §6: a single-line JSON object of only the variables that changed
// since the last report, emitted at up to 10 Hz, plus a full report on
// request. Grounded on the teacher's hand/http.go status handler, which
// renders the same kind of "current state of every moving part" snapshot
// the teacher exposes over HTTP as text; this module exposes it as JSON
// lines instead, per spec.md's serial protocol.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/machine"
)

// Source supplies the live values a Reporter snapshots and diffs. Callers
// (core's top-level wiring) implement this over machine.Machine and
// motor.Manager.
type Source interface {
	Position() [axis.Count]float64
	State() machine.State
	Cycle() machine.Cycle
	HoldState() machine.HoldState
	MotorCount() int
	FollowingError(motor int) (int32, error)
}

// MinInterval is the floor on how often a diff report is emitted, matching
// spec.md §6's "up to 10 Hz when any variable changes".
const MinInterval = 100 * time.Millisecond

// Reporter periodically diffs Source's variables against the last snapshot
// sent and writes a changed-only JSON object to w. Safe for concurrent use;
// a single Reporter is meant to be driven by one ticking goroutine
// (Reporter.Run) while Full may be called from any goroutine (e.g. a CLI
// handler for the "$$" show-all command).
type Reporter struct {
	mu   sync.Mutex
	w    io.Writer
	src  Source
	last map[string]interface{}
}

// New returns a Reporter writing JSON lines to w.
func New(src Source, w io.Writer) *Reporter {
	return &Reporter{w: w, src: src, last: map[string]interface{}{}}
}

// Run blocks, emitting a diff report at most once per MinInterval until
// stop is closed.
func (r *Reporter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(MinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.emitDiff()
		}
	}
}

// Full forces every variable to be written on the next report regardless
// of whether it changed, matching spec.md §6's "a full report on request",
// then emits it immediately.
func (r *Reporter) Full() error {
	r.mu.Lock()
	r.last = map[string]interface{}{}
	r.mu.Unlock()
	return r.emitDiff()
}

func (r *Reporter) emitDiff() error {
	snapshot := r.snapshot()

	r.mu.Lock()
	diff := map[string]interface{}{}
	for k, v := range snapshot {
		if prev, ok := r.last[k]; !ok || prev != v {
			diff[k] = v
		}
	}
	r.last = snapshot
	r.mu.Unlock()

	if len(diff) == 0 {
		return nil
	}
	line, err := json.Marshal(diff)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = r.w.Write(line)
	return err
}

// snapshot reads every reportable variable off Source. Per-axis variables
// use axis.Ordinal's one-character name as a suffix
// (posx/posy/posz/...); per-motor variables use the motor index
// (fe0/fe1/...), matching spec.md §6's per-axis/per-motor suffix
// convention.
func (r *Reporter) snapshot() map[string]interface{} {
	out := map[string]interface{}{}

	pos := r.src.Position()
	for a := 0; a < int(axis.Count); a++ {
		out["pos"+axis.Ordinal(a).String()] = pos[a]
	}

	out["stat"] = r.src.State().String()
	out["cyc"] = r.src.Cycle().String()
	out["hold"] = r.src.HoldState().String()

	for m := 0; m < r.src.MotorCount(); m++ {
		if fe, err := r.src.FollowingError(m); err == nil {
			out[fmt.Sprintf("fe%d", m)] = fe
		}
	}
	return out
}
