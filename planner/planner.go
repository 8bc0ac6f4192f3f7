// Package planner implements Planner (spec.md §4.4): a circular buffer of
// pending moves, junction-velocity corner analysis, a backward/forward
// look-ahead replanning sweep, and head/body/tail trapezoid classification.
// Grounded on original_source/src/plan/buffer.h's mp_buffer_t ring
// (buffer_state_t/run_state_t, the pv/nx linked pool) and buffer.c's
// get/commit/get-run/free-run sequencing, with command.c/dwell.c's
// synchronous-command and dwell buffer handling folded into one generalized
// buffer type (kept apart as distinct executor.MoveType values rather than
// the original's separate move_type_t dispatch).
package planner

import (
	"math"
	"sync"

	"github.com/orsinium-labs/tinymath"
	"github.com/pkg/errors"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/executor"
	"github.com/cncgo/motioncore/status"
)

// DefaultBufferCount matches spec.md §4.4's "circular buffer of ≥32 moves".
const DefaultBufferCount = 32

// epsilon bounds floating-point comparisons (near-zero length, parallel
// unit vectors), matching the original's use of small fixed tolerances
// throughout planner.c/exec.c rather than an adaptive epsilon.
const epsilon = 1e-9

type bufferState int

const (
	bufEmpty bufferState = iota
	bufLoading
	bufQueued
	bufRunning
)

type runState int

const (
	runOff runState = iota
	runNew
)

// buffer is one ring slot: mp_buffer_t's planning fields translated to Go.
type buffer struct {
	pv, nx *buffer

	state       bufferState
	run         runState
	replannable bool

	line int32
	typ  executor.MoveType

	unit   [axis.Count]float64
	length float64

	// prevUnit/havePrevUnit/prevCruiseVmax snapshot the move that preceded
	// this one at the moment it was queued, so a later replan re-walking
	// this buffer computes its entry junction against the move that was
	// actually before it rather than whatever is most recently queued now.
	prevUnit       [axis.Count]float64
	havePrevUnit   bool
	prevCruiseVmax float64

	headLength, bodyLength, tailLength float64

	entryVelocity, cruiseVelocity, exitVelocity, brakingVelocity float64
	entryVmax, cruiseVmax, exitVmax                              float64

	jerk float64

	dwell   float64
	command func() error
}

func (b *buffer) clear() {
	pv, nx := b.pv, b.nx
	*b = buffer{pv: pv, nx: nx}
}

// toMove converts a queued/running buffer into the executor-facing view.
func (b *buffer) toMove() *executor.Move {
	mv := &executor.Move{Type: b.typ, Line: int(b.line)}
	switch b.typ {
	case executor.MoveDwell:
		mv.Dwell = b.dwell
	case executor.MoveCommand:
		mv.Command = b.command
	default:
		mv.Unit = b.unit
		mv.HeadLength, mv.BodyLength, mv.TailLength = b.headLength, b.bodyLength, b.tailLength
		// The planner works in units/min; executor.Move carries units/s.
		mv.EntryVelocity, mv.CruiseVelocity, mv.ExitVelocity = b.entryVelocity/60, b.cruiseVelocity/60, b.exitVelocity/60
	}
	return mv
}

// AxisLimits supplies the per-axis velocity and jerk ceilings the planner
// scales by direction cosine when computing a move's achievable cruise
// velocity and effective jerk (spec.md §4.4, "each axis' jerk limit").
type AxisLimits interface {
	Limits(a axis.Ordinal) (velocityMax, jerkMax float64)
}

// Planner is Planner: a ring of move buffers plus the look-ahead state
// (last planned position/unit/cruise-ceiling) carried across Aline calls,
// mirroring the mm (planner model) / mr (runtime model) split in
// original_source/src/plan/planner.c.
type Planner struct {
	mu sync.Mutex

	limits            AxisLimits
	junctionDeviation float64

	pool      []buffer
	w, q, r   *buffer
	available int

	position       [axis.Count]float64
	haveLastUnit   bool
	lastUnit       [axis.Count]float64
	lastCruiseVmax float64
}

// New builds a Planner with n ring buffers (DefaultBufferCount if n <= 0),
// consulting limits for per-axis velocity/jerk ceilings and junctionDev as
// the chordal-tolerance constant in the junction-velocity formula.
func New(n int, limits AxisLimits, junctionDev float64) *Planner {
	if n <= 0 {
		n = DefaultBufferCount
	}
	p := &Planner{
		limits:            limits,
		junctionDeviation: junctionDev,
		pool:              make([]buffer, n),
		available:         n,
	}
	for i := range p.pool {
		p.pool[i].nx = &p.pool[(i+1)%n]
		p.pool[i].pv = &p.pool[(i-1+n)%n]
	}
	p.w, p.q, p.r = &p.pool[0], &p.pool[0], &p.pool[0]
	return p
}

// SetPosition resets the planner's notion of "where the last queued move
// ends", used by homing completion and explicit position sets
// (original_source/src/plan/planner.c:mp_set_planner_position).
func (p *Planner) SetPosition(pos [axis.Count]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = pos
	p.haveLastUnit = false
}

// BufferRoom reports how many write buffers remain available
// (original_source/src/plan/buffer.c:mp_get_planner_buffer_room, without
// the fixed headroom reservation — callers needing headroom apply their
// own margin).
func (p *Planner) BufferRoom() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// QueueEmpty reports whether every buffer has been freed back to the pool.
func (p *Planner) QueueEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available == len(p.pool)
}

// Flush discards every buffered move, queued or in flight
// (original_source/src/plan/buffer.c:mp_flush_planner). Callers are
// expected to only invoke this while the runtime is idle (machine.Machine
// gates it to the ready/holding states with nothing currently executing,
// per state.c:mp_state_callback), so there is no in-progress move to
// preserve.
func (p *Planner) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.pool {
		p.pool[i].clear()
	}
	p.w, p.q, p.r = &p.pool[0], &p.pool[0], &p.pool[0]
	p.available = len(p.pool)
	p.haveLastUnit = false
	p.lastCruiseVmax = 0
}

func (p *Planner) getWriteBuffer() (*buffer, error) {
	if p.w.state != bufEmpty {
		return nil, status.New(status.BufferFull, "planner: no write buffer available")
	}
	b := p.w
	b.clear()
	b.state = bufLoading
	p.w = b.nx
	p.available--
	return b, nil
}

func (p *Planner) commitWriteBuffer(b *buffer) {
	b.run = runNew
	b.state = bufQueued
	b.replannable = true
	p.q = b.nx
	p.replan()
}

// GetRunBuffer implements executor.MoveSource: it returns the current run
// buffer (promoting a freshly-queued one to running on first ask) or false
// if nothing is queued (original_source/src/plan/buffer.c:mp_get_run_buffer).
func (p *Planner) GetRunBuffer() (*executor.Move, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.r.state {
	case bufQueued:
		p.r.state = bufRunning
		p.r.replannable = false // a move being consumed is no longer replannable
		fallthrough
	case bufRunning:
		return p.r.toMove(), true
	default:
		return nil, false
	}
}

// FreeRunBuffer implements executor.MoveSource: release the run buffer back
// to the pool and advance to the next (buffer.c:mp_free_run_buffer).
func (p *Planner) FreeRunBuffer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.r.clear()
	p.r = p.r.nx
	p.available++
}

// Aline queues a straight-line move to target (spec.md §4.4's aline). F is
// the commanded feed rate (units/min) or, in inverse-time mode, 1/minutes;
// length and direction are measured from the planner's last queued
// position, not the (possibly still-executing) runtime position.
func (p *Planner) Aline(target [axis.Count]float64, f float64, inverseTime bool, jerkOverride float64, line int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var unit [axis.Count]float64
	var length float64
	for a := 0; a < int(axis.Count); a++ {
		d := target[a] - p.position[a]
		length += d * d
		unit[a] = d
	}
	length = sqrt(length)
	if length < epsilon {
		return status.New(status.MinLengthMove, "planner: zero-length move")
	}
	for a := range unit {
		unit[a] /= length
	}

	b, err := p.getWriteBuffer()
	if err != nil {
		return errors.Wrap(err, "planner: aline")
	}

	b.typ = executor.MoveAline
	b.line = line
	b.unit = unit
	b.length = length

	velMax, jerkMax := p.directionLimits(unit)
	if jerkOverride > 0 && jerkOverride < jerkMax {
		jerkMax = jerkOverride
	}
	b.jerk = jerkMax

	requested := f
	if inverseTime {
		if f <= 0 {
			f = 1
		}
		requested = length * f
	}
	b.cruiseVmax = math.Min(requested, velMax)
	b.entryVmax = velMax
	b.exitVmax = velMax

	b.prevUnit = p.lastUnit
	b.havePrevUnit = p.haveLastUnit
	b.prevCruiseVmax = p.lastCruiseVmax

	p.position = target
	p.lastUnit = unit
	p.haveLastUnit = true
	p.lastCruiseVmax = b.cruiseVmax

	p.commitWriteBuffer(b)
	return nil
}

// Dwell queues a dwell buffer (original_source/src/plan/dwell.c:mp_dwell).
func (p *Planner) Dwell(seconds float64, line int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.getWriteBuffer()
	if err != nil {
		return errors.Wrap(err, "planner: dwell")
	}
	b.typ = executor.MoveDwell
	b.line = line
	b.dwell = seconds
	p.commitWriteBuffer(b)
	return nil
}

// CommandQueue enqueues a synchronous command to run once the preceding
// move has fully drained (original_source/src/plan/command.c:
// mp_queue_command), e.g. spindle speed, coolant, coordinate-offset update.
func (p *Planner) CommandQueue(cmd func() error, line int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.getWriteBuffer()
	if err != nil {
		return errors.Wrap(err, "planner: command_queue")
	}
	b.typ = executor.MoveCommand
	b.line = line
	b.command = cmd
	p.commitWriteBuffer(b)
	return nil
}

// directionLimits scales each participating axis' velocity/jerk ceiling by
// its direction cosine and takes the minimum, the standard "rate-limited
// time, take max" construction spec.md §4.4 describes for cruise velocity
// (the per-axis-limited *time* is maximized, which is equivalent to
// minimizing the per-axis-limited *velocity*).
func (p *Planner) directionLimits(unit [axis.Count]float64) (velocityMax, jerkMax float64) {
	velocityMax, jerkMax = math.Inf(1), math.Inf(1)
	for a := 0; a < int(axis.Count); a++ {
		if math.Abs(unit[a]) < epsilon {
			continue
		}
		v, j := p.limits.Limits(axis.Ordinal(a))
		if v > 0 {
			velocityMax = math.Min(velocityMax, v/math.Abs(unit[a]))
		}
		if j > 0 {
			jerkMax = math.Min(jerkMax, j/math.Abs(unit[a]))
		}
	}
	return velocityMax, jerkMax
}

// replan walks the chain of still-replannable queued buffers — from the
// most recently committed back to the first non-replannable one — and
// re-derives braking/entry/exit/cruise velocities and trapezoid shape for
// each, per spec.md §4.4's backward/forward look-ahead sweep.
func (p *Planner) replan() {
	var chain []*buffer
	for b := p.q.pv; b != nil && b.replannable; b = b.pv {
		chain = append(chain, b)
		if len(chain) == len(p.pool) {
			break // defensive: never walk more than the pool holds
		}
	}
	// chain is newest-first; process oldest-first below.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	if len(chain) == 0 {
		return
	}

	// Backward sweep: propagate a braking-velocity ceiling from the newest
	// move toward the oldest so an upcoming slow corner forces earlier
	// moves to start decelerating in time. Nothing is queued beyond the
	// chain's newest move yet, so it must be able to brake to a stop.
	braking := 0.0
	for i := len(chain) - 1; i >= 0; i-- {
		b := chain[i]
		nextExitVmax := math.Inf(1)
		if i+1 < len(chain) {
			nextExitVmax = chain[i+1].exitVmax
		}
		accel := jerkLimitedAccel(b.length, b.jerk)
		reachable := sqrt(braking*braking + 2*accel*b.length)
		b.brakingVelocity = math.Min(nextExitVmax, reachable)
		braking = b.brakingVelocity
	}

	// Forward sweep: entry/exit/cruise for each buffer, then classify.
	prevExit := p.lastExitVelocityBefore(chain[0])
	for i, b := range chain {
		entryVmax := b.entryVmax
		if i == 0 {
			entryVmax = junctionVelocity(b.prevUnit, b.unit, b.havePrevUnit, b.prevCruiseVmax, b.cruiseVmax, b.jerk, p.junctionDeviation)
		} else {
			entryVmax = junctionVelocity(chain[i-1].unit, b.unit, true, chain[i-1].cruiseVmax, b.cruiseVmax, b.jerk, p.junctionDeviation)
		}
		b.entryVelocity = math.Min(prevExit, entryVmax)

		exitVmax := b.exitVmax
		if i+1 < len(chain) {
			nextEntry := junctionVelocity(b.unit, chain[i+1].unit, true, b.cruiseVmax, chain[i+1].cruiseVmax, chain[i+1].jerk, p.junctionDeviation)
			exitVmax = math.Min(exitVmax, nextEntry)
		}
		b.exitVelocity = math.Min(math.Min(exitVmax, b.brakingVelocity), b.cruiseVmax)

		classifyTrapezoid(b)
		prevExit = b.exitVelocity
	}
}

// lastExitVelocityBefore returns the exit velocity of the buffer preceding
// the start of the replan chain while that buffer still holds a move (the
// one currently running), or zero when that slot is empty: nothing was
// queued before b, or the preceding move has already been freed.
func (p *Planner) lastExitVelocityBefore(b *buffer) float64 {
	if b.pv == nil || b.pv.state == bufEmpty {
		return 0
	}
	return b.pv.exitVelocity
}

// junctionVelocity implements spec.md §4.4's corner-velocity rule: a
// straight-through corner (unit vectors equal) returns min(cruise_prev,
// cruise_next); otherwise the chordal-deviation-limited velocity, bounded
// per-axis by jerk, is computed from the turn angle.
func junctionVelocity(prevUnit, nextUnit [axis.Count]float64, havePrev bool, cruisePrev, cruiseNext, jerk, junctionDev float64) float64 {
	if !havePrev {
		return cruiseNext
	}

	var dot float64
	for a := range prevUnit {
		dot += prevUnit[a] * nextUnit[a]
	}
	if dot > 1-epsilon {
		return math.Min(cruisePrev, cruiseNext)
	}
	// prevUnit and nextUnit both point along their move's direction of
	// travel, so cos(theta) for the angle between the incoming direction
	// reversed and the outgoing direction is -dot: near -1 (sinHalfTheta
	// near 1) for a straight-through corner, near 1 (sinHalfTheta near
	// 0) for a full reversal.
	cosTheta := math.Max(-1, math.Min(1, -dot))
	sinHalfTheta := sqrt((1 - cosTheta) / 2)
	if sinHalfTheta < epsilon {
		return 0 // full direction reversal
	}

	// Radius of the circular arc whose chordal deviation from the true
	// corner is junctionDev, then the velocity achievable around that
	// radius without exceeding the jerk limit.
	radius := junctionDev * sinHalfTheta / (1 - sinHalfTheta)
	if radius < 0 {
		radius = 0
	}
	v := sqrt(radius * jerk)
	return math.Min(v, math.Min(cruisePrev, cruiseNext))
}

// jerkLimitedAccel approximates the peak acceleration achievable over
// length at the given jerk limit, used by the backward braking sweep
// (spec.md §4.4 states the braking formula in terms of a "jerk-limited
// accel" without spelling out its derivation; this is the natural inverse
// of the head-length formula in the same section, solved for acceleration
// rather than length).
func jerkLimitedAccel(length, jerk float64) float64 {
	if length <= 0 || jerk <= 0 {
		return 0
	}
	return sqrt(jerk * length)
}

// headLength returns the distance needed for a jerk-limited ramp from vFrom
// to vTo (spec.md §4.4: "(v_i + v_p) · t_accel / 2, t_accel = 2·sqrt((v_p −
// v_i)/jerk)"), symmetric in its two velocity arguments so it doubles as
// the tail-length formula.
func headLength(vFrom, vTo, jerk float64) float64 {
	dv := vTo - vFrom
	if dv < 0 {
		dv = -dv
	}
	if dv < epsilon || jerk <= 0 {
		return 0
	}
	tAccel := 2 * sqrt(dv/jerk)
	return (vFrom + vTo) * tAccel / 2
}

// classifyTrapezoid fills in b's head/body/tail lengths per spec.md §4.4:
// body-only when entry=cruise=exit, head+body+tail when both ramps fit,
// otherwise a head+tail "triangle" with the achievable peak velocity
// substituted for cruise.
func classifyTrapezoid(b *buffer) {
	entry, exit, length, jerk := b.entryVelocity, b.exitVelocity, b.length, b.jerk

	cruise := b.cruiseVmax
	if entry >= cruise {
		cruise = entry
	}
	if exit >= cruise {
		cruise = exit
	}
	if cruise > b.cruiseVmax {
		cruise = b.cruiseVmax
	}

	if math.Abs(entry-cruise) < epsilon && math.Abs(cruise-exit) < epsilon {
		b.headLength, b.bodyLength, b.tailLength = 0, length, 0
		b.cruiseVelocity = cruise
		return
	}

	head := headLength(entry, cruise, jerk)
	tail := headLength(cruise, exit, jerk)
	if head+tail <= length+epsilon {
		b.headLength, b.tailLength = head, tail
		b.bodyLength = length - head - tail
		if b.bodyLength < 0 {
			b.bodyLength = 0
		}
		b.cruiseVelocity = cruise
		return
	}

	peak := solveTrianglePeak(entry, exit, length, jerk, cruise)
	b.cruiseVelocity = peak
	b.headLength = headLength(entry, peak, jerk)
	b.tailLength = headLength(peak, exit, jerk)
	b.bodyLength = 0
}

// solveTrianglePeak bisects for the peak velocity at which a full
// accel-then-decel ramp (entry->peak->exit) exactly consumes length, the
// "triangle" case of spec.md §4.4's trapezoid classifier.
func solveTrianglePeak(entry, exit, length, jerk, ceiling float64) float64 {
	lo := math.Max(entry, exit)
	hi := ceiling
	if hi < lo {
		return lo
	}
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		need := headLength(entry, mid, jerk) + headLength(mid, exit, jerk)
		if need > length {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return float64(tinymath.Sqrt(float32(x)))
}
