package machine

import (
	"bytes"
	"log"
	"testing"

	"github.com/pkg/errors"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/status"
)

// fakePlanner is a minimal PlannerPort recording calls instead of actually
// planning anything.
type fakePlanner struct {
	lines       []int32
	flushed     int
	empty       bool
	setPosition [axis.Count]float64
}

func (f *fakePlanner) Aline(target [axis.Count]float64, fr float64, inverseTime bool, jerkOverride float64, line int32) error {
	f.lines = append(f.lines, line)
	return nil
}
func (f *fakePlanner) Dwell(seconds float64, line int32) error         { f.lines = append(f.lines, line); return nil }
func (f *fakePlanner) CommandQueue(cmd func() error, line int32) error { return cmd() }
func (f *fakePlanner) SetPosition(pos [axis.Count]float64)             { f.setPosition = pos }
func (f *fakePlanner) Flush()                                         { f.flushed++ }
func (f *fakePlanner) QueueEmpty() bool                                { return f.empty }

type fakeRuntime struct{ busy bool }

func (r *fakeRuntime) Busy() bool { return r.busy }

func newTestMachine(t *testing.T) (*Machine, *fakePlanner, *fakeRuntime, *bytes.Buffer) {
	t.Helper()
	// The planner starts with motion queued: Poll returns a Running machine
	// to Ready as soon as the queue is empty and the runtime idle.
	fp := &fakePlanner{empty: false}
	fr := &fakeRuntime{}
	var buf bytes.Buffer
	var axes [axis.Count]*axis.Axis
	axes[axis.X] = axis.New(axis.X)
	m := New(fp, fr, axes, log.New(&buf, "", 0))
	return m, fp, fr, &buf
}

func TestFeedhold_OnlyHonoredWhileRunning(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	m.RequestHold()
	m.Poll()
	if m.State() != StateReady || m.HoldState() != HoldOff {
		t.Fatalf("feedhold should be ignored outside Running, got state=%v hold=%v", m.State(), m.HoldState())
	}

	m.StateRunning()
	m.RequestHold()
	m.Poll()
	if m.State() != StateStopping || m.HoldState() != HoldSync {
		t.Fatalf("expected Stopping/Sync after a hold request while running, got state=%v hold=%v", m.State(), m.HoldState())
	}

	// A second hold request while one is already underway must not re-fire.
	m.RequestHold()
	m.Poll()
	if m.HoldState() != HoldSync {
		t.Fatalf("expected hold state to stay Sync, got %v", m.HoldState())
	}
}

func TestFeedholdSequence_SyncPlanDecelHold(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	m.StateRunning()
	m.RequestHold()
	m.Poll()

	m.HoldCallback(false) // SYNC -> PLAN
	if m.HoldState() != HoldPlan {
		t.Fatalf("expected Plan after first callback, got %v", m.HoldState())
	}

	// Simulate the planner handing PLAN off to DECEL once it has shortened
	// the in-flight move; HoldCallback only models SYNC->PLAN and
	// DECEL+done->HOLD, so the test drives the middle transition directly.
	m.mu.Lock()
	m.hold = HoldDecel
	m.mu.Unlock()

	m.HoldCallback(false)
	if m.HoldState() != HoldDecel {
		t.Fatalf("expected Decel to stay until done, got %v", m.HoldState())
	}

	m.HoldCallback(true)
	if m.HoldState() != HoldHeld || m.State() != StateHolding {
		t.Fatalf("expected Hold/Holding once decel reports done, got state=%v hold=%v", m.State(), m.HoldState())
	}
}

func TestQueueFlush_DeferredDuringHold(t *testing.T) {
	m, fp, _, _ := newTestMachine(t)
	m.StateRunning()
	m.RequestHold()
	m.Poll() // enters Stopping/Sync

	m.RequestFlush()
	m.Poll()
	if fp.flushed != 0 {
		t.Fatalf("expected flush deferred while a hold is in progress, got %d flushes", fp.flushed)
	}

	m.mu.Lock()
	m.hold = HoldHeld
	m.state = StateHolding
	m.mu.Unlock()

	m.Poll()
	if fp.flushed != 1 {
		t.Fatalf("expected the deferred flush to run once holding, got %d flushes", fp.flushed)
	}
	if m.State() != StateReady {
		t.Fatalf("expected Ready after a flush, got %v", m.State())
	}
}

func TestQueueFlush_IgnoredWhileRunningMotion(t *testing.T) {
	m, fp, _, _ := newTestMachine(t)
	m.StateRunning()

	m.RequestFlush()
	m.Poll()
	if fp.flushed != 0 {
		t.Fatalf("expected flush ignored while running, got %d flushes", fp.flushed)
	}
}

func TestQueueFlush_WaitsForRuntimeIdle(t *testing.T) {
	m, fp, fr, _ := newTestMachine(t)
	fr.busy = true

	m.RequestFlush()
	m.Poll()
	if fp.flushed != 0 {
		t.Fatalf("expected flush to wait for the runtime to go idle, got %d flushes", fp.flushed)
	}

	fr.busy = false
	m.Poll()
	if fp.flushed != 1 {
		t.Fatalf("expected flush once the runtime reports idle, got %d flushes", fp.flushed)
	}
}

func TestCycleStart_ResumesFromHold(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	m.mu.Lock()
	m.hold = HoldHeld
	m.state = StateHolding
	m.mu.Unlock()

	m.RequestStart()
	m.Poll()
	if m.State() != StateRunning || m.HoldState() != HoldOff {
		t.Fatalf("expected cycle-start to resume running, got state=%v hold=%v", m.State(), m.HoldState())
	}
}

func TestCycleStart_IgnoredWhileRunning(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	m.StateRunning()

	m.RequestStart()
	m.Poll()
	if m.State() != StateRunning {
		t.Fatalf("expected state unchanged, got %v", m.State())
	}
}

func TestSetCycle_RejectsOutsideReady(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	m.StateRunning()

	if err := m.SetCycle(CycleHoming); err == nil {
		t.Fatal("expected cycle change to be rejected outside Ready")
	}
}

func TestSetCycle_RejectsDirectNonMachiningSwitch(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	if err := m.SetCycle(CycleHoming); err != nil {
		t.Fatalf("unexpected error entering Homing: %v", err)
	}
	if err := m.SetCycle(CycleProbing); err == nil {
		t.Fatal("expected a direct Homing->Probing switch to be rejected")
	}
	if err := m.SetCycle(CycleOff); err != nil {
		t.Fatalf("unexpected error returning to Off: %v", err)
	}
	if err := m.SetCycle(CycleProbing); err != nil {
		t.Fatalf("expected Off->Probing to succeed, got %v", err)
	}
}

func TestFeed_RejectsBeyondSoftLimit(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	m.axes[axis.X].SoftLimitsEnabled = true
	m.axes[axis.X].Homed = true
	if err := m.axes[axis.X].SetTravelLimits(0, 100); err != nil {
		t.Fatal(err)
	}

	var target [axis.Count]float64
	target[axis.X] = 200
	err := m.Feed(target, 100, false, 1)
	// errors.Wrapf wraps the *status.Error; errors.Cause walks back to it.
	se, ok := errors.Cause(err).(*status.Error)
	if !ok || se.Code != status.SoftLimitExceeded {
		t.Fatalf("expected SoftLimitExceeded, got %v", err)
	}
}

func TestFeed_AppliesCoordinateAndG92Offsets(t *testing.T) {
	m, fp, _, _ := newTestMachine(t)

	var g54 [axis.Count]float64
	g54[axis.X] = 10
	m.SetCoordOffset(CoordG54, g54)
	m.SelectCoordSystem(CoordG54)

	var g92 [axis.Count]float64
	g92[axis.X] = 1
	m.SetG92Offset(g92)

	var work [axis.Count]float64
	work[axis.X] = 5
	if err := m.Feed(work, 100, false, 1); err != nil {
		t.Fatal(err)
	}
	if m.Position()[axis.X] != 16 {
		t.Fatalf("expected absolute target 5+10+1=16, got %v", m.Position()[axis.X])
	}
	_ = fp
}

func TestQueueCommand_RunsThroughPlanner(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ran := false
	if err := m.QueueCommand(func() error { ran = true; return nil }, 1); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected the queued command to run")
	}
}

func TestFeed_RejectedWhileAlarmed(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	m.Alarm("test")
	var target [axis.Count]float64
	err := m.Feed(target, 100, false, 1)
	se, ok := err.(*status.Error)
	if !ok || se.Code != status.MachineAlarmed {
		t.Fatalf("expected MachineAlarmed, got %v", err)
	}

	m.Reset()
	if m.State() != StateReady {
		t.Fatalf("expected Ready after reset, got %v", m.State())
	}
}

func TestStateRunning_AutoReturnsToReadyWhenQueueDrains(t *testing.T) {
	m, fp, fr, _ := newTestMachine(t)
	m.StateRunning()
	fp.empty = false
	fr.busy = true

	m.Poll()
	if m.State() != StateRunning {
		t.Fatalf("expected still Running while queue non-empty, got %v", m.State())
	}

	fp.empty = true
	fr.busy = false
	m.Poll()
	if m.State() != StateReady {
		t.Fatalf("expected auto-return to Ready once drained, got %v", m.State())
	}
}
