package stepper

import (
	"testing"
	"time"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/hw"
	"github.com/cncgo/motioncore/motor"
	"github.com/cncgo/motioncore/status"
)

func newTestDriver(t *testing.T, n int) (*Driver, *motor.Manager, *hw.Sim) {
	t.Helper()
	sim := hw.NewSim(n)
	mgr := motor.New(n, sim)
	for i := 0; i < n; i++ {
		if err := mgr.Configure(i, motor.Config{
			Axis:       axis.Ordinal(i),
			Microsteps: 16,
			StepAngle:  1.8,
			TravelRev:  5,
			PowerMode:  motor.PowerAlways,
		}); err != nil {
			t.Fatalf("Configure: %v", err)
		}
	}
	return New(mgr, sim), mgr, sim
}

// fakeExecutor implements Executor, replaying a fixed sequence of
// instructions onto the Driver each time ExecMove is called.
type fakeExecutor struct {
	driver *Driver
	calls  []func(*Driver) error
	i      int
}

func (f *fakeExecutor) ExecMove() error {
	if f.i >= len(f.calls) {
		return status.New(status.NOOP, "no more segments")
	}
	call := f.calls[f.i]
	f.i++
	return call(f.driver)
}

func TestPrepLineRejectsWhileMoveReady(t *testing.T) {
	d, _, _ := newTestDriver(t, 1)
	if err := d.PrepLine(0.005, []int32{10}, 5); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.moveReady = true
	d.mu.Unlock()

	if err := d.PrepLine(0.005, []int32{20}, 5); err == nil {
		t.Fatal("expected error: previous move still ready")
	}
}

func TestPrepLineRejectsTimeBelowMinimum(t *testing.T) {
	d, _, _ := newTestDriver(t, 1)
	if err := d.PrepLine(0, []int32{10}, 5); err == nil {
		t.Fatal("expected error for zero segment time")
	}
}

func TestPrepLineRejectsTimeAboveMaximum(t *testing.T) {
	d, _, _ := newTestDriver(t, 1)
	if err := d.PrepLine(MaxSegmentTime+1, []int32{10}, 5); err == nil {
		t.Fatal("expected error for segment time above maximum")
	}
}

func TestPrepDwellStagesAMove(t *testing.T) {
	d, _, _ := newTestDriver(t, 1)
	if err := d.PrepDwell(0.02); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	queued := d.moveQueued
	mtype := d.moveType
	d.mu.Unlock()
	if !queued || mtype != MoveDwell {
		t.Fatalf("PrepDwell did not stage a dwell move: queued=%v type=%v", queued, mtype)
	}
}

func TestTickRunsLoadedMoveAndClearsReady(t *testing.T) {
	d, _, _ := newTestDriver(t, 1)
	if err := d.PrepLine(0.005, []int32{50}, 5); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.moveReady = true
	d.mu.Unlock()

	d.Tick()

	if !d.Busy() {
		t.Fatal("expected driver busy after loading a non-zero move")
	}
	d.mu.Lock()
	ready := d.moveReady
	d.mu.Unlock()
	if ready {
		t.Fatal("expected moveReady cleared after Tick")
	}
}

func TestTickRequestsExecWhenNotReady(t *testing.T) {
	d, _, sim := newTestDriver(t, 1)

	fe := &fakeExecutor{driver: d}
	fe.calls = []func(*Driver) error{
		func(drv *Driver) error {
			return drv.PrepLine(0.005, []int32{10}, 5)
		},
	}
	d.SetExecutor(fe)

	d.Tick()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for background ExecMove")
	}

	d.mu.Lock()
	ready := d.moveReady
	d.mu.Unlock()
	if !ready {
		t.Fatal("expected moveReady set after executor staged a line")
	}
	_ = sim
}

// TestTickWithholdsStartWhileMotorEnergizing exercises spec.md §4.5 step
// 5: a segment boundary arriving while a motor is still energizing must
// not start the segment, but must leave moveReady set so the same
// segment starts on a later tick once the motor reports powered.
func TestTickWithholdsStartWhileMotorEnergizing(t *testing.T) {
	d, mgr, _ := newTestDriver(t, 1)
	if err := mgr.Configure(0, motor.Config{
		Axis:       axis.Ordinal(0),
		Microsteps: 16,
		StepAngle:  1.8,
		TravelRev:  5,
		PowerMode:  motor.PowerInCycle,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if err := d.PrepDwell(0.02); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.moveReady = true
	d.mu.Unlock()

	d.Tick()

	if d.Busy() {
		t.Fatal("expected Tick to withhold starting the segment while the motor is still energizing")
	}
	d.mu.Lock()
	ready := d.moveReady
	d.mu.Unlock()
	if !ready {
		t.Fatal("expected moveReady to remain set so the segment retries once the motor is powered")
	}

	// Any prepped move energizes the motor immediately
	// (motor.Manager.refreshPowerTimeout), letting the withheld segment
	// start on the next tick.
	if err := mgr.PrepMove(0, 0.02, 10, 5); err != nil {
		t.Fatal(err)
	}
	d.Tick()
	if !d.Busy() {
		t.Fatal("expected Tick to start the segment once the motor reports powered")
	}
}

func TestShutdownClearsPendingMoveState(t *testing.T) {
	d, _, _ := newTestDriver(t, 1)
	if err := d.PrepLine(0.005, []int32{50}, 5); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.moveReady = true
	d.mu.Unlock()
	d.Tick()

	if err := d.Shutdown(); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	dwell := d.dwellTicks
	mtype := d.moveType
	d.mu.Unlock()
	if dwell != 0 || mtype != MoveNull {
		t.Fatalf("Shutdown left dwell=%d type=%v", dwell, mtype)
	}
}
