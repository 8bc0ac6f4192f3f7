package motor

import (
	"testing"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/hw"
)

func newTestManager(t *testing.T, n int) (*Manager, *hw.Sim) {
	t.Helper()
	sim := hw.NewSim(n)
	return New(n, sim), sim
}

func configureMotor(t *testing.T, m *Manager, idx int) {
	t.Helper()
	err := m.Configure(idx, Config{
		Axis:       axis.X,
		Microsteps: 16,
		StepAngle:  1.8,
		TravelRev:  5, // mm/rev
		PowerMode:  PowerAlways,
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
}

func TestConfigureRejectsBadMicrosteps(t *testing.T) {
	m, _ := newTestManager(t, 1)
	err := m.Configure(0, Config{Microsteps: 3, StepAngle: 1.8, TravelRev: 5})
	if err == nil {
		t.Fatal("expected error for non-power-of-two microsteps")
	}
}

func TestStepsPerUnit(t *testing.T) {
	m, _ := newTestManager(t, 1)
	configureMotor(t, m, 0)

	got, err := m.StepsPerUnit(0)
	if err != nil {
		t.Fatal(err)
	}
	want := 360.0 * 16 / 5 / 1.8
	if got != want {
		t.Fatalf("StepsPerUnit = %v, want %v", got, want)
	}
}

func TestSetPositionResetsState(t *testing.T) {
	m, _ := newTestManager(t, 1)
	configureMotor(t, m, 0)

	if err := m.SetPosition(0, 100); err != nil {
		t.Fatal(err)
	}
	pos, _ := m.Position(0)
	if pos != 100 {
		t.Fatalf("Position = %d, want 100", pos)
	}
	fe, _ := m.FollowingError(0)
	if fe != 0 {
		t.Fatalf("FollowingError = %d, want 0", fe)
	}
}

func TestSetPositionRejectedWhilePrepped(t *testing.T) {
	m, _ := newTestManager(t, 1)
	configureMotor(t, m, 0)

	if err := m.PrepMove(0, 0.01, 100, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPosition(0, 0); err == nil {
		t.Fatal("expected error: set_position while prepped")
	}
}

func TestPrepMoveRejectsDoublePrep(t *testing.T) {
	m, _ := newTestManager(t, 1)
	configureMotor(t, m, 0)

	if err := m.PrepMove(0, 0.01, 100, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.PrepMove(0, 0.01, 200, 0); err == nil {
		t.Fatal("expected error: double prep")
	}
}

func TestPrepMoveZeroHalfStepsTurnsClockOff(t *testing.T) {
	m, _ := newTestManager(t, 1)
	configureMotor(t, m, 0)

	if err := m.PrepMove(0, 0.01, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadMove(0); err != nil {
		t.Fatal(err)
	}
	pos, _ := m.Position(0)
	if pos != 0 {
		t.Fatalf("Position = %d, want 0", pos)
	}
}

// TestPrescalerSelectsLowestFittingDivisor exercises the ladder in
// spec.md §4.1 directly against known ticks_per_step boundaries.
func TestPrescalerSelectsLowestFittingDivisor(t *testing.T) {
	cases := []struct {
		ticks uint64
		div   hw.ClockDiv
	}{
		{1, hw.Div1},
		{1<<16 - 1, hw.Div1},
		{1 << 16, hw.Div2},
		{1<<17 - 1, hw.Div2},
		{1 << 17, hw.Div4},
		{1 << 18, hw.Div8},
		{1 << 19, hw.ClockOff},
	}
	for _, c := range cases {
		div, period := selectPrescaler(c.ticks)
		if div != c.div {
			t.Errorf("selectPrescaler(%d) div = %v, want %v", c.ticks, div, c.div)
		}
		if div != hw.ClockOff && period == 0 {
			t.Errorf("selectPrescaler(%d) period = 0, want nonzero", c.ticks)
		}
	}
}

func TestLoadMoveAccumulatesEncoderFromDMACount(t *testing.T) {
	m, sim := newTestManager(t, 1)
	configureMotor(t, m, 0)

	if err := m.PrepMove(0, 0.1, 1000, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadMove(0); err != nil {
		t.Fatal(err)
	}

	// Simulate the full segment's worth of step edges (2000 half steps)
	// executing, then prep+load the next (zero-length) move, which forces
	// EndMove to fold the DMA count into the encoder.
	sim.SetDMACount(0, 0xFFFF-2000)
	if err := m.PrepMove(0, 0.1, 1000, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadMove(0); err != nil {
		t.Fatal(err)
	}

	fe, _ := m.FollowingError(0)
	if fe != 0 {
		t.Fatalf("FollowingError = %d, want 0 after full step completion", fe)
	}
}

func TestProportionalCorrectionBelowThresholdIsZero(t *testing.T) {
	if got := proportionalCorrection(1, 1000, 100); got != 0 {
		t.Fatalf("correction = %d, want 0 below MinHalfStepCorrection", got)
	}
}

func TestProportionalCorrectionUsesTighterOfTwoCaps(t *testing.T) {
	// following=-40 (encoder ahead of commanded, so the correction is
	// negative), half_steps=64 so velocity cap is (64>>5)+1 = 3, tighter
	// than the flat cap of 100.
	got := proportionalCorrection(-40, 64, 100)
	if got != -3 {
		t.Fatalf("correction = %d, want -3 (velocity-proportional cap)", got)
	}
}

func TestProportionalCorrectionFlatCapTighter(t *testing.T) {
	// following=-40, half_steps huge so velocity cap is large; flat cap of
	// 5 should win.
	got := proportionalCorrection(-40, 1<<20, 5)
	if got != -5 {
		t.Fatalf("correction = %d, want -5 (flat cap)", got)
	}
}

func TestRTCCallbackLeavesIdleMotorUnpowered(t *testing.T) {
	m, _ := newTestManager(t, 1)
	err := m.Configure(0, Config{
		Axis:       axis.X,
		Microsteps: 16,
		StepAngle:  1.8,
		TravelRev:  5,
		PowerMode:  PowerOnlyWhenMoving,
	})
	if err != nil {
		t.Fatal(err)
	}

	m.RTCCallback()
	powered, _ := m.Powered(0)
	if powered {
		t.Fatal("expected motor unpowered before any move")
	}
}

func TestShutdownStopsAllTimers(t *testing.T) {
	m, _ := newTestManager(t, 2)
	configureMotor(t, m, 0)
	configureMotor(t, m, 1)

	if err := m.PrepMove(0, 0.01, 50, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadMove(0); err != nil {
		t.Fatal(err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

func TestMotorIndexOutOfRange(t *testing.T) {
	m, _ := newTestManager(t, 1)
	if _, err := m.Position(5); err == nil {
		t.Fatal("expected error for out-of-range motor index")
	}
}
