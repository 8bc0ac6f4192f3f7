package core

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cncgo/motioncore/config"
	"github.com/cncgo/motioncore/hw"
)

func testTable() *config.Table {
	t := config.Defaults(1)
	t.Motors[0] = config.MotorConfig{
		Axis: 0, StepAngle: 1.8, TravelRev: 10, Microsteps: 16,
	}
	t.Axes[0].TravelMin, t.Axes[0].TravelMax = 0, 100
	return t
}

func TestNewWiresEverySubsystem(t *testing.T) {
	var out bytes.Buffer
	sys, err := New(testTable(), hw.NewSim(1), &out, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sys.Motors == nil || sys.Driver == nil || sys.Planner == nil || sys.Executor == nil || sys.Machine == nil {
		t.Fatal("expected every subsystem to be constructed")
	}
	if sys.Reporter == nil || sys.Dashboard == nil || sys.CLI == nil {
		t.Fatal("expected reporting and CLI surfaces to be constructed")
	}
}

func TestNewRejectsInvalidMotorConfig(t *testing.T) {
	tbl := testTable()
	tbl.Motors[0].Microsteps = 3 // not a power of two
	if _, err := New(tbl, hw.NewSim(1), &bytes.Buffer{}, nil); err == nil {
		t.Fatal("expected an error for an invalid motor configuration")
	}
}

func TestCLIRoundTripsThroughWiredMachine(t *testing.T) {
	var out bytes.Buffer
	sys, err := New(testTable(), hw.NewSim(1), &out, nil)
	if err != nil {
		t.Fatal(err)
	}

	if got := sys.CLI.Dispatch("$xvm"); !strings.HasPrefix(got, "xvm=") {
		t.Fatalf("expected xvm=..., got %q", got)
	}
	if got := sys.CLI.Dispatch("$=xvm 1500"); got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	if got := sys.CLI.Dispatch("$xvm"); got != "xvm=1500" {
		t.Fatalf("expected the updated value to read back, got %q", got)
	}

	if got := sys.CLI.Dispatch("!"); got != "ok" {
		t.Fatalf("expected feedhold request to be accepted, got %q", got)
	}
}

func TestShutdownAfterRunReturnsCleanly(t *testing.T) {
	sys, err := New(testTable(), hw.NewSim(1), &bytes.Buffer{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sys.Run()
	if err := sys.Shutdown(); err != nil {
		t.Fatalf("expected a clean shutdown, got %v", err)
	}
}
