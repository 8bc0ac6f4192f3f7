// Package core is the single process-wide owner spec.md §9 asks for: it
// constructs MotorMgr, StepGen, StepperDriver, Planner, SegmentExecutor
// and Machine in dependency order, wires the narrow interfaces between
// them, and tears them down again in reverse. Grounded on the teacher's
// clock.go main(), which plays the same owning-root role for a Clock's
// hand/encoder/HTTP server, generalized here into a reusable constructor
// rather than inlined in a cmd's main.
package core

import (
	"io"
	"log"

	"github.com/pkg/errors"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/cli"
	"github.com/cncgo/motioncore/config"
	"github.com/cncgo/motioncore/executor"
	"github.com/cncgo/motioncore/hw"
	"github.com/cncgo/motioncore/machine"
	"github.com/cncgo/motioncore/motor"
	"github.com/cncgo/motioncore/planner"
	"github.com/cncgo/motioncore/report"
	"github.com/cncgo/motioncore/stepper"
)

// System owns every live subsystem for one machine instance.
type System struct {
	Table *config.Table

	Motors   *motor.Manager
	Driver   *stepper.Driver
	Planner  *planner.Planner
	Executor *executor.Executor
	Machine  *machine.Machine
	Axes     [axis.Count]*axis.Axis

	Reporter  *report.Reporter
	Dashboard *report.Dashboard
	CLI       *cli.Server

	stop chan struct{}
}

// New builds a System over table's persisted configuration, driving
// backend's motors and writing variable reports to reportOut (the serial
// link in production, any io.Writer in tests). Construction follows
// spec.md §9's dependency order (MotorMgr → StepGen → StepperDriver →
// Executor → Planner → Machine) with one necessary reversal: Executor's
// constructor takes its Planner directly rather than through a setter
// like stepper.Driver.SetExecutor, so Planner must already exist when
// Executor is built. The two are still wired as the spec's order
// intends — Executor consults Planner, nothing consults Executor except
// StepperDriver, whose own SetExecutor call closes that loop right after.
func New(table *config.Table, backend hw.Backend, reportOut io.Writer, logger *log.Logger) (*System, error) {
	if logger == nil {
		logger = log.Default()
	}

	motors := motor.New(len(table.Motors), backend)
	for i, mc := range table.Motors {
		cfg := motor.Config{
			Axis:       mc.Axis,
			Microsteps: mc.Microsteps,
			StepAngle:  mc.StepAngle,
			TravelRev:  mc.TravelRev,
			Reverse:    mc.Reverse,
			PowerMode:  mc.PowerMode,
		}
		if err := motors.Configure(i, cfg); err != nil {
			return nil, errors.Wrapf(err, "core: configure motor %d", i)
		}
	}

	driver := stepper.New(motors, backend)

	var axes [axis.Count]*axis.Axis
	for a := range axes {
		ax := axis.New(axis.Ordinal(a))
		ac := table.Axes[a]
		ax.VelocityMax, ax.FeedrateMax, ax.JerkMax = ac.VelocityMax, ac.FeedrateMax, ac.JerkMax
		if ac.TravelMax > ac.TravelMin {
			if err := ax.SetTravelLimits(ac.TravelMin, ac.TravelMax); err != nil {
				return nil, errors.Wrapf(err, "core: axis %s travel limits", axis.Ordinal(a))
			}
			ax.SoftLimitsEnabled = true
		}
		axes[a] = ax
	}

	p := planner.New(table.Machine.PlannerPoolSize, &axisLimits{axes: axes}, table.Machine.JunctionDeviation)

	mm := &motorMap{cfg: table.Motors, motors: motors}
	exec := executor.New(p, driver, mm, motors)
	driver.SetExecutor(exec)

	mach := machine.New(p, driver, axes, logger)

	src := &reportSource{m: mach, motors: motors}
	reporter := report.New(src, reportOut)
	dashboard := report.NewDashboard(src, logger)

	ops := &cliOps{m: mach, motors: motors, axes: axes, table: table, reporter: reporter}
	srv := cli.New(ops)

	return &System{
		Table:     table,
		Motors:    motors,
		Driver:    driver,
		Planner:   p,
		Executor:  exec,
		Machine:   mach,
		Axes:      axes,
		Reporter:  reporter,
		Dashboard: dashboard,
		CLI:       srv,
		stop:      make(chan struct{}),
	}, nil
}

// Run starts the reporter's periodic diff ticker goroutine. It does not
// drive the stepper driver's segment-boundary Tick; the caller does (see
// cmd/simulator). It returns immediately; the ticker stops when Shutdown
// is called.
func (s *System) Run() {
	go s.Reporter.Run(s.stop)
}

// Shutdown stops the reporter's background ticker and tears down the
// stepper driver, which shuts down every motor in turn
// (stepper.Driver.Shutdown already aggregates per-motor errors via
// multierr, so there is nothing further for Shutdown to aggregate here).
func (s *System) Shutdown() error {
	close(s.stop)
	return errors.Wrap(s.Driver.Shutdown(), "core: stepper driver shutdown")
}
