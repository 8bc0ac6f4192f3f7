package core

import (
	"strconv"
	"strings"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/cli"
	"github.com/cncgo/motioncore/config"
	"github.com/cncgo/motioncore/machine"
	"github.com/cncgo/motioncore/motor"
	"github.com/cncgo/motioncore/report"
	"github.com/cncgo/motioncore/status"
)

// axisLimits adapts a fixed array of configured axes to planner.AxisLimits.
type axisLimits struct {
	axes [axis.Count]*axis.Axis
}

func (l *axisLimits) Limits(o axis.Ordinal) (velocityMax, jerkMax float64) {
	a := l.axes[o]
	if a == nil {
		return 0, 0
	}
	return a.VelocityMax, a.JerkMax
}

// motorMap adapts the configured motor-to-axis wiring to executor.MotorMap,
// a Cartesian mapping per spec.md §4.3: each motor drives exactly one axis,
// and its target step count is the axis position scaled by its own
// steps-per-unit. It does not consult the axis mode: a motor whose axis is
// Inhibited still gets that scaled axis position as its target.
type motorMap struct {
	cfg    []config.MotorConfig
	motors *motor.Manager
}

func (m *motorMap) MotorCount() int { return len(m.cfg) }

func (m *motorMap) AxisOf(motorIdx int) axis.Ordinal { return m.cfg[motorIdx].Axis }

func (m *motorMap) AxisTargetSteps(motorIdx int, axisPosition float64) float64 {
	spu, err := m.motors.StepsPerUnit(motorIdx)
	if err != nil {
		return 0
	}
	return axisPosition * spu
}

// reportSource adapts machine.Machine and motor.Manager to report.Source,
// the one piece report needs that machine.Machine cannot supply on its
// own: how many motors there are and each one's following error.
type reportSource struct {
	m      *machine.Machine
	motors *motor.Manager
}

func (s *reportSource) Position() [axis.Count]float64   { return s.m.Position() }
func (s *reportSource) State() machine.State             { return s.m.State() }
func (s *reportSource) Cycle() machine.Cycle              { return s.m.Cycle() }
func (s *reportSource) HoldState() machine.HoldState      { return s.m.HoldState() }
func (s *reportSource) MotorCount() int                   { return s.motors.Count() }
func (s *reportSource) FollowingError(motorIdx int) (int32, error) {
	return s.motors.FollowingError(motorIdx)
}

// cliOps adapts machine.Machine, the configured axes, the persisted
// config table and a report.Reporter to cli.Ops: the variable get/set
// surface spec.md §6 exposes over the serial link ("$name"/"$=name
// value"), named after the same per-axis/per-motor/machine-wide keys
// config.go persists (vm/fr/jm/tn/tm, jd/ct/pl, feN).
type cliOps struct {
	m        *machine.Machine
	motors   *motor.Manager
	axes     [axis.Count]*axis.Axis
	table    *config.Table
	reporter *report.Reporter
}

var _ cli.Ops = (*cliOps)(nil)

func (o *cliOps) RequestHold()  { o.m.RequestHold() }
func (o *cliOps) RequestFlush() { o.m.RequestFlush() }
func (o *cliOps) RequestStart() { o.m.RequestStart() }
func (o *cliOps) Estop()        { o.m.StateEstop() }
func (o *cliOps) Reset()        { o.m.Reset() }
func (o *cliOps) Full() error   { return o.reporter.Full() }

// axisByLetter maps a variable name's leading character to an axis
// ordinal, mirroring config.go's axisSectionNames ("x".."c").
func axisByLetter(b byte) (axis.Ordinal, bool) {
	switch b {
	case 'x':
		return axis.X, true
	case 'y':
		return axis.Y, true
	case 'z':
		return axis.Z, true
	case 'a':
		return axis.A, true
	case 'b':
		return axis.B, true
	case 'c':
		return axis.C, true
	default:
		return 0, false
	}
}

func (o *cliOps) Get(name string) (string, bool) {
	if len(name) > 1 {
		if a, ok := axisByLetter(name[0]); ok {
			if v, ok := o.getAxisVar(a, name[1:]); ok {
				return formatFloat(v), true
			}
		}
	}
	if strings.HasPrefix(name, "fe") {
		n, err := strconv.Atoi(name[2:])
		if err != nil {
			return "", false
		}
		fe, err := o.motors.FollowingError(n)
		if err != nil {
			return "", false
		}
		return strconv.Itoa(int(fe)), true
	}
	switch name {
	case "jd":
		return formatFloat(o.table.Machine.JunctionDeviation), true
	case "ct":
		return formatFloat(o.table.Machine.ChordalTolerance), true
	case "pl":
		return strconv.Itoa(o.table.Machine.PlannerPoolSize), true
	}
	return "", false
}

func (o *cliOps) Set(name, value string) error {
	if len(name) > 1 {
		if a, ok := axisByLetter(name[0]); ok {
			if o.setAxisVar(a, name[1:], value) {
				return nil
			}
		}
	}
	switch name {
	case "jd":
		v, err := cli.ParseFloat(value)
		if err != nil {
			return err
		}
		o.table.Machine.JunctionDeviation = v
		return nil
	case "ct":
		v, err := cli.ParseFloat(value)
		if err != nil {
			return err
		}
		o.table.Machine.ChordalTolerance = v
		return nil
	}
	return unrecognizedVar(name)
}

func (o *cliOps) getAxisVar(a axis.Ordinal, key string) (float64, bool) {
	ax := o.axes[a]
	if ax == nil {
		return 0, false
	}
	switch key {
	case "vm":
		return ax.VelocityMax, true
	case "fr":
		return ax.FeedrateMax, true
	case "jm":
		return ax.JerkMax, true
	case "tn":
		return ax.TravelMin, true
	case "tm":
		return ax.TravelMax, true
	default:
		return 0, false
	}
}

func (o *cliOps) setAxisVar(a axis.Ordinal, key, value string) bool {
	ax := o.axes[a]
	if ax == nil {
		return false
	}
	v, err := cli.ParseFloat(value)
	if err != nil {
		return false
	}
	switch key {
	case "vm":
		ax.VelocityMax = v
	case "fr":
		ax.FeedrateMax = v
	case "jm":
		ax.JerkMax = v
	case "tn":
		ax.SetTravelLimits(v, ax.TravelMax)
	case "tm":
		ax.SetTravelLimits(ax.TravelMin, v)
	default:
		return false
	}
	return true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func unrecognizedVar(name string) error {
	return status.New(status.UnrecognizedName, name)
}
