// Package config parses and persists the machine's configuration table:
// per-axis kinematic limits, per-motor wiring, and machine-wide planner
// tuning (spec.md §6 "Persisted configuration"). Grounded on the teacher's
// hand/config.go: the same github.com/aamcrae/config line-oriented
// key=value section format, one section per named thing (there, one
// section per clock hand; here, one section per axis/motor plus a single
// machine-wide section).
package config

import (
	"github.com/aamcrae/config"
	"github.com/pkg/errors"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/motor"
)

// AxisConfig is one axis's persisted kinematic configuration (spec.md §6:
// vm, fr, jm, tn/tm, sv/lv).
type AxisConfig struct {
	VelocityMax          float64 // vm, mm/min or deg/min
	FeedrateMax          float64 // fr, mm/min
	JerkMax              float64 // jm, units of 1e6 mm/min^3
	TravelMin, TravelMax float64 // tn, tm
	HomingSearchVel      float64 // sv
	HomingLatchVel       float64 // lv
}

// MotorConfig is one motor's persisted wiring configuration (spec.md §6:
// an, sa, tr, mi, po, pm).
type MotorConfig struct {
	Axis       axis.Ordinal    // an
	StepAngle  float64         // sa, degrees per whole step
	TravelRev  float64         // tr, units of travel per motor revolution
	Microsteps uint16          // mi
	Reverse    bool            // po
	PowerMode  motor.PowerMode // pm
}

// MachineConfig is the machine-wide persisted tuning (spec.md §6: jd, ct,
// pl).
type MachineConfig struct {
	JunctionDeviation float64 // jd, mm
	ChordalTolerance  float64 // ct
	PlannerPoolSize   int     // pl
}

// Table is the full persisted configuration: every axis, every configured
// motor, and the machine-wide tuning.
type Table struct {
	Axes    [axis.Count]AxisConfig
	Motors  []MotorConfig
	Machine MachineConfig
}

// Defaults returns the compiled-in defaults loaded when no config file is
// present or a persisted snapshot fails its checksum (spec.md §6
// "Persisted state").
func Defaults(motorCount int) *Table {
	t := &Table{Motors: make([]MotorConfig, motorCount)}
	for a := range t.Axes {
		t.Axes[a] = AxisConfig{VelocityMax: 1000, FeedrateMax: 1000, JerkMax: 5e7}
	}
	t.Machine = MachineConfig{JunctionDeviation: 0.05, ChordalTolerance: 0.01, PlannerPoolSize: 48}
	return t
}

var axisSectionNames = [...]string{"x", "y", "z", "a", "b", "c"}

// Load parses a configuration file in the teacher's key=value/section
// format (config.ParseFile) into a Table. motorCount bounds how many
// "motorN" sections are read.
func Load(path string, motorCount int) (*Table, error) {
	conf, err := config.ParseFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: %s", path)
	}

	t := Defaults(motorCount)
	for a, name := range axisSectionNames {
		s := conf.GetSection(name)
		if s == nil {
			continue
		}
		if err := loadAxisSection(s, &t.Axes[a]); err != nil {
			return nil, errors.Wrapf(err, "config: section %s", name)
		}
	}
	for m := 0; m < motorCount; m++ {
		name := motorSectionName(m)
		s := conf.GetSection(name)
		if s == nil {
			continue
		}
		if err := loadMotorSection(s, &t.Motors[m]); err != nil {
			return nil, errors.Wrapf(err, "config: section %s", name)
		}
	}
	if s := conf.GetSection("machine"); s != nil {
		if err := loadMachineSection(s, &t.Machine); err != nil {
			return nil, errors.Wrap(err, "config: section machine")
		}
	}
	return t, nil
}

func motorSectionName(m int) string {
	return "motor" + string(rune('0'+m))
}

// parseField mirrors the teacher's handConfig: call Section.Parse and wrap
// any error with the key name, same as every field lookup in
// hand/config.go's Config function.
func parseField(s *config.Section, key, format string, arg interface{}) error {
	n, err := s.Parse(key, format, arg)
	if err != nil {
		return errors.Wrapf(err, "%s", key)
	}
	if n != 1 {
		return errors.Errorf("%s: argument count", key)
	}
	return nil
}

func loadAxisSection(s *config.Section, a *AxisConfig) error {
	for _, f := range []struct {
		key string
		val *float64
	}{
		{"vm", &a.VelocityMax},
		{"fr", &a.FeedrateMax},
		{"jm", &a.JerkMax},
		{"tn", &a.TravelMin},
		{"tm", &a.TravelMax},
		{"sv", &a.HomingSearchVel},
		{"lv", &a.HomingLatchVel},
	} {
		if err := parseField(s, f.key, "%f", f.val); err != nil {
			return err
		}
	}
	return nil
}

func loadMotorSection(s *config.Section, m *MotorConfig) error {
	var an int
	if err := parseField(s, "an", "%d", &an); err != nil {
		return err
	}
	m.Axis = axis.Ordinal(an)
	if err := parseField(s, "sa", "%f", &m.StepAngle); err != nil {
		return err
	}
	if err := parseField(s, "tr", "%f", &m.TravelRev); err != nil {
		return err
	}
	var mi int
	if err := parseField(s, "mi", "%d", &mi); err != nil {
		return err
	}
	m.Microsteps = uint16(mi)
	var po int
	if err := parseField(s, "po", "%d", &po); err != nil {
		return err
	}
	m.Reverse = po != 0
	var pm int
	if err := parseField(s, "pm", "%d", &pm); err != nil {
		return err
	}
	m.PowerMode = motor.PowerMode(pm)
	return nil
}

func loadMachineSection(s *config.Section, m *MachineConfig) error {
	if err := parseField(s, "jd", "%f", &m.JunctionDeviation); err != nil {
		return err
	}
	if err := parseField(s, "ct", "%f", &m.ChordalTolerance); err != nil {
		return err
	}
	var pl int
	if err := parseField(s, "pl", "%d", &pl); err != nil {
		return err
	}
	m.PlannerPoolSize = pl
	return nil
}
