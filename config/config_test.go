package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cncgo/motioncore/axis"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "motion.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleConfig = `
[x]
vm=800
fr=600
jm=50000000
tn=0
tm=300
sv=50
lv=5

[motor0]
an=0
sa=1.8
tr=5
mi=16
po=0
pm=1

[machine]
jd=0.05
ct=0.01
pl=48
`

func TestLoadParsesAxisMotorAndMachineSections(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	tbl, err := Load(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	x := tbl.Axes[axis.X]
	if x.VelocityMax != 800 || x.FeedrateMax != 600 || x.JerkMax != 5e7 {
		t.Fatalf("unexpected axis config: %+v", x)
	}
	if x.TravelMin != 0 || x.TravelMax != 300 {
		t.Fatalf("unexpected travel limits: %+v", x)
	}

	m := tbl.Motors[0]
	if m.Axis != axis.X || m.StepAngle != 1.8 || m.TravelRev != 5 || m.Microsteps != 16 {
		t.Fatalf("unexpected motor config: %+v", m)
	}

	if tbl.Machine.JunctionDeviation != 0.05 || tbl.Machine.PlannerPoolSize != 48 {
		t.Fatalf("unexpected machine config: %+v", tbl.Machine)
	}
}

func TestLoadLeavesUnspecifiedAxesAtDefaults(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	tbl, err := Load(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	def := Defaults(1).Axes[axis.Y]
	if tbl.Axes[axis.Y] != def {
		t.Fatalf("expected axis y to stay at compiled-in defaults, got %+v", tbl.Axes[axis.Y])
	}
}

func TestLoadRejectsMissingRequiredKey(t *testing.T) {
	path := writeConfig(t, "[x]\nvm=800\n")
	if _, err := Load(path, 1); err == nil {
		t.Fatal("expected an error for an axis section missing required keys")
	}
}
