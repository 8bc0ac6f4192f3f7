package report

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/machine"
)

type fakeSource struct {
	pos        [axis.Count]float64
	state      machine.State
	cycle      machine.Cycle
	hold       machine.HoldState
	motorCount int
	fe         []int32
}

func (f *fakeSource) Position() [axis.Count]float64 { return f.pos }
func (f *fakeSource) State() machine.State          { return f.state }
func (f *fakeSource) Cycle() machine.Cycle          { return f.cycle }
func (f *fakeSource) HoldState() machine.HoldState  { return f.hold }
func (f *fakeSource) MotorCount() int               { return f.motorCount }
func (f *fakeSource) FollowingError(m int) (int32, error) {
	return f.fe[m], nil
}

func newTestSource() *fakeSource {
	return &fakeSource{motorCount: 1, fe: []int32{0}}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	dec := json.NewDecoder(buf)
	for {
		var m map[string]interface{}
		if err := dec.Decode(&m); err != nil {
			break
		}
		out = append(out, m)
	}
	return out
}

func TestFullReportIncludesEveryVariable(t *testing.T) {
	src := newTestSource()
	var buf bytes.Buffer
	r := New(src, &buf)

	if err := r.Full(); err != nil {
		t.Fatal(err)
	}
	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected exactly one report line, got %d", len(lines))
	}
	if _, ok := lines[0]["posx"]; !ok {
		t.Fatalf("expected posx in full report, got %v", lines[0])
	}
	if _, ok := lines[0]["stat"]; !ok {
		t.Fatalf("expected stat in full report, got %v", lines[0])
	}
	if _, ok := lines[0]["fe0"]; !ok {
		t.Fatalf("expected fe0 in full report, got %v", lines[0])
	}
}

func TestUnchangedStateEmitsNothing(t *testing.T) {
	src := newTestSource()
	var buf bytes.Buffer
	r := New(src, &buf)
	if err := r.Full(); err != nil {
		t.Fatal(err)
	}
	buf.Reset()

	if err := r.emitDiff(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no report line for unchanged state, got %q", buf.String())
	}
}

func TestChangedAxisEmitsOnlyThatVariable(t *testing.T) {
	src := newTestSource()
	var buf bytes.Buffer
	r := New(src, &buf)
	if err := r.Full(); err != nil {
		t.Fatal(err)
	}
	buf.Reset()

	src.pos[axis.X] = 12.5
	if err := r.emitDiff(); err != nil {
		t.Fatal(err)
	}
	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected exactly one report line, got %d", len(lines))
	}
	if len(lines[0]) != 1 {
		t.Fatalf("expected exactly one changed variable, got %v", lines[0])
	}
	if v, ok := lines[0]["posx"]; !ok || v.(float64) != 12.5 {
		t.Fatalf("expected posx=12.5, got %v", lines[0])
	}
}
