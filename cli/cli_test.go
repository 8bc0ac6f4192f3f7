package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cncgo/motioncore/status"
)

type fakeOps struct {
	hold, flush, start, estop, reset, full int
	vars                                   map[string]string
}

func newFakeOps() *fakeOps {
	return &fakeOps{vars: map[string]string{"xvm": "800"}}
}

func (f *fakeOps) RequestHold()  { f.hold++ }
func (f *fakeOps) RequestFlush() { f.flush++ }
func (f *fakeOps) RequestStart() { f.start++ }
func (f *fakeOps) Estop()        { f.estop++ }
func (f *fakeOps) Reset()        { f.reset++ }
func (f *fakeOps) Full() error   { f.full++; return nil }

func (f *fakeOps) Get(name string) (string, bool) {
	v, ok := f.vars[name]
	return v, ok
}

func (f *fakeOps) Set(name, value string) error {
	if _, ok := f.vars[name]; !ok {
		return status.New(status.UnrecognizedName, name)
	}
	f.vars[name] = value
	return nil
}

func TestDispatchControlCharacters(t *testing.T) {
	ops := newFakeOps()
	s := New(ops)

	s.Dispatch("!")
	s.Dispatch("~")
	s.Dispatch("%")
	s.Dispatch("*")
	s.Dispatch("&")

	if ops.hold != 1 || ops.start != 1 || ops.flush != 1 || ops.estop != 1 || ops.reset != 1 {
		t.Fatalf("unexpected op counts: %+v", ops)
	}
}

func TestDispatchGetKnownAndUnknownVariable(t *testing.T) {
	s := New(newFakeOps())

	if got := s.Dispatch("$xvm"); got != "xvm=800" {
		t.Fatalf("expected xvm=800, got %q", got)
	}
	if got := s.Dispatch("$nosuch"); !strings.HasPrefix(got, "error:") {
		t.Fatalf("expected an error for an unknown variable, got %q", got)
	}
}

func TestDispatchSetTwoTokenForm(t *testing.T) {
	ops := newFakeOps()
	s := New(ops)
	if got := s.Dispatch("$=xvm 900"); got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	if ops.vars["xvm"] != "900" {
		t.Fatalf("expected xvm updated to 900, got %s", ops.vars["xvm"])
	}
}

func TestDispatchSetEqualsForm(t *testing.T) {
	ops := newFakeOps()
	s := New(ops)
	if got := s.Dispatch("$=xvm=950"); got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	if ops.vars["xvm"] != "950" {
		t.Fatalf("expected xvm updated to 950, got %s", ops.vars["xvm"])
	}
}

func TestDispatchFullReport(t *testing.T) {
	ops := newFakeOps()
	s := New(ops)
	if got := s.Dispatch("$$"); got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	if ops.full != 1 {
		t.Fatalf("expected Full called once, got %d", ops.full)
	}
}

func TestRunProcessesMultipleLines(t *testing.T) {
	ops := newFakeOps()
	s := New(ops)
	in := strings.NewReader("!\n~\n$xvm\n")
	var out bytes.Buffer
	if err := s.Run(in, &out); err != nil {
		t.Fatal(err)
	}
	if ops.hold != 1 || ops.start != 1 {
		t.Fatalf("unexpected op counts: %+v", ops)
	}
	if !strings.Contains(out.String(), "xvm=800") {
		t.Fatalf("expected xvm=800 in output, got %q", out.String())
	}
}
