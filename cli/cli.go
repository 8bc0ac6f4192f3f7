// Package cli implements the serial-link command surface from spec.md §6:
// "$" to show a variable, "$=" to set one, "!" feedhold, "~" cycle-start,
// "%" queue-flush, and emergency-stop/reset. Grounded on the teacher's
// utils/calibrate.go, whose main loop reads a line from stdin, trims it,
// and switches on the command text — generalized here from a one-off
// calibration REPL into a persistent line-reading command loop over any
// io.Reader/io.Writer (the serial link in production, a bytes.Buffer in
// tests).
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"
)

// Ops is the command surface a Server dispatches onto — spec.md §6's CLI
// commands plus the variable get/set protocol, implemented by core's
// top-level wiring over machine.Machine, a variable table and a
// report.Reporter.
type Ops interface {
	RequestHold()
	RequestFlush()
	RequestStart()
	Estop()
	Reset()
	Get(name string) (string, bool)
	Set(name, value string) error
	Full() error
}

// Server reads commands line by line and writes a response line for each,
// mirroring utils/calibrate.go's bufio.NewReader(os.Stdin) loop.
type Server struct {
	ops Ops
}

// New returns a Server dispatching onto ops.
func New(ops Ops) *Server {
	return &Server{ops: ops}
}

// Run blocks, reading newline-terminated commands from r and writing a
// response line for each to w, until r returns io.EOF.
func (s *Server) Run(r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			fmt.Fprintln(w, s.Dispatch(line))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// Dispatch handles one command line and returns the response text. Safe to
// call directly (e.g. from an HTTP handler) without going through Run.
func (s *Server) Dispatch(line string) string {
	switch {
	case line == "!":
		s.ops.RequestHold()
		return "ok"
	case line == "~":
		s.ops.RequestStart()
		return "ok"
	case line == "%":
		s.ops.RequestFlush()
		return "ok"
	case line == "*": // emergency stop
		s.ops.Estop()
		return "ok"
	case line == "&": // reset from a soft alarm
		s.ops.Reset()
		return "ok"
	case strings.HasPrefix(line, "$="):
		return s.dispatchSet(line[2:])
	case strings.HasPrefix(line, "$$"):
		if err := s.ops.Full(); err != nil {
			return "error: " + err.Error()
		}
		return "ok"
	case strings.HasPrefix(line, "$"):
		return s.dispatchGet(line[1:])
	default:
		return "error: unrecognized command"
	}
}

// dispatchSet handles "$=name value" and "$=name=value", tokenizing with
// shlex so a value containing spaces can be quoted.
func (s *Server) dispatchSet(rest string) string {
	fields, err := shlex.Split(rest)
	if err != nil {
		return "error: " + err.Error()
	}
	name, value, ok := splitSetArgs(fields)
	if !ok {
		return "error: usage: $=name value"
	}
	if err := s.ops.Set(name, value); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

// splitSetArgs accepts either ["name", "value"] or a single "name=value"
// token (also handling shlex splitting a bare name=value into one field).
func splitSetArgs(fields []string) (name, value string, ok bool) {
	switch len(fields) {
	case 1:
		parts := strings.SplitN(fields[0], "=", 2)
		if len(parts) != 2 {
			return "", "", false
		}
		return parts[0], parts[1], true
	case 2:
		return fields[0], fields[1], true
	default:
		return "", "", false
	}
}

func (s *Server) dispatchGet(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "error: usage: $name"
	}
	v, ok := s.ops.Get(name)
	if !ok {
		return "error: unrecognized name"
	}
	return name + "=" + v
}

// ParseBool and ParseFloat are small helpers Ops implementations can use
// when decoding Set's string value; kept here rather than duplicated
// across every variable type a Set implementation handles.
func ParseBool(s string) (bool, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return false, errors.Wrap(err, "cli: not a boolean")
	}
	return n != 0, nil
}

func ParseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrap(err, "cli: not a number")
	}
	return v, nil
}
