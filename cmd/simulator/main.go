// Simulator drives the full motor/stepper/planner/machine stack against
// the deterministic hw.Sim backend instead of real hardware, the same
// role simulator/sim.go plays for a Clock: no sleeps on the wall clock to
// wait for real step pulses, a scripted sequence of moves standing in
// for live operator input, and a periodic status print plus the same
// HTTP dashboard production serves.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/config"
	"github.com/cncgo/motioncore/core"
	"github.com/cncgo/motioncore/executor"
	"github.com/cncgo/motioncore/hw"
)

var (
	port      = flag.Int("port", 8080, "Status dashboard port number, 0 to disable")
	motorFlag = flag.Int("motors", 3, "Number of simulated motors, one per axis X, Y, Z in order")
)

// segmentTicks is the Sim backend's clock advance per driver tick,
// matching executor.NomSegmentUsec expressed in stepTimerFreq (1 MHz)
// ticks: the simulator always advances a nominal segment rather than
// reading the driver's actual prepared segment period, which StepGen
// does not currently expose outside its own package.
const segmentTicks = uint32(executor.NomSegmentUsec)

func main() {
	flag.Parse()
	logger := log.Default()

	table := config.Defaults(*motorFlag)
	for m := 0; m < *motorFlag; m++ {
		table.Motors[m] = config.MotorConfig{
			Axis: axis.Ordinal(m), StepAngle: 1.8, TravelRev: 5, Microsteps: 16,
		}
	}
	for a := range table.Axes {
		table.Axes[a].TravelMin, table.Axes[a].TravelMax = -200, 200
	}

	backend := hw.NewSim(*motorFlag)
	sys, err := core.New(table, backend, logWriter{logger}, logger)
	if err != nil {
		log.Fatalf("simulator: %v", err)
	}
	homeAxes(sys, *motorFlag)
	sys.Run()

	if *port != 0 {
		go func() {
			if err := sys.Dashboard.ListenAndServe(fmt.Sprintf(":%d", *port)); err != nil {
				logger.Printf("simulator: dashboard: %v", err)
			}
		}()
	}

	go driveTimer(sys, backend)
	go runDemoProgram(sys, *motorFlag)

	statusLoop(sys)
}

// homeAxes marks every configured axis as homed at its current position
// so soft-limit checks (which only apply once homed, spec.md §4.6) are
// exercised by the demo program below.
func homeAxes(sys *core.System, motorCount int) {
	for m := 0; m < motorCount && m < int(axis.Count); m++ {
		cfg, err := sys.Motors.ConfigOf(m)
		if err != nil {
			continue
		}
		sys.Axes[cfg.Axis].Homed = true
	}
}

// driveTimer stands in for the segment-boundary hardware timer,
// advancing the simulated backend's clock and ticking the stepper
// driver forward at a steady wall-clock cadence.
func driveTimer(sys *core.System, backend *hw.Sim) {
	ticker := time.NewTicker(time.Duration(executor.NomSegmentUsec) * time.Microsecond)
	defer ticker.Stop()
	for range ticker.C {
		backend.Advance(segmentTicks)
		sys.Driver.Tick()
	}
}

// runDemoProgram feeds a small scripted rapid/feed sequence through the
// wired Machine, standing in for the operator input the teacher's
// simulator/sim.go hardcodes via its params table.
func runDemoProgram(sys *core.System, motorCount int) {
	time.Sleep(100 * time.Millisecond)
	var target [axis.Count]float64
	for i := 0; i < motorCount && i < int(axis.Count); i++ {
		target[i] = 50
	}
	if err := sys.Machine.Rapid(target, 1); err != nil {
		log.Printf("simulator: demo rapid: %v", err)
		return
	}
	if err := sys.Machine.Feed(target, 200, false, 2); err != nil {
		log.Printf("simulator: demo feed: %v", err)
	}
}

// statusLoop prints the machine's position and run state every second,
// mirroring simulator/sim.go's five-second diff-print loop.
func statusLoop(sys *core.System) {
	for {
		pos := sys.Machine.Position()
		fmt.Printf("state=%s cycle=%s pos=%v\n", sys.Machine.State(), sys.Machine.Cycle(), pos)
		time.Sleep(time.Second)
	}
}

// logWriter adapts a *log.Logger to io.Writer so the report.Reporter's
// JSON diff lines show up alongside the rest of the simulator's log
// output instead of needing their own file.
type logWriter struct{ l *log.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.l.Print(string(p))
	return len(p), nil
}
