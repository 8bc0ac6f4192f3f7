// Motion controller daemon: parses a persisted configuration, wires the
// motor/stepper/planner/machine stack and serves the serial command
// surface on stdin/stdout plus the HTTP status dashboard, mirroring
// clock.go's main() (flag parsing, config load, ClockServer launch, then
// block forever) generalized to this controller's subsystems.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/cncgo/motioncore/config"
	"github.com/cncgo/motioncore/core"
	"github.com/cncgo/motioncore/hw"
)

var (
	configFile = flag.String("config", "", "Configuration file")
	snapshot   = flag.String("snapshot", "", "Path to the persisted config snapshot (NVRAM substitute)")
	motors     = flag.Int("motors", 4, "Number of motors")
	port       = flag.Int("port", 8080, "Status dashboard port number, 0 to disable")
	dirPins    = flag.String("dir-pins", "", "Comma-separated direction GPIO line per motor (Sysfs backend)")
	pwmUnits   = flag.String("pwm-units", "", "Comma-separated pwmchip0 channel per motor (Sysfs backend)")
	simulate   = flag.Bool("simulate", false, "Drive a simulated hardware backend instead of Sysfs")
)

func main() {
	flag.Parse()
	logger := log.Default()

	table, err := loadTable(*motors)
	if err != nil {
		log.Fatalf("motionctl: %v", err)
	}

	backend, err := openBackend(*motors)
	if err != nil {
		log.Fatalf("motionctl: %v", err)
	}

	sys, err := core.New(table, backend, os.Stdout, logger)
	if err != nil {
		log.Fatalf("motionctl: %v", err)
	}
	sys.Run()

	if *port != 0 {
		go func() {
			if err := sys.Dashboard.ListenAndServe(portAddr(*port)); err != nil {
				logger.Printf("motionctl: dashboard: %v", err)
			}
		}()
	}

	if err := sys.CLI.Run(os.Stdin, os.Stdout); err != nil {
		log.Fatalf("motionctl: cli: %v", err)
	}
	if err := sys.Shutdown(); err != nil {
		log.Fatalf("motionctl: shutdown: %v", err)
	}
}

// loadTable parses configFile in the teacher's bracket-section format,
// falling back to the persisted binary snapshot and finally to compiled
// defaults per spec.md §6 "Persisted state".
func loadTable(motorCount int) (*config.Table, error) {
	if *configFile != "" {
		return config.Load(*configFile, motorCount)
	}
	if *snapshot != "" {
		t, _ := config.NewStore(*snapshot).Load(motorCount)
		return t, nil
	}
	return config.Defaults(motorCount), nil
}

func openBackend(motorCount int) (hw.Backend, error) {
	if *simulate || (*dirPins == "" && *pwmUnits == "") {
		return hw.NewSim(motorCount), nil
	}
	dp, err := parseIntList(*dirPins)
	if err != nil {
		return nil, err
	}
	pu, err := parseIntList(*pwmUnits)
	if err != nil {
		return nil, err
	}
	return hw.NewSysfs(dp, pu)
}
