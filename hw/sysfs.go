package hw

import (
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Sysfs is a Backend driving real Linux GPIO and PWM sysfs files, the
// same style the teacher uses in io/gpio.go and io/hwpwm.go. Linux has no
// generic sysfs handle on a timer's DMA step-counter register, so Sysfs
// tracks each motor's executed-step count in software from the configured
// (div, period) and wall-clock elapsed time between StartTimer/StopTimer —
// the closest userspace-reachable analog of the embedded DMA counter.
type Sysfs struct {
	mu sync.Mutex

	motors  int
	pwm     []*pwmChannel
	dirPin  []*gpioPin
	started []time.Time
	div     []ClockDiv
	period  []uint16
	dma     []uint16

	interruptFired chan struct{}
}

const (
	gpioBase      = "/sys/class/gpio/"
	gpioExport    = gpioBase + "export"
	gpioDirection = "/direction"
	gpioValue     = "/value"

	pwmBase    = "/sys/class/pwm/pwmchip0/"
	pwmExport  = pwmBase + "export"
	pwmPeriod  = "/period"
	pwmEnable  = "/enable"

	verifyTimeout = 2 * time.Second
)

type gpioPin struct {
	path string
}

type pwmChannel struct {
	unit int
	base string
}

// verify controls whether Sysfs waits for exported files to become
// writable after export, needed when not running as root (udev/systemd
// lag group-ownership changes), mirrored from io/common.go.
var verify = func() bool {
	u, err := user.Current()
	return err == nil && u.Uid != "0"
}()

// NewSysfs opens motors step/direction GPIO lines and PWM channels. dirPins
// gives the GPIO line number used for each motor's direction output;
// pwmUnits gives the pwmchip0 channel used for each motor's step timer.
func NewSysfs(dirPins []int, pwmUnits []int) (*Sysfs, error) {
	if len(dirPins) != len(pwmUnits) {
		return nil, errors.New("hw: dirPins and pwmUnits must have equal length")
	}
	motors := len(dirPins)
	s := &Sysfs{
		motors:         motors,
		pwm:            make([]*pwmChannel, motors),
		dirPin:         make([]*gpioPin, motors),
		started:        make([]time.Time, motors),
		div:            make([]ClockDiv, motors),
		period:         make([]uint16, motors),
		dma:            make([]uint16, motors),
		interruptFired: make(chan struct{}, 1),
	}

	for m := 0; m < motors; m++ {
		pin, err := openOutputPin(dirPins[m])
		if err != nil {
			return nil, errors.Wrapf(err, "motor %d direction pin", m)
		}
		s.dirPin[m] = pin

		ch, err := openPWM(pwmUnits[m])
		if err != nil {
			return nil, errors.Wrapf(err, "motor %d pwm channel", m)
		}
		s.pwm[m] = ch
		s.dma[m] = 0xFFFF
	}
	return s, nil
}

func (s *Sysfs) ConfigureStepTimer(motor int, div ClockDiv, period uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.div[motor] = div
	s.period[motor] = period
}

func (s *Sysfs) SetDirectionPin(motor int, reverse bool) {
	v := "0"
	if reverse {
		v = "1"
	}
	writeFile(s.dirPin[motor].path+gpioValue, v)
}

func (s *Sysfs) StartTimer(motor int) {
	s.mu.Lock()
	div, period := s.div[motor], s.period[motor]
	s.started[motor] = time.Now()
	s.dma[motor] = 0xFFFF
	s.mu.Unlock()

	ch := s.pwm[motor]
	if div == ClockOff || period == 0 {
		writeFile(ch.base+pwmEnable, "0")
		return
	}
	writeFile(ch.base+pwmPeriod, fmt.Sprintf("%d", uint32(period)<<div.Shift()))
	writeFile(ch.base+pwmEnable, "1")
}

func (s *Sysfs) StopTimer(motor int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeFile(s.pwm[motor].base+pwmEnable, "0")

	if s.started[motor].IsZero() || s.div[motor] == ClockOff || s.period[motor] == 0 {
		return
	}
	edgeNanos := int64(s.period[motor]) << s.div[motor].Shift()
	edges := time.Since(s.started[motor]).Nanoseconds() / edgeNanos
	if edges > int64(s.dma[motor]) {
		edges = int64(s.dma[motor])
	}
	s.dma[motor] -= uint16(edges)
	s.started[motor] = time.Time{}
}

// ReadDMACount reports the remaining down-count. Because userspace cannot
// read a hardware step counter directly, Sysfs estimates steps executed
// from elapsed wall-clock time against the programmed period; production
// deployments with real register access should implement Backend directly
// against the timer/DMA peripheral instead of through sysfs.
func (s *Sysfs) ReadDMACount(motor int) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dma[motor]
}

func (s *Sysfs) SetDMACount(motor int, count uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dma[motor] = count
}

func (s *Sysfs) RequestSoftInterrupt() {
	select {
	case s.interruptFired <- struct{}{}:
	default:
	}
}

func (s *Sysfs) SoftInterrupts() <-chan struct{} { return s.interruptFired }

// ClearInterrupt is a no-op on Sysfs: RequestSoftInterrupt already
// coalesces via the buffered channel's drop-when-full send.
func (s *Sysfs) ClearInterrupt() {}

func openOutputPin(gpioNum int) (*gpioPin, error) {
	path := fmt.Sprintf("%sgpio%d", gpioBase, gpioNum)
	if err := export(path, gpioExport, gpioNum, verify); err != nil {
		return nil, err
	}
	if err := writeFile(path+gpioDirection, "out"); err != nil {
		return nil, err
	}
	return &gpioPin{path: path}, nil
}

func openPWM(unit int) (*pwmChannel, error) {
	base := fmt.Sprintf("%spwm%d", pwmBase, unit)
	if err := export(base+pwmPeriod, pwmExport, unit, verify); err != nil {
		return nil, err
	}
	return &pwmChannel{unit: unit, base: base}, nil
}

func export(probeFile, exportFile string, unit int, verify bool) error {
	if unix.Access(probeFile, unix.W_OK|unix.R_OK) == nil {
		return nil
	}
	if err := writeFile(exportFile, fmt.Sprintf("%d", unit)); err != nil {
		return err
	}
	if !verify {
		return nil
	}
	deadline := time.Now().Add(verifyTimeout)
	for time.Now().Before(deadline) {
		if unix.Access(probeFile, unix.W_OK) == nil {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return errors.Errorf("%s: not writable", probeFile)
}

func writeFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(s))
	return err
}
