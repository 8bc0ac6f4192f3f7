// Package motor implements MotorMgr, the per-motor configuration and
// hardware-timer step-pulse scheduler (spec.md §4.1/§4.2), grounded on
// original_source/avr/src/motor.c.
package motor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/hw"
	"github.com/cncgo/motioncore/status"
)

// PowerMode mirrors motor_power_mode_t in avr/src/motor.c.
type PowerMode int

const (
	PowerDisabled PowerMode = iota
	PowerAlways
	PowerInCycle
	PowerOnlyWhenMoving
)

// FCPU is the nominal step-timer tick rate used by the prescaler-selection
// algorithm (spec.md §4.1). It is a fixed constant: Configure does not
// change it, and every backend is programmed against this same rate.
const FCPU = 32_000_000

// MinHalfStepCorrection is the smallest per-motor following error (in half
// steps) the original source bothers correcting for
// (original_source/avr/src/motor.c:motor_prep_move).
const MinHalfStepCorrection = 2

// IdleTimeout is how long a motor stays powered after its last commanded
// move before PowerInCycle/PowerOnlyWhenMoving let it idle down.
const IdleTimeout = 1500 * time.Millisecond

// Config is a motor's static configuration (spec.md §4.1 configure()).
type Config struct {
	Axis       axis.Ordinal
	Microsteps uint16
	StepAngle  float64 // degrees per whole step
	TravelRev  float64 // units of travel per motor revolution
	Reverse    bool
	PowerMode  PowerMode
}

func (c Config) stepsPerUnit() float64 {
	return 360.0 * float64(c.Microsteps) / c.TravelRev / c.StepAngle
}

func validMicrosteps(n uint16) bool {
	switch n {
	case 1, 2, 4, 8, 16, 32, 64, 128, 256:
		return true
	}
	return false
}

// motor is one physical motor's runtime state.
type motor struct {
	cfg Config

	// Runtime state, half-steps.
	commanded int64
	encoder   int64
	following int32
	position  int64

	lastNegative bool
	lastDiv      hw.ClockDiv

	powerTimeout time.Time
	powered      bool

	prepped   bool
	div       hw.ClockDiv
	period    uint16
	negative  bool
}

// Manager owns all motors and drives their hardware timers through a
// hw.Backend. One Manager instance corresponds to the whole original
// source's `motors[MOTORS]` static array.
type Manager struct {
	mu     sync.Mutex
	motors []*motor
	hw     hw.Backend
}

// New builds a Manager for n motors driven through backend.
func New(n int, backend hw.Backend) *Manager {
	m := &Manager{hw: backend, motors: make([]*motor, n)}
	for i := range m.motors {
		m.motors[i] = &motor{}
	}
	return m
}

func (m *Manager) motorAt(i int) (*motor, error) {
	if i < 0 || i >= len(m.motors) {
		return nil, status.New(status.ValueOutOfRange, "motor index out of range")
	}
	return m.motors[i], nil
}

// Configure updates a motor's static configuration (spec.md §4.1 configure).
func (m *Manager) Configure(motorIdx int, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return err
	}
	if !validMicrosteps(cfg.Microsteps) {
		return status.New(status.ValueOutOfRange, "microsteps must be a power of two in [1,256]")
	}
	mo.cfg = cfg
	return nil
}

// ConfigOf returns motor motorIdx's current static configuration, used by
// status reporting to label a motor with the axis it drives.
func (m *Manager) ConfigOf(motorIdx int) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return Config{}, err
	}
	return mo.cfg, nil
}

// StepsPerUnit returns the motor's computed steps-per-unit-of-travel,
// recomputed from the current configuration.
func (m *Manager) StepsPerUnit(motorIdx int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return 0, err
	}
	return mo.cfg.stepsPerUnit(), nil
}

// SetPosition overwrites commanded, encoder and position state from a full
// step count. Fails if the motor currently has a prepped, uncommitted move
// (original_source/avr/src/motor.c:motor_set_position).
func (m *Manager) SetPosition(motorIdx int, steps int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return err
	}
	if mo.prepped {
		return status.New(status.PlannerStateInconsistent, "motor busy: cannot set position mid-move")
	}
	half := int64(steps) << 1
	mo.commanded, mo.encoder, mo.position = half, half, half
	mo.following = 0
	return nil
}

// Position returns the motor's current position in full steps.
func (m *Manager) Position(motorIdx int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return 0, err
	}
	return int32(mo.position >> 1), nil
}

// FollowingError returns the motor's last computed commanded-minus-encoder
// following error, in half steps.
func (m *Manager) FollowingError(motorIdx int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return 0, err
	}
	return mo.following, nil
}

// EncoderSteps returns the motor's accumulated encoder position in full
// steps, the raw feedback signal the executor's own following-error
// tracking is built on (original_source/src/plan/exec.c:
// motor_get_encoder).
func (m *Manager) EncoderSteps(motorIdx int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return 0, err
	}
	return int32(mo.encoder >> 1), nil
}

// selectPrescaler implements the prescaler/period search in spec.md §4.1:
// lowest prescaler whose period fits in 16 bits, or ClockOff if even the
// widest prescaler can't make the step rate slow enough.
func selectPrescaler(ticksPerStep uint64) (hw.ClockDiv, uint16) {
	var div hw.ClockDiv
	switch {
	case ticksPerStep < 1<<16:
		div = hw.Div1
	case ticksPerStep < 1<<17:
		div = hw.Div2
	case ticksPerStep < 1<<18:
		div = hw.Div4
	case ticksPerStep < 1<<19:
		div = hw.Div8
	default:
		return hw.ClockOff, 0
	}
	period := uint16((ticksPerStep >> div.Shift()) + 1)
	return div, period
}

// PrepMove computes and stashes the hardware timer program needed to move
// motorIdx to targetSteps over timeSeconds, including velocity-proportional
// step correction against accumulated following error (spec.md §4.1,
// original_source/avr/src/motor.c:motor_prep_move). correctionCap is a flat
// bound on the magnitude of the correction this call may inject (the
// executor passes its StepCorrectionMax); proportionalCorrection also
// applies this motor's own velocity-proportional ceiling (SPEC_FULL.md
// §C.3), and the smaller of the two wins.
func (m *Manager) PrepMove(motorIdx int, timeSeconds float64, targetSteps int32, correctionCap int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return err
	}
	if mo.prepped {
		return status.New(status.PlannerStateInconsistent, "motor already prepped")
	}

	target := int64(targetSteps) << 1
	halfSteps := target - mo.position
	mo.position = target

	if correction := proportionalCorrection(mo.following, halfSteps, correctionCap); correction != 0 {
		halfSteps += int64(correction)
		mo.following -= correction
	}

	mo.negative = halfSteps < 0
	if mo.negative {
		halfSteps = -halfSteps
	}

	if halfSteps == 0 {
		mo.div, mo.period = hw.ClockOff, 0
	} else {
		segClocks := uint64(timeSeconds * FCPU * 60)
		ticksPerStep := segClocks/uint64(halfSteps) + 1
		mo.div, mo.period = selectPrescaler(ticksPerStep)
	}

	m.refreshPowerTimeout(mo)
	mo.prepped = true
	return nil
}

// proportionalCorrection combines the flat cap passed by the caller with the
// original source's velocity-proportional ceiling (|half_steps|>>5)+1,
// applying whichever is tighter, and returns zero if the pending error is
// below MinHalfStepCorrection.
func proportionalCorrection(following int32, halfSteps int64, flatCap int32) int32 {
	mag := following
	if mag < 0 {
		mag = -mag
	}
	if mag < MinHalfStepCorrection {
		return 0
	}

	positiveHalfSteps := halfSteps
	if positiveHalfSteps < 0 {
		positiveHalfSteps = -positiveHalfSteps
	}
	velocityCap := int32(positiveHalfSteps>>5) + 1

	limit := flatCap
	if velocityCap < limit {
		limit = velocityCap
	}
	if limit < mag {
		mag = limit
	}
	if following < 0 {
		mag = -mag
	}
	return mag
}

func (m *Manager) refreshPowerTimeout(mo *motor) {
	switch mo.cfg.PowerMode {
	case PowerOnlyWhenMoving:
		if mo.div == hw.ClockOff {
			return
		}
		fallthrough
	case PowerAlways, PowerInCycle:
		mo.powerTimeout = time.Now().Add(IdleTimeout)
		// Energize immediately rather than waiting on the next RTCCallback
		// tick, mirroring original_source/src/motor.c:_energize, which
		// engages the driver as soon as a move is prepped for it.
		mo.powered = true
	}
}

// LoadMove atomically commits motorIdx's prepped timer program at a segment
// boundary: it first ends the previous segment (accumulating encoder
// counts), sets the direction pin, rescales the running timer count to
// preserve step phase across a prescaler change, then arms the new period
// and starts (or stops) the timer (original_source/avr/src/motor.c:
// motor_load_move).
func (m *Manager) LoadMove(motorIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return err
	}
	if !mo.prepped {
		return status.New(status.PlannerStateInconsistent, "motor: load_move without prep_move")
	}

	m.endMoveLocked(motorIdx, mo)

	counterclockwise := mo.negative != mo.cfg.Reverse
	m.hw.SetDirectionPin(motorIdx, counterclockwise)

	if mo.lastDiv != hw.ClockOff {
		count := uint32(m.hw.ReadDMACount(motorIdx))
		freqChange := int(mo.lastDiv) - int(mo.div)
		if freqChange >= 0 {
			count <<= uint(freqChange)
		} else {
			count >>= uint(-freqChange)
		}
		period := uint32(mo.period)
		if period > 0 {
			if count >= period {
				count -= period
			}
			if count >= period {
				count -= period
			}
			if count >= period {
				count = period >> 1
			}
		}
		m.hw.SetDMACount(motorIdx, uint16(count))
	} else {
		m.hw.SetDMACount(motorIdx, mo.period>>1)
	}

	m.hw.ConfigureStepTimer(motorIdx, mo.div, mo.period)
	if mo.div == hw.ClockOff {
		m.hw.StopTimer(motorIdx)
	} else {
		m.hw.StartTimer(motorIdx)
	}

	mo.lastDiv = mo.div
	mo.lastNegative = mo.negative
	mo.commanded = mo.position
	mo.prepped = false
	return nil
}

// EndMove stops motorIdx's timer, folds the prior segment's DMA-counted
// steps into the encoder, and recomputes following error
// (original_source/avr/src/motor.c:motor_end_move). Exported so
// StepperDriver can call it independently at cycle end without a pending
// LoadMove.
func (m *Manager) EndMove(motorIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return err
	}
	m.endMoveLocked(motorIdx, mo)
	return nil
}

func (m *Manager) endMoveLocked(motorIdx int, mo *motor) {
	if mo.lastDiv == hw.ClockOff {
		return
	}
	m.hw.StopTimer(motorIdx)

	halfSteps := int64(0xFFFF) - int64(m.hw.ReadDMACount(motorIdx))
	if mo.lastNegative {
		mo.encoder -= halfSteps
	} else {
		mo.encoder += halfSteps
	}
	mo.following = int32(mo.commanded - mo.encoder)
}

// RTCCallback deenergizes motors whose idle timeout has passed, per the
// power-mode table in spec.md §4.1.
func (m *Manager) RTCCallback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mo := range m.motors {
		m.updatePower(i, mo)
	}
}

func (m *Manager) updatePower(motorIdx int, mo *motor) {
	switch mo.cfg.PowerMode {
	case PowerOnlyWhenMoving, PowerInCycle:
		mo.powered = time.Now().Before(mo.powerTimeout)
	case PowerAlways:
		mo.powered = true
	default:
		mo.powered = false
	}
}

// Powered reports whether motorIdx's driver is currently energized.
func (m *Manager) Powered(motorIdx int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, err := m.motorAt(motorIdx)
	if err != nil {
		return false, err
	}
	return mo.powered, nil
}

// Shutdown stops every running motor's timer and discards any prepped move,
// returning one error per discarded move, aggregated with multierr the way
// viam-modules-uln2003 does for multi-pin teardown.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs error
	for i, mo := range m.motors {
		if mo.lastDiv != hw.ClockOff {
			m.hw.StopTimer(i)
			mo.lastDiv = hw.ClockOff
		}
		if mo.prepped {
			errs = multierr.Append(errs, errors.Errorf("motor %d: shut down with prepped move discarded", i))
		}
	}
	return errs
}

// Count returns the number of motors this Manager owns.
func (m *Manager) Count() int { return len(m.motors) }
