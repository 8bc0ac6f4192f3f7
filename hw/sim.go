package hw

import "sync"

// Sim is a deterministic hardware backend standing in for real timer/DMA
// peripherals. It never measures wall-clock time: callers advance it
// explicitly, one segment at a time, the same way simulator/sim.go drives
// clock hands forward tick by tick rather than sleeping.
//
// Each motor's timer is modeled as emitting exactly the number of step
// edges its configured (div, period) implies over the segment duration the
// caller declares in Advance, letting tests inject disturbances (lost or
// extra steps) to exercise encoder-error correction deterministically.
type Sim struct {
	mu sync.Mutex

	motors int
	div    []ClockDiv
	period []uint16
	reverse []bool
	running []bool
	dmaCount []uint16

	// Disturbance lets a test inject a signed half-step error that will
	// be added to (or subtracted from) the next Advance's executed count
	// for a given motor, simulating missed steps (stall) or encoder
	// slip. Cleared after being applied once.
	disturbance []int32

	interruptRequested bool
	interruptFired     chan struct{}
}

// NewSim builds a Sim backend for the given motor count.
func NewSim(motors int) *Sim {
	s := &Sim{
		motors:         motors,
		div:            make([]ClockDiv, motors),
		period:         make([]uint16, motors),
		reverse:        make([]bool, motors),
		running:        make([]bool, motors),
		dmaCount:       make([]uint16, motors),
		disturbance:    make([]int32, motors),
		interruptFired: make(chan struct{}, 1),
	}
	for m := range s.dmaCount {
		s.dmaCount[m] = 0xFFFF
	}
	return s
}

func (s *Sim) ConfigureStepTimer(motor int, div ClockDiv, period uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.div[motor] = div
	s.period[motor] = period
}

func (s *Sim) SetDirectionPin(motor int, reverse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverse[motor] = reverse
}

func (s *Sim) StartTimer(motor int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[motor] = s.div[motor] != ClockOff
	s.dmaCount[motor] = 0xFFFF
}

func (s *Sim) StopTimer(motor int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[motor] = false
}

func (s *Sim) ReadDMACount(motor int) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dmaCount[motor]
}

func (s *Sim) SetDMACount(motor int, count uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dmaCount[motor] = count
}

func (s *Sim) RequestSoftInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interruptRequested {
		return
	}
	s.interruptRequested = true
	select {
	case s.interruptFired <- struct{}{}:
	default:
	}
}

// SoftInterrupts exposes the channel StepperDriver's low-priority
// executor-request handler selects on.
func (s *Sim) SoftInterrupts() <-chan struct{} { return s.interruptFired }

// ClearInterrupt resets the coalescing flag once the scheduled work runs.
func (s *Sim) ClearInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptRequested = false
}

// InjectDisturbance arranges for the next Advance of motor to execute
// delta half-steps more (positive) or fewer (negative) than the ideal
// (div, period) schedule implies, modeling a stall or encoder slip.
func (s *Sim) InjectDisturbance(motor int, delta int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disturbance[motor] = delta
}

// Advance simulates segClocks timer ticks elapsing on every running
// motor's timer, decrementing each DMA counter by the number of step
// edges the configured (div, period) would emit in that time, clamped to
// available count and adjusted by any pending disturbance.
func (s *Sim) Advance(segClocks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for m := 0; m < s.motors; m++ {
		if !s.running[m] || s.div[m] == ClockOff || s.period[m] == 0 {
			continue
		}

		ticksPerStep := uint32(s.period[m]) << s.div[m].Shift()
		if ticksPerStep == 0 {
			continue
		}
		steps := int64(segClocks / ticksPerStep)
		steps += int64(s.disturbance[m])
		s.disturbance[m] = 0
		if steps < 0 {
			steps = 0
		}

		count := int64(s.dmaCount[m]) - steps
		if count < 0 {
			count = 0
		}
		s.dmaCount[m] = uint16(count)
	}
}
