// Package hw defines the hardware abstraction boundary between the
// step-pulse generator (motor.Manager) and the physical timer/DMA
// peripherals, per spec.md §9's "Hardware-register poking" re-architecture.
// Production code drives real timers through Sysfs; tests and the
// simulator CLI drive the deterministic Sim backend.
package hw

// ClockDiv is a hardware timer prescaler selection. The concrete divisor
// values mirror the AVR TC_CLKSEL_DIVn encoding used in
// original_source/avr/src/motor.c, but only their relative ordering
// matters to callers.
type ClockDiv uint8

const (
	ClockOff ClockDiv = iota // clock off: motor skips this segment
	Div1
	Div2
	Div4
	Div8
)

// Shift returns the power-of-two shift associated with a ClockDiv, used to
// rescale a running timer count when the prescaler changes between
// segments (original_source/avr/src/motor.c:motor_load_move).
func (c ClockDiv) Shift() uint {
	switch c {
	case Div1:
		return 0
	case Div2:
		return 1
	case Div4:
		return 2
	case Div8:
		return 3
	default:
		return 0
	}
}

// Backend is the narrow capability a per-motor step-pulse generator needs
// from the hardware: configure a frequency-generator timer, read back the
// DMA-counted executed step count, and request the low-priority software
// interrupt that schedules segment preparation (spec.md §4.2, §5).
//
// All step edges are produced by the timer peripheral between calls; the
// host CPU never toggles a step line directly.
type Backend interface {
	// ConfigureStepTimer programs motor's timer with the given clock
	// divisor and period (counts per step edge toggle). A ClockOff
	// divisor disables the motor's timer for the segment.
	ConfigureStepTimer(motor int, div ClockDiv, period uint16)

	// SetDirectionPin sets the GPIO direction output for motor. Must be
	// stable for the full segment duration once StartTimer is called.
	SetDirectionPin(motor int, reverse bool)

	// StartTimer arms the timer and its DMA step-counter (initialized to
	// 0xFFFF, counting down on each step edge).
	StartTimer(motor int)

	// StopTimer halts the timer at a segment boundary.
	StopTimer(motor int)

	// ReadDMACount returns the current value of motor's DMA down-counter.
	// Executed half-steps for the segment are 0xFFFF - count.
	ReadDMACount(motor int) uint16

	// SetDMACount force-sets the DMA down-counter, used both to arm a new
	// segment (0xFFFF) and to rescale a running count across a prescaler
	// change.
	SetDMACount(motor int, count uint16)

	// RequestSoftInterrupt schedules the low-priority segment-preparation
	// interrupt exactly once; redundant requests before it fires are
	// coalesced (spec.md §5, "request-exec" test-and-set flag).
	RequestSoftInterrupt()

	// SoftInterrupts exposes the channel StepperDriver's background
	// low-priority handler selects on to learn a request fired.
	SoftInterrupts() <-chan struct{}

	// ClearInterrupt resets the coalescing flag once the scheduled work
	// has run, allowing the next RequestSoftInterrupt to fire again.
	ClearInterrupt()
}
