package cpu

import (
	"fmt"

	"github.com/tormodlie/dmg01/dmg01/addr"
	"github.com/tormodlie/dmg01/dmg01/memory"
)

// Flag is one of the 4 possible flags used in the flag register (high
// nibble of F).
type Flag uint8

const (
	zeroFlag      Flag = 0x80
	subFlag       Flag = 0x40
	halfCarryFlag Flag = 0x20
	carryFlag     Flag = 0x10
)

// interruptDispatchCycles is the fixed T-cycle cost of servicing an
// interrupt: two wait states, a two-byte PUSH of PC, and the jump to the
// handler vector.
const interruptDispatchCycles = 20

// CPU holds the full register and control state of a Sharp LR35902 core.
type CPU struct {
	a, b, c, d, e, f, h, l uint8
	sp, pc                 uint16

	bus *memory.MMU

	currentOpcode uint16

	interruptsEnabled bool
	eiPending         bool
	halted            bool
	haltBug           bool
	stopped           bool

	cycles uint64
}

// New returns a CPU wired to bus, with PC set to the post-bootrom entry
// point and SP set to the standard DMG stack top.
func New(bus *memory.MMU) *CPU {
	return &CPU{
		bus: bus,
		pc:  0x100,
		sp:  0xFFFE,
	}
}

// GetPC returns the current program counter, for debuggers and disassembly.
func (c *CPU) GetPC() uint16 {
	return c.pc
}

// GetSP returns the current stack pointer.
func (c *CPU) GetSP() uint16 { return c.sp }

// GetA returns the accumulator register.
func (c *CPU) GetA() uint8 { return c.a }

// GetB returns the B register.
func (c *CPU) GetB() uint8 { return c.b }

// GetC returns the C register.
func (c *CPU) GetC() uint8 { return c.c }

// GetD returns the D register.
func (c *CPU) GetD() uint8 { return c.d }

// GetE returns the E register.
func (c *CPU) GetE() uint8 { return c.e }

// GetH returns the H register.
func (c *CPU) GetH() uint8 { return c.h }

// GetL returns the L register.
func (c *CPU) GetL() uint8 { return c.l }

// GetF returns the flag register.
func (c *CPU) GetF() uint8 { return c.f }

// GetIME reports whether interrupts are currently enabled.
func (c *CPU) GetIME() bool { return c.interruptsEnabled }

// GetCycles returns the total T-cycle count since reset.
func (c *CPU) GetCycles() uint64 { return c.cycles }

// GetFlagString renders the Z/N/H/C flags as set(1)/clear(0) digits, e.g.
// "Z:1 N:0 H:1 C:0".
func (c *CPU) GetFlagString() string {
	return fmt.Sprintf("Z:%d N:%d H:%d C:%d",
		c.flagToBit(zeroFlag), c.flagToBit(subFlag), c.flagToBit(halfCarryFlag), c.flagToBit(carryFlag))
}

// Tick runs one fetch-decode-execute step, including interrupt dispatch and
// HALT handling, and returns the number of T-cycles it consumed.
func (c *CPU) Tick() int {
	// An EI latched before this step takes effect only once the instruction
	// executed in this step has retired; a DI in between clears the latch.
	promoteIME := c.eiPending

	// handleInterrupts reports a pending interrupt even when IME is off (so
	// HALT knows to wake); it only actually dispatches — and clears IME —
	// when IME was on when we called it.
	imeBefore := c.interruptsEnabled
	pending := c.handleInterrupts()
	dispatched := pending && imeBefore

	if c.halted {
		if pending {
			c.halted = false
			if !dispatched {
				c.haltBug = true
			}
		}
		if dispatched {
			c.bus.Tick(interruptDispatchCycles)
			return interruptDispatchCycles
		}
		c.bus.Tick(4)
		c.cycles += 4
		return 4
	}

	if dispatched {
		c.bus.Tick(interruptDispatchCycles)
		return interruptDispatchCycles
	}

	exec := Decode(c)

	if c.haltBug {
		// The HALT bug fails to advance PC past the opcode just fetched, so
		// the next fetch reads the same byte again.
		c.haltBug = false
	} else {
		c.pc++
		if c.currentOpcode&0xCB00 == 0xCB00 {
			c.pc++
		}
	}

	cycles := exec(c)
	if promoteIME && c.eiPending {
		c.eiPending = false
		c.interruptsEnabled = true
	}
	c.bus.Tick(cycles)
	c.cycles += uint64(cycles)
	return cycles
}

// handleInterrupts checks IF&IE for a pending, enabled interrupt. It
// reports whether one is pending regardless of IME (so HALT can wake), and
// only dispatches — pushing PC, jumping to the vector, clearing IME and the
// serviced IF bit — when IME is set.
func (c *CPU) handleInterrupts() bool {
	pending := c.bus.Read(addr.IF) & c.bus.Read(addr.IE) & 0x1F
	if pending == 0 {
		return false
	}

	if !c.interruptsEnabled {
		return true
	}

	vector, bit := interruptVector(pending)

	c.interruptsEnabled = false
	c.bus.Write(addr.IF, c.bus.Read(addr.IF)&^bit)
	c.pushStack(c.pc)
	c.pc = vector
	c.cycles += interruptDispatchCycles

	return true
}

// interruptVector resolves the highest-priority set bit in pending to its
// dispatch vector, per the fixed VBlank > STAT > Timer > Serial > Joypad
// priority order.
func interruptVector(pending uint8) (vector uint16, bit uint8) {
	switch {
	case pending&uint8(addr.VBlankInterrupt) != 0:
		return 0x40, uint8(addr.VBlankInterrupt)
	case pending&uint8(addr.LCDSTATInterrupt) != 0:
		return 0x48, uint8(addr.LCDSTATInterrupt)
	case pending&uint8(addr.TimerInterrupt) != 0:
		return 0x50, uint8(addr.TimerInterrupt)
	case pending&uint8(addr.SerialInterrupt) != 0:
		return 0x58, uint8(addr.SerialInterrupt)
	default:
		return 0x60, uint8(addr.JoypadInterrupt)
	}
}
