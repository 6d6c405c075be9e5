package disasm

import (
	"fmt"
	"regexp"

	"github.com/tormodlie/dmg01/dmg01/bit"
	"github.com/tormodlie/dmg01/dmg01/cpu"
	"github.com/tormodlie/dmg01/dmg01/memory"
)

// DisassemblyLine represents a single disassembled instruction
type DisassemblyLine struct {
	Address     uint16
	Instruction string
	Length      int
}

// wordNN and wordN match the "nn"/"n" immediate-operand placeholders in an
// opcode mnemonic (e.g. "LD BC, nn", "JR NZ, n") without matching letters
// embedded in other mnemonics (e.g. the "n" in "AND").
var (
	wordNN = regexp.MustCompile(`\bnn\b`)
	wordN  = regexp.MustCompile(`\bn\b`)
)

// DisassembleAt disassembles the instruction at the given program counter,
// resolving mnemonic and length from the CPU package's opcode table — the
// same table Decode dispatches through, so disassembly never drifts from
// execution.
func DisassembleAt(pc uint16, mmu *memory.MMU) DisassemblyLine {
	opcode := mmu.Read(pc)

	var opcodeValue uint16 = uint16(opcode)
	if opcode == 0xCB {
		opcodeValue = 0xCB00 | uint16(mmu.Read(pc+1))
	}

	desc := cpu.Describe(opcodeValue)
	length := int(desc.Length)
	instruction := desc.Mnemonic

	switch length {
	case 2:
		n := mmu.Read(pc + 1)
		instruction = wordN.ReplaceAllString(instruction, fmt.Sprintf("0x%02X", n))
	case 3:
		nn := bit.Combine(mmu.Read(pc+2), mmu.Read(pc+1))
		instruction = wordNN.ReplaceAllString(instruction, fmt.Sprintf("0x%04X", nn))
	}

	return DisassemblyLine{
		Address:     pc,
		Instruction: instruction,
		Length:      length,
	}
}

// DisassembleRange disassembles multiple instructions starting from the given PC
func DisassembleRange(startPC uint16, count int, mmu *memory.MMU) []DisassemblyLine {
	lines := make([]DisassemblyLine, 0, count)
	pc := startPC
	
	for i := 0; i < count && pc <= 0xFFFF; i++ {
		line := DisassembleAt(pc, mmu)
		lines = append(lines, line)
		pc += uint16(line.Length)
	}
	
	return lines
}

// DisassembleAround disassembles instructions around the given PC
// Returns instructions before, at, and after the PC
func DisassembleAround(currentPC uint16, beforeCount, afterCount int, mmu *memory.MMU) []DisassemblyLine {
	// Find the starting PC by working backwards
	startPC := currentPC
	instructionsFound := 0
	
	// Simple approach: try different starting points and see which gives us the right number of instructions
	// This is needed because we can't easily go backwards in variable-length instruction sets
	for offset := beforeCount * 3; offset >= 0 && startPC > uint16(offset); offset-- {
		testPC := currentPC - uint16(offset)
		if testPC >= currentPC {
			break
		}
		
		// Try disassembling from this point and see if we hit currentPC
		pc := testPC
		count := 0
		
		for count < beforeCount*2 && pc <= currentPC {
			if pc == currentPC {
				// Found the right starting point
				if count >= beforeCount {
					startPC = testPC
					instructionsFound = count
					break
				}
			}
			
			line := DisassembleAt(pc, mmu)
			pc += uint16(line.Length)
			count++
		}
		
		if startPC != currentPC {
			break
		}
	}
	
	// If we couldn't find a good starting point, just start from currentPC
	if startPC == currentPC {
		instructionsFound = 0
	}
	
	// Disassemble from the found starting point
	totalCount := instructionsFound + 1 + afterCount // before + current + after
	lines := DisassembleRange(startPC, totalCount, mmu)
	
	return lines
}

// FormatDisassemblyLine formats a disassembly line for display
func FormatDisassemblyLine(line DisassemblyLine, isCurrentPC bool) string {
	prefix := " "
	if isCurrentPC {
		prefix = "â†’"
	}
	
	return fmt.Sprintf("%s0x%04X: %s", prefix, line.Address, line.Instruction)
}