package memory

import "github.com/tormodlie/dmg01/dmg01/util"

const titleLength = 11

const (
	entryPointAddress       = 0x100
	logoAddress             = 0x104
	titleAddress            = 0x134
	manufacturerCodeAddress = 0x13F
	cgbFlagAddress          = 0x143
	newLicenseCodeAddress   = 0x144
	sgbFlagAddress          = 0x146
	cartridgeTypeAddress    = 0x147
	romSizeAddress          = 0x148
	ramSizeAddress          = 0x149
	destinationCodeAddress  = 0x14A
	oldLicenseCodeAddress   = 0x14B
	versionNumberAddress    = 0x14C
	headerChecksumAddress   = 0x14D
	globalChecksumAddress   = 0x14E
)

// MBCType identifies the memory bank controller a cartridge header requests.
// MBC2, MBC3 (+RTC), MBC5, and multicart MBC1 variants are not emulated and
// classify as MBCUnsupportedType. NewCartridgeWithData does not reject them;
// NewWithCartridge logs an error and maps such a cartridge through MBC1.
type MBCType uint8

const (
	NoMBCType MBCType = iota
	MBC1Type
	MBCUnsupportedType
)

type Cartridge struct {
	data           []byte
	title          string
	headerChecksum uint16
	globalChecksum uint16
	version        uint8
	cartType       uint8
	romSize        uint8
	ramSize        uint8

	mbcType      MBCType
	hasBattery   bool
	ramBankCount uint8
}

// NewCartridge creates an empty cartridge, useful only for debugging purposes.
func NewCartridge() *Cartridge {
	return &Cartridge{
		data:    make([]byte, 0x10000),
		mbcType: NoMBCType,
	}
}

// NewCartridgeWithData initializes a new Cartridge from a slice of bytes.
func NewCartridgeWithData(bytes []byte) *Cartridge {
	titleBytes := bytes[titleAddress : titleAddress+titleLength]

	cart := &Cartridge{
		data:           make([]byte, len(bytes)),
		title:          string(titleBytes),
		headerChecksum: util.CombineBytes(bytes[headerChecksumAddress+1], bytes[headerChecksumAddress]),
		globalChecksum: util.CombineBytes(bytes[globalChecksumAddress+1], bytes[globalChecksumAddress]),
		version:        bytes[versionNumberAddress],
		cartType:       bytes[cartridgeTypeAddress],
		romSize:        bytes[romSizeAddress],
		ramSize:        bytes[ramSizeAddress],
	}

	copy(cart.data, bytes)

	cart.mbcType, cart.hasBattery = classifyMBC(cart.cartType)
	cart.ramBankCount = ramBankCount(cart.ramSize)

	return cart
}

// classifyMBC maps the cartridge header's type byte to the controller this
// core actually emulates. Anything needing MBC2, MBC3/RTC, or MBC5 comes
// back MBCUnsupportedType; NewWithCartridge then falls back to MBC1 for it.
//
// Reference: https://gbdev.io/pandocs/The_Cartridge_Header.html#0147--cartridge-type
func classifyMBC(cartType uint8) (MBCType, bool) {
	switch cartType {
	case 0x00:
		return NoMBCType, false
	case 0x01:
		return MBC1Type, false
	case 0x02:
		return MBC1Type, false
	case 0x03:
		return MBC1Type, true
	default:
		return MBCUnsupportedType, false
	}
}

// ramBankCount maps the header's RAM size byte to a bank count (8KB/bank).
func ramBankCount(ramSize uint8) uint8 {
	switch ramSize {
	case 0x00:
		return 0
	case 0x01, 0x02:
		return 1
	case 0x03:
		return 4
	case 0x04:
		return 16
	case 0x05:
		return 8
	default:
		return 0
	}
}

// ReadByte reads a byte at the specified address. Does not check bounds, so the caller must make sure the
// address is valid for the cartridge.
func (c Cartridge) ReadByte(addr uint16) uint8 {
	return c.data[addr]
}

// WriteByte attempts a write to the specified address. Writing to a cartridge has sense if the cartridge
// has extra RAM or for some special operations, like switching ROM banks.
func (c Cartridge) WriteByte(addr uint16, value uint8) uint8 {
	return c.data[addr]
}
