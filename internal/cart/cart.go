package cart

// Cartridge defines the minimal interface the Bus needs for ROM/RAM banking.
// Implementations can be ROM-only or MBC variants. Addresses are CPU addresses.
type Cartridge interface {
	// Read returns a byte for ROM (0x0000–0x7FFF) and external RAM (0xA000–0xBFFF).
	Read(addr uint16) byte
	// Write handles MBC control writes (0x0000–0x7FFF) and external RAM writes (0xA000–0xBFFF).
	Write(addr uint16, value byte)
	// SaveState/LoadState serialize the internal banking registers for save states.
	// MBC5 states also carry external RAM; MBC1, MBC2, MBC3 and the generic
	// controllers leave RAM out (MBC3 also leaves out the RTC), so their RAM is
	// persisted only through SaveRAM/LoadRAM.
	SaveState() []byte
	LoadState(data []byte)
}

// BatteryBacked is an optional interface for cartridges with external RAM to be persisted.
// Implementations should return a copy of RAM bytes (may be empty if no RAM), and accept data to load.
type BatteryBacked interface {
	SaveRAM() []byte
	LoadRAM(data []byte)
}

// RumbleBacked is implemented by cartridges whose RAM-bank register doubles
// as a rumble-motor strobe (MBC5 rumble variants).
type RumbleBacked interface {
	RumbleActive() bool
}

// NewCartridge picks an implementation based on the ROM header.
func NewCartridge(rom []byte) Cartridge {
	h, err := ParseHeader(rom)
	if err != nil {
		return NewROMOnly(rom)
	}
	switch h.CartType {
	case 0x00:
		return NewROMOnly(rom)
	case 0x01, 0x02, 0x03: // MBC1 variants (RAM, RAM+BAT are transparent here)
		return NewMBC1(rom, h.RAMSizeBytes)
	case 0x05, 0x06: // MBC2 (built-in 4-bit RAM; RAMSizeBytes is always 0 for these)
		return NewMBC2(rom)
	case 0x0B, 0x0C, 0x0D: // MMM01 (+RAM/+BATTERY)
		return NewMMM01(rom, h.RAMSizeBytes)
	case 0x0F, 0x10, 0x11, 0x12, 0x13: // MBC3 (+TIMER/+RAM/+BATTERY variants)
		return NewMBC3(rom, h.RAMSizeBytes)
	case 0x19, 0x1A, 0x1B: // MBC5 (no rumble)
		return NewMBC5(rom, h.RAMSizeBytes)
	case 0x1C, 0x1D, 0x1E: // MBC5 + RUMBLE variants
		return NewMBC5Rumble(rom, h.RAMSizeBytes)
	case 0x20: // MBC6 — no corpus reference available; treat like MBC5 banking
		return NewMBC5(rom, h.RAMSizeBytes)
	case 0x22: // MBC7 (+accelerometer, +RUMBLE)
		return NewMBC7(rom, h.RAMSizeBytes)
	case 0xFC: // POCKET CAMERA
		return NewCamera(rom, h.RAMSizeBytes)
	case 0xFD: // BANDAI TAMA5
		return NewTAMA5(rom)
	case 0xFE: // HuC3
		return NewHuC3(rom, h.RAMSizeBytes)
	case 0xFF: // HuC1+RAM+BATTERY
		return NewHuC1(rom, h.RAMSizeBytes)
	default:
		// Fallback to ROM-only for unknown types to allow some homebrew/tests to run
		return NewROMOnly(rom)
	}
}
