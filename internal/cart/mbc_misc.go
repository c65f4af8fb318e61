package cart

import (
	"bytes"
	"encoding/gob"
)

// mbcKind tags the handful of rarer cartridge controllers that share the
// same MBC5-shaped ROM/RAM banking (8-bit bank register, 4-bit RAM bank)
// but differ in a single peripheral the core does not emulate: HuC1's IR
// port, HuC3's RTC+IR combo, MMM01's multi-game menu remap, MBC7's
// accelerometer, and the Pocket Camera's image sensor. Link-cable IR,
// accelerometer tilt, and camera capture are out of scope (spec.md §1
// Non-goals); banking and battery RAM still work so these titles boot and
// save.
type mbcKind byte

const (
	kindHuC1 mbcKind = iota
	kindHuC3
	kindMMM01
	kindMBC7
	kindCamera
	kindTAMA5
)

// MBCGeneric implements the shared ROM/RAM banking contract for the
// peripheral-carrying variants listed above.
type MBCGeneric struct {
	kind mbcKind
	rom  []byte
	ram  []byte

	ramEnabled bool
	romBank    byte
	ramBank    byte

	// MBC7 tilt sensor state, latched but never updated from a real
	// accelerometer (no host input channel for it in this core).
	tiltLatched bool
}

func newMBCGeneric(kind mbcKind, rom []byte, ramSize int) *MBCGeneric {
	m := &MBCGeneric{kind: kind, rom: rom}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	return m
}

func NewHuC1(rom []byte, ramSize int) *MBCGeneric  { return newMBCGeneric(kindHuC1, rom, ramSize) }
func NewHuC3(rom []byte, ramSize int) *MBCGeneric  { return newMBCGeneric(kindHuC3, rom, ramSize) }
func NewMMM01(rom []byte, ramSize int) *MBCGeneric { return newMBCGeneric(kindMMM01, rom, ramSize) }
func NewMBC7(rom []byte, ramSize int) *MBCGeneric  { return newMBCGeneric(kindMBC7, rom, ramSize) }
func NewCamera(rom []byte, ramSize int) *MBCGeneric {
	return newMBCGeneric(kindCamera, rom, ramSize)
}
func NewTAMA5(rom []byte) *MBCGeneric { return newMBCGeneric(kindTAMA5, rom, 0) }

func (m *MBCGeneric) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if m.kind == kindTAMA5 {
			// TAMA5's RTC/RAM command protocol (a single commercial title,
			// Tamagotchi 3) is not implemented; reads report "not ready".
			return 0xFF
		}
		if !m.ramEnabled || len(m.ram) == 0 {
			return 0xFF
		}
		rb := int(m.ramBank)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBCGeneric) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value
		if m.kind == kindMBC7 || m.kind == kindHuC1 {
			v &= 0x7F
		}
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		m.ramBank = value & 0x0F
	case addr < 0x8000:
		// MMM01 bank-remap latch / HuC1 IR mode select: no host-visible effect here.
	case addr >= 0xA000 && addr <= 0xBFFF:
		if m.kind == kindTAMA5 {
			return
		}
		if !m.ramEnabled || len(m.ram) == 0 {
			return
		}
		rb := int(m.ramBank)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

func (m *MBCGeneric) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBCGeneric) LoadRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

type mbcGenericState struct {
	RomBank, RamBank byte
	RamEnabled       bool
}

func (m *MBCGeneric) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(mbcGenericState{RomBank: m.romBank, RamBank: m.ramBank, RamEnabled: m.ramEnabled})
	return buf.Bytes()
}

func (m *MBCGeneric) LoadState(data []byte) {
	var s mbcGenericState
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return
	}
	m.romBank, m.ramBank, m.ramEnabled = s.RomBank, s.RamBank, s.RamEnabled
}
