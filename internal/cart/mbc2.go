package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC2 has a built-in 512x4-bit RAM (nibbles mirrored across A000-A1FF and
// its echoes up to BFFF) and a single ROM-bank-select register gated by
// address bit 8: writes to 2000-3FFF only take effect when addr&0x0100==0
// (enable) or !=0 (ROM bank).
type MBC2 struct {
	rom []byte
	ram [512]byte // 4-bit values stored in the low nibble of each byte

	ramEnabled bool
	romBank    byte // 4 bits (1..15)
}

func NewMBC2(rom []byte) *MBC2 {
	m := &MBC2{rom: rom}
	m.romBank = 1
	return m
}

func (m *MBC2) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x0F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		return 0xF0 | (m.ram[addr&0x01FF] & 0x0F)
	default:
		return 0xFF
	}
}

func (m *MBC2) Write(addr uint16, value byte) {
	switch {
	case addr < 0x4000:
		if addr&0x0100 == 0 {
			m.ramEnabled = (value & 0x0F) == 0x0A
		} else {
			v := value & 0x0F
			if v == 0 {
				v = 1
			}
			m.romBank = v
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		m.ram[addr&0x01FF] = value & 0x0F
	}
}

func (m *MBC2) SaveRAM() []byte {
	out := make([]byte, len(m.ram))
	copy(out, m.ram[:])
	return out
}

func (m *MBC2) LoadRAM(data []byte) {
	if len(data) == 0 {
		return
	}
	copy(m.ram[:], data)
}

type mbc2State struct {
	RomBank    byte
	RamEnabled bool
}

func (m *MBC2) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(mbc2State{RomBank: m.romBank, RamEnabled: m.ramEnabled})
	return buf.Bytes()
}

func (m *MBC2) LoadState(data []byte) {
	var s mbc2State
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return
	}
	m.romBank, m.ramEnabled = s.RomBank, s.RamEnabled
}
