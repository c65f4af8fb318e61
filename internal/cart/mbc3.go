package cart

import (
	"bytes"
	"encoding/gob"
	"time"
)

// nowUnix is the wall-clock source for RTC advancement. Overridden in tests.
var nowUnix = func() int64 { return time.Now().Unix() }

// MBC3 implements ROM/RAM banking plus the MBC3's real-time-clock unit.
//
// Banking behavior:
//   - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
//   - 2000-3FFF: ROM bank, low 7 bits (0 maps to 1)
//   - 4000-5FFF: RAM bank 0-3, or RTC register select 0x08-0x0C
//   - 6000-7FFF: latch clock data on a 0->1 write
//   - A000-BFFF: external RAM, or the latched RTC register selected above
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits (1..127)
	sel        byte // 0..3 RAM bank, or 0x08..0x0C RTC register select
	latchPrev  byte

	// live RTC registers
	rtcSec, rtcMin, rtcHour byte
	rtcDay                  int // 9-bit day counter (0..511)
	rtcHalt, rtcCarry       bool
	lastRTCWallSec          int64

	// latched snapshot, refreshed on the 0->1 latch write
	latchedSec, latchedMin, latchedHour byte
	latchedDay                          int
	latchedHalt, latchedCarry           bool
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom, lastRTCWallSec: nowUnix()}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	return m
}

func (m *MBC3) Read(addr uint16) byte {
	m.updateRTC()
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x7F)
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
		if m.sel >= 0x08 && m.sel <= 0x0C {
			return m.readRTCReg()
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		rb := int(m.sel & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) readRTCReg() byte {
	switch m.sel {
	case 0x08:
		return m.latchedSec
	case 0x09:
		return m.latchedMin
	case 0x0A:
		return m.latchedHour
	case 0x0B:
		return byte(m.latchedDay & 0xFF)
	case 0x0C:
		v := byte((m.latchedDay >> 8) & 0x01)
		if m.latchedHalt {
			v |= 1 << 6
		}
		if m.latchedCarry {
			v |= 1 << 7
		}
		return v
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	m.updateRTC()
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		m.sel = value
	case addr < 0x8000:
		if m.latchPrev == 0 && value == 1 {
			m.latchedSec, m.latchedMin, m.latchedHour = m.rtcSec, m.rtcMin, m.rtcHour
			m.latchedDay, m.latchedHalt, m.latchedCarry = m.rtcDay, m.rtcHalt, m.rtcCarry
		}
		m.latchPrev = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.sel >= 0x08 && m.sel <= 0x0C {
			m.writeRTCReg(value)
			return
		}
		if len(m.ram) == 0 {
			return
		}
		rb := int(m.sel & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

func (m *MBC3) writeRTCReg(value byte) {
	switch m.sel {
	case 0x08:
		m.rtcSec = value % 60
	case 0x09:
		m.rtcMin = value % 60
	case 0x0A:
		m.rtcHour = value % 24
	case 0x0B:
		m.rtcDay = (m.rtcDay &^ 0xFF) | int(value)
	case 0x0C:
		m.rtcDay = (m.rtcDay & 0xFF) | (int(value&0x01) << 8)
		m.rtcHalt = (value & (1 << 6)) != 0
		m.rtcCarry = (value & (1 << 7)) != 0
	}
}

// updateRTC advances the live RTC registers by the wall-clock delta since the
// last access, unless halted. Called on every bus-visible access so reads
// and writes see a clock that keeps time between emulator iterations.
func (m *MBC3) updateRTC() {
	now := nowUnix()
	delta := now - m.lastRTCWallSec
	m.lastRTCWallSec = now
	if delta <= 0 || m.rtcHalt {
		return
	}
	total := int(m.rtcSec) + int(m.rtcMin)*60 + int(m.rtcHour)*3600 + m.rtcDay*86400
	total += int(delta)
	days := total / 86400
	rem := total % 86400
	m.rtcHour = byte(rem / 3600)
	rem %= 3600
	m.rtcMin = byte(rem / 60)
	m.rtcSec = byte(rem % 60)
	if days > 0x1FF {
		m.rtcCarry = true
		days %= 0x200
	}
	m.rtcDay = days
}

// BatteryBacked implementation. The RTC registers are persisted alongside
// external RAM since both are battery-backed on real MBC3+RTC cartridges.
type mbc3RAMBlob struct {
	RAM                     []byte
	Sec, Min, Hour          byte
	Day                     int
	Halt, Carry             bool
	LatchedSec, LatchedMin  byte
	LatchedHour             byte
	LatchedDay              int
	LatchedHalt, LatchedCar bool
	LastWall                int64
}

func (m *MBC3) SaveRAM() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	blob := mbc3RAMBlob{
		RAM: append([]byte(nil), m.ram...),
		Sec: m.rtcSec, Min: m.rtcMin, Hour: m.rtcHour, Day: m.rtcDay,
		Halt: m.rtcHalt, Carry: m.rtcCarry,
		LatchedSec: m.latchedSec, LatchedMin: m.latchedMin, LatchedHour: m.latchedHour,
		LatchedDay: m.latchedDay, LatchedHalt: m.latchedHalt, LatchedCar: m.latchedCarry,
		LastWall: m.lastRTCWallSec,
	}
	_ = enc.Encode(blob)
	return buf.Bytes()
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(data) == 0 {
		return
	}
	var blob mbc3RAMBlob
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&blob); err != nil {
		return
	}
	if len(m.ram) > 0 && len(blob.RAM) > 0 {
		copy(m.ram, blob.RAM)
	}
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = blob.Sec, blob.Min, blob.Hour, blob.Day
	m.rtcHalt, m.rtcCarry = blob.Halt, blob.Carry
	m.latchedSec, m.latchedMin, m.latchedHour = blob.LatchedSec, blob.LatchedMin, blob.LatchedHour
	m.latchedDay, m.latchedHalt, m.latchedCarry = blob.LatchedDay, blob.LatchedHalt, blob.LatchedCar
	m.lastRTCWallSec = blob.LastWall
}

// SaveState/LoadState for save states (banking registers only; RAM/RTC go
// through SaveRAM/LoadRAM so battery persistence stays independent of
// in-memory save states).
type mbc3State struct {
	RomBank    byte
	Sel        byte
	LatchPrev  byte
	RamEnabled bool
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := mbc3State{RomBank: m.romBank, Sel: m.sel, LatchPrev: m.latchPrev, RamEnabled: m.ramEnabled}
	_ = enc.Encode(s)
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return
	}
	m.romBank, m.sel, m.latchPrev, m.ramEnabled = s.RomBank, s.Sel, s.LatchPrev, s.RamEnabled
}
