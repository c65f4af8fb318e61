package bus

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/apu"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cart"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/ppu"
)

// Joypad button bits as passed to SetJoypadState. D-pad and button groups
// share a byte; bit position within each nibble matches the FF00 layout.
const (
	JoypRight     byte = 1 << 0
	JoypLeft      byte = 1 << 1
	JoypUp        byte = 1 << 2
	JoypDown      byte = 1 << 3
	JoypA         byte = 1 << 4
	JoypB         byte = 1 << 5
	JoypSelectBtn byte = 1 << 6
	JoypStart     byte = 1 << 7
)

// timerFreqBit maps TAC's 2-bit frequency select to the divider bit that
// feeds the falling-edge detector.
var timerFreqBit = [4]uint{9, 3, 5, 7}

// Bus is the Game Boy memory map: it dispatches CPU-visible reads/writes to
// WRAM/HRAM, the cartridge, PPU, APU, timer, joypad, serial port, and OAM DMA.
type Bus struct {
	cart cart.Cartridge
	ppu  *ppu.PPU
	apu  *apu.APU

	wram     [8][0x1000]byte // 0xC000-0xCFFF (bank0) / 0xD000-0xDFFF (switchable, CGB)
	wramBank byte            // SVBK (FF70), 1..7 effective
	hram     [0x7F]byte      // 0xFF80-0xFFFE

	ie    byte // 0xFFFF
	ifReg byte // 0xFF0F, lower 5 bits meaningful

	cgb bool

	// boot ROM overlay
	bootROM    []byte // 0x100 bytes
	cgbBootROM []byte // 0x800 bytes
	bootMode   int    // 0=off, 1=DMG, 2=CGB

	// joypad
	joypSelect byte // raw bits4-5 as written by CPU
	joypState  byte // pressed-button mask, see Joyp* constants

	// serial
	sb           byte
	sc           byte
	serialWriter io.Writer

	// timer
	divInternal       uint16
	tac               byte
	tima              byte
	tma               byte
	timaReloadPending bool
	timaReloadCounter int

	// OAM DMA (simplified: 160 T-cycles, one byte copied per cycle)
	dmaActive bool
	dmaSrc    uint16
	dmaIndex  int

	// HDMA/GDMA (CGB). Only general-purpose immediate transfers are modeled;
	// H-Blank mode performs the same transfer immediately as a simplification.
	hdmaSrc, hdmaDst uint16
	hdmaLen          byte // FF55 length field (blocks of 16 bytes, minus 1)

	// KEY1 (CGB double-speed switch): armed by a CPU write of bit0, flipped
	// by the CPU on the next STOP. PPU/APU ticks run at half rate relative
	// to machine cycles while doubleSpeed is set; DIV/TIMA/serial do not.
	doubleSpeed bool
	speedArmed  bool
	speedPhase  bool

	// stopWake latches a joypad key-down transition so the CPU's STOP
	// handler can poll it without depending on IE/IME.
	stopWake bool
}

func New(rom []byte) *Bus {
	b := &Bus{
		wramBank:   1,
		joypSelect: 0x30,
	}
	b.cart = cart.NewCartridge(rom)
	b.ppu = ppu.New(b.requestIF)
	b.apu = apu.New(44100)
	return b
}

func (b *Bus) requestIF(bit int) { b.ifReg |= 1 << uint(bit) }

// Cart returns the loaded cartridge implementation (for battery RAM/save-state access).
func (b *Bus) Cart() cart.Cartridge { return b.cart }

// APU returns the APU for sample pulling and save-state access.
func (b *Bus) APU() *apu.APU { return b.apu }

// PPU returns the PPU for framebuffer rendering helpers.
func (b *Bus) PPU() *ppu.PPU { return b.ppu }

// SetCGBMode toggles CGB-only hardware (WRAM/VRAM banking, palettes).
func (b *Bus) SetCGBMode(on bool) {
	b.cgb = on
	b.ppu.SetCGBMode(on)
}

// SetBootROM installs a DMG boot ROM (>=0x100 bytes) and enables it; passing
// a shorter slice disables the DMG boot overlay.
func (b *Bus) SetBootROM(data []byte) {
	if len(data) >= 0x100 {
		b.bootROM = data[:0x100]
		b.bootMode = 1
	} else {
		b.bootROM = nil
		if b.bootMode == 1 {
			b.bootMode = 0
		}
	}
}

// SetCGBBootROM installs a CGB boot ROM (>=0x800 bytes) and enables it.
func (b *Bus) SetCGBBootROM(data []byte) {
	if len(data) >= 0x800 {
		b.cgbBootROM = data[:0x800]
		b.bootMode = 2
	} else {
		b.cgbBootROM = nil
		if b.bootMode == 2 {
			b.bootMode = 0
		}
	}
}

// EnableBoot selects which boot overlay (if any) is mapped at 0x0000: 0=off, 1=DMG, 2=CGB.
func (b *Bus) EnableBoot(mode int) { b.bootMode = mode }

// SetSerialWriter connects a sink for bytes sent over the serial port.
func (b *Bus) SetSerialWriter(w io.Writer) { b.serialWriter = w }

// SetJoypadState sets the currently pressed buttons (Joyp* bitmask, 1=pressed)
// and raises the joypad interrupt on a newly pressed button.
func (b *Bus) SetJoypadState(mask byte) {
	newlyPressed := mask &^ b.joypState
	if newlyPressed != 0 {
		b.requestIF(4)
		b.stopWake = true
	}
	b.joypState = mask
}

// ConsumeStopWake reports whether a joypad key-down has occurred since the
// last call, clearing the latch. Used by the CPU to exit STOP.
func (b *Bus) ConsumeStopWake() bool {
	w := b.stopWake
	b.stopWake = false
	return w
}

func (b *Bus) readJOYP() byte {
	nibble := byte(0x0F)
	if b.joypSelect&0x10 != 0 { // P14: D-pad selected
		nibble &= ^(b.joypState & 0x0F) & 0x0F
	}
	if b.joypSelect&0x20 != 0 { // P15: buttons selected
		nibble &= ^((b.joypState >> 4) & 0x0F) & 0x0F
	}
	return 0xC0 | b.joypSelect | nibble
}

func (b *Bus) timerInput() bool {
	if b.tac&0x04 == 0 {
		return false
	}
	bit := timerFreqBit[b.tac&0x03]
	return (b.divInternal>>bit)&1 != 0
}

func (b *Bus) timerFallingEdge() {
	if b.timaReloadPending {
		return
	}
	if b.tima == 0xFF {
		b.tima = 0
		b.timaReloadPending = true
		b.timaReloadCounter = 4
	} else {
		b.tima++
	}
}

func (b *Bus) resetDIV() {
	prev := b.timerInput()
	b.divInternal = 0
	if prev && !b.timerInput() {
		b.timerFallingEdge()
	}
}

func (b *Bus) writeTAC(value byte) {
	prev := b.timerInput()
	b.tac = value
	if prev && !b.timerInput() {
		b.timerFallingEdge()
	}
}

// Tick advances the timer, PPU, APU, and OAM DMA by the given number of
// T-cycles, one cycle at a time so the timer's falling-edge detector sees
// every divider transition.
func (b *Bus) Tick(cycles int) {
	for i := 0; i < cycles; i++ {
		b.tickOne()
	}
}

func (b *Bus) tickOne() {
	if b.timaReloadPending {
		b.timaReloadCounter--
		if b.timaReloadCounter <= 0 {
			b.tima = b.tma
			b.timaReloadPending = false
			b.requestIF(2)
		}
	}
	prev := b.timerInput()
	b.divInternal++
	if prev && !b.timerInput() {
		b.timerFallingEdge()
	}
	// LCD/APU are clocked by real (not doubled) machine time: in double-speed
	// mode the CPU burns two machine cycles per "normal" cycle, so LCD/APU
	// only tick on every other call. DIV/TIMA above always tick.
	b.speedPhase = !b.speedPhase
	if !b.doubleSpeed || b.speedPhase {
		b.ppu.Tick(1)
		b.apu.Tick(1)
	}
	if b.dmaActive {
		b.stepDMA()
	}
}

// DoubleSpeed reports whether the CGB double-speed mode is currently active.
func (b *Bus) DoubleSpeed() bool { return b.doubleSpeed }

// SpeedSwitchArmed reports whether a KEY1 write has armed a pending speed
// switch (consumed by the CPU's STOP handler).
func (b *Bus) SpeedSwitchArmed() bool { return b.speedArmed }

// PerformSpeedSwitch toggles double-speed mode and clears the arm bit; called
// by the CPU when STOP executes with KEY1 bit0 set.
func (b *Bus) PerformSpeedSwitch() {
	if !b.speedArmed {
		return
	}
	b.doubleSpeed = !b.doubleSpeed
	b.speedArmed = false
	b.speedPhase = false
}

func (b *Bus) stepDMA() {
	if b.dmaIndex < 0xA0 {
		v := b.readRaw(b.dmaSrc + uint16(b.dmaIndex))
		b.ppu.DMAWriteOAM(b.dmaIndex, v)
		b.dmaIndex++
	}
	if b.dmaIndex >= 0xA0 {
		b.dmaActive = false
	}
}

func (b *Bus) startDMA(srcHigh byte) {
	b.dmaSrc = uint16(srcHigh) << 8
	b.dmaIndex = 0
	b.dmaActive = true
}

// runHDMA performs a general-purpose HDMA transfer immediately: copies
// (len+1)*16 bytes from ROM/RAM into VRAM. H-Blank-mode chunking is not
// modeled; the whole block lands on the FF55 write instead.
func (b *Bus) runHDMA() {
	n := (int(b.hdmaLen&0x7F) + 1) * 16
	for i := 0; i < n; i++ {
		v := b.readRaw(b.hdmaSrc + uint16(i))
		b.ppu.CPUWrite(b.hdmaDst+uint16(i), v)
	}
	b.hdmaLen = 0xFF
}

func (b *Bus) effectiveWRAMBank() byte {
	if !b.cgb {
		return 1
	}
	n := b.wramBank & 0x07
	if n == 0 {
		n = 1
	}
	return n
}

// readRaw reads a byte ignoring OAM-DMA CPU-access blocking, used internally
// by the DMA/HDMA engines.
func (b *Bus) readRaw(addr uint16) byte {
	switch {
	case addr < 0x8000:
		return b.cart.Read(addr)
	case addr >= 0x8000 && addr <= 0x9FFF:
		return b.ppu.CPURead(addr)
	case addr >= 0xA000 && addr <= 0xBFFF:
		return b.cart.Read(addr)
	case addr >= 0xC000 && addr <= 0xCFFF:
		return b.wram[0][addr-0xC000]
	case addr >= 0xD000 && addr <= 0xDFFF:
		return b.wram[b.effectiveWRAMBank()][addr-0xD000]
	case addr >= 0xE000 && addr <= 0xFDFF:
		return b.readRaw(addr - 0x2000)
	case addr >= 0xFE00 && addr <= 0xFE9F:
		return b.ppu.CPURead(addr)
	case addr >= 0xFF80 && addr <= 0xFFFE:
		return b.hram[addr-0xFF80]
	default:
		return b.readIO(addr)
	}
}

func (b *Bus) Read(addr uint16) byte {
	if b.bootMode == 1 && addr < 0x100 {
		return b.bootROM[addr]
	}
	if b.bootMode == 2 {
		if addr < 0x100 {
			return b.cgbBootROM[addr]
		}
		if addr >= 0x200 && addr < 0x900 {
			return b.cgbBootROM[addr-0x100]
		}
	}
	if b.dmaActive && addr >= 0xFE00 && addr <= 0xFE9F {
		return 0xFF
	}
	return b.readRaw(addr)
}

// ioReadFunc/ioWriteFunc back the per-register dispatch tables below: each
// FF00-FF7F offset (and FFFF, handled separately) is bound once to the
// handler that knows its bit layout, instead of re-walking a range switch on
// every access.
type ioReadFunc func(b *Bus, addr uint16) byte
type ioWriteFunc func(b *Bus, addr uint16, v byte)

var ioReadTable [0x80]ioReadFunc
var ioWriteTable [0x80]ioWriteFunc

func init() {
	ioReadTable[0x00] = func(b *Bus, _ uint16) byte { return b.readJOYP() }
	ioReadTable[0x01] = func(b *Bus, _ uint16) byte { return b.sb }
	ioReadTable[0x02] = func(b *Bus, _ uint16) byte { return 0x7E | b.sc }
	ioReadTable[0x04] = func(b *Bus, _ uint16) byte { return byte(b.divInternal >> 8) }
	ioReadTable[0x05] = func(b *Bus, _ uint16) byte { return b.tima }
	ioReadTable[0x06] = func(b *Bus, _ uint16) byte { return b.tma }
	ioReadTable[0x07] = func(b *Bus, _ uint16) byte { return 0xF8 | (b.tac & 0x07) }
	ioReadTable[0x0F] = func(b *Bus, _ uint16) byte { return 0xE0 | (b.ifReg & 0x1F) }
	for off := 0x10; off <= 0x26; off++ {
		ioReadTable[off] = func(b *Bus, addr uint16) byte { return b.apu.CPURead(addr) }
	}
	for off := 0x30; off <= 0x3F; off++ {
		ioReadTable[off] = func(b *Bus, addr uint16) byte { return b.apu.CPURead(addr) }
	}
	for off := 0x40; off <= 0x4B; off++ {
		ioReadTable[off] = func(b *Bus, addr uint16) byte { return b.ppu.CPURead(addr) }
	}
	ioReadTable[0x46] = func(b *Bus, _ uint16) byte { return byte(b.dmaSrc >> 8) }
	ioReadTable[0x4D] = func(b *Bus, _ uint16) byte {
		v := byte(0x7E)
		if b.doubleSpeed {
			v |= 0x80
		}
		if b.speedArmed {
			v |= 0x01
		}
		return v
	}
	ioReadTable[0x4F] = func(b *Bus, addr uint16) byte { return b.ppu.CPURead(addr) }
	ioReadTable[0x55] = func(b *Bus, _ uint16) byte { return b.hdmaLen }
	for off := 0x68; off <= 0x6B; off++ {
		ioReadTable[off] = func(b *Bus, addr uint16) byte { return b.ppu.CPURead(addr) }
	}
	ioReadTable[0x70] = func(b *Bus, _ uint16) byte {
		if !b.cgb {
			return 0xFF
		}
		return 0xF8 | (b.wramBank & 0x07)
	}
}

func (b *Bus) readIO(addr uint16) byte {
	if addr == 0xFFFF {
		return b.ie
	}
	if fn := ioReadTable[addr&0x7F]; fn != nil {
		return fn(b, addr)
	}
	return 0xFF
}

func (b *Bus) Write(addr uint16, value byte) {
	switch {
	case addr < 0x8000:
		b.cart.Write(addr, value)
	case addr >= 0x8000 && addr <= 0x9FFF:
		b.ppu.CPUWrite(addr, value)
	case addr >= 0xA000 && addr <= 0xBFFF:
		b.cart.Write(addr, value)
	case addr >= 0xC000 && addr <= 0xCFFF:
		b.wram[0][addr-0xC000] = value
	case addr >= 0xD000 && addr <= 0xDFFF:
		b.wram[b.effectiveWRAMBank()][addr-0xD000] = value
	case addr >= 0xE000 && addr <= 0xFDFF:
		b.Write(addr-0x2000, value)
	case addr >= 0xFE00 && addr <= 0xFE9F:
		if b.dmaActive {
			return
		}
		b.ppu.CPUWrite(addr, value)
	case addr >= 0xFF80 && addr <= 0xFFFE:
		b.hram[addr-0xFF80] = value
	default:
		b.writeIO(addr, value)
	}
}

func init() {
	ioWriteTable[0x00] = func(b *Bus, _ uint16, v byte) { b.joypSelect = v & 0x30 }
	ioWriteTable[0x01] = func(b *Bus, _ uint16, v byte) { b.sb = v }
	ioWriteTable[0x02] = func(b *Bus, _ uint16, v byte) {
		b.sc = v & 0x83
		if v&0x80 != 0 {
			if b.serialWriter != nil {
				_, _ = b.serialWriter.Write([]byte{b.sb})
			}
			b.sc &^= 0x80
			b.requestIF(3)
		}
	}
	ioWriteTable[0x04] = func(b *Bus, _ uint16, _ byte) { b.resetDIV() }
	ioWriteTable[0x05] = func(b *Bus, _ uint16, v byte) { b.tima = v; b.timaReloadPending = false }
	ioWriteTable[0x06] = func(b *Bus, _ uint16, v byte) { b.tma = v }
	ioWriteTable[0x07] = func(b *Bus, _ uint16, v byte) { b.writeTAC(v & 0x07) }
	ioWriteTable[0x0F] = func(b *Bus, _ uint16, v byte) { b.ifReg = v & 0x1F }
	for off := 0x10; off <= 0x26; off++ {
		ioWriteTable[off] = func(b *Bus, addr uint16, v byte) { b.apu.CPUWrite(addr, v) }
	}
	for off := 0x30; off <= 0x3F; off++ {
		ioWriteTable[off] = func(b *Bus, addr uint16, v byte) { b.apu.CPUWrite(addr, v) }
	}
	for off := 0x40; off <= 0x4B; off++ {
		ioWriteTable[off] = func(b *Bus, addr uint16, v byte) { b.ppu.CPUWrite(addr, v) }
	}
	ioWriteTable[0x46] = func(b *Bus, _ uint16, v byte) { b.startDMA(v) }
	ioWriteTable[0x4D] = func(b *Bus, _ uint16, v byte) { b.speedArmed = v&0x01 != 0 }
	ioWriteTable[0x4F] = func(b *Bus, addr uint16, v byte) { b.ppu.CPUWrite(addr, v) }
	ioWriteTable[0x51] = func(b *Bus, _ uint16, v byte) { b.hdmaSrc = (b.hdmaSrc & 0x00FF) | uint16(v)<<8 }
	ioWriteTable[0x52] = func(b *Bus, _ uint16, v byte) { b.hdmaSrc = (b.hdmaSrc & 0xFF00) | uint16(v&0xF0) }
	ioWriteTable[0x53] = func(b *Bus, _ uint16, v byte) { b.hdmaDst = 0x8000 | uint16(v&0x1F)<<8 }
	ioWriteTable[0x54] = func(b *Bus, _ uint16, v byte) { b.hdmaDst = (b.hdmaDst & 0xFF00) | uint16(v&0xF0) }
	ioWriteTable[0x55] = func(b *Bus, _ uint16, v byte) {
		if !b.cgb {
			return
		}
		b.hdmaLen = v & 0x7F
		b.runHDMA()
	}
	for off := 0x68; off <= 0x6B; off++ {
		ioWriteTable[off] = func(b *Bus, addr uint16, v byte) { b.ppu.CPUWrite(addr, v) }
	}
	ioWriteTable[0x70] = func(b *Bus, _ uint16, v byte) {
		if b.cgb {
			b.wramBank = v & 0x07
		}
	}
}

func (b *Bus) writeIO(addr uint16, value byte) {
	if addr == 0xFFFF {
		b.ie = value
		return
	}
	if fn := ioWriteTable[addr&0x7F]; fn != nil {
		fn(b, addr, value)
	}
}

// --- Save/Load state ---

type busState struct {
	WRAM     [8][0x1000]byte
	WRAMBank byte
	HRAM     [0x7F]byte
	IE, IF   byte
	CGB      bool
	BootMode int

	JoypSelect byte
	JoypState  byte

	SB, SC byte

	DivInternal       uint16
	TAC, TIMA, TMA    byte
	TIMAReloadPending bool
	TIMAReloadCounter int

	DMAActive bool
	DMASrc    uint16
	DMAIndex  int

	HDMASrc, HDMADst uint16
	HDMALen          byte

	DoubleSpeed bool
	SpeedArmed  bool

	PPU, APU, Cart []byte
}

func (b *Bus) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := busState{
		WRAM: b.wram, WRAMBank: b.wramBank, HRAM: b.hram,
		IE: b.ie, IF: b.ifReg, CGB: b.cgb, BootMode: b.bootMode,
		JoypSelect: b.joypSelect, JoypState: b.joypState,
		SB: b.sb, SC: b.sc,
		DivInternal: b.divInternal, TAC: b.tac, TIMA: b.tima, TMA: b.tma,
		TIMAReloadPending: b.timaReloadPending, TIMAReloadCounter: b.timaReloadCounter,
		DMAActive: b.dmaActive, DMASrc: b.dmaSrc, DMAIndex: b.dmaIndex,
		HDMASrc: b.hdmaSrc, HDMADst: b.hdmaDst, HDMALen: b.hdmaLen,
		DoubleSpeed: b.doubleSpeed, SpeedArmed: b.speedArmed,
		PPU: b.ppu.SaveState(), APU: b.apu.SaveState(), Cart: b.cart.SaveState(),
	}
	_ = enc.Encode(s)
	return buf.Bytes()
}

func (b *Bus) LoadState(data []byte) {
	var s busState
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return
	}
	b.wram = s.WRAM
	b.wramBank = s.WRAMBank
	b.hram = s.HRAM
	b.ie, b.ifReg = s.IE, s.IF
	b.cgb = s.CGB
	b.bootMode = s.BootMode
	b.joypSelect, b.joypState = s.JoypSelect, s.JoypState
	b.sb, b.sc = s.SB, s.SC
	b.divInternal, b.tac, b.tima, b.tma = s.DivInternal, s.TAC, s.TIMA, s.TMA
	b.timaReloadPending, b.timaReloadCounter = s.TIMAReloadPending, s.TIMAReloadCounter
	b.dmaActive, b.dmaSrc, b.dmaIndex = s.DMAActive, s.DMASrc, s.DMAIndex
	b.hdmaSrc, b.hdmaDst, b.hdmaLen = s.HDMASrc, s.HDMADst, s.HDMALen
	b.doubleSpeed, b.speedArmed, b.speedPhase = s.DoubleSpeed, s.SpeedArmed, false
	if len(s.PPU) > 0 {
		b.ppu.LoadState(s.PPU)
	}
	if len(s.APU) > 0 {
		b.apu.LoadState(s.APU)
	}
	if len(s.Cart) > 0 {
		b.cart.LoadState(s.Cart)
	}
}
