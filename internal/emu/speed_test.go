package emu

import "testing"

func TestMachine_SetSpeed_ScalesFrameBudget(t *testing.T) {
	m := New(Config{})
	if got := m.Speed(); got != 1 {
		t.Fatalf("default speed got %d want 1", got)
	}
	if got := m.frameBudget(); got != frameCycles {
		t.Fatalf("default frame budget got %d want %d", got, frameCycles)
	}

	m.SetSpeed(4)
	if got := m.Speed(); got != 4 {
		t.Fatalf("Speed() got %d want 4", got)
	}
	if got := m.frameBudget(); got != frameCycles*4 {
		t.Fatalf("frame budget got %d want %d", got, frameCycles*4)
	}

	// Values below 1 clamp to normal speed.
	m.SetSpeed(0)
	if got := m.Speed(); got != 1 {
		t.Fatalf("SetSpeed(0) got %d want clamp to 1", got)
	}
}

func TestMachine_StepFrame_RunsRomOnlyCartridge(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := New(Config{})
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.SetSpeed(2)
	m.StepFrameNoRender()
	// A blank ROM only executes NOP/overflow traps; just assert the core
	// advances without panicking and keeps a valid LY in range.
	fb := m.Framebuffer()
	if len(fb) != 160*144*4 {
		t.Fatalf("framebuffer size got %d want %d", len(fb), 160*144*4)
	}
	if ly := m.bus.Read(0xFF44); ly > 153 {
		t.Fatalf("LY out of range after a frame: %d", ly)
	}
}
