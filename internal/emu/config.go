package emu

// Config contains settings that affect emulation behavior.
type Config struct {
	Trace        bool // log CPU instructions
	LimitFPS     bool // throttle to ~60 Hz (useful for headless test mode)
	UseFetcherBG bool // render BG via the per-pixel tile fetcher path
	UseCGBBG     bool // render BG/window/sprites via the CGB color path
	// Fast-forward is set at run time with Machine.SetSpeed, not here.
}
