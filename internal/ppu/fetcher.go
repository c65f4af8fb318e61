package ppu

// VRAMReader provides read-only access for the fetcher or scanline helpers.
// It abstracts how VRAM bytes are fetched (tests vs. live PPU).
type VRAMReader interface {
	Read(addr uint16) byte
}

// bgFetcher decodes one 2-bit BG/window color index at a time from an
// absolute background-space coordinate, caching the last tile row it
// decoded so consecutive pixels within the same tile don't re-read VRAM.
// Keeping it per-pixel rather than batched 8-at-a-time lets a caller change
// the effective tile-map coordinates between any two pixels on the same
// line — the mechanism mid-scanline register JIT needs.
type bgFetcher struct {
	mem VRAMReader

	haveTile     bool
	lastTileAddr uint16
	lastLo       byte
	lastHi       byte
}

func newBGFetcher(mem VRAMReader) *bgFetcher { return &bgFetcher{mem: mem} }

// PixelAt returns the 2-bit color index at absolute background-space
// coordinates (bgX, bgY) under the given tile map / addressing mode.
func (fch *bgFetcher) PixelAt(mapBase uint16, tileData8000 bool, bgX, bgY uint16) byte {
	tileX := (bgX >> 3) & 31
	tileY := (bgY >> 3) & 31
	fineY := bgY & 7
	fineX := byte(bgX & 7)

	tileIndexAddr := mapBase + tileY*32 + tileX
	tileNum := fch.mem.Read(tileIndexAddr)

	var base uint16
	if tileData8000 {
		base = 0x8000 + uint16(tileNum)*16 + fineY*2
	} else {
		base = 0x9000 + uint16(int8(tileNum))*16 + fineY*2
	}

	if !fch.haveTile || fch.lastTileAddr != base {
		fch.lastLo = fch.mem.Read(base)
		fch.lastHi = fch.mem.Read(base + 1)
		fch.lastTileAddr = base
		fch.haveTile = true
	}

	bit := 7 - fineX
	return ((fch.lastHi>>bit)&1)<<1 | ((fch.lastLo >> bit) & 1)
}
