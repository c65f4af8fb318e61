package ppu

// VRAMBankedReader gives scanline helpers access to either CGB VRAM bank
// without exposing a full PPU, mirroring VRAMReader for the DMG path.
type VRAMBankedReader interface {
	ReadBank(bank int, addr uint16) byte
}

// bgAttr decodes a CGB BG/window map attribute byte (stored in VRAM bank 1
// at the same address as the tile index in bank 0).
type bgAttr struct {
	pal    byte
	bank   int
	xflip  bool
	yflip  bool
	behind bool
}

func decodeBGAttr(v byte) bgAttr {
	a := bgAttr{pal: v & 0x07, bank: 0, behind: v&0x80 != 0, yflip: v&0x40 != 0, xflip: v&0x20 != 0}
	if v&0x08 != 0 { // bit3: VRAM bank, same position as OBJ attribute bank bit
		a.bank = 1
	}
	return a
}

func cgbTilePixel(mem VRAMBankedReader, tileData8000 bool, tileNum byte, attr bgAttr, fineY byte) (lo, hi byte) {
	row := fineY & 7
	if attr.yflip {
		row = 7 - row
	}
	var base uint16
	if tileData8000 {
		base = 0x8000 + uint16(tileNum)*16 + uint16(row)*2
	} else {
		base = 0x9000 + uint16(int8(tileNum))*16 + uint16(row)*2
	}
	lo = mem.ReadBank(attr.bank, base)
	hi = mem.ReadBank(attr.bank, base+1)
	return
}

func cgbColorIndex(lo, hi byte, col byte, xflip bool) byte {
	if xflip {
		col = 7 - col
	}
	bit := 7 - col
	return ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
}

// RenderBGScanlineCGB renders one BG scanline honoring CGB map attributes
// (palette, VRAM bank, X/Y flip, BG-to-OBJ priority) stored in bank1 at attrsBase.
func RenderBGScanlineCGB(mem VRAMBankedReader, mapBase, attrsBase uint16, tileData8000 bool, scx, scy, ly byte) (ci [160]byte, pal [160]byte, pri [160]bool) {
	bgY := uint16(ly) + uint16(scy)
	fineY := byte(bgY & 7)
	mapY := (bgY >> 3) & 31

	for x := 0; x < 160; x++ {
		bgX := (uint16(scx) + uint16(x)) & 0xFF
		tileX := (bgX >> 3) & 31
		col := byte(bgX & 7)
		tileAddr := mapBase + mapY*32 + tileX
		attrAddr := attrsBase + mapY*32 + tileX
		tileNum := mem.ReadBank(0, tileAddr)
		attr := decodeBGAttr(mem.ReadBank(1, attrAddr))
		lo, hi := cgbTilePixel(mem, tileData8000, tileNum, attr, fineY)
		ci[x] = cgbColorIndex(lo, hi, col, attr.xflip)
		pal[x] = attr.pal
		pri[x] = attr.behind
	}
	return
}

// RenderWindowScanlineCGB renders the window layer for one scanline using
// winLine as the window's own row counter, honoring CGB map attributes.
func RenderWindowScanlineCGB(mem VRAMBankedReader, mapBase, attrsBase uint16, tileData8000 bool, winXStart int, winLine byte) (ci [160]byte, pal [160]byte, pri [160]bool) {
	if winXStart >= 160 {
		return
	}
	fineY := winLine & 7
	mapY := uint16(winLine>>3) & 31

	start := winXStart
	if start < 0 {
		start = 0
	}
	for x := start; x < 160; x++ {
		winX := uint16(x - winXStart)
		tileX := (winX >> 3) & 31
		col := byte(winX & 7)
		tileAddr := mapBase + mapY*32 + tileX
		attrAddr := attrsBase + mapY*32 + tileX
		tileNum := mem.ReadBank(0, tileAddr)
		attr := decodeBGAttr(mem.ReadBank(1, attrAddr))
		lo, hi := cgbTilePixel(mem, tileData8000, tileNum, attr, fineY)
		ci[x] = cgbColorIndex(lo, hi, col, attr.xflip)
		pal[x] = attr.pal
		pri[x] = attr.behind
	}
	return
}
