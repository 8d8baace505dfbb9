package input

// Scancode space is USB HID usage IDs (keyboard page), the same space SDL
// reports. The default table maps them to Windows virtual-key codes; hosts
// on other platforms supply their own table. The mapping below covers the
// common set; per-deployment gaps are patched through config overrides
// rather than guessed at here.

const (
	scanA            = 0x04
	scanZ            = 0x1D
	scan1            = 0x1E
	scan0            = 0x27
	scanEnter        = 0x28
	scanEscape       = 0x29
	scanBackspace    = 0x2A
	scanTab          = 0x2B
	scanSpace        = 0x2C
	scanMinus        = 0x2D
	scanEquals       = 0x2E
	scanLeftBracket  = 0x2F
	scanRightBracket = 0x30
	scanBackslash    = 0x31
	scanSemicolon    = 0x33
	scanApostrophe   = 0x34
	scanGrave        = 0x35
	scanComma        = 0x36
	scanPeriod       = 0x37
	scanSlash        = 0x38
	scanCapsLock     = 0x39
	scanF1           = 0x3A
	scanF12          = 0x45
	scanPrintScreen  = 0x46
	scanScrollLock   = 0x47
	scanPause        = 0x48
	scanInsert       = 0x49
	scanHome         = 0x4A
	scanPageUp       = 0x4B
	scanDelete       = 0x4C
	scanEnd          = 0x4D
	scanPageDown     = 0x4E
	scanRight        = 0x4F
	scanLeft         = 0x50
	scanDown         = 0x51
	scanUp           = 0x52
	scanLCtrl        = 0xE0
	scanLShift       = 0xE1
	scanLAlt         = 0xE2
	scanLGui         = 0xE3
	scanRCtrl        = 0xE4
	scanRShift       = 0xE5
	scanRAlt         = 0xE6
	scanRGui         = 0xE7
)

// defaultTable returns the built-in HID→VK mapping.
func defaultTable() map[uint16]uint16 {
	t := make(map[uint16]uint16, 128)
	for sc := uint16(scanA); sc <= scanZ; sc++ {
		t[sc] = 'A' + sc - scanA
	}
	for sc := uint16(scan1); sc < scan0; sc++ {
		t[sc] = '1' + sc - scan1
	}
	t[scan0] = '0'
	for sc := uint16(scanF1); sc <= scanF12; sc++ {
		t[sc] = 0x70 + sc - scanF1 // VK_F1..VK_F12
	}
	t[scanEnter] = 0x0D     // VK_RETURN
	t[scanEscape] = 0x1B    // VK_ESCAPE
	t[scanBackspace] = 0x08 // VK_BACK
	t[scanTab] = 0x09       // VK_TAB
	t[scanSpace] = 0x20     // VK_SPACE
	t[scanMinus] = 0xBD
	t[scanEquals] = 0xBB
	t[scanLeftBracket] = 0xDB
	t[scanRightBracket] = 0xDD
	t[scanBackslash] = 0xDC
	t[scanSemicolon] = 0xBA
	t[scanApostrophe] = 0xDE
	t[scanGrave] = 0xC0
	t[scanComma] = 0xBC
	t[scanPeriod] = 0xBE
	t[scanSlash] = 0xBF
	t[scanCapsLock] = 0x14
	t[scanPrintScreen] = 0x2C
	t[scanScrollLock] = 0x91
	t[scanPause] = 0x13
	t[scanInsert] = 0x2D
	t[scanHome] = 0x24
	t[scanPageUp] = 0x21
	t[scanDelete] = 0x2E
	t[scanEnd] = 0x23
	t[scanPageDown] = 0x22
	t[scanRight] = 0x27
	t[scanLeft] = 0x25
	t[scanDown] = 0x28
	t[scanUp] = 0x26
	t[scanLCtrl] = 0xA2
	t[scanLShift] = 0xA0
	t[scanLAlt] = 0xA4
	t[scanLGui] = 0x5B
	t[scanRCtrl] = 0xA3
	t[scanRShift] = 0xA1
	t[scanRAlt] = 0xA5
	t[scanRGui] = 0x5C
	return t
}
