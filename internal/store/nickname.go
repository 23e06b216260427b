package store

import (
	"fmt"
	"unicode"

	"golang.org/x/text/width"
)

// Nickname hygiene. Control and combining characters break board rendering,
// so they are rejected outright, except for the handful of codepoints that
// legitimate emoji sequences are built from.

const maxNicknameDisplayWidth = 40

var disallowedRanges = []*unicode.RangeTable{
	unicode.Cc, unicode.Cf, unicode.Cs,
	unicode.Mc, unicode.Me, unicode.Mn,
	unicode.Zl, unicode.Zp,
}

func isEmojiComponent(c rune) bool {
	switch {
	case c == 0x200d: // zwj
		return true
	case c == 0x200b: // zwsp, breaks emoji components apart
		return true
	case c == 0x20e3: // keycap
		return true
	case c >= 0xfe00 && c <= 0xfe0f: // variation selector
		return true
	case c >= 0xe0020 && c <= 0xe007f: // tag
		return true
	case c >= 0x1f1e6 && c <= 0x1f1ff: // regional indicator
		return true
	}
	return false
}

func isOverlongGlyph(c rune) bool {
	// cuneiform signs and a malayalam ligature that render absurdly wide
	return (c >= 0x12423 && c <= 0x12431) || c == 0x0d78
}

func runeDisplayWidth(c rune) int {
	switch width.LookupRune(c).Kind() {
	case width.EastAsianFullwidth, width.EastAsianWide:
		return 2
	default:
		return 1
	}
}

// CheckNickname returns a player-facing message for nicknames that pass the
// length regex but still cannot be displayed, or "" when the name is fine.
func CheckNickname(name string) string {
	allWhitespace := true
	displayWidth := 0
	for _, c := range name {
		if isEmojiComponent(c) {
			continue
		}
		if unicode.IsOneOf(disallowedRanges, c) || isOverlongGlyph(c) {
			return fmt.Sprintf("昵称中不能包含字符 %#x", c)
		}
		if !unicode.Is(unicode.Zs, c) {
			allWhitespace = false
		}
		displayWidth += runeDisplayWidth(c)
	}
	if name != "" && allWhitespace {
		return "昵称不能全为空格"
	}
	if displayWidth > maxNicknameDisplayWidth {
		return "昵称过宽"
	}
	return ""
}
