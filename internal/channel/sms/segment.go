package sms

import "strings"

// GSM 03.38 basic set.
const gsmBasic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// Extension table characters cost two septets.
const gsmExt = "^{}\\[~]|€\f"

const (
	gsmSingle = 160
	gsmMulti  = 153
	ucsSingle = 70
	ucsMulti  = 67
	encGSM7   = "gsm7"
	encUCS2   = "ucs2"
)

// Encoding reports which SMS alphabet text needs.
func Encoding(text string) string {
	for _, r := range text {
		if !strings.ContainsRune(gsmBasic, r) && !strings.ContainsRune(gsmExt, r) {
			return encUCS2
		}
	}
	return encGSM7
}

// units returns the message length in encoding units.
// UCS-2 counts UTF-16 code units, so astral runes take two.
func units(text, enc string) int {
	n := 0
	for _, r := range text {
		switch {
		case enc == encGSM7 && strings.ContainsRune(gsmExt, r):
			n += 2
		case enc == encUCS2 && r > 0xFFFF:
			n += 2
		default:
			n++
		}
	}
	return n
}

// Segments returns how many concatenated SMS parts text occupies.
func Segments(text string) int {
	if text == "" {
		return 0
	}
	enc := Encoding(text)
	n := units(text, enc)
	single, multi := gsmSingle, gsmMulti
	if enc == encUCS2 {
		single, multi = ucsSingle, ucsMulti
	}
	if n <= single {
		return 1
	}
	return (n + multi - 1) / multi
}
