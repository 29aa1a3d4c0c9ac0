package buffer

import "unicode/utf8"

// CompleteRunes returns the length of the longest prefix of p that does
// not end inside a UTF-8 sequence. Invalid bytes count as complete, so at
// most utf8.UTFMax-1 bytes are ever held back.
func CompleteRunes(p []byte) int {
	for i := len(p) - 1; i >= 0 && i > len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}

// TrimPartialRune drops continuation bytes at the start of p, left over
// when the sequence they belong to was cut off.
func TrimPartialRune(p []byte) []byte {
	for i := 0; i < len(p) && i < utf8.UTFMax-1; i++ {
		if utf8.RuneStart(p[i]) {
			return p[i:]
		}
	}
	return p[min(len(p), utf8.UTFMax-1):]
}
