/*
Copyright 2025 The Manga-ULM Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package archive

import "strings"

// naturalLess orders entry names so that "2.jpg" sorts before "10.jpg".
// Names are split into maximal digit runs and non-digit runs; digit runs
// compare numerically, the rest case-insensitively. The ordering is
// observable through page indexes, so changing it is a breaking change.
func naturalLess(a, b string) bool {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		ad, bd := isDigit(a[ai]), isDigit(b[bi])
		if ad && bd {
			aj, bj := digitRunEnd(a, ai), digitRunEnd(b, bi)
			if c := compareNumeric(a[ai:aj], b[bi:bj]); c != 0 {
				return c < 0
			}
			ai, bi = aj, bj
			continue
		}
		if ad != bd {
			// A digit run sorts before any non-digit at the same spot.
			return ad
		}
		ac, bc := lowerByte(a[ai]), lowerByte(b[bi])
		if ac != bc {
			return ac < bc
		}
		ai++
		bi++
	}
	if len(a)-ai != len(b)-bi {
		return len(a)-ai < len(b)-bi
	}
	// Equal under folding; fall back to the raw spelling for determinism.
	return a < b
}

// compareNumeric compares two digit runs as integers of arbitrary width.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func digitRunEnd(s string, i int) int {
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return i
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func lowerByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
