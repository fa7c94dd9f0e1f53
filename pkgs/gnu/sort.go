// Package gnu orders version strings the way GNU filevercmp does.
package gnu

/* Compare file names containing version numbers.

   Copyright (C) 1995 Ian Jackson <iwj10@cus.cam.ac.uk>
   Copyright (C) 2001 Anthony Towns <aj@azure.humbug.org.au>
   Copyright (C) 2008-2025 Free Software Foundation, Inc.

   This file is free software: you can redistribute it and/or modify
   it under the terms of the GNU Lesser General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This file is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Lesser General Public License for more details.

   You should have received a copy of the GNU Lesser General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.  */

// Compare returns a negative number, zero or a positive number as a sorts
// before, equal to or after b. Runs of digits compare by numeric value, so
// "14.9" < "14.10"; '~' sorts before everything, even the end of a string.
func Compare(a, b string) int {
	for a != "" || b != "" {
		var pa, pb string
		pa, a = span(a, false)
		pb, b = span(b, false)
		if c := compareText(pa, pb); c != 0 {
			return c
		}
		pa, a = span(a, true)
		pb, b = span(b, true)
		if c := compareNumber(pa, pb); c != 0 {
			return c
		}
	}
	return 0
}

// span splits off the leading run of digits or non-digits.
func span(s string, digits bool) (head, rest string) {
	i := 0
	for i < len(s) && isDigit(s[i]) == digits {
		i++
	}
	return s[:i], s[i:]
}

func compareText(a, b string) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		if oa, ob := order(a, i), order(b, i); oa != ob {
			return oa - ob
		}
	}
	return 0
}

// compareNumber compares two digit runs by value.
func compareNumber(a, b string) int {
	a = trimZeros(a)
	b = trimZeros(b)
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return 0
}

func trimZeros(s string) string {
	for s != "" && s[0] == '0' {
		s = s[1:]
	}
	return s
}

// order ranks the byte at i: end of string 0, letters by ASCII, '~' below
// everything, other punctuation after all letters.
func order(s string, i int) int {
	if i >= len(s) {
		return 0
	}
	switch c := s[i]; {
	case isAlpha(c):
		return int(c)
	case c == '~':
		return -1
	default:
		return int(c) + 256
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
