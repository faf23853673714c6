package services

import "strings"

// foldByte maps a byte under rfc1459 casemapping, where {}|^ are the lower
// case forms of []\~.
func foldByte(c byte) byte {
	switch {
	case c >= 'A' && c <= 'Z':
		return c + ('a' - 'A')
	case c == '[':
		return '{'
	case c == ']':
		return '}'
	case c == '\\':
		return '|'
	case c == '~':
		return '^'
	}
	return c
}

// Fold lower-cases s under rfc1459 casemapping. It is used for every nick and
// channel map key.
func Fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b.WriteByte(foldByte(s[i]))
	}
	return b.String()
}

// CaseEqual compares two names under rfc1459 casemapping.
func CaseEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if foldByte(a[i]) != foldByte(b[i]) {
			return false
		}
	}
	return true
}

// MatchMask reports whether name matches the glob mask. '*' matches any run
// of bytes and '?' exactly one; comparison is case-insensitive.
func MatchMask(mask, name string) bool {
	m, n := 0, 0
	starM, starN := -1, 0

	for n < len(name) {
		switch {
		case m < len(mask) && mask[m] == '*':
			starM, starN = m, n
			m++
		case m < len(mask) && (mask[m] == '?' || foldByte(mask[m]) == foldByte(name[n])):
			m++
			n++
		case starM >= 0:
			m = starM + 1
			starN++
			n = starN
		default:
			return false
		}
	}
	for m < len(mask) && mask[m] == '*' {
		m++
	}
	return m == len(mask)
}

// ValidHostmask reports whether s looks like nick!user@host.
func ValidHostmask(s string) bool {
	bang := strings.IndexByte(s, '!')
	at := strings.LastIndexByte(s, '@')
	return bang > 0 && at > bang+1 && at < len(s)-1 && !strings.ContainsAny(s, " ,")
}

// ParseHostmask splits nick!user@host.
func ParseHostmask(hostmask string) (nick, user, host string) {
	nick, rest, ok := strings.Cut(hostmask, "!")
	if !ok {
		return hostmask, "", ""
	}
	user, host, ok = strings.Cut(rest, "@")
	if !ok {
		return nick, rest, ""
	}
	return nick, user, host
}

// FormatHostmask joins nick, user and host.
func FormatHostmask(nick, user, host string) string {
	return nick + "!" + user + "@" + host
}
