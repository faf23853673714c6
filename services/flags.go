package services

import "strings"

// ParseFlagChange turns a flag string such as "+oO-v", "=vV", "-*" or "+autoop"
// into add and remove masks. The returned masks never overlap.
func ParseFlagChange(s string) (add, remove CapabilitySet) {
	adding := true
	short := false

	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			adding = true
		case '-':
			adding = false
		case '=':
			add, remove = 0, CapAll
			adding = true
		case '*':
			if adding {
				add |= grantableCaps()
				remove |= CapAKick
				add &^= CapAKick
			} else {
				add, remove = 0, CapAll
			}
		default:
			if !short {
				// long names consume the rest of the string
				if bit, ok := CapabilityByName(s[i:]); ok {
					if adding {
						add |= bit
						remove &^= bit
					} else {
						add &^= bit
						remove |= bit
					}
					return add & CapAll, remove & CapAll
				}
			}
			if bit, ok := CapabilityByLetter(c); ok {
				if adding {
					add |= bit
					remove &^= bit
				} else {
					add &^= bit
					remove |= bit
				}
			}
			short = true
		}
	}

	return add & CapAll, remove & CapAll
}

// ApplyFlagString applies a flag string to an existing level.
func ApplyFlagString(s string, level CapabilitySet) CapabilitySet {
	add, remove := ParseFlagChange(s)
	return ((level &^ remove) | add).Normalize()
}

// FormatFlagChange renders an add/remove pair as "-letters+letters".
func FormatFlagChange(add, remove CapabilitySet) string {
	var b strings.Builder
	if remove != 0 {
		b.WriteByte('-')
		b.WriteString(strings.TrimPrefix(remove.String(), "+"))
	}
	if add != 0 {
		b.WriteString(add.String())
	}
	return b.String()
}

// AllowFlags computes the privileges a holder of theirs may grant to or revoke
// from others on a channel with the given policy flags. Founders are not
// subject to this restriction; callers pass CapAll for them.
func AllowFlags(policy PolicyFlag, theirs CapabilitySet) CapabilitySet {
	flags := theirs &^ CapAKick
	if flags&CapRemove != 0 {
		flags |= CapAKick
	}
	if flags&CapOp != 0 {
		flags |= CapAutoOp
	}
	if flags&CapHalfOp != 0 {
		flags |= CapAutoHalfOp
	}
	if flags&CapVoice != 0 {
		flags |= CapAutoVoice
	}
	if policy&PolicyLimitFlags != 0 {
		if theirs&(CapHighPrivs&^CapFlags) == 0 {
			flags &= CapAKick
		} else if theirs&CapHighPrivs != CapHighPrivs {
			flags &^= CapHighPrivs
		}
	}
	return flags
}
