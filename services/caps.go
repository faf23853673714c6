package services

import "strings"

// CapabilitySet is a bitmask of channel access privileges.
type CapabilitySet uint32

// Channel access privileges
const (
	CapVoice      CapabilitySet = 0x00000001 // May use voice/devoice
	CapAutoVoice  CapabilitySet = 0x00000002 // Voiced on join
	CapOp         CapabilitySet = 0x00000004 // May use op/deop
	CapAutoOp     CapabilitySet = 0x00000008 // Opped on join
	CapTopic      CapabilitySet = 0x00000010 // May change the topic through services
	CapSet        CapabilitySet = 0x00000020 // May change channel settings
	CapRemove     CapabilitySet = 0x00000040 // May kick and ban
	CapInvite     CapabilitySet = 0x00000080 // May invite
	CapRecover    CapabilitySet = 0x00000100 // May recover the channel
	CapFlags      CapabilitySet = 0x00000200 // May edit the access ledger
	CapHalfOp     CapabilitySet = 0x00000400 // May use halfop/dehalfop
	CapAutoHalfOp CapabilitySet = 0x00000800 // Half-opped on join
	CapACLView    CapabilitySet = 0x00001000 // May view the access ledger
	CapFounder    CapabilitySet = 0x00002000 // Channel founder
	CapProtect    CapabilitySet = 0x00004000 // May use protect
	CapOwner      CapabilitySet = 0x00008000 // May use owner
	CapExempt     CapabilitySet = 0x00010000 // Exempt from auto-kick
	CapAKick      CapabilitySet = 0x80000000 // Kicked and banned on join

	CapNone CapabilitySet = 0

	// CapHighPrivs are the privileges guarded by the limitflags policy flag.
	CapHighPrivs = CapSet | CapRecover | CapFlags

	// CapAllPrivs is every privilege except auto-kick.
	CapAllPrivs = CapVoice | CapAutoVoice | CapOp | CapAutoOp | CapTopic | CapSet |
		CapRemove | CapInvite | CapRecover | CapFlags | CapHalfOp | CapAutoHalfOp |
		CapACLView | CapFounder | CapProtect | CapOwner | CapExempt

	// CapAll is every known bit.
	CapAll = CapAllPrivs | CapAKick
)

// Level templates used by the xOP style commands.
const (
	LevelVOP     = CapVoice | CapAutoVoice | CapACLView
	LevelHOP     = CapVoice | CapHalfOp | CapAutoHalfOp | CapTopic | CapACLView
	LevelAOP     = CapVoice | CapHalfOp | CapOp | CapAutoOp | CapTopic | CapACLView
	LevelSOP     = LevelAOP | CapSet | CapRemove | CapInvite | CapExempt
	LevelFounder = CapVoice | CapOp | CapAutoOp | CapTopic | CapSet | CapRemove | CapInvite |
		CapRecover | CapFlags | CapHalfOp | CapACLView | CapProtect | CapExempt | CapOwner | CapFounder
)

// Capability describes one entry of the vocabulary.
type Capability struct {
	Letter byte
	Bit    CapabilitySet
	Name   string
	// Grantable reports whether "*" includes the bit.
	Grantable bool
}

// Capabilities is the fixed vocabulary in display order.
var Capabilities = []Capability{
	{'v', CapVoice, "voice", true},
	{'V', CapAutoVoice, "autovoice", true},
	{'o', CapOp, "op", true},
	{'O', CapAutoOp, "autoop", true},
	{'t', CapTopic, "topic", true},
	{'s', CapSet, "set", true},
	{'r', CapRemove, "remove", true},
	{'i', CapInvite, "invite", true},
	{'R', CapRecover, "recover", true},
	{'f', CapFlags, "acl-change", true},
	{'h', CapHalfOp, "halfop", true},
	{'H', CapAutoHalfOp, "autohalfop", true},
	{'A', CapACLView, "acl-view", true},
	{'F', CapFounder, "founder", false},
	{'q', CapOwner, "owner", true},
	{'a', CapProtect, "protect", true},
	{'e', CapExempt, "exempt", true},
	{'b', CapAKick, "banned", false},
}

// Has reports whether every bit of want is present.
func (c CapabilitySet) Has(want CapabilitySet) bool {
	return c&want == want
}

// Any reports whether at least one bit of want is present.
func (c CapabilitySet) Any(want CapabilitySet) bool {
	return c&want != 0
}

// Normalize enforces that founder implies the ability to edit the ledger and
// strips unknown bits.
func (c CapabilitySet) Normalize() CapabilitySet {
	c &= CapAll
	if c&CapFounder != 0 {
		c |= CapFlags
	}
	return c
}

// String renders the set as "+letters".
func (c CapabilitySet) String() string {
	var b strings.Builder
	b.WriteByte('+')
	for _, cp := range Capabilities {
		if c&cp.Bit != 0 {
			b.WriteByte(cp.Letter)
		}
	}
	return b.String()
}

// Names returns the long names of the bits in c.
func (c CapabilitySet) Names() []string {
	names := make([]string, 0, len(Capabilities))
	for _, cp := range Capabilities {
		if c&cp.Bit != 0 {
			names = append(names, cp.Name)
		}
	}
	return names
}

// CapabilityByLetter looks up a single flag letter.
func CapabilityByLetter(letter byte) (CapabilitySet, bool) {
	for _, cp := range Capabilities {
		if cp.Letter == letter {
			return cp.Bit, true
		}
	}
	return 0, false
}

// CapabilityByName looks up a long flag name, case-insensitively.
func CapabilityByName(name string) (CapabilitySet, bool) {
	for _, cp := range Capabilities {
		if strings.EqualFold(cp.Name, name) {
			return cp.Bit, true
		}
	}
	return 0, false
}

func grantableCaps() CapabilitySet {
	var all CapabilitySet
	for _, cp := range Capabilities {
		if cp.Grantable {
			all |= cp.Bit
		}
	}
	return all
}
