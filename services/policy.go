package services

import (
	"strings"
	"time"
)

// PolicyFlag holds behaviour flags of a registered channel.
type PolicyFlag uint32

// Channel policy flags
const (
	PolicyHold       PolicyFlag = 0x00000001
	PolicyNoOp       PolicyFlag = 0x00000002
	PolicyLimitFlags PolicyFlag = 0x00000004
	PolicySecure     PolicyFlag = 0x00000008
	PolicyVerbose    PolicyFlag = 0x00000010
	PolicyRestricted PolicyFlag = 0x00000020
	PolicyKeepTopic  PolicyFlag = 0x00000040
	PolicyVerboseOps PolicyFlag = 0x00000080
	PolicyTopicLock  PolicyFlag = 0x00000100
	PolicyGuard      PolicyFlag = 0x00000200
	PolicyPrivate    PolicyFlag = 0x00000400
	PolicyNoSync     PolicyFlag = 0x00000800

	// PolicyMLockCheck asks for a reconciliation on the next mode change.
	PolicyMLockCheck PolicyFlag = 0x40000000
	// PolicyRecreated marks a channel whose TS was lowered by a merge.
	PolicyRecreated PolicyFlag = 0x10000000

	policyInternal = PolicyMLockCheck | PolicyRecreated
)

var policyFlagLetters = []struct {
	letter byte
	flag   PolicyFlag
}{
	{'h', PolicyHold},
	{'o', PolicyNoOp},
	{'l', PolicyLimitFlags},
	{'z', PolicySecure},
	{'v', PolicyVerbose},
	{'r', PolicyRestricted},
	{'k', PolicyKeepTopic},
	{'e', PolicyVerboseOps},
	{'t', PolicyTopicLock},
	{'g', PolicyGuard},
	{'p', PolicyPrivate},
	{'n', PolicyNoSync},
}

// String renders the persistent flags as letters.
func (f PolicyFlag) String() string {
	var b strings.Builder
	for _, pf := range policyFlagLetters {
		if f&pf.flag != 0 {
			b.WriteByte(pf.letter)
		}
	}
	return b.String()
}

// ParsePolicyFlags is the inverse of PolicyFlag.String. Unknown letters are
// ignored.
func ParsePolicyFlags(s string) PolicyFlag {
	var f PolicyFlag
	for i := 0; i < len(s); i++ {
		for _, pf := range policyFlagLetters {
			if pf.letter == s[i] {
				f |= pf.flag
			}
		}
	}
	return f
}

// ExtLock is a locked extension mode. An empty Value locks the mode off.
type ExtLock struct {
	Letter byte
	Value  string
}

// ChannelPolicy is the persistent configuration of a registered channel.
type ChannelPolicy struct {
	Name       string
	Registered time.Time
	LastUsed   time.Time
	Flags      PolicyFlag

	LockOn    ModeSet
	LockOff   ModeSet
	LockLimit uint32
	LockKey   string
	LockExt   []ExtLock

	// Live is the channel as currently seen, nil when it does not exist.
	Live *LiveChannel
}

// NewChannelPolicy creates a policy with the default +nt lock.
func NewChannelPolicy(name string, registered time.Time) *ChannelPolicy {
	return &ChannelPolicy{
		Name:       name,
		Registered: registered,
		LastUsed:   registered,
		LockOn:     ModeNoExternal | ModeTopic,
	}
}

// Has reports whether every flag in f is set.
func (p *ChannelPolicy) Has(f PolicyFlag) bool {
	return p.Flags&f == f
}

// Secure reports whether unauthorised status grants are reverted.
func (p *ChannelPolicy) Secure() bool {
	return p.Flags&PolicySecure != 0
}

// RequestCheck marks the policy for reconciliation on the next mode change.
func (p *ChannelPolicy) RequestCheck() {
	p.Flags |= PolicyMLockCheck
}

// ExtLockFor returns the lock for an extension letter.
func (p *ChannelPolicy) ExtLockFor(letter byte) (ExtLock, bool) {
	for _, e := range p.LockExt {
		if e.Letter == letter {
			return e, true
		}
	}
	return ExtLock{}, false
}
