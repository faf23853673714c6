package services

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ModeSet is a bitmask of parameterless channel modes, plus the limit and key
// bits which are tracked separately.
type ModeSet uint64

// Channel mode bits shared by every dialect. Dialect specific bits start at
// ModeDialectBase.
const (
	ModeInvite     ModeSet = 0x00000001
	ModeKey        ModeSet = 0x00000002
	ModeLimit      ModeSet = 0x00000004
	ModeModerated  ModeSet = 0x00000008
	ModeNoExternal ModeSet = 0x00000010
	ModePrivate    ModeSet = 0x00000040
	ModeSecret     ModeSet = 0x00000080
	ModeTopic      ModeSet = 0x00000100
	ModeRegistered ModeSet = 0x00000200

	ModeDialectBase ModeSet = 0x00001000
)

// Charybdis style mode bits
const (
	ModeNoColor ModeSet = ModeDialectBase << iota
	ModeRegOnly
	ModeOpModerate
	ModeFreeInvite
	ModeLargeLists
	ModePermanent
	ModeForwardTarget
	ModeNoForward
	ModeNoCTCP
	ModeNoKnock
	ModeNoNickChange
	ModeStripColor
	ModeOperOnly
	ModeNoKick
	ModeSSLOnly
)

// StatusSet holds a member's channel status bits.
type StatusSet uint8

// Member status bits
const (
	StatusOp StatusSet = 1 << iota
	StatusVoice
	StatusOwner
	StatusProtect
	StatusHalfOp
)

// SimpleMode maps a parameterless mode letter to its bit.
type SimpleMode struct {
	Letter byte
	Bit    ModeSet
}

// ExtValidator decides whether value is acceptable for an extension mode.
// actor and account are nil/empty when services itself is the source.
type ExtValidator func(value string, live *LiveChannel, policy *ChannelPolicy, actor *User, account EntityID) bool

// ExtMode is a parameterised mode outside limit and key, such as a forward
// target or a join throttle.
type ExtMode struct {
	Letter   byte
	Validate ExtValidator
	// ParamOnRemove is set for modes whose removal also carries a parameter.
	ParamOnRemove bool
}

// StatusMode maps a status letter (o, v, h ...) to a member status bit.
type StatusMode struct {
	Letter byte
	Prefix byte
	Status StatusSet
}

// Dialect carries the mode tables of one ircd family. It is plain data built
// at startup and never changed afterwards.
type Dialect struct {
	Name        string
	SimpleModes []SimpleMode
	ExtModes    []ExtMode
	StatusModes []StatusMode
	// BanLike lists list modes that take a mask on both add and remove.
	BanLike string
	// MaxModes is the number of parameterised modes allowed in one MODE.
	MaxModes int
	UsesHalfOps bool
	// PermanentMode keeps an empty channel alive.
	PermanentMode ModeSet
	// OperOnlyModes may only be locked by staff.
	OperOnlyModes ModeSet
	// KeyRemovalParam is sent as the parameter of -k when the key is unknown.
	KeyRemovalParam string
}

// Validate checks the tables for duplicate letters and fills defaults.
func (d *Dialect) Validate() error {
	seen := make(map[byte]string)
	claim := func(c byte, kind string) error {
		if prev, ok := seen[c]; ok {
			return fmt.Errorf("dialect %s: mode %c is both %s and %s", d.Name, c, prev, kind)
		}
		seen[c] = kind
		return nil
	}

	if err := claim('l', "limit"); err != nil {
		return err
	}
	if err := claim('k', "key"); err != nil {
		return err
	}
	for _, m := range d.SimpleModes {
		if m.Bit&(ModeKey|ModeLimit) != 0 {
			return fmt.Errorf("dialect %s: simple mode %c uses a reserved bit", d.Name, m.Letter)
		}
		if err := claim(m.Letter, "simple"); err != nil {
			return err
		}
	}
	for _, m := range d.ExtModes {
		if err := claim(m.Letter, "extension"); err != nil {
			return err
		}
	}
	for _, m := range d.StatusModes {
		if err := claim(m.Letter, "status"); err != nil {
			return err
		}
	}
	for i := 0; i < len(d.BanLike); i++ {
		if err := claim(d.BanLike[i], "list"); err != nil {
			return err
		}
	}

	if d.MaxModes <= 0 {
		d.MaxModes = 4
	}
	if d.KeyRemovalParam == "" {
		d.KeyRemovalParam = "*"
	}
	return nil
}

// ModeBit returns the bit of a simple mode letter, including k and l.
func (d *Dialect) ModeBit(c byte) (ModeSet, bool) {
	switch c {
	case 'k':
		return ModeKey, true
	case 'l':
		return ModeLimit, true
	}
	return d.SimpleBit(c)
}

// SimpleBit returns the bit of a parameterless mode letter.
func (d *Dialect) SimpleBit(c byte) (ModeSet, bool) {
	for _, m := range d.SimpleModes {
		if m.Letter == c {
			return m.Bit, true
		}
	}
	return 0, false
}

// ModeLetters renders the simple bits of set in table order.
func (d *Dialect) ModeLetters(set ModeSet) string {
	var b strings.Builder
	for _, m := range d.SimpleModes {
		if set&m.Bit != 0 {
			b.WriteByte(m.Letter)
		}
	}
	return b.String()
}

// ExtIndex returns the index of an extension mode letter, or -1.
func (d *Dialect) ExtIndex(c byte) int {
	for i, m := range d.ExtModes {
		if m.Letter == c {
			return i
		}
	}
	return -1
}

// Status returns the status mode for a letter.
func (d *Dialect) Status(c byte) (StatusMode, bool) {
	for _, m := range d.StatusModes {
		if m.Letter == c {
			return m, true
		}
	}
	return StatusMode{}, false
}

// IsBanLike reports whether c is a list mode.
func (d *Dialect) IsBanLike(c byte) bool {
	return strings.IndexByte(d.BanLike, c) >= 0
}

// HalfOpLetter returns the half-op status letter when the dialect has one.
func (d *Dialect) HalfOpLetter() (byte, bool) {
	if !d.UsesHalfOps {
		return 0, false
	}
	for _, m := range d.StatusModes {
		if m.Status == StatusHalfOp {
			return m.Letter, true
		}
	}
	return 0, false
}

// ChannelLookup gives validators read access to other channels.
type ChannelLookup interface {
	LiveChannel(name string) *LiveChannel
	Policy(name string) *ChannelPolicy
	EffectiveFlags(policy *ChannelPolicy, u *User) CapabilitySet
	AccountFlags(policy *ChannelPolicy, account EntityID) CapabilitySet
}

var rfc1459Modes = []SimpleMode{
	{'i', ModeInvite},
	{'m', ModeModerated},
	{'n', ModeNoExternal},
	{'p', ModePrivate},
	{'s', ModeSecret},
	{'t', ModeTopic},
}

var opVoice = []StatusMode{
	{'o', '@', StatusOp},
	{'v', '+', StatusVoice},
}

// RFC1459 returns the baseline dialect.
func RFC1459() *Dialect {
	return &Dialect{
		Name:        "rfc1459",
		SimpleModes: rfc1459Modes,
		StatusModes: opVoice,
		BanLike:     "b",
		MaxModes:    4,
	}
}

// Charybdis returns the charybdis/solanum dialect. lookup may be nil, in which
// case forward targets are only checked for shape.
func Charybdis(lookup ChannelLookup) *Dialect {
	return &Dialect{
		Name: "charybdis",
		SimpleModes: append(append([]SimpleMode(nil), rfc1459Modes...),
			SimpleMode{'c', ModeNoColor},
			SimpleMode{'r', ModeRegOnly},
			SimpleMode{'z', ModeOpModerate},
			SimpleMode{'g', ModeFreeInvite},
			SimpleMode{'L', ModeLargeLists},
			SimpleMode{'P', ModePermanent},
			SimpleMode{'F', ModeForwardTarget},
			SimpleMode{'Q', ModeNoForward},
			SimpleMode{'C', ModeNoCTCP},
		),
		ExtModes: []ExtMode{
			{Letter: 'f', Validate: ForwardValidator(lookup)},
			{Letter: 'j', Validate: JoinThrottleValidator},
		},
		StatusModes:   opVoice,
		BanLike:       "beIq",
		MaxModes:      4,
		PermanentMode: ModePermanent,
		OperOnlyModes: ModeLargeLists | ModePermanent,
	}
}

// InspIRCd returns an InspIRCd style dialect with half-ops and owner/protect.
func InspIRCd() *Dialect {
	return &Dialect{
		Name: "inspircd",
		SimpleModes: append(append([]SimpleMode(nil), rfc1459Modes...),
			SimpleMode{'c', ModeNoColor},
			SimpleMode{'R', ModeRegOnly},
			SimpleMode{'C', ModeNoCTCP},
			SimpleMode{'K', ModeNoKnock},
			SimpleMode{'N', ModeNoNickChange},
			SimpleMode{'S', ModeStripColor},
			SimpleMode{'O', ModeOperOnly},
			SimpleMode{'Q', ModeNoKick},
			SimpleMode{'z', ModeSSLOnly},
			SimpleMode{'P', ModePermanent},
		),
		ExtModes: []ExtMode{
			{Letter: 'f', Validate: FloodValidator},
			{Letter: 'j', Validate: JoinThrottleValidator},
			{Letter: 'L', Validate: ChannelNameValidator},
		},
		StatusModes: []StatusMode{
			{'q', '~', StatusOwner},
			{'a', '&', StatusProtect},
			{'o', '@', StatusOp},
			{'h', '%', StatusHalfOp},
			{'v', '+', StatusVoice},
		},
		BanLike:       "beIg",
		MaxModes:      20,
		UsesHalfOps:   true,
		PermanentMode: ModePermanent,
		OperOnlyModes: ModeOperOnly | ModePermanent,
	}
}

// Unreal returns an UnrealIRCd style dialect.
func Unreal() *Dialect {
	return &Dialect{
		Name: "unreal",
		SimpleModes: append(append([]SimpleMode(nil), rfc1459Modes...),
			SimpleMode{'c', ModeNoColor},
			SimpleMode{'R', ModeRegOnly},
			SimpleMode{'C', ModeNoCTCP},
			SimpleMode{'K', ModeNoKnock},
			SimpleMode{'N', ModeNoNickChange},
			SimpleMode{'S', ModeStripColor},
			SimpleMode{'O', ModeOperOnly},
			SimpleMode{'Q', ModeNoKick},
			SimpleMode{'z', ModeSSLOnly},
			SimpleMode{'P', ModePermanent},
		),
		ExtModes: []ExtMode{
			{Letter: 'f', Validate: FloodValidator, ParamOnRemove: true},
			{Letter: 'j', Validate: JoinThrottleValidator},
			{Letter: 'L', Validate: ChannelNameValidator, ParamOnRemove: true},
		},
		StatusModes: []StatusMode{
			{'q', '~', StatusOwner},
			{'a', '&', StatusProtect},
			{'o', '@', StatusOp},
			{'h', '%', StatusHalfOp},
			{'v', '+', StatusVoice},
		},
		BanLike:       "beI",
		MaxModes:      12,
		UsesHalfOps:   true,
		PermanentMode: ModePermanent,
		OperOnlyModes: ModeOperOnly | ModePermanent,
	}
}

// DialectByName returns a built-in dialect.
func DialectByName(name string, lookup ChannelLookup) (*Dialect, error) {
	var d *Dialect
	switch strings.ToLower(name) {
	case "", "rfc1459", "ratbox", "ts6":
		d = RFC1459()
	case "charybdis", "solanum", "ircd-seven":
		d = Charybdis(lookup)
	case "inspircd":
		d = InspIRCd()
	case "unreal", "unrealircd":
		d = Unreal()
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
	return d, d.Validate()
}

// DialectFromISupport builds a dialect from the CHANMODES, PREFIX and MODES
// tokens a server advertises in RPL_ISUPPORT. Type A modes become list modes,
// type C modes other than l become extension modes accepting any value, and
// type D modes other than those already known get fresh bits. Type B modes
// other than k become extension modes that take a parameter on removal too.
func DialectFromISupport(chanmodes, prefix, modes string) (*Dialect, error) {
	d := &Dialect{Name: "isupport", MaxModes: 4}

	if n, err := strconv.Atoi(modes); err == nil && n > 0 {
		d.MaxModes = n
	}

	if prefix != "" {
		letters, symbols, ok := strings.Cut(strings.TrimPrefix(prefix, "("), ")")
		if !ok || len(letters) != len(symbols) {
			return nil, fmt.Errorf("malformed PREFIX %q", prefix)
		}
		for i := 0; i < len(letters); i++ {
			var st StatusSet
			switch letters[i] {
			case 'q', 'y':
				st = StatusOwner
			case 'a':
				st = StatusProtect
			case 'o':
				st = StatusOp
			case 'h':
				st = StatusHalfOp
				d.UsesHalfOps = true
			case 'v':
				st = StatusVoice
			default:
				continue
			}
			d.StatusModes = append(d.StatusModes, StatusMode{letters[i], symbols[i], st})
		}
	} else {
		d.StatusModes = opVoice
	}

	groups := strings.Split(chanmodes, ",")
	if len(groups) < 4 {
		return nil, fmt.Errorf("malformed CHANMODES %q", chanmodes)
	}
	d.BanLike = groups[0]

	known := make(map[byte]ModeSet)
	for _, m := range rfc1459Modes {
		known[m.Letter] = m.Bit
	}
	for _, m := range Charybdis(nil).SimpleModes {
		if _, ok := known[m.Letter]; !ok {
			known[m.Letter] = m.Bit
		}
	}

	// type B modes other than k take a parameter in both directions
	for i := 0; i < len(groups[1]); i++ {
		if c := groups[1][i]; c != 'k' {
			d.ExtModes = append(d.ExtModes, ExtMode{Letter: c, Validate: AnyValue, ParamOnRemove: true})
		}
	}
	for i := 0; i < len(groups[2]); i++ {
		if c := groups[2][i]; c != 'l' {
			d.ExtModes = append(d.ExtModes, ExtMode{Letter: c, Validate: AnyValue})
		}
	}

	// well-known letters keep their usual bits; only those the server
	// advertises are reserved
	letters := []byte(groups[3])
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	used := ModeKey | ModeLimit
	for _, c := range letters {
		used |= known[c]
	}
	next := ModeDialectBase
	for _, c := range letters {
		bit, ok := known[c]
		if !ok {
			for used&next != 0 {
				next <<= 1
			}
			if next == 0 {
				return nil, fmt.Errorf("too many simple modes in CHANMODES %q", chanmodes)
			}
			bit = next
			used |= next
		}
		if bit == ModePermanent && c == 'P' {
			d.PermanentMode = ModePermanent
		}
		d.SimpleModes = append(d.SimpleModes, SimpleMode{c, bit})
	}

	return d, d.Validate()
}

// AnyValue accepts any non-empty value.
func AnyValue(value string, _ *LiveChannel, _ *ChannelPolicy, _ *User, _ EntityID) bool {
	return value != "" && !strings.ContainsAny(value, " ,")
}

// JoinThrottleValidator accepts "joins:seconds", both positive and at most ten
// digits.
func JoinThrottleValidator(value string, _ *LiveChannel, _ *ChannelPolicy, _ *User, _ EntityID) bool {
	joins, secs, ok := strings.Cut(value, ":")
	if !ok || strings.Contains(secs, ":") {
		return false
	}
	return positiveDigits(joins) && positiveDigits(secs)
}

// FloodValidator accepts the "[*]lines:seconds" flood setting.
func FloodValidator(value string, live *LiveChannel, policy *ChannelPolicy, actor *User, account EntityID) bool {
	return JoinThrottleValidator(strings.TrimPrefix(value, "*"), live, policy, actor, account)
}

// ChannelNameValidator accepts a channel name up to 50 bytes.
func ChannelNameValidator(value string, _ *LiveChannel, _ *ChannelPolicy, _ *User, _ EntityID) bool {
	return len(value) > 1 && len(value) <= 50 && value[0] == '#' && !strings.ContainsAny(value, " ,")
}

// ForwardValidator accepts a forward target that exists and is either marked
// as a forward target or controlled by the acting user.
func ForwardValidator(lookup ChannelLookup) ExtValidator {
	return func(value string, live *LiveChannel, policy *ChannelPolicy, actor *User, account EntityID) bool {
		if !ChannelNameValidator(value, live, policy, actor, account) {
			return false
		}
		if lookup == nil || (actor == nil && account == "") {
			return true
		}
		target := lookup.LiveChannel(value)
		targetPolicy := lookup.Policy(value)
		if target == nil && targetPolicy == nil {
			return false
		}
		if target != nil && target.Modes&ModeForwardTarget != 0 {
			return true
		}
		if targetPolicy != nil && targetPolicy.LockOn&ModeForwardTarget != 0 {
			return true
		}
		if actor != nil {
			if target != nil {
				if m := target.Member(actor.Nick); m != nil && m.Status&StatusOp != 0 {
					return true
				}
			}
			if targetPolicy != nil && lookup.EffectiveFlags(targetPolicy, actor)&CapSet != 0 {
				return true
			}
		} else if targetPolicy != nil && lookup.AccountFlags(targetPolicy, account)&CapSet != 0 {
			return true
		}
		return false
	}
}

func positiveDigits(s string) bool {
	if s == "" || len(s) > 10 {
		return false
	}
	nonzero := false
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		if s[i] != '0' {
			nonzero = true
		}
	}
	return nonzero
}
