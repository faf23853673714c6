package services

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadMLock is returned for malformed mode lock strings.
var ErrBadMLock = errors.New("invalid mode lock")

// Mode lock limits
const (
	MaxKeyLen      = 23
	MaxExtValueLen = 350
)

// MLock is a parsed mode lock.
type MLock struct {
	On    ModeSet
	Off   ModeSet
	Limit uint32
	Key   string
	Ext   []ExtLock
}

// MLockRequest carries the context an extension validator needs while a lock
// is parsed.
type MLockRequest struct {
	Policy  *ChannelPolicy
	Actor   *User
	Account EntityID
}

// ParseMLock parses a lock such as "+ntk-s key" or "+l-i 50". Characters before
// the first sign are ignored, as are letters the dialect does not know.
func ParseMLock(d *Dialect, s string, req MLockRequest) (MLock, error) {
	var m MLock
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return m, nil
	}
	letters, args := fields[0], fields[1:]
	nextArg := func() (string, bool) {
		if len(args) == 0 {
			return "", false
		}
		a := args[0]
		args = args[1:]
		return a, true
	}

	ext := make(map[byte]*ExtLock)
	adding, signed := true, false

	for i := 0; i < len(letters); i++ {
		c := letters[i]
		if c != '+' && c != '-' && !signed {
			continue
		}
		switch c {
		case '+':
			adding, signed = true, true
		case '-':
			adding, signed = false, true
		case 'k':
			if !adding {
				m.Key = ""
				m.Off |= ModeKey
				continue
			}
			key, ok := nextArg()
			if !ok {
				return m, fmt.Errorf("%w: a value is required for +k", ErrBadMLock)
			}
			if len(key) > MaxKeyLen {
				return m, fmt.Errorf("%w: key is too long (%d > %d)", ErrBadMLock, len(key), MaxKeyLen)
			}
			if strings.ContainsRune(key, ',') || key[0] == ':' {
				return m, fmt.Errorf("%w: key contains invalid characters", ErrBadMLock)
			}
			m.Key = key
			m.Off &^= ModeKey
		case 'l':
			if !adding {
				m.Limit = 0
				m.Off |= ModeLimit
				continue
			}
			arg, ok := nextArg()
			if !ok {
				return m, fmt.Errorf("%w: a value is required for +l", ErrBadMLock)
			}
			n, err := strconv.ParseUint(arg, 10, 32)
			if err != nil || n == 0 {
				return m, fmt.Errorf("%w: limit must be a positive integer", ErrBadMLock)
			}
			m.Limit = uint32(n)
			m.Off &^= ModeLimit
		default:
			if bit, ok := d.ModeBit(c); ok {
				if adding {
					m.On |= bit
					m.Off &^= bit
				} else {
					m.Off |= bit
					m.On &^= bit
				}
				continue
			}
			idx := d.ExtIndex(c)
			if idx < 0 {
				continue
			}
			if !adding {
				ext[c] = &ExtLock{Letter: c}
				continue
			}
			arg, ok := nextArg()
			if !ok {
				return m, fmt.Errorf("%w: a value is required for +%c", ErrBadMLock, c)
			}
			if len(arg) > MaxExtValueLen {
				return m, fmt.Errorf("%w: invalid value %q for +%c", ErrBadMLock, arg, c)
			}
			var live *LiveChannel
			if req.Policy != nil {
				live = req.Policy.Live
			}
			unchanged := live != nil && live.Ext[c] == arg
			if !unchanged && !d.ExtModes[idx].Validate(arg, live, req.Policy, req.Actor, req.Account) {
				return m, fmt.Errorf("%w: invalid value %q for +%c", ErrBadMLock, arg, c)
			}
			ext[c] = &ExtLock{Letter: c, Value: arg}
		}
	}

	for _, em := range d.ExtModes {
		if e, ok := ext[em.Letter]; ok {
			m.Ext = append(m.Ext, *e)
		}
	}
	return m, nil
}

// SetMLock stores m on the policy, leaving the bits in keep and, when
// keepExt is set, the extension locks untouched. It returns the simple bits
// whose lock state changed.
func (p *ChannelPolicy) SetMLock(m MLock, keep ModeSet, keepExt bool) ModeSet {
	changed := ((m.On ^ p.LockOn) | (m.Off ^ p.LockOff)) &^ keep

	p.LockOn = (m.On &^ keep) | (p.LockOn & keep)
	p.LockOff = (m.Off &^ keep) | (p.LockOff & keep)
	if keep&ModeLimit == 0 {
		p.LockLimit = m.Limit
	}
	if keep&ModeKey == 0 {
		p.LockKey = m.Key
	}
	if !keepExt {
		p.LockExt = append([]ExtLock(nil), m.Ext...)
	}
	return changed
}

// MLockString renders the policy's lock, e.g. "+ntkl-s" or "" when unlocked.
func (p *ChannelPolicy) MLockString(d *Dialect) string {
	var plus, minus strings.Builder
	plus.WriteString(d.ModeLetters(p.LockOn))
	if p.LockKey != "" {
		plus.WriteByte('k')
	}
	if p.LockLimit != 0 {
		plus.WriteByte('l')
	}
	minus.WriteString(d.ModeLetters(p.LockOff))
	if p.LockOff&ModeKey != 0 {
		minus.WriteByte('k')
	}
	if p.LockOff&ModeLimit != 0 {
		minus.WriteByte('l')
	}
	for _, e := range p.LockExt {
		if e.Value != "" {
			plus.WriteByte(e.Letter)
		} else {
			minus.WriteByte(e.Letter)
		}
	}

	var out strings.Builder
	if plus.Len() > 0 {
		out.WriteByte('+')
		out.WriteString(plus.String())
	}
	if minus.Len() > 0 {
		out.WriteByte('-')
		out.WriteString(minus.String())
	}
	return out.String()
}

// MLockParams renders the lock with its parameters, in the form ParseMLock
// accepts.
func (p *ChannelPolicy) MLockParams(d *Dialect) string {
	var params []string
	if p.LockKey != "" {
		params = append(params, p.LockKey)
	}
	if p.LockLimit != 0 {
		params = append(params, strconv.FormatUint(uint64(p.LockLimit), 10))
	}
	for _, e := range p.LockExt {
		if e.Value != "" {
			params = append(params, e.Value)
		}
	}
	return strings.TrimSpace(strings.Join(append([]string{p.MLockString(d)}, params...), " "))
}
