package services

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// User is a client seen on the network.
type User struct {
	Nick  string
	Ident string
	Host  string
	// VHost is the host shown to other users, CHost the cloak and IP the
	// address, each empty when unknown.
	VHost string
	CHost string
	IP    string
	// Account is the logged-in account entity, if any.
	Account EntityID
	// Service is set for identities controlled by this daemon.
	Service bool
	// Channels holds the folded names of channels the user is in.
	Channels map[string]struct{}
}

// Hosts returns every nick!user@host representation of u, without
// duplicates.
func (u *User) Hosts() []string {
	out := make([]string, 0, 4)
	for _, h := range []string{u.Host, u.VHost, u.IP, u.CHost} {
		if h == "" {
			continue
		}
		mask := FormatHostmask(u.Nick, u.Ident, h)
		if !slices.Contains(out, mask) {
			out = append(out, mask)
		}
	}
	return out
}

// Member is a user's presence in a channel.
type Member struct {
	User   *User
	Status StatusSet
}

// Ban is an entry of one of the channel's list modes.
type Ban struct {
	Mask string
	Type byte
	Set  time.Time
}

// LiveChannel mirrors the current state of a channel as seen on the wire.
type LiveChannel struct {
	Name string
	// TS is the channel creation timestamp; the lower value wins when two
	// sides of a split disagree.
	TS     int64
	Modes  ModeSet
	Limit  uint32
	Key    string
	Ext    map[byte]string
	Bans   []Ban
	Policy *ChannelPolicy

	members []*Member
}

// NewLiveChannel creates an empty channel.
func NewLiveChannel(name string, ts int64) *LiveChannel {
	return &LiveChannel{
		Name: name,
		TS:   ts,
		Ext:  make(map[byte]string),
	}
}

// Members returns the members in join order.
func (c *LiveChannel) Members() []*Member {
	return c.members
}

// MemberCount returns the number of members.
func (c *LiveChannel) MemberCount() int {
	return len(c.members)
}

// Member finds a member by nick.
func (c *LiveChannel) Member(nick string) *Member {
	for _, m := range c.members {
		if CaseEqual(m.User.Nick, nick) {
			return m
		}
	}
	return nil
}

// AddMember adds u, or returns the existing membership.
func (c *LiveChannel) AddMember(u *User, status StatusSet) *Member {
	if m := c.Member(u.Nick); m != nil {
		return m
	}
	m := &Member{User: u, Status: status}
	c.members = append(c.members, m)
	if u.Channels == nil {
		u.Channels = make(map[string]struct{})
	}
	u.Channels[Fold(c.Name)] = struct{}{}
	return m
}

// RemoveMember removes u and reports whether it was present.
func (c *LiveChannel) RemoveMember(u *User) bool {
	for i, m := range c.members {
		if m.User == u {
			c.members = slices.Delete(c.members, i, i+1)
			delete(u.Channels, Fold(c.Name))
			return true
		}
	}
	return false
}

// AddBan records a list mode entry unless it is already present.
func (c *LiveChannel) AddBan(mask string, typ byte, at time.Time) {
	if c.FindBan(mask, typ) >= 0 {
		return
	}
	c.Bans = append(c.Bans, Ban{Mask: mask, Type: typ, Set: at})
}

// FindBan returns the index of a list entry, or -1.
func (c *LiveChannel) FindBan(mask string, typ byte) int {
	for i, b := range c.Bans {
		if b.Type == typ && strings.EqualFold(b.Mask, mask) {
			return i
		}
	}
	return -1
}

// RemoveBan deletes a list entry and reports whether it was present.
func (c *LiveChannel) RemoveBan(mask string, typ byte) bool {
	i := c.FindBan(mask, typ)
	if i < 0 {
		return false
	}
	c.Bans = slices.Delete(c.Bans, i, i+1)
	return true
}

func (c *LiveChannel) setKey(key string) {
	c.Key = key
	if key != "" {
		c.Modes |= ModeKey
	} else {
		c.Modes &^= ModeKey
	}
}

func (c *LiveChannel) setLimit(limit uint32) {
	c.Limit = limit
	if limit != 0 {
		c.Modes |= ModeLimit
	} else {
		c.Modes &^= ModeLimit
	}
}

func (c *LiveChannel) setExt(letter byte, value string) {
	if c.Ext == nil {
		c.Ext = make(map[byte]string)
	}
	c.Ext[letter] = value
}

// ClearStatus drops every member's status bits.
func (c *LiveChannel) ClearStatus() {
	for _, m := range c.members {
		m.Status = 0
	}
}

// ClearSimpleModes forgets every simple mode, the limit, the key and all
// extension values.
func (c *LiveChannel) ClearSimpleModes() {
	c.Modes = 0
	c.Limit = 0
	c.Key = ""
	clear(c.Ext)
}

// ModeString renders the channel's modes, with parameters when withParams is
// set, e.g. "+ntlk 10 secret".
func (c *LiveChannel) ModeString(d *Dialect, withParams bool) string {
	var modes strings.Builder
	var params []string

	modes.WriteByte('+')
	modes.WriteString(d.ModeLetters(c.Modes))
	if c.Limit != 0 {
		modes.WriteByte('l')
		params = append(params, strconv.FormatUint(uint64(c.Limit), 10))
	}
	if c.Key != "" {
		modes.WriteByte('k')
		params = append(params, c.Key)
	}
	for _, m := range d.ExtModes {
		if v, ok := c.Ext[m.Letter]; ok {
			modes.WriteByte(m.Letter)
			params = append(params, v)
		}
	}

	if withParams && len(params) > 0 {
		return modes.String() + " " + strings.Join(params, " ")
	}
	return modes.String()
}
