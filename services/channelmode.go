package services

import "strconv"

// ChannelMode applies a mode change to ch. tokens holds the mode letters
// followed by their parameters. With a nil issuer the change came from the
// network: unauthorised status grants on secure channels are reverted, our own
// identities are reopped, and the mode lock is re-checked. With an issuer the
// change is applied and queued for sending under the issuer's nick.
func (n *Network) ChannelMode(issuer *User, ch *LiveChannel, tokens []string) {
	if ch == nil || len(tokens) == 0 || tokens[0] == "" {
		return
	}
	// a bare "0" in a burst means no modes
	if tokens[0][0] == '0' {
		return
	}

	var src string
	if issuer != nil {
		src = issuer.Nick
	}
	d := n.Dialect
	letters := tokens[0]
	parpos := 0
	nextParam := func() (string, bool) {
		parpos++
		if parpos >= len(tokens) {
			return "", false
		}
		return tokens[parpos], true
	}
	missing := func(dir Direction, c byte) {
		n.log.Debug("mode parameter missing", "channel", ch.Name, "mode", string([]byte{dir.sign(), c}))
		n.metrics.desync()
	}

	dir := DirAdd
	changed := false
	var firstDeopped *User

	for i := 0; i < len(letters); i++ {
		c := letters[i]
		switch c {
		case '+':
			dir = DirAdd
			continue
		case '-':
			dir = DirDel
			continue
		}

		if bit, ok := d.SimpleBit(c); ok {
			if dir == DirAdd {
				changed = changed || ch.Modes&bit == 0
				ch.Modes |= bit
			} else {
				changed = changed || ch.Modes&bit != 0
				ch.Modes &^= bit
			}
			if issuer != nil {
				n.Stack.AddSimple(src, ch, dir, bit)
			}
			continue
		}

		if idx := d.ExtIndex(c); idx >= 0 {
			if dir == DirAdd {
				value, ok := nextParam()
				if !ok {
					missing(dir, c)
					continue
				}
				if issuer != nil && !d.ExtModes[idx].Validate(value, ch, ch.Policy, issuer, issuer.Account) {
					n.log.Debug("extension mode value rejected", "channel", ch.Name, "mode", string(c), "value", value)
					continue
				}
				if cur, has := ch.Ext[c]; !has || cur != value {
					changed = true
				}
				ch.setExt(c, value)
				if issuer != nil {
					n.Stack.AddExtension(src, ch, DirAdd, c, value)
				}
			} else {
				old, has := ch.Ext[c]
				if d.ExtModes[idx].ParamOnRemove {
					value, ok := nextParam()
					if !ok {
						missing(dir, c)
						continue
					}
					old = value
				}
				if has {
					changed = true
					delete(ch.Ext, c)
				}
				if issuer != nil {
					n.Stack.AddExtension(src, ch, DirDel, c, old)
				}
			}
			continue
		}

		switch {
		case c == 'l':
			if dir == DirAdd {
				arg, ok := nextParam()
				if !ok {
					missing(dir, c)
					continue
				}
				limit, err := strconv.ParseUint(arg, 10, 32)
				if err != nil {
					n.log.Debug("bad limit", "channel", ch.Name, "value", arg)
					n.metrics.desync()
					continue
				}
				changed = changed || ch.Limit != uint32(limit)
				ch.setLimit(uint32(limit))
				if issuer != nil {
					n.Stack.AddLimit(src, ch, DirAdd, ch.Limit)
				}
			} else {
				changed = changed || ch.Limit != 0
				ch.setLimit(0)
				if issuer != nil {
					n.Stack.AddLimit(src, ch, DirDel, 0)
				}
			}
			continue

		case c == 'k':
			if dir == DirAdd {
				key, ok := nextParam()
				if !ok {
					missing(dir, c)
					continue
				}
				changed = changed || ch.Key != key
				ch.setKey(key)
				if issuer != nil {
					n.Stack.AddParam(src, ch, DirAdd, 'k', key)
				}
			} else {
				changed = changed || ch.Key != ""
				if issuer != nil {
					old := ch.Key
					if old == "" {
						old = d.KeyRemovalParam
					}
					n.Stack.AddParam(src, ch, DirDel, 'k', old)
				}
				ch.setKey("")
				// -k carries the old key or a placeholder
				parpos++
			}
			continue

		case d.IsBanLike(c):
			mask, ok := nextParam()
			if !ok {
				missing(dir, c)
				continue
			}
			if dir == DirAdd {
				ch.AddBan(mask, c, n.Now())
			} else {
				ch.RemoveBan(mask, c)
			}
			if issuer != nil {
				n.Stack.AddParam(src, ch, dir, c, mask)
			}
			continue
		}

		if sm, ok := d.Status(c); ok {
			target, ok := nextParam()
			if !ok {
				missing(dir, c)
				continue
			}
			var m *Member
			if u := n.User(target); u != nil {
				m = ch.Member(u.Nick)
			}
			if m == nil {
				n.log.Error("status change for non-member", "channel", ch.Name, "mode", string([]byte{dir.sign(), c}), "target", target)
				n.metrics.desync()
				continue
			}

			if dir == DirAdd {
				m.Status |= sm.Status
				if issuer != nil {
					n.Stack.AddParam(src, ch, DirAdd, c, m.User.Nick)
				}
				if issuer == nil {
					n.bounce(ch, m, sm)
				}
				continue
			}

			if m.User.Service && sm.Status == StatusOp {
				if issuer == nil {
					n.reopService(ch, m.User, &firstDeopped)
				}
				continue
			}
			if issuer != nil {
				n.Stack.AddParam(src, ch, DirDel, c, m.User.Nick)
			}
			m.Status &^= sm.Status
			continue
		}

		n.log.Debug("mode not matched", "channel", ch.Name, "mode", string(c))
		n.metrics.desync()
	}

	if issuer == nil && n.chanserv != "" {
		if p := ch.Policy; p != nil && (changed || p.Flags&PolicyMLockCheck != 0) {
			n.CheckModes(p, true)
		}
	}
}

// bounce reverts a status grant the member is not entitled to on a secure
// channel.
func (n *Network) bounce(ch *LiveChannel, m *Member, sm StatusMode) {
	p := ch.Policy
	if m.User.Service || n.chanserv == "" || p == nil || !p.Secure() {
		return
	}
	var need CapabilitySet
	switch {
	case sm.Status == StatusOp:
		need = CapOp | CapAutoOp
	case sm.Status == StatusHalfOp && n.Dialect.UsesHalfOps:
		need = CapHalfOp | CapAutoHalfOp
	default:
		return
	}
	if n.EffectiveFlags(p, m.User)&need != 0 {
		return
	}
	n.log.Debug("reverting unauthorised status", "channel", ch.Name, "mode", string(sm.Letter), "target", m.User.Nick)
	n.Stack.AddParam(n.chanserv, ch, DirDel, sm.Letter, m.User.Nick)
	m.Status &^= sm.Status
	n.metrics.bounce(sm.Letter)
}

// reopService restores op for a deopped service identity. The first victim
// in a mode change rejoins, or is reopped by another identity when it is
// alone; later victims are reopped by the first.
func (n *Network) reopService(ch *LiveChannel, victim *User, first **User) {
	n.metrics.reop()
	if *first == nil {
		*first = victim
		if ch.MemberCount() > 1 {
			n.log.Debug("service deopped, rejoining", "channel", ch.Name, "nick", victim.Nick)
			if err := n.proto.Part(victim.Nick, ch.Name); err != nil {
				n.log.Error("part failed", "channel", ch.Name, "nick", victim.Nick, "error", err)
			}
			if err := n.proto.Join(victim.Nick, ch.Name, ch.ModeString(n.Dialect, true)); err != nil {
				n.log.Error("join failed", "channel", ch.Name, "nick", victim.Nick, "error", err)
			}
			return
		}
		n.log.Debug("service deopped, opping from another service", "channel", ch.Name, "nick", victim.Nick)
		for _, svc := range n.services {
			if svc != victim {
				n.Stack.AddParam(svc.Nick, ch, DirAdd, 'o', victim.Nick)
				return
			}
		}
		return
	}
	if *first != victim {
		n.log.Debug("service deopped, opping", "channel", ch.Name, "nick", victim.Nick, "by", (*first).Nick)
		n.Stack.AddParam((*first).Nick, ch, DirAdd, 'o', victim.Nick)
	}
}
