package services

// CheckModes brings the policy's live channel in line with its mode lock.
// When applyNow is set each correction is also queued on the mode stack from
// the channel services identity. A second call without intervening live
// changes queues nothing.
func (n *Network) CheckModes(p *ChannelPolicy, applyNow bool) {
	if p == nil || p.Live == nil {
		return
	}
	ch := p.Live
	src := n.ChanServ()
	p.Flags &^= PolicyMLockCheck

	// locked on
	missing := p.LockOn &^ ch.Modes &^ (ModeKey | ModeLimit)
	if missing != 0 {
		if applyNow {
			n.Stack.AddSimple(src, ch, DirAdd, missing)
		}
		ch.Modes |= missing
		n.metrics.correction("simple")
	}

	if p.LockLimit != 0 && p.LockLimit != ch.Limit {
		ch.setLimit(p.LockLimit)
		if applyNow {
			n.Stack.AddLimit(src, ch, DirAdd, p.LockLimit)
		}
		n.metrics.correction("limit")
	}

	if p.LockKey != "" {
		if ch.Key != "" && ch.Key != p.LockKey {
			if applyNow {
				n.Stack.AddParam(src, ch, DirDel, 'k', ch.Key)
			}
			ch.setKey("")
		}
		if ch.Key == "" {
			ch.setKey(p.LockKey)
			if applyNow {
				n.Stack.AddParam(src, ch, DirAdd, 'k', p.LockKey)
			}
			n.metrics.correction("key")
		}
	}

	// locked off
	extra := ch.Modes & p.LockOff &^ (ModeKey | ModeLimit)
	if extra != 0 {
		if applyNow {
			n.Stack.AddSimple(src, ch, DirDel, extra)
		}
		ch.Modes &^= extra
		n.metrics.correction("simple")
	}

	if ch.Limit != 0 && p.LockOff&ModeLimit != 0 {
		if applyNow {
			n.Stack.AddLimit(src, ch, DirDel, 0)
		}
		ch.setLimit(0)
		n.metrics.correction("limit")
	}

	if ch.Key != "" && p.LockOff&ModeKey != 0 {
		if applyNow {
			n.Stack.AddParam(src, ch, DirDel, 'k', ch.Key)
		}
		ch.setKey("")
		n.metrics.correction("key")
	}

	for _, lock := range p.LockExt {
		idx := n.Dialect.ExtIndex(lock.Letter)
		if idx < 0 {
			continue
		}
		cur, has := ch.Ext[lock.Letter]
		if lock.Value == "" {
			if has {
				delete(ch.Ext, lock.Letter)
				if applyNow {
					n.Stack.AddExtension(src, ch, DirDel, lock.Letter, cur)
				}
				n.metrics.correction("ext")
			}
			continue
		}
		if (has && cur == lock.Value) || !n.Dialect.ExtModes[idx].Validate(lock.Value, ch, p, nil, "") {
			continue
		}
		ch.setExt(lock.Letter, lock.Value)
		if applyNow {
			n.Stack.AddExtension(src, ch, DirAdd, lock.Letter, lock.Value)
		}
		n.metrics.correction("ext")
	}
}
