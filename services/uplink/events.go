package uplink

import (
	"slices"
	"strings"

	"github.com/lrstanley/girc"

	"github.com/presbrey/ircservices/services"
)

// apply mirrors one server event into n. It runs on the loop.
func (l *Link) apply(n *services.Network, e girc.Event) {
	switch e.Command {
	case girc.JOIN:
		l.onJoin(n, e)
	case girc.PART:
		if len(e.Params) > 0 && e.Source != nil {
			l.leave(n, e.Source.Name, e.Params[0])
		}
	case girc.KICK:
		if len(e.Params) > 1 {
			l.leave(n, e.Params[1], e.Params[0])
		}
	case girc.QUIT:
		if e.Source != nil {
			if err := n.QuitUser(e.Source.Name); err != nil {
				l.log.Debug("quit for unknown user", "nick", e.Source.Name, "error", err)
			}
		}
	case girc.NICK:
		if e.Source != nil && len(e.Params) > 0 {
			if err := n.RenameUser(e.Source.Name, e.Last()); err != nil {
				l.log.Debug("nick change for unknown user", "nick", e.Source.Name, "error", err)
			}
		}
	case girc.MODE:
		l.onMode(n, e)
	case "ACCOUNT":
		if e.Source != nil && len(e.Params) > 0 {
			l.login(n, e.Source.Name, e.Params[0])
		}
	case "CHGHOST":
		if e.Source != nil && len(e.Params) > 1 {
			if u := n.User(e.Source.Name); u != nil {
				u.Ident, u.Host = e.Params[0], e.Params[1]
			}
		}
	case girc.RPL_NAMREPLY:
		l.onNames(n, e)
	case girc.RPL_WHOREPLY:
		// <me> <channel> <user> <host> <server> <nick> <flags> :<hops> <real>
		if len(e.Params) > 5 {
			if u := l.ensureUser(n, e.Params[5], e.Params[2], e.Params[3]); u != nil {
				u.Ident, u.Host = e.Params[2], e.Params[3]
			}
		}
	case girc.RPL_CHANNELMODEIS:
		// <me> <channel> <modes> [params...]
		if len(e.Params) > 2 {
			n.ChannelMode(nil, n.LiveChannel(e.Params[1]), e.Params[2:])
		}
	}
}

func (l *Link) isSelf(nick string) bool {
	return strings.EqualFold(nick, l.Nick())
}

// ensureUser returns the tracked user for nick, adding it when unknown.
func (l *Link) ensureUser(n *services.Network, nick, ident, host string) *services.User {
	if u := n.User(nick); u != nil {
		return u
	}
	u, err := n.AddUser(&services.User{Nick: nick, Ident: ident, Host: host})
	if err != nil {
		l.log.Debug("user not tracked", "nick", nick, "error", err)
		return nil
	}
	return u
}

func (l *Link) onJoin(n *services.Network, e girc.Event) {
	if e.Source == nil || len(e.Params) == 0 {
		return
	}
	channel := e.Params[0]
	if l.ensureUser(n, e.Source.Name, e.Source.Ident, e.Source.Host) == nil {
		return
	}
	if _, err := n.Join(e.Source.Name, channel, 0, 0); err != nil {
		l.log.Debug("join ignored", "channel", channel, "nick", e.Source.Name, "error", err)
		return
	}
	// extended-join carries the account name
	if len(e.Params) > 1 {
		l.login(n, e.Source.Name, e.Params[1])
	}
	if l.isSelf(e.Source.Name) {
		if err := l.client.Cmd.SendRawf("WHO %s", channel); err != nil {
			l.log.Error("who query failed", "channel", channel, "error", err)
		}
		if err := l.client.Cmd.SendRawf("MODE %s", channel); err != nil {
			l.log.Error("mode query failed", "channel", channel, "error", err)
		}
	}
}

// leave handles a part or kick. When the link itself leaves, everything known
// about the channel goes with it.
func (l *Link) leave(n *services.Network, nick, channel string) {
	ch := n.LiveChannel(channel)
	if ch == nil {
		return
	}
	if !l.isSelf(nick) {
		if err := n.Part(nick, ch.Name); err != nil {
			l.log.Debug("part ignored", "channel", ch.Name, "nick", nick, "error", err)
		}
		l.dropIfUnseen(n, nick)
		return
	}
	for _, m := range slices.Clone(ch.Members()) {
		nick := m.User.Nick
		if err := n.Part(nick, ch.Name); err != nil {
			l.log.Debug("part ignored", "channel", ch.Name, "nick", nick, "error", err)
		}
		l.dropIfUnseen(n, nick)
	}
}

// dropIfUnseen forgets a user that shares no channel with the link.
func (l *Link) dropIfUnseen(n *services.Network, nick string) {
	if u := n.User(nick); u != nil && !u.Service && len(u.Channels) == 0 {
		if err := n.QuitUser(nick); err != nil {
			l.log.Debug("user not dropped", "nick", nick, "error", err)
		}
	}
}

func (l *Link) onMode(n *services.Network, e girc.Event) {
	if len(e.Params) < 2 || !girc.IsValidChannel(e.Params[0]) {
		return
	}
	// our own changes were applied when they were queued
	if e.Source != nil && l.isSelf(e.Source.Name) {
		return
	}
	n.ChannelMode(nil, n.LiveChannel(e.Params[0]), e.Params[1:])
}

func (l *Link) onNames(n *services.Network, e girc.Event) {
	// <me> <symbol> <channel> :<names>
	if len(e.Params) < 4 {
		return
	}
	channel := e.Params[2]
	for _, name := range strings.Fields(e.Last()) {
		status, rest := splitPrefixes(n.Dialect, name)
		nick, ident, host := rest, "", ""
		// userhost-in-names
		if i := strings.IndexByte(rest, '!'); i >= 0 {
			nick = rest[:i]
			ident, host, _ = strings.Cut(rest[i+1:], "@")
		}
		if l.ensureUser(n, nick, ident, host) == nil {
			continue
		}
		ch, err := n.Join(nick, channel, 0, status)
		if err != nil || ch == nil {
			continue
		}
		if m := ch.Member(nick); m != nil {
			m.Status |= status
		}
	}
}

// splitPrefixes strips status prefixes such as @ and + from a NAMES entry.
func splitPrefixes(d *services.Dialect, name string) (services.StatusSet, string) {
	var status services.StatusSet
	for len(name) > 0 {
		found := false
		for _, sm := range d.StatusModes {
			if sm.Prefix == name[0] {
				status |= sm.Status
				found = true
				break
			}
		}
		if !found {
			break
		}
		name = name[1:]
	}
	return status, name
}

// login maps an account name to an entity. "*" or an unknown account logs
// the user out.
func (l *Link) login(n *services.Network, nick, account string) {
	if n.User(nick) == nil {
		return
	}
	if e := n.EntityByName(account); account != "*" && e != nil {
		if err := n.Login(nick, e.ID); err != nil {
			l.log.Debug("login ignored", "nick", nick, "account", account, "error", err)
		}
		return
	}
	if err := n.Logout(nick); err != nil {
		l.log.Debug("logout ignored", "nick", nick, "error", err)
	}
}

// forget drops every user and channel after the connection is lost; the next
// connect rebuilds them from JOIN and NAMES.
func (l *Link) forget(n *services.Network) {
	for _, ch := range n.Channels() {
		for _, m := range slices.Clone(ch.Members()) {
			if m.User.Service {
				if err := n.Part(m.User.Nick, ch.Name); err != nil {
					l.log.Debug("service part ignored", "channel", ch.Name, "nick", m.User.Nick, "error", err)
				}
			}
		}
	}
	for _, ch := range n.Channels() {
		for _, m := range slices.Clone(ch.Members()) {
			if err := n.QuitUser(m.User.Nick); err != nil {
				l.log.Debug("user not dropped", "nick", m.User.Nick, "error", err)
			}
		}
	}
}
