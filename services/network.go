// Package services implements the channel core of an IRC services daemon:
// access ledgers, mode locks reconciled against live channel state, and the
// batching of corrective mode changes onto the wire.
package services

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Network errors
var (
	ErrNoSuchUser        = errors.New("no such user")
	ErrNoSuchChannel     = errors.New("no such channel")
	ErrNickInUse         = errors.New("nickname in use")
	ErrNotRegistered     = errors.New("channel is not registered")
	ErrAlreadyRegistered = errors.New("channel is already registered")
	ErrNoSuchEntity      = errors.New("no such account")
	ErrEntityExists      = errors.New("account already exists")
	ErrBadChannelName    = errors.New("invalid channel name")
)

// Entity is an account that access entries can refer to.
type Entity struct {
	ID         EntityID
	Name       string
	Registered time.Time
}

// Directory resolves what the ledger needs to know about a user.
type Directory interface {
	AccountOf(u *User) EntityID
	HostsOf(u *User) []string
}

// Options configure a Network.
type Options struct {
	// Dialect overrides DialectName when set.
	Dialect     *Dialect
	DialectName string
	Protocol    Protocol
	// Scheduler runs deferred mode flushes; usually the Loop.
	Scheduler Scheduler
	Logger    *slog.Logger
	Metrics   *Metrics
	// MaxEntries caps access entries per channel.
	MaxEntries int
	// Directory defaults to the network's own user tracking.
	Directory Directory
}

// Network tracks users, live channels and registered channel policies, and
// owns the ledger and mode stack acting on them. It is not safe for
// concurrent use; run it on a Loop.
type Network struct {
	Dialect *Dialect
	Ledger  *Ledger
	Stack   *ModeStack
	Hooks   *Hooks
	Now     func() time.Time

	log      *slog.Logger
	proto    Protocol
	dir      Directory
	metrics  *Metrics
	chanserv string
	services []*User

	users    map[string]*User
	channels map[string]*LiveChannel
	policies map[string]*ChannelPolicy
	entities map[EntityID]*Entity
	accounts map[string]EntityID
}

// NewNetwork builds a network from opts.
func NewNetwork(opts Options) (*Network, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Protocol == nil {
		return nil, errors.New("a protocol is required")
	}

	n := &Network{
		Now:      time.Now,
		log:      logger.With("component", "network"),
		proto:    opts.Protocol,
		metrics:  opts.Metrics,
		users:    make(map[string]*User),
		channels: make(map[string]*LiveChannel),
		policies: make(map[string]*ChannelPolicy),
		entities: make(map[EntityID]*Entity),
		accounts: make(map[string]EntityID),
	}

	n.Dialect = opts.Dialect
	if n.Dialect == nil {
		d, err := DialectByName(opts.DialectName, n)
		if err != nil {
			return nil, err
		}
		n.Dialect = d
	} else if err := n.Dialect.Validate(); err != nil {
		return nil, err
	}

	n.dir = opts.Directory
	if n.dir == nil {
		n.dir = n
	}

	n.Hooks = NewHooks(logger)
	n.Ledger = NewLedger(logger, opts.MaxEntries)
	n.Ledger.OnChange = func(e AccessEntry) {
		n.metrics.ledgerChange(e)
		n.Hooks.AccessChanged.Run(e)
	}

	n.Stack = NewModeStack(n.Dialect, opts.Protocol, opts.Scheduler, logger)
	n.Stack.IsLocal = n.IsService
	n.Stack.OnFlush = func(issuer, channel, modes string) {
		n.metrics.modeSent(issuer)
	}
	return n, nil
}

// ChanServ returns the nick corrections are sent from, or "" before any
// service identity exists.
func (n *Network) ChanServ() string {
	return n.chanserv
}

// AddService introduces a service identity. The first one becomes the
// channel services identity.
func (n *Network) AddService(nick, ident, host string) (*User, error) {
	u, err := n.AddUser(&User{Nick: nick, Ident: ident, Host: host, Service: true})
	if err != nil {
		return nil, err
	}
	n.services = append(n.services, u)
	if n.chanserv == "" {
		n.chanserv = u.Nick
	}
	return u, nil
}

// Services returns the service identities in creation order.
func (n *Network) Services() []*User {
	return n.services
}

// IsService reports whether nick belongs to a service identity.
func (n *Network) IsService(nick string) bool {
	u := n.User(nick)
	return u != nil && u.Service
}

// AddUser starts tracking a user.
func (n *Network) AddUser(u *User) (*User, error) {
	key := Fold(u.Nick)
	if _, ok := n.users[key]; ok {
		return nil, fmt.Errorf("%s: %w", u.Nick, ErrNickInUse)
	}
	if u.Channels == nil {
		u.Channels = make(map[string]struct{})
	}
	n.users[key] = u
	n.metrics.setCounts(len(n.channels), len(n.users))
	return u, nil
}

// User finds a user by nick.
func (n *Network) User(nick string) *User {
	return n.users[Fold(nick)]
}

// RenameUser handles a nick change.
func (n *Network) RenameUser(oldNick, newNick string) error {
	u := n.User(oldNick)
	if u == nil {
		return fmt.Errorf("%s: %w", oldNick, ErrNoSuchUser)
	}
	if other := n.User(newNick); other != nil && other != u {
		return fmt.Errorf("%s: %w", newNick, ErrNickInUse)
	}
	delete(n.users, Fold(oldNick))
	u.Nick = newNick
	n.users[Fold(newNick)] = u
	if u.Service && CaseEqual(n.chanserv, oldNick) {
		n.chanserv = newNick
	}
	return nil
}

// QuitUser removes a user from every channel and forgets it.
func (n *Network) QuitUser(nick string) error {
	u := n.User(nick)
	if u == nil {
		return fmt.Errorf("%s: %w", nick, ErrNoSuchUser)
	}
	for name := range u.Channels {
		if ch := n.channels[name]; ch != nil {
			n.leave(ch, u)
		}
	}
	delete(n.users, Fold(nick))
	if u.Service {
		n.services = slices.DeleteFunc(n.services, func(s *User) bool { return s == u })
		if CaseEqual(n.chanserv, nick) {
			n.chanserv = ""
			if len(n.services) > 0 {
				n.chanserv = n.services[0].Nick
			}
		}
	}
	n.metrics.setCounts(len(n.channels), len(n.users))
	return nil
}

// AccountOf implements Directory.
func (n *Network) AccountOf(u *User) EntityID {
	return u.Account
}

// HostsOf implements Directory.
func (n *Network) HostsOf(u *User) []string {
	return u.Hosts()
}

func (n *Network) identity(u *User) Identity {
	return Identity{Entity: n.dir.AccountOf(u), Hosts: n.dir.HostsOf(u)}
}

// RegisterEntity creates an account entity with a fresh identifier.
func (n *Network) RegisterEntity(name string) (*Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("empty account name: %w", ErrNoSuchEntity)
	}
	if _, ok := n.accounts[strings.ToLower(name)]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrEntityExists)
	}
	e := &Entity{ID: EntityID(uuid.NewString()), Name: name, Registered: n.Now()}
	n.LoadEntity(*e)
	n.Hooks.EntityRegistered.Run(*e)
	return n.entities[e.ID], nil
}

// LoadEntity adds a known entity, e.g. one read from storage.
func (n *Network) LoadEntity(e Entity) {
	n.entities[e.ID] = &e
	n.accounts[strings.ToLower(e.Name)] = e.ID
}

// Entity returns an entity by id.
func (n *Network) Entity(id EntityID) *Entity {
	return n.entities[id]
}

// EntityByName returns an entity by account name.
func (n *Network) EntityByName(name string) *Entity {
	if id, ok := n.accounts[strings.ToLower(name)]; ok {
		return n.entities[id]
	}
	return nil
}

// DropEntity removes an entity, its access entries and logs out its users.
func (n *Network) DropEntity(id EntityID) error {
	e := n.entities[id]
	if e == nil {
		return fmt.Errorf("%s: %w", id, ErrNoSuchEntity)
	}
	n.Ledger.DropEntity(id)
	for _, u := range n.users {
		if u.Account == id {
			u.Account = ""
		}
	}
	delete(n.accounts, strings.ToLower(e.Name))
	delete(n.entities, id)
	n.Hooks.EntityDropped.Run(id)
	return nil
}

// Login associates a user with an entity.
func (n *Network) Login(nick string, id EntityID) error {
	u := n.User(nick)
	if u == nil {
		return fmt.Errorf("%s: %w", nick, ErrNoSuchUser)
	}
	if n.entities[id] == nil {
		return fmt.Errorf("%s: %w", id, ErrNoSuchEntity)
	}
	u.Account = id
	return nil
}

// Logout clears a user's account.
func (n *Network) Logout(nick string) error {
	u := n.User(nick)
	if u == nil {
		return fmt.Errorf("%s: %w", nick, ErrNoSuchUser)
	}
	u.Account = ""
	return nil
}

// LiveChannel implements ChannelLookup.
func (n *Network) LiveChannel(name string) *LiveChannel {
	return n.channels[Fold(name)]
}

// Policy implements ChannelLookup.
func (n *Network) Policy(name string) *ChannelPolicy {
	return n.policies[Fold(name)]
}

// EffectiveFlags implements ChannelLookup.
func (n *Network) EffectiveFlags(p *ChannelPolicy, u *User) CapabilitySet {
	if p == nil || u == nil {
		return 0
	}
	return n.Ledger.EffectiveFlags(p.Name, n.identity(u))
}

// AccountFlags implements ChannelLookup. Only the entity entry counts.
func (n *Network) AccountFlags(p *ChannelPolicy, id EntityID) CapabilitySet {
	if p == nil || id == "" {
		return 0
	}
	if e := n.Ledger.Find(p.Name, EntitySubject(id), 0); e != nil {
		return e.Level
	}
	return 0
}

// Channels returns the live channels sorted by name.
func (n *Network) Channels() []*LiveChannel {
	out := make([]*LiveChannel, 0, len(n.channels))
	for _, ch := range n.channels {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b *LiveChannel) int { return strings.Compare(Fold(a.Name), Fold(b.Name)) })
	return out
}

// Policies returns the registered channels sorted by name.
func (n *Network) Policies() []*ChannelPolicy {
	out := make([]*ChannelPolicy, 0, len(n.policies))
	for _, p := range n.policies {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *ChannelPolicy) int { return strings.Compare(Fold(a.Name), Fold(b.Name)) })
	return out
}

func validChannelName(name string) bool {
	return len(name) > 1 && len(name) <= 200 && strings.ContainsAny(name[:1], "#&") &&
		!strings.ContainsAny(name, " ,\a")
}

func (n *Network) createChannel(name string, ts int64) *LiveChannel {
	ch := NewLiveChannel(name, ts)
	n.channels[Fold(name)] = ch
	n.metrics.setCounts(len(n.channels), len(n.users))
	if p := n.Policy(name); p != nil {
		p.Live = ch
		ch.Policy = p
		p.LastUsed = n.Now()
	}
	n.log.Debug("channel created", "channel", name, "ts", ts)
	return ch
}

func (n *Network) destroyChannel(ch *LiveChannel) {
	n.Stack.FinalizeChannelDestroy(ch)
	if ch.Policy != nil {
		ch.Policy.Live = nil
		ch.Policy = nil
	}
	for _, m := range ch.Members() {
		delete(m.User.Channels, Fold(ch.Name))
	}
	delete(n.channels, Fold(ch.Name))
	n.metrics.setCounts(len(n.channels), len(n.users))
	n.log.Debug("channel destroyed", "channel", ch.Name)
}

// Join adds a user to a channel, creating it with ts when it does not exist.
// A newly created registered channel is checked against its mode lock.
func (n *Network) Join(nick, channel string, ts int64, status StatusSet) (*LiveChannel, error) {
	u := n.User(nick)
	if u == nil {
		return nil, fmt.Errorf("%s: %w", nick, ErrNoSuchUser)
	}
	if !validChannelName(channel) {
		return nil, fmt.Errorf("%q: %w", channel, ErrBadChannelName)
	}
	ch := n.LiveChannel(channel)
	created := ch == nil
	if created {
		if ts == 0 {
			ts = n.Now().Unix()
		}
		ch = n.createChannel(channel, ts)
	}
	ch.AddMember(u, status)
	if created && ch.Policy != nil && n.chanserv != "" {
		n.CheckModes(ch.Policy, true)
	}
	return ch, nil
}

// Part removes a user from a channel. An emptied channel is destroyed unless
// it carries the dialect's permanent mode.
func (n *Network) Part(nick, channel string) error {
	u := n.User(nick)
	if u == nil {
		return fmt.Errorf("%s: %w", nick, ErrNoSuchUser)
	}
	ch := n.LiveChannel(channel)
	if ch == nil {
		return fmt.Errorf("%s: %w", channel, ErrNoSuchChannel)
	}
	n.leave(ch, u)
	return nil
}

func (n *Network) leave(ch *LiveChannel, u *User) {
	ch.RemoveMember(u)
	n.reap(ch)
}

// reap destroys ch if it is empty and not permanent.
func (n *Network) reap(ch *LiveChannel) bool {
	if ch.MemberCount() > 0 {
		return false
	}
	if perm := n.Dialect.PermanentMode; perm != 0 && ch.Modes&perm != 0 {
		return false
	}
	n.destroyChannel(ch)
	return true
}

// BurstMember is a member announced with a channel burst.
type BurstMember struct {
	Nick   string
	Status StatusSet
}

// SyncChannel merges a channel burst. A lower ts wins: local modes, bans and
// statuses are cleared, our identities rejoin with op and the policy is
// marked for a recheck. A higher ts keeps local modes and drops the incoming
// ones together with the announced statuses.
func (n *Network) SyncChannel(name string, ts int64, modes []string, members []BurstMember) (*LiveChannel, error) {
	if !validChannelName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrBadChannelName)
	}
	ch := n.LiveChannel(name)
	if ch == nil {
		ch = n.createChannel(name, ts)
	}

	keepNew := true
	switch {
	case ts == 0 || ch.TS == 0:
		ch.TS = 0
	case ts < ch.TS:
		ch.ClearSimpleModes()
		ch.Bans = nil
		for _, m := range ch.Members() {
			if m.User.Service {
				if err := n.proto.Part(m.User.Nick, ch.Name); err != nil {
					n.log.Error("part failed", "channel", ch.Name, "nick", m.User.Nick, "error", err)
				}
				if err := n.proto.Join(m.User.Nick, ch.Name, "+"); err != nil {
					n.log.Error("join failed", "channel", ch.Name, "nick", m.User.Nick, "error", err)
				}
				m.Status = StatusOp
			} else {
				m.Status = 0
			}
		}
		n.log.Debug("channel ts lowered", "channel", ch.Name, "old", ch.TS, "new", ts)
		ch.TS = ts
		if ch.Policy != nil {
			ch.Policy.Flags |= PolicyRecreated | PolicyMLockCheck
		}
	case ts > ch.TS:
		keepNew = false
	}

	if keepNew {
		n.ChannelMode(nil, ch, modes)
	}
	for _, bm := range members {
		u := n.User(bm.Nick)
		if u == nil {
			n.log.Debug("burst member unknown", "channel", ch.Name, "nick", bm.Nick)
			n.metrics.desync()
			continue
		}
		status := bm.Status
		if !keepNew {
			status = 0
		}
		m := ch.AddMember(u, status)
		m.Status |= status
	}
	if p := ch.Policy; p != nil && p.Flags&PolicyMLockCheck != 0 && n.chanserv != "" {
		n.CheckModes(p, true)
	}
	if n.reap(ch) {
		return nil, nil
	}
	return ch, nil
}

// RegisterChannel creates a policy for channel with founder as its founder.
func (n *Network) RegisterChannel(channel string, founder EntityID) (*ChannelPolicy, error) {
	if !validChannelName(channel) {
		return nil, fmt.Errorf("%q: %w", channel, ErrBadChannelName)
	}
	if n.Policy(channel) != nil {
		return nil, fmt.Errorf("%s: %w", channel, ErrAlreadyRegistered)
	}
	if n.entities[founder] == nil {
		return nil, fmt.Errorf("%s: %w", founder, ErrNoSuchEntity)
	}
	name := channel
	if ch := n.LiveChannel(channel); ch != nil {
		name = ch.Name
	}
	p := NewChannelPolicy(name, n.Now())
	if _, err := n.Ledger.Add(name, EntitySubject(founder), LevelFounder, n.Now(), founder); err != nil {
		return nil, err
	}
	n.LoadPolicy(p)
	n.log.Info("channel registered", "channel", name, "founder", string(founder))
	n.Hooks.PolicyChanged.Run(p)
	if p.Live != nil && n.chanserv != "" {
		n.CheckModes(p, true)
	}
	return p, nil
}

// LoadPolicy installs an existing policy and links it to its live channel.
func (n *Network) LoadPolicy(p *ChannelPolicy) {
	n.policies[Fold(p.Name)] = p
	if ch := n.LiveChannel(p.Name); ch != nil {
		p.Live = ch
		ch.Policy = p
	}
}

// DropChannel removes a registration and its access entries.
func (n *Network) DropChannel(channel string) error {
	p := n.Policy(channel)
	if p == nil {
		return fmt.Errorf("%s: %w", channel, ErrNotRegistered)
	}
	n.Ledger.DropChannel(p.Name)
	if p.Live != nil {
		p.Live.Policy = nil
		p.Live = nil
	}
	delete(n.policies, Fold(p.Name))
	n.log.Info("channel dropped", "channel", p.Name)
	n.Hooks.PolicyDropped.Run(p.Name)
	return nil
}

// SetMLock parses and stores a mode lock for a registered channel and applies
// it. Oper-only modes are kept as they were unless oper is set.
func (n *Network) SetMLock(channel, lock string, actor *User, account EntityID, oper bool) (*ChannelPolicy, error) {
	p := n.Policy(channel)
	if p == nil {
		return nil, fmt.Errorf("%s: %w", channel, ErrNotRegistered)
	}
	m, err := ParseMLock(n.Dialect, lock, MLockRequest{Policy: p, Actor: actor, Account: account})
	if err != nil {
		return nil, err
	}
	var keep ModeSet
	if !oper {
		keep = n.Dialect.OperOnlyModes
	}
	p.SetMLock(m, keep, false)
	n.Hooks.PolicyChanged.Run(p)
	if n.chanserv != "" {
		n.CheckModes(p, true)
	}
	return p, nil
}

// SetPolicyFlags adds and removes behaviour flags of a registered channel.
func (n *Network) SetPolicyFlags(channel string, set, unset PolicyFlag) (*ChannelPolicy, error) {
	p := n.Policy(channel)
	if p == nil {
		return nil, fmt.Errorf("%s: %w", channel, ErrNotRegistered)
	}
	set &^= policyInternal
	unset &^= policyInternal
	p.Flags = (p.Flags | set) &^ unset
	n.Hooks.PolicyChanged.Run(p)
	return p, nil
}

// ChangeAccess applies a flag string such as "+oO" to subject's entry on
// channel, limited to what actor may grant. An empty actor acts with full
// authority.
func (n *Network) ChangeAccess(channel string, actor EntityID, subject Subject, flags string) (CapabilitySet, CapabilitySet, error) {
	p := n.Policy(channel)
	if p == nil {
		return 0, 0, fmt.Errorf("%s: %w", channel, ErrNotRegistered)
	}
	if !subject.IsEntity() && !ValidHostmask(subject.Mask) {
		return 0, 0, fmt.Errorf("%q: %w", subject.Mask, ErrInvalidSubject)
	}
	restrict := CapAll
	if actor != "" {
		theirs := n.AccountFlags(p, actor)
		switch {
		case theirs&CapFounder != 0:
		case theirs&CapFlags != 0:
			restrict = AllowFlags(p.Flags, theirs)
		default:
			return 0, 0, fmt.Errorf("%s on %s lacks +f: %w", actor, p.Name, ErrPrivilegeEscalation)
		}
	}
	add, remove := ParseFlagChange(flags)
	return n.Ledger.Change(p.Name, subject, add, remove, restrict, actor)
}
