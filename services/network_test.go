package services

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Protocol that keeps every command it is asked to send.
type recorder struct {
	lines []string
	modes []string
}

func (r *recorder) Mode(issuer, channel, modes string) error {
	r.lines = append(r.lines, issuer+" MODE "+channel+" "+modes)
	r.modes = append(r.modes, modes)
	return nil
}

func (r *recorder) Join(issuer, channel, modes string) error {
	r.lines = append(r.lines, issuer+" JOIN "+channel+" "+modes)
	return nil
}

func (r *recorder) Part(issuer, channel string) error {
	r.lines = append(r.lines, issuer+" PART "+channel)
	return nil
}

func (r *recorder) reset() {
	r.lines = nil
	r.modes = nil
}

var testNow = time.Unix(1700000000, 0)

func newTestNetwork(t *testing.T, d *Dialect) (*Network, *recorder, *ManualScheduler) {
	t.Helper()
	rec := &recorder{}
	sched := &ManualScheduler{}
	n, err := NewNetwork(Options{
		Dialect:   d,
		Protocol:  rec,
		Scheduler: sched,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	n.Now = func() time.Time { return testNow }
	n.Ledger.Now = n.Now

	_, err = n.AddService("ChanServ", "services", "services.int")
	require.NoError(t, err)
	return n, rec, sched
}

func addUser(t *testing.T, n *Network, nick, host string) *User {
	t.Helper()
	u, err := n.AddUser(&User{Nick: nick, Ident: "~" + nick, Host: host})
	require.NoError(t, err)
	return u
}

// newLockedChannel creates #chan with alice in it and a policy linked to it,
// without running any reconciliation.
func newLockedChannel(t *testing.T, n *Network) (*LiveChannel, *ChannelPolicy) {
	t.Helper()
	addUser(t, n, "alice", "alice.example.com")
	ch, err := n.Join("alice", "#chan", 1000, StatusOp)
	require.NoError(t, err)
	p := &ChannelPolicy{Name: "#chan", Registered: testNow}
	n.LoadPolicy(p)
	require.Same(t, ch, p.Live)
	require.Same(t, p, ch.Policy)
	return ch, p
}

func TestNewNetworkDialect(t *testing.T) {
	n, err := NewNetwork(Options{DialectName: "charybdis", Protocol: &recorder{}, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, "charybdis", n.Dialect.Name)

	_, err = NewNetwork(Options{DialectName: "nope", Protocol: &recorder{}})
	assert.Error(t, err)

	_, err = NewNetwork(Options{})
	assert.Error(t, err)
}

func TestScenarioLockedModesAreSet(t *testing.T) {
	n, rec, sched := newTestNetwork(t, RFC1459())
	ch, p := newLockedChannel(t, n)
	p.LockOn = ModeNoExternal | ModeTopic

	n.CheckModes(p, true)
	assert.Empty(t, rec.lines, "nothing is sent before the deferred flush")
	assert.Equal(t, 1, sched.RunPending())

	assert.Equal(t, []string{"ChanServ MODE #chan +nt"}, rec.lines)
	assert.Equal(t, ModeNoExternal|ModeTopic, ch.Modes)
}

func TestScenarioWrongKeyIsReplaced(t *testing.T) {
	n, rec, sched := newTestNetwork(t, RFC1459())
	addUser(t, n, "alice", "alice.example.com")
	ch, err := n.Join("alice", "#chan", 1000, StatusOp)
	require.NoError(t, err)
	n.ChannelMode(nil, ch, []string{"+k", "xyz"})
	require.Equal(t, "xyz", ch.Key)

	p := &ChannelPolicy{Name: "#chan", LockKey: "abc"}
	n.LoadPolicy(p)
	n.CheckModes(p, true)
	sched.RunPending()

	assert.Equal(t, []string{
		"ChanServ MODE #chan -k xyz",
		"ChanServ MODE #chan +k abc",
	}, rec.lines)
	assert.Equal(t, "abc", ch.Key)
	assert.NotZero(t, ch.Modes&ModeKey)
}

func TestScenarioSecureBounce(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, n *Network, bob *User)
		bounced bool
	}{
		{"no access", func(t *testing.T, n *Network, bob *User) {}, true},
		{"voice only", func(t *testing.T, n *Network, bob *User) {
			_, err := n.Ledger.Add("#chan", MaskSubject("*!*@bob.example.com"), CapVoice, testNow, "")
			require.NoError(t, err)
		}, true},
		{"op by account", func(t *testing.T, n *Network, bob *User) {
			e, err := n.RegisterEntity("bob")
			require.NoError(t, err)
			require.NoError(t, n.Login("bob", e.ID))
			_, err = n.Ledger.Add("#chan", EntitySubject(e.ID), CapOp, testNow, "")
			require.NoError(t, err)
		}, false},
		{"autoop by mask", func(t *testing.T, n *Network, bob *User) {
			_, err := n.Ledger.Add("#chan", MaskSubject("bob!*@*.example.com"), CapAutoOp, testNow, "")
			require.NoError(t, err)
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, rec, sched := newTestNetwork(t, RFC1459())
			ch, p := newLockedChannel(t, n)
			p.Flags |= PolicySecure
			bob := addUser(t, n, "bob", "bob.example.com")
			_, err := n.Join("bob", "#chan", 0, 0)
			require.NoError(t, err)
			tt.setup(t, n, bob)

			n.ChannelMode(nil, ch, []string{"+o", "bob"})
			sched.RunPending()

			m := ch.Member("bob")
			require.NotNil(t, m)
			if tt.bounced {
				assert.Zero(t, m.Status&StatusOp)
				assert.Equal(t, []string{"ChanServ MODE #chan -o bob"}, rec.lines)
			} else {
				assert.NotZero(t, m.Status&StatusOp)
				assert.Empty(t, rec.lines)
			}
		})
	}
}

func TestSecureBounceHalfOps(t *testing.T) {
	n, rec, sched := newTestNetwork(t, InspIRCd())
	ch, p := newLockedChannel(t, n)
	p.Flags |= PolicySecure
	addUser(t, n, "bob", "bob.example.com")
	_, err := n.Join("bob", "#chan", 0, 0)
	require.NoError(t, err)

	n.ChannelMode(nil, ch, []string{"+hv", "bob", "bob"})
	sched.RunPending()

	assert.Equal(t, StatusVoice, ch.Member("bob").Status)
	assert.Equal(t, []string{"ChanServ MODE #chan -h bob"}, rec.lines)
}

func TestBounceNeedsSecure(t *testing.T) {
	n, rec, sched := newTestNetwork(t, RFC1459())
	ch, _ := newLockedChannel(t, n)
	addUser(t, n, "bob", "bob.example.com")
	_, err := n.Join("bob", "#chan", 0, 0)
	require.NoError(t, err)

	n.ChannelMode(nil, ch, []string{"+o", "bob"})
	sched.RunPending()

	assert.Equal(t, StatusOp, ch.Member("bob").Status)
	assert.Empty(t, rec.lines)
}

func TestScenarioScratchAccessSendsNothing(t *testing.T) {
	n, rec, sched := newTestNetwork(t, RFC1459())
	ch, p := newLockedChannel(t, n)
	p.Flags |= PolicySecure
	bob := addUser(t, n, "bob", "bob.example.com")
	_, err := n.Join("bob", "#chan", 0, 0)
	require.NoError(t, err)
	account, err := n.RegisterEntity("bob")
	require.NoError(t, err)
	require.NoError(t, n.Login("bob", account.ID))

	_, err = n.Ledger.Add("#chan", EntitySubject(account.ID), CapOp, testNow, "")
	require.NoError(t, err)
	assert.Equal(t, CapOp, n.EffectiveFlags(p, bob))
	_, remove, err := n.Ledger.Change("#chan", EntitySubject(account.ID), 0, CapOp, CapAll, "")
	require.NoError(t, err)
	assert.Equal(t, CapOp, remove)

	assert.Zero(t, sched.Pending(), "granting and revoking queues no mode change")
	sched.RunPending()
	assert.Empty(t, rec.lines)
	assert.Zero(t, ch.Member("bob").Status)
	assert.Nil(t, n.Ledger.Find("#chan", EntitySubject(account.ID), 0))

	// the revoked grant no longer covers an op from the network
	n.ChannelMode(nil, ch, []string{"+o", "bob"})
	sched.RunPending()
	assert.Equal(t, []string{"ChanServ MODE #chan -o bob"}, rec.lines)
}

func TestRegisterChannel(t *testing.T) {
	n, rec, sched := newTestNetwork(t, RFC1459())
	addUser(t, n, "alice", "alice.example.com")
	ch, err := n.Join("alice", "#Chan", 1000, StatusOp)
	require.NoError(t, err)
	founder, err := n.RegisterEntity("alice")
	require.NoError(t, err)

	var changed []string
	n.Hooks.PolicyChanged.Register(func(p *ChannelPolicy) error {
		changed = append(changed, p.Name)
		return nil
	})

	p, err := n.RegisterChannel("#chan", founder.ID)
	require.NoError(t, err)
	assert.Equal(t, "#Chan", p.Name)
	assert.Same(t, ch, p.Live)
	assert.Equal(t, []string{"#Chan"}, changed)
	assert.Equal(t, LevelFounder|CapFlags, n.AccountFlags(p, founder.ID))

	sched.RunPending()
	assert.Equal(t, []string{"ChanServ MODE #Chan +nt"}, rec.lines)

	_, err = n.RegisterChannel("#CHAN", founder.ID)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	_, err = n.RegisterChannel("#new", "missing")
	assert.ErrorIs(t, err, ErrNoSuchEntity)
	_, err = n.RegisterChannel("nochan", founder.ID)
	assert.ErrorIs(t, err, ErrBadChannelName)

	require.NoError(t, n.DropChannel("#chan"))
	assert.Nil(t, ch.Policy)
	assert.Empty(t, n.Ledger.Entries("#chan"))
	assert.ErrorIs(t, n.DropChannel("#chan"), ErrNotRegistered)
}

func TestJoinCreatesAndChecks(t *testing.T) {
	n, rec, sched := newTestNetwork(t, RFC1459())
	founder, err := n.RegisterEntity("alice")
	require.NoError(t, err)
	p, err := n.RegisterChannel("#chan", founder.ID)
	require.NoError(t, err)
	p.LockOff = ModeSecret
	p.LockLimit = 20
	sched.RunPending()
	require.Empty(t, rec.lines)

	addUser(t, n, "alice", "alice.example.com")
	ch, err := n.Join("alice", "#chan", 1000, StatusOp)
	require.NoError(t, err)
	assert.Same(t, ch, p.Live)
	sched.RunPending()

	assert.Equal(t, []string{"ChanServ MODE #chan +ntl 20"}, rec.lines)
	assert.Equal(t, uint32(20), ch.Limit)
}

func TestPartDestroysChannel(t *testing.T) {
	n, _, _ := newTestNetwork(t, Charybdis(nil))
	ch, p := newLockedChannel(t, n)
	addUser(t, n, "bob", "bob.example.com")
	_, err := n.Join("bob", "#chan", 0, 0)
	require.NoError(t, err)

	require.NoError(t, n.Part("alice", "#chan"))
	assert.NotNil(t, n.LiveChannel("#chan"))

	require.NoError(t, n.QuitUser("bob"))
	assert.Nil(t, n.LiveChannel("#chan"))
	assert.Nil(t, p.Live)
	assert.Nil(t, ch.Policy)
	assert.Nil(t, n.User("bob"))

	// permanent channels survive being emptied
	addUser(t, n, "carol", "carol.example.com")
	perm, err := n.Join("carol", "#perm", 0, StatusOp)
	require.NoError(t, err)
	perm.Modes |= ModePermanent
	require.NoError(t, n.Part("carol", "#perm"))
	assert.Same(t, perm, n.LiveChannel("#perm"))
	assert.Zero(t, perm.MemberCount())

	assert.ErrorIs(t, n.Part("carol", "#missing"), ErrNoSuchChannel)
	assert.ErrorIs(t, n.Part("nobody", "#perm"), ErrNoSuchUser)
}

func TestRenameUser(t *testing.T) {
	n, _, _ := newTestNetwork(t, RFC1459())
	addUser(t, n, "alice", "a.example.com")
	addUser(t, n, "bob", "b.example.com")

	assert.ErrorIs(t, n.RenameUser("alice", "BOB"), ErrNickInUse)
	require.NoError(t, n.RenameUser("alice", "Alice[away]"))
	assert.NotNil(t, n.User("alice{away}"))
	assert.Nil(t, n.User("alice"))

	require.NoError(t, n.RenameUser("ChanServ", "CS"))
	assert.Equal(t, "CS", n.ChanServ())
	assert.True(t, n.IsService("cs"))
}

func TestEntities(t *testing.T) {
	n, _, _ := newTestNetwork(t, RFC1459())
	var seen []string
	n.Hooks.EntityRegistered.Register(func(e Entity) error {
		seen = append(seen, e.Name)
		return nil
	})

	e, err := n.RegisterEntity("Alice")
	require.NoError(t, err)
	assert.Len(t, string(e.ID), 36)
	assert.Equal(t, []string{"Alice"}, seen)
	assert.Same(t, e, n.EntityByName("alice"))

	_, err = n.RegisterEntity("ALICE")
	assert.ErrorIs(t, err, ErrEntityExists)

	addUser(t, n, "alice", "a.example.com")
	require.NoError(t, n.Login("alice", e.ID))
	assert.ErrorIs(t, n.Login("alice", "missing"), ErrNoSuchEntity)

	_, err = n.Ledger.Add("#chan", EntitySubject(e.ID), CapVoice, testNow, "")
	require.NoError(t, err)
	require.NoError(t, n.DropEntity(e.ID))
	assert.Empty(t, n.Ledger.EntityEntries(e.ID))
	assert.Empty(t, n.User("alice").Account)
	assert.Nil(t, n.EntityByName("alice"))
	assert.ErrorIs(t, n.DropEntity(e.ID), ErrNoSuchEntity)
}

func TestChangeAccess(t *testing.T) {
	n, _, _ := newTestNetwork(t, RFC1459())
	founder, err := n.RegisterEntity("founder")
	require.NoError(t, err)
	op, err := n.RegisterEntity("op")
	require.NoError(t, err)
	helper, err := n.RegisterEntity("helper")
	require.NoError(t, err)
	p, err := n.RegisterChannel("#chan", founder.ID)
	require.NoError(t, err)

	add, _, err := n.ChangeAccess("#chan", founder.ID, EntitySubject(op.ID), "+votf")
	require.NoError(t, err)
	assert.Equal(t, CapVoice|CapOp|CapTopic|CapFlags, add)

	// a +f holder may hand out what they have
	add, _, err = n.ChangeAccess("#chan", op.ID, EntitySubject(helper.ID), "+vV")
	require.NoError(t, err)
	assert.Equal(t, CapVoice|CapAutoVoice, add)

	_, _, err = n.ChangeAccess("#chan", op.ID, EntitySubject(helper.ID), "+s")
	assert.ErrorIs(t, err, ErrPrivilegeEscalation)

	// but not touch the founder
	_, _, err = n.ChangeAccess("#chan", op.ID, EntitySubject(founder.ID), "-o")
	assert.ErrorIs(t, err, ErrPrivilegeEscalation)

	// and someone without +f may do nothing
	_, _, err = n.ChangeAccess("#chan", helper.ID, EntitySubject(helper.ID), "+o")
	assert.ErrorIs(t, err, ErrPrivilegeEscalation)

	// limitflags strips +f from holders without other high privileges
	p.Flags |= PolicyLimitFlags
	_, _, err = n.ChangeAccess("#chan", op.ID, MaskSubject("*!*@friend.example"), "+v")
	assert.ErrorIs(t, err, ErrPrivilegeEscalation)

	_, _, err = n.ChangeAccess("#chan", "", MaskSubject("not a mask"), "+v")
	assert.ErrorIs(t, err, ErrInvalidSubject)
	_, _, err = n.ChangeAccess("#nope", "", EntitySubject(op.ID), "+v")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestSetMLock(t *testing.T) {
	n, rec, sched := newTestNetwork(t, Charybdis(nil))
	ch, _ := newLockedChannel(t, n)
	_, err := n.SetMLock("#chan", "+ntk-s secret", nil, "", false)
	require.NoError(t, err)
	sched.RunPending()

	assert.Equal(t, []string{"ChanServ MODE #chan +ntk secret"}, rec.lines)
	assert.Equal(t, "secret", ch.Key)

	// oper-only modes keep their old lock unless set by staff
	p, err := n.SetMLock("#chan", "+P", nil, "", false)
	require.NoError(t, err)
	assert.Zero(t, p.LockOn&ModePermanent)
	p, err = n.SetMLock("#chan", "+P", nil, "", true)
	require.NoError(t, err)
	assert.NotZero(t, p.LockOn&ModePermanent)

	_, err = n.SetMLock("#chan", "+l", nil, "", false)
	assert.ErrorIs(t, err, ErrBadMLock)
	_, err = n.SetMLock("#none", "+n", nil, "", false)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestSetPolicyFlags(t *testing.T) {
	n, _, _ := newTestNetwork(t, RFC1459())
	founder, err := n.RegisterEntity("founder")
	require.NoError(t, err)
	_, err = n.RegisterChannel("#chan", founder.ID)
	require.NoError(t, err)

	p, err := n.SetPolicyFlags("#chan", PolicySecure|PolicyMLockCheck, 0)
	require.NoError(t, err)
	assert.True(t, p.Secure())
	assert.Zero(t, p.Flags&PolicyMLockCheck)

	p, err = n.SetPolicyFlags("#chan", 0, PolicySecure)
	require.NoError(t, err)
	assert.False(t, p.Secure())
}

func TestSyncChannel(t *testing.T) {
	n, rec, sched := newTestNetwork(t, RFC1459())
	addUser(t, n, "alice", "a.example.com")
	addUser(t, n, "bob", "b.example.com")
	ch, err := n.Join("ChanServ", "#chan", 2000, StatusOp)
	require.NoError(t, err)
	_, err = n.Join("alice", "#chan", 0, StatusOp)
	require.NoError(t, err)
	n.ChannelMode(nil, ch, []string{"+mk", "key"})
	ch.AddBan("*!*@bad", 'b', testNow)

	t.Run("higher ts loses", func(t *testing.T) {
		_, err := n.SyncChannel("#chan", 3000, []string{"+s"}, []BurstMember{{Nick: "bob", Status: StatusOp}})
		require.NoError(t, err)
		assert.Equal(t, int64(2000), ch.TS)
		assert.Zero(t, ch.Modes&ModeSecret)
		assert.Equal(t, StatusSet(0), ch.Member("bob").Status)
		assert.Empty(t, rec.lines)
	})

	t.Run("lower ts wins", func(t *testing.T) {
		p := &ChannelPolicy{Name: "#chan", LockOn: ModeTopic}
		n.LoadPolicy(p)
		_, err := n.SyncChannel("#chan", 1000, []string{"+i"}, nil)
		require.NoError(t, err)
		sched.RunPending()

		assert.Equal(t, int64(1000), ch.TS)
		assert.Equal(t, ModeInvite|ModeTopic, ch.Modes)
		assert.Empty(t, ch.Key)
		assert.Empty(t, ch.Bans)
		assert.Equal(t, StatusOp, ch.Member("ChanServ").Status)
		assert.Zero(t, ch.Member("alice").Status)
		assert.NotZero(t, p.Flags&PolicyRecreated)
		assert.Equal(t, []string{
			"ChanServ PART #chan",
			"ChanServ JOIN #chan +",
			"ChanServ MODE #chan +t",
		}, rec.lines)
	})

	t.Run("new channel", func(t *testing.T) {
		c, err := n.SyncChannel("#fresh", 500, []string{"+nt"}, []BurstMember{{Nick: "bob", Status: StatusVoice}})
		require.NoError(t, err)
		assert.Equal(t, ModeNoExternal|ModeTopic, c.Modes)
		assert.Equal(t, StatusVoice, c.Member("bob").Status)

		c, err = n.SyncChannel("#empty", 500, []string{"+nt"}, nil)
		require.NoError(t, err)
		assert.Nil(t, c)
		assert.Nil(t, n.LiveChannel("#empty"))
	})
}

func TestNetworkMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	rec := &recorder{}
	sched := &ManualScheduler{}
	n, err := NewNetwork(Options{Dialect: RFC1459(), Protocol: rec, Scheduler: sched, Logger: quietLogger(), Metrics: m})
	require.NoError(t, err)
	_, err = n.AddService("ChanServ", "s", "services.int")
	require.NoError(t, err)
	ch, p := newLockedChannel(t, n)
	p.LockOn = ModeNoExternal
	p.Flags |= PolicySecure

	addUser(t, n, "bob", "b.example.com")
	_, err = n.Join("bob", "#chan", 0, 0)
	require.NoError(t, err)
	n.ChannelMode(nil, ch, []string{"+moX", "bob"})
	sched.RunPending()
	require.Equal(t, []string{"ChanServ MODE #chan +n-o bob"}, rec.lines)

	assert.Equal(t, 1.0, metricValue(t, reg, "services_secure_bounces_total", map[string]string{"mode": "o"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "services_mode_desync_total", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "services_mlock_corrections_total", map[string]string{"kind": "simple"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "services_modes_sent_total", map[string]string{"issuer": "ChanServ"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "services_channels", nil))
	assert.Equal(t, 3.0, metricValue(t, reg, "services_users", nil))
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}
