package uplink

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/lrstanley/girc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presbrey/ircservices/services"
)

type recorder struct {
	lines []string
}

func (r *recorder) Mode(issuer, channel, modes string) error {
	r.lines = append(r.lines, issuer+" MODE "+channel+" "+modes)
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

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLink(t *testing.T) (*Link, *services.Network, *recorder, *services.ManualScheduler) {
	t.Helper()
	rec := &recorder{}
	sched := &services.ManualScheduler{}
	n, err := services.NewNetwork(services.Options{
		DialectName: "charybdis",
		Protocol:    rec,
		Scheduler:   sched,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	_, err = n.AddService("ChanServ", "services", "services.int")
	require.NoError(t, err)

	l := New(Config{Server: "irc.invalid", Port: 6667, Nick: "ChanServ"}, quietLogger())
	return l, n, rec, sched
}

func feed(l *Link, n *services.Network, lines ...string) {
	for _, line := range lines {
		e := girc.ParseEvent(line)
		if e == nil {
			panic("unparsable line " + line)
		}
		l.apply(n, *e)
	}
}

func TestParseISupport(t *testing.T) {
	opts := map[string]string{"EXCEPTS": "e"}
	parseISupport([]string{
		"ChanServ",
		"CHANMODES=eIbq,k,flj,CFLMPQScgimnprstuz",
		"PREFIX=(ov)@+",
		"MODES=4",
		"-EXCEPTS",
		"are supported by this server",
	}, opts)
	assert.Equal(t, map[string]string{
		"CHANMODES": "eIbq,k,flj,CFLMPQScgimnprstuz",
		"PREFIX":    "(ov)@+",
		"MODES":     "4",
	}, opts)

	parseISupport([]string{"ChanServ"}, opts)
	assert.Len(t, opts, 3)
}

func TestSplitPrefixes(t *testing.T) {
	d := services.Charybdis(nil)
	tests := []struct {
		name   string
		status services.StatusSet
		nick   string
	}{
		{"bob", 0, "bob"},
		{"@bob", services.StatusOp, "bob"},
		{"@+bob", services.StatusOp | services.StatusVoice, "bob"},
		{"+", services.StatusVoice, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, nick := splitPrefixes(d, tt.name)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.nick, nick)
		})
	}
}

func TestJoinPartQuit(t *testing.T) {
	l, n, _, _ := newTestLink(t)
	acct, err := n.RegisterEntity("bobacct")
	require.NoError(t, err)

	feed(l, n,
		":alice!~alice@alice.example JOIN #chan",
		":bob!~bob@bob.example JOIN #chan bobacct :Bob",
	)
	ch := n.LiveChannel("#chan")
	require.NotNil(t, ch)
	assert.Equal(t, 2, ch.MemberCount())
	assert.Equal(t, "alice.example", n.User("alice").Host)
	assert.Equal(t, acct.ID, n.User("bob").Account)

	feed(l, n, ":alice!~alice@alice.example PART #chan :bye")
	assert.Nil(t, n.User("alice"), "users sharing no channel are forgotten")
	assert.Equal(t, 1, ch.MemberCount())

	feed(l, n, ":bob!~bob@bob.example QUIT :gone")
	assert.Nil(t, n.User("bob"))
	assert.Nil(t, n.LiveChannel("#chan"))
}

func TestNamesAndWho(t *testing.T) {
	l, n, _, _ := newTestLink(t)
	feed(l, n,
		":irc.example 353 ChanServ = #chan :@ChanServ @+alice bob",
		":irc.example 352 ChanServ #chan ~bob bob.example irc.example bob H :0 Bob",
	)
	ch := n.LiveChannel("#chan")
	require.NotNil(t, ch)
	assert.Equal(t, 3, ch.MemberCount())
	assert.Equal(t, services.StatusOp|services.StatusVoice, ch.Member("alice").Status)
	assert.Zero(t, ch.Member("bob").Status)
	assert.Equal(t, services.StatusOp, ch.Member("ChanServ").Status)
	assert.True(t, ch.Member("ChanServ").User.Service)

	bob := n.User("bob")
	assert.Equal(t, "~bob", bob.Ident)
	assert.Equal(t, "bob.example", bob.Host)
}

func TestUserUpdates(t *testing.T) {
	l, n, _, _ := newTestLink(t)
	acct, err := n.RegisterEntity("alice")
	require.NoError(t, err)

	feed(l, n,
		":alice!~alice@old.example JOIN #chan",
		":alice!~alice@old.example ACCOUNT alice",
	)
	assert.Equal(t, acct.ID, n.User("alice").Account)

	feed(l, n,
		":alice!~alice@old.example CHGHOST ~a new.example",
		":alice!~a@new.example NICK :alicia",
	)
	u := n.User("alicia")
	require.NotNil(t, u)
	assert.Equal(t, "~a", u.Ident)
	assert.Equal(t, "new.example", u.Host)

	feed(l, n, ":alicia!~a@new.example ACCOUNT *")
	assert.Empty(t, u.Account)
}

func TestModeFromNetworkIsReconciled(t *testing.T) {
	l, n, rec, sched := newTestLink(t)
	feed(l, n, ":irc.example 353 ChanServ = #chan :@ChanServ @alice")
	n.LoadPolicy(&services.ChannelPolicy{Name: "#chan", LockOff: services.ModeModerated})

	feed(l, n, ":alice!~alice@alice.example MODE #chan +m")
	sched.RunPending()
	assert.Equal(t, []string{"ChanServ MODE #chan -m"}, rec.lines)
	assert.Zero(t, n.LiveChannel("#chan").Modes&services.ModeModerated)

	rec.lines = nil
	feed(l, n, ":ChanServ!services@services.int MODE #chan +s")
	sched.RunPending()
	assert.Empty(t, rec.lines)
	assert.Zero(t, n.LiveChannel("#chan").Modes&services.ModeSecret, "our own echo is skipped")

	feed(l, n, ":alice!~alice@alice.example MODE alice +i")
	assert.Empty(t, rec.lines)
}

func TestChannelModeReply(t *testing.T) {
	l, n, _, _ := newTestLink(t)
	feed(l, n,
		":irc.example 353 ChanServ = #chan :@ChanServ",
		":irc.example 324 ChanServ #chan +ntl 10",
	)
	ch := n.LiveChannel("#chan")
	require.NotNil(t, ch)
	assert.Equal(t, services.ModeNoExternal|services.ModeTopic|services.ModeLimit, ch.Modes)
	assert.EqualValues(t, 10, ch.Limit)
}

func TestSelfKickForgetsChannel(t *testing.T) {
	l, n, _, _ := newTestLink(t)
	feed(l, n,
		":irc.example 353 ChanServ = #chan :@ChanServ alice",
		":irc.example 353 ChanServ = #other :@ChanServ alice",
		":alice!~alice@alice.example KICK #chan ChanServ :out",
	)
	assert.Nil(t, n.LiveChannel("#chan"))
	require.NotNil(t, n.User("alice"), "alice is still seen in #other")
	assert.NotNil(t, n.User("ChanServ"))

	feed(l, n, ":alice!~alice@alice.example KICK #other ChanServ :out")
	assert.Nil(t, n.LiveChannel("#other"))
	assert.Nil(t, n.User("alice"))
}

func TestForget(t *testing.T) {
	l, n, _, _ := newTestLink(t)
	feed(l, n,
		":irc.example 353 ChanServ = #a :@ChanServ alice bob",
		":irc.example 353 ChanServ = #b :carol",
	)
	l.forget(n)
	assert.Empty(t, n.Channels())
	assert.Nil(t, n.User("alice"))
	assert.Nil(t, n.User("carol"))
	assert.NotNil(t, n.User("ChanServ"))
}

func TestUnknownUsersAreLogged(t *testing.T) {
	l, n, _, _ := newTestLink(t)
	var buf bytes.Buffer
	l.log = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	feed(l, n,
		":irc.example 353 ChanServ = #a :@ChanServ alice",
		":ghost!g@ghost.example QUIT :gone",
		":ghost!g@ghost.example PART #a",
	)
	out := buf.String()
	assert.Contains(t, out, "quit for unknown user")
	assert.Contains(t, out, "part ignored")
	assert.Contains(t, out, "nick=ghost")
	assert.Equal(t, 2, n.LiveChannel("#a").MemberCount())
}

func TestDispatchRunsOnLoop(t *testing.T) {
	l, n, _, _ := newTestLink(t)
	e := girc.ParseEvent(":alice!~alice@alice.example JOIN #chan")
	require.NotNil(t, e)
	l.dispatch(*e)

	loop := services.NewLoop(quietLogger(), 8)
	l.Attach(n, loop)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	l.dispatch(*e)
	var members int
	require.NoError(t, loop.Do(ctx, func() {
		if ch := n.LiveChannel("#chan"); ch != nil {
			members = ch.MemberCount()
		}
	}))
	assert.Equal(t, 1, members)
}

func TestProtocolWithoutConnection(t *testing.T) {
	l, _, _, _ := newTestLink(t)
	assert.Equal(t, "ChanServ", l.Nick())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Dialect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
