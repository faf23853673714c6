package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/presbrey/ircservices/services"
)

var testNow = time.Unix(1700000000, 0).UTC()

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conns := NewConnections()
	t.Cleanup(func() { conns.CloseAll() })
	db, err := conns.Open("sqlite", memoryDSN())
	require.NoError(t, err)
	s, err := New(db, quietLogger())
	require.NoError(t, err)
	return s
}

func newNetwork(t *testing.T) *services.Network {
	t.Helper()
	n, err := services.NewNetwork(services.Options{
		DialectName: "charybdis",
		Protocol:    services.LineProtocol{W: io.Discard},
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	n.Now = func() time.Time { return testNow }
	n.Ledger.Now = n.Now
	return n
}

func count[T any](t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(new(T)).Count(&n).Error)
	return n
}

func TestConnections(t *testing.T) {
	conns := NewConnections()
	dsn := memoryDSN()

	db, err := conns.Open("sqlite", dsn)
	require.NoError(t, err)
	again, err := conns.Open("", dsn)
	require.NoError(t, err)
	assert.Same(t, db, again, "sqlite is the default driver")
	assert.Same(t, db, conns.Get("sqlite", dsn))

	require.NoError(t, conns.Close("sqlite", dsn))
	assert.Nil(t, conns.Get("sqlite", dsn))
	assert.NoError(t, conns.Close("sqlite", dsn))

	_, err = conns.Open("oracle", dsn)
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = conns.Open("sqlite", memoryDSN())
	require.NoError(t, err)
	assert.NoError(t, conns.CloseAll())
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"sqlite", "postgres", "mysql"} {
		d, err := Dialector(driver, "dsn")
		require.NoError(t, err, driver)
		assert.Equal(t, driver, d.Name())
	}
	_, err := Dialector("mssql", "dsn")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestWriteThroughAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n := newNetwork(t)
	s.Attach(ctx, n.Hooks)

	alice, err := n.RegisterEntity("alice")
	require.NoError(t, err)
	p, err := n.RegisterChannel("#Chan", alice.ID)
	require.NoError(t, err)
	_, err = n.SetMLock("#chan", "+ntsl-m 25", nil, alice.ID, true)
	require.NoError(t, err)
	p.LockExt = []services.ExtLock{{Letter: 'j', Value: "3:10"}, {Letter: 'f'}}
	_, err = n.SetPolicyFlags("#chan", services.PolicySecure|services.PolicyHold, 0)
	require.NoError(t, err)
	_, _, err = n.ChangeAccess("#chan", alice.ID, services.MaskSubject("*!*@Friend.example"), "+vV")
	require.NoError(t, err)

	assert.EqualValues(t, 1, count[EntityRecord](t, s.DB()))
	assert.EqualValues(t, 1, count[PolicyRecord](t, s.DB()))
	assert.EqualValues(t, 2, count[AccessRecord](t, s.DB()))

	restored := newNetwork(t)
	counts, err := s.Load(ctx, restored)
	require.NoError(t, err)
	assert.Equal(t, Counts{Entities: 1, Policies: 1, Entries: 2}, counts)

	e := restored.EntityByName("ALICE")
	require.NotNil(t, e)
	assert.Equal(t, alice.ID, e.ID)
	assert.True(t, testNow.Equal(e.Registered))

	got := restored.Policy("#chan")
	require.NotNil(t, got)
	assert.Equal(t, "#Chan", got.Name)
	assert.Equal(t, p.LockOn, got.LockOn)
	assert.Equal(t, p.LockOff, got.LockOff)
	assert.EqualValues(t, 25, got.LockLimit)
	assert.Equal(t, p.LockExt, got.LockExt)
	assert.Equal(t, services.PolicySecure|services.PolicyHold, got.Flags)

	founder := restored.Ledger.Find("#chan", services.EntitySubject(alice.ID), 0)
	require.NotNil(t, founder)
	want := n.Ledger.Find("#chan", services.EntitySubject(alice.ID), 0)
	assert.Equal(t, want.Level, founder.Level)

	friend := restored.Ledger.Find("#CHAN", services.MaskSubject("*!*@friend.example"), 0)
	require.NotNil(t, friend)
	assert.Equal(t, "*!*@Friend.example", friend.Subject.Mask)
	assert.Equal(t, alice.ID, friend.Setter)
}

func TestAccessUpdatesAndRemovals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	n := newNetwork(t)
	s.Attach(ctx, n.Hooks)

	alice, err := n.RegisterEntity("alice")
	require.NoError(t, err)
	_, err = n.RegisterChannel("#chan", alice.ID)
	require.NoError(t, err)

	mask := services.MaskSubject("*!*@host.example")
	_, _, err = n.ChangeAccess("#chan", "", mask, "+v")
	require.NoError(t, err)
	_, _, err = n.ChangeAccess("#chan", "", services.MaskSubject("*!*@HOST.example"), "+o")
	require.NoError(t, err)

	var rec AccessRecord
	require.NoError(t, s.DB().Where("mask_key = ?", "*!*@host.example").First(&rec).Error)
	assert.Equal(t, uint32(n.Ledger.Find("#chan", mask, 0).Level), rec.Level)
	assert.EqualValues(t, 2, count[AccessRecord](t, s.DB()))

	_, _, err = n.ChangeAccess("#chan", "", mask, "-*")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count[AccessRecord](t, s.DB()), "an emptied entry is deleted")

	require.NoError(t, n.DropChannel("#chan"))
	assert.Zero(t, count[AccessRecord](t, s.DB()))
	assert.Zero(t, count[PolicyRecord](t, s.DB()))

	require.NoError(t, n.DropEntity(alice.ID))
	assert.Zero(t, count[EntityRecord](t, s.DB()))
}

func TestLoadSkipsRefusedEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i, mask := range []string{"*!*@a", "*!*@b", "*!*@c"} {
		require.NoError(t, s.SaveAccess(ctx, services.AccessEntry{
			Channel:  "#chan",
			Subject:  services.MaskSubject(mask),
			Level:    services.CapVoice,
			Modified: testNow.Add(time.Duration(i) * time.Second),
		}))
	}

	n := newNetwork(t)
	n.Ledger.MaxEntries = 2
	counts, err := s.Load(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Entries)
	assert.Equal(t, 1, counts.Skipped)
	assert.Len(t, n.Ledger.Entries("#chan"), 2)
}
