package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMLock(t *testing.T) {
	tests := []struct {
		lock string
		want MLock
	}{
		{"", MLock{}},
		{"+ntk-s secret", MLock{On: ModeNoExternal | ModeTopic, Off: ModeSecret, Key: "secret"}},
		{"+l-k 50", MLock{Limit: 50, Off: ModeKey}},
		{"+lk 50 key", MLock{Limit: 50, Key: "key"}},
		{"junk+n", MLock{On: ModeNoExternal}},
		{"nt", MLock{}},
		{"+Zn", MLock{On: ModeNoExternal}},
		{"+n-n", MLock{Off: ModeNoExternal}},
		{"-l+l 7", MLock{Limit: 7}},
		{"+j 3:10", MLock{Ext: []ExtLock{{Letter: 'j', Value: "3:10"}}}},
		{"+j-f 3:10", MLock{Ext: []ExtLock{{Letter: 'f'}, {Letter: 'j', Value: "3:10"}}}},
	}
	d := Charybdis(nil)
	for _, tt := range tests {
		t.Run(tt.lock, func(t *testing.T) {
			got, err := ParseMLock(d, tt.lock, MLockRequest{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMLockErrors(t *testing.T) {
	d := Charybdis(nil)
	for _, lock := range []string{
		"+k",
		"+k a,b",
		"+k :colon",
		"+k " + strings.Repeat("k", MaxKeyLen+1),
		"+l",
		"+l 0",
		"+l lots",
		"+j",
		"+j bad",
		"+f nochannel",
		"+j " + strings.Repeat("1", MaxExtValueLen+1),
	} {
		t.Run(lock, func(t *testing.T) {
			_, err := ParseMLock(d, lock, MLockRequest{})
			assert.ErrorIs(t, err, ErrBadMLock)
		})
	}
}

func TestParseMLockKeepsLiveValue(t *testing.T) {
	d := Charybdis(nil)
	live := NewLiveChannel("#chan", 1)
	live.Ext['j'] = "legacy"
	p := &ChannelPolicy{Name: "#chan", Live: live}

	m, err := ParseMLock(d, "+j legacy", MLockRequest{Policy: p})
	require.NoError(t, err)
	assert.Equal(t, []ExtLock{{Letter: 'j', Value: "legacy"}}, m.Ext)

	_, err = ParseMLock(d, "+j other", MLockRequest{Policy: p})
	assert.ErrorIs(t, err, ErrBadMLock)
}

func TestMLockStringRoundTrip(t *testing.T) {
	d := Charybdis(nil)
	p := &ChannelPolicy{
		LockOn:    ModeNoExternal | ModeTopic,
		LockOff:   ModeSecret | ModeKey,
		LockLimit: 10,
		LockExt:   []ExtLock{{Letter: 'f'}, {Letter: 'j', Value: "3:10"}},
	}
	assert.Equal(t, "+ntlj-skf", p.MLockString(d))
	assert.Equal(t, "+ntlj-skf 10 3:10", p.MLockParams(d))

	m, err := ParseMLock(d, p.MLockParams(d), MLockRequest{})
	require.NoError(t, err)
	q := &ChannelPolicy{}
	q.SetMLock(m, 0, false)
	assert.Equal(t, p.LockOn, q.LockOn)
	assert.Equal(t, p.LockOff, q.LockOff)
	assert.Equal(t, p.LockLimit, q.LockLimit)
	assert.Equal(t, p.LockExt, q.LockExt)

	assert.Empty(t, (&ChannelPolicy{}).MLockParams(d))
}

func TestSetMLockKeep(t *testing.T) {
	p := &ChannelPolicy{LockOn: ModePermanent | ModeNoExternal, LockLimit: 5}
	changed := p.SetMLock(MLock{On: ModeSecret, Off: ModePermanent, Limit: 9}, ModePermanent|ModeLimit, true)

	assert.Equal(t, ModeSecret|ModeNoExternal, changed)
	assert.Equal(t, ModePermanent|ModeSecret, p.LockOn)
	assert.Zero(t, p.LockOff)
	assert.Equal(t, uint32(5), p.LockLimit)
}
