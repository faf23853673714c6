package services

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookRegistryPriority(t *testing.T) {
	r := NewHookRegistry[*[]string](quietLogger())
	assert.Zero(t, r.Count())

	r.RegisterWithPriority(func(order *[]string) error {
		*order = append(*order, "third")
		return nil
	}, 5)
	r.RegisterWithPriority(func(order *[]string) error {
		*order = append(*order, "first")
		return nil
	}, -5)
	r.Register(func(order *[]string) error {
		*order = append(*order, "second")
		return nil
	})
	require.Equal(t, 3, r.Count())

	var order []string
	assert.Nil(t, r.Run(&order))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestHookRegistryFailures(t *testing.T) {
	r := NewHookRegistry[string](quietLogger())
	errHook := errors.New("hook error")
	ran := false
	r.Register(func(string) error { return errHook })
	r.Register(func(string) error { panic("hook panic") })
	r.Register(func(string) error {
		ran = true
		return nil
	})

	failed := r.Run("#chan")
	assert.Len(t, failed, 2)
	assert.True(t, ran, "failures do not stop later hooks")

	var seen []error
	for _, err := range failed {
		seen = append(seen, err)
	}
	assert.True(t, errors.Is(seen[0], errHook) || errors.Is(seen[1], errHook))
}

func TestHookRegistryConcurrentRun(t *testing.T) {
	r := NewHookRegistry[int](quietLogger())
	var mu sync.Mutex
	total := 0
	for i := 0; i < 10; i++ {
		r.RegisterWithPriority(func(n int) error {
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		}, int64(i-5))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, total)
}

func TestNilHookRegistry(t *testing.T) {
	var r *HookRegistry[string]
	assert.Nil(t, r.Run("x"))
}

func TestLedgerChangesReachHooks(t *testing.T) {
	n, _, _ := newTestNetwork(t, RFC1459())
	var got []AccessEntry
	n.Hooks.AccessChanged.Register(func(e AccessEntry) error {
		got = append(got, e)
		return nil
	})

	_, err := n.Ledger.Add("#chan", MaskSubject("*!*@a"), CapVoice, testNow, "")
	require.NoError(t, err)
	_, _, err = n.Ledger.Change("#chan", MaskSubject("*!*@a"), 0, CapVoice, CapAll, "")
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, CapVoice, got[0].Level)
	assert.Zero(t, got[1].Level)
	assert.Equal(t, "*!*@a", got[1].Subject.Mask)
}
