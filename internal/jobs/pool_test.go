package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAndDrains(t *testing.T) {
	p := NewPool(Config{Name: "test", Workers: 3, QueueSize: 4}, zerolog.Nop())

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		require.True(t, p.Submit(Job{Name: "inc", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	p.Close()

	assert.EqualValues(t, 50, ran.Load())
	st := p.Stats()
	assert.EqualValues(t, 50, st.Submitted)
	assert.EqualValues(t, 50, st.Completed)
	assert.False(t, p.Submit(Job{Name: "late", Run: func(context.Context) error { return nil }}))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	p := NewPool(Config{Name: "test", Workers: 2}, zerolog.Nop())

	var mu sync.Mutex
	outcomes := map[string]error{}
	var wg sync.WaitGroup
	record := func(name string) func(error) {
		return func(err error) {
			mu.Lock()
			outcomes[name] = err
			mu.Unlock()
			wg.Done()
		}
	}

	wg.Add(3)
	p.Submit(Job{Name: "ok", Run: func(context.Context) error { return nil }, Done: record("ok")})
	p.Submit(Job{Name: "err", Run: func(context.Context) error { return errors.New("bad") }, Done: record("err")})
	p.Submit(Job{Name: "panic", Run: func(context.Context) error { panic("boom") }, Done: record("panic")})
	wg.Wait()
	p.Close()

	assert.NoError(t, outcomes["ok"])
	assert.EqualError(t, outcomes["err"], "bad")
	require.Error(t, outcomes["panic"])
	assert.Contains(t, outcomes["panic"].Error(), "boom")
	assert.EqualValues(t, 2, p.Stats().Failed)
}
