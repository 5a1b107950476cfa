package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/config"
)

type countingRunner struct {
	ticks atomic.Int64
}

func (c *countingRunner) Tick(context.Context) error {
	c.ticks.Add(1)
	return nil
}

func TestServiceLifecycle(t *testing.T) {
	cfg := &config.Config{
		InvoicePollInterval:  config.Duration(10 * time.Millisecond),
		CallbackPollInterval: config.Duration(10 * time.Millisecond),
	}
	invoices := &countingRunner{}
	callbacks := &countingRunner{}
	svc := New(cfg, invoices, callbacks, nil)

	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start(), "double start rejected")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if invoices.ticks.Load() >= 2 && callbacks.ticks.Load() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, invoices.ticks.Load(), int64(2))
	assert.GreaterOrEqual(t, callbacks.ticks.Load(), int64(2))

	require.NoError(t, svc.Stop())
	after := invoices.ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, invoices.ticks.Load(), "no ticks after stop")

	assert.NoError(t, svc.Stop(), "stop is idempotent")
}

func TestJitteredBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		j := jittered(base)
		assert.GreaterOrEqual(t, j, base)
		assert.LessOrEqual(t, j, base+base/10)
	}
}
