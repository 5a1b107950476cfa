// Package service owns the process lifecycle: it drives the invoice and
// callback loops on their configured cadences and brings the admin surface
// up and down with them.
package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/everclear/mark/admin"
	"github.com/everclear/mark/config"
)

var (
	invoiceTickTimer  = metrics.NewRegisteredTimer("mark/service/invoice_tick", nil)
	callbackTickTimer = metrics.NewRegisteredTimer("mark/service/callback_tick", nil)
)

// Runner is one periodic activity of the agent.
type Runner interface {
	Tick(ctx context.Context) error
}

// Service drives the agent's periodic loops.
type Service struct {
	cfg       *config.Config
	processor Runner
	callbacks Runner
	admin     *admin.Server
	logger    log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the service. admin may be nil when the surface is disabled.
func New(cfg *config.Config, processor, callbacks Runner, adminSrv *admin.Server) *Service {
	return &Service{
		cfg:       cfg,
		processor: processor,
		callbacks: callbacks,
		admin:     adminSrv,
		logger:    log.New("service", "mark"),
	}
}

// Start launches both loops and the admin surface. Calling Start on a
// running service is an error.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("service already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.admin != nil {
		if err := s.admin.Start(); err != nil {
			cancel()
			s.cancel = nil
			return err
		}
	}

	s.wg.Add(2)
	go s.loop(ctx, "invoices", s.cfg.InvoicePollInterval.Std(), s.processor, invoiceTickTimer)
	go s.loop(ctx, "callbacks", s.cfg.CallbackPollInterval.Std(), s.callbacks, callbackTickTimer)
	s.logger.Info("Mark started",
		"invoiceInterval", s.cfg.InvoicePollInterval.Std(),
		"callbackInterval", s.cfg.CallbackPollInterval.Std())
	return nil
}

// Stop cancels the loops, waits for in-flight ticks to finish and shuts the
// admin surface down.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("Mark stopped")
	if s.admin != nil {
		return s.admin.Stop()
	}
	return nil
}

// loop runs one tick immediately and then on a jittered cadence. A failed
// tick is logged and the loop carries on; only cancellation stops it.
func (s *Service) loop(ctx context.Context, name string, interval time.Duration, runner Runner, timer metrics.Timer) {
	defer s.wg.Done()
	logger := s.logger.New("loop", name)
	for {
		start := time.Now()
		if err := runner.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Tick failed", "err", err)
		}
		timer.UpdateSince(start)

		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered(interval)):
		}
	}
}

// jittered spreads the cadence by up to 10% so co-located instances drift
// apart instead of thundering together.
func jittered(interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = time.Second
	}
	return interval + time.Duration(rand.Int63n(int64(interval)/10+1))
}
