// Package cache is a thin facade over the shared key/value cache. Today it
// carries only the pause switches; pausing is eventually consistent with
// in-flight ticks, a tick that started before the pause may still finish.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/everclear/mark/config"
)

// PauseFlag names one of the independent pause switches.
type PauseFlag string

const (
	PausePurchase  PauseFlag = "purchase"
	PauseRebalance PauseFlag = "rebalance"
	PauseOnDemand  PauseFlag = "ondemand"
)

// Valid reports whether the flag is one of the known switches.
func (f PauseFlag) Valid() bool {
	switch f {
	case PausePurchase, PauseRebalance, PauseOnDemand:
		return true
	}
	return false
}

var (
	// ErrAlreadyPaused signals a pause request for a flag already set.
	ErrAlreadyPaused = errors.New("already paused")
	// ErrNotPaused signals an unpause request for a flag not set.
	ErrNotPaused = errors.New("not paused")
	// ErrUnknownFlag signals a flag outside the known set.
	ErrUnknownFlag = errors.New("unknown pause flag")
)

// PauseGate reads and writes the pause switches.
type PauseGate interface {
	IsPaused(ctx context.Context, flag PauseFlag) (bool, error)
	SetPause(ctx context.Context, flag PauseFlag, paused bool) error
}

const keyPrefix = "mark:pause:"

// RedisGate implements PauseGate over a shared redis client. A missing key
// means not paused.
type RedisGate struct {
	client *redis.Client
}

// NewRedisGate connects a pause gate to the configured cache and seeds the
// defaults for flags with no value yet.
func NewRedisGate(ctx context.Context, cfg config.RedisConfig, defaults config.PauseDefaults) (*RedisGate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	gate := &RedisGate{client: client}
	seed := map[PauseFlag]bool{
		PausePurchase:  defaults.Purchase,
		PauseRebalance: defaults.Rebalance,
		PauseOnDemand:  defaults.OnDemand,
	}
	for flag, paused := range seed {
		if !paused {
			continue
		}
		// SETNX keeps an operator-set value over the config default.
		if err := client.SetNX(ctx, keyPrefix+string(flag), "1", 0).Err(); err != nil {
			return nil, fmt.Errorf("seed pause flag %s: %w", flag, err)
		}
	}
	return gate, nil
}

// IsPaused implements PauseGate.
func (g *RedisGate) IsPaused(ctx context.Context, flag PauseFlag) (bool, error) {
	if !flag.Valid() {
		return false, fmt.Errorf("%w: %s", ErrUnknownFlag, flag)
	}
	v, err := g.client.Get(ctx, keyPrefix+string(flag)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag %s: %w", flag, err)
	}
	return v == "1", nil
}

// SetPause implements PauseGate. Setting a flag to its current state is an
// error so the admin surface can report the no-op.
func (g *RedisGate) SetPause(ctx context.Context, flag PauseFlag, paused bool) error {
	if !flag.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, flag)
	}
	current, err := g.IsPaused(ctx, flag)
	if err != nil {
		return err
	}
	if current == paused {
		if paused {
			return fmt.Errorf("%w: %s", ErrAlreadyPaused, flag)
		}
		return fmt.Errorf("%w: %s", ErrNotPaused, flag)
	}
	key := keyPrefix + string(flag)
	if paused {
		return g.client.Set(ctx, key, "1", 0).Err()
	}
	return g.client.Del(ctx, key).Err()
}

// MemoryGate is an in-process PauseGate for tests and dry runs.
type MemoryGate struct {
	flags map[PauseFlag]bool
}

// NewMemoryGate builds a gate with every flag unset.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{flags: make(map[PauseFlag]bool)}
}

// IsPaused implements PauseGate.
func (g *MemoryGate) IsPaused(_ context.Context, flag PauseFlag) (bool, error) {
	if !flag.Valid() {
		return false, fmt.Errorf("%w: %s", ErrUnknownFlag, flag)
	}
	return g.flags[flag], nil
}

// SetPause implements PauseGate.
func (g *MemoryGate) SetPause(_ context.Context, flag PauseFlag, paused bool) error {
	if !flag.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, flag)
	}
	if g.flags[flag] == paused {
		if paused {
			return fmt.Errorf("%w: %s", ErrAlreadyPaused, flag)
		}
		return fmt.Errorf("%w: %s", ErrNotPaused, flag)
	}
	g.flags[flag] = paused
	return nil
}
