// Package ratelimit coordinates the chain API request budget across the
// server, CLI and enricher processes using Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contract-catalog/internal/metrics"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 50              // Request units per window
	DefaultReservedBudget = 30              // Reserved for pipeline runs
	DefaultWindowSize     = time.Second     // Fixed window aligned to the clock
	DefaultKeyTTL         = 2 * time.Second // Window plus buffer
)

// Redis key prefixes for budget tracking.
const (
	KeyPrefixTotal    = "chainapi:budget:total:"
	KeyPrefixReserved = "chainapi:budget:reserved:"
	KeyPrefixShared   = "chainapi:budget:shared:"
)

// ErrBudgetExhausted is returned by Wait when the context ends first
var ErrBudgetExhausted = errors.New("chain api budget exhausted")

// Priority selects the pool a consumer draws from.
type Priority int

const (
	// PriorityHigh is for contract analysis inside pipeline runs (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for the background enricher (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// consumeScript atomically checks both counters and increments them.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// Budget is a windowed request budget split into a reserved pool for
// pipeline runs and a shared pool for best-effort enrichment.
type Budget struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// BudgetConfig holds configuration for the budget.
type BudgetConfig struct {
	// Redis is required; the budget is shared between processes.
	Redis redis.Cmdable

	// TotalBudget is the number of request units per window. Default: 50.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget reserved for PriorityHigh. Default: 30.
	ReservedBudget int

	// WindowSize is the window duration. Default: 1s.
	WindowSize time.Duration

	// KeyTTL should be at least WindowSize. Default: 2s.
	KeyTTL time.Duration
}

// Usage contains consumption in the current window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	total, reserved := c.budgets()
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	return nil
}

func (c *BudgetConfig) budgets() (total, reserved int) {
	total = c.TotalBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	reserved = c.ReservedBudget
	if reserved == 0 {
		reserved = DefaultReservedBudget
	}
	return total, reserved
}

// NewBudget creates a budget with the given configuration.
func NewBudget(cfg *BudgetConfig) (*Budget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total, reserved := cfg.budgets()
	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}

	return &Budget{
		redis:          cfg.Redis,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
		now:            time.Now,
	}, nil
}

func (b *Budget) windowStart() time.Time {
	return b.now().Truncate(b.windowSize)
}

func (b *Budget) keys(start time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(start.UnixMilli(), 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume attempts to take cost units from the pool for priority. When
// denied it returns the time until the next window.
func (b *Budget) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration) {
	if cost <= 0 {
		return true, 0
	}

	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)
	poolKey, poolBudget := sharedKey, b.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, b.reservedBudget
	}

	ttlSeconds := int(b.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey},
		cost, b.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	// A Redis error denies the request
	if err != nil || len(result) == 0 || result[0] != 1 {
		metrics.ObserveBudgetDenied(priority.String())
		return false, b.untilNextWindow(start)
	}
	return true, 0
}

// Wait blocks until cost units are available or ctx ends.
func (b *Budget) Wait(ctx context.Context, cost int, priority Priority) error {
	for {
		ok, wait := b.TryConsume(ctx, cost, priority)
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrBudgetExhausted, ctx.Err())
		case <-timer.C:
		}
	}
}

func (b *Budget) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(b.windowSize).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage returns consumption in the current window. Missing keys count as zero.
func (b *Budget) Usage(ctx context.Context) (*Usage, error) {
	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget usage: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    start,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}

// Pool binds a budget to one priority
type Pool struct {
	budget   *Budget
	priority Priority
}

// Pool returns the view of b used by consumers of the given priority
func (b *Budget) Pool(priority Priority) *Pool {
	return &Pool{budget: b, priority: priority}
}

// Wait blocks until the cost of op is available
func (p *Pool) Wait(ctx context.Context, op string) error {
	return p.budget.Wait(ctx, CostOf(op), p.priority)
}
