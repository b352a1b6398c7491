package paymaster

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
)

// Eligibility decides whether an operation may be sponsored. A nil error
// permits it; any error denies it and no paymaster request is made. A
// StructuredError with a code other than SponsorshipDenied is reported as
// is, so a broken policy is not mistaken for a denial.
type Eligibility interface {
	Check(ctx context.Context, op *userop.UserOperation, chainID uint64) error
}

// Refunder is implemented by policies that consume something in Check. The
// client calls Refund when the paymaster request fails after Check passed.
type Refunder interface {
	Refund(ctx context.Context, op *userop.UserOperation, chainID uint64)
}

// EligibilityFunc adapts a plain function.
type EligibilityFunc func(ctx context.Context, op *userop.UserOperation, chainID uint64) error

func (f EligibilityFunc) Check(ctx context.Context, op *userop.UserOperation, chainID uint64) error {
	return f(ctx, op, chainID)
}

// PermitAll sponsors everything.
type PermitAll struct{}

func (PermitAll) Check(context.Context, *userop.UserOperation, uint64) error { return nil }

// AllOf permits only when every policy permits. Policies run in order and
// stop at the first denial.
type AllOf []Eligibility

func (a AllOf) Check(ctx context.Context, op *userop.UserOperation, chainID uint64) error {
	for _, p := range a {
		if err := p.Check(ctx, op, chainID); err != nil {
			return err
		}
	}
	return nil
}

// Refund forwards to every member that consumed something.
func (a AllOf) Refund(ctx context.Context, op *userop.UserOperation, chainID uint64) {
	for _, p := range a {
		if r, ok := p.(Refunder); ok {
			r.Refund(ctx, op, chainID)
		}
	}
}

// ExprPolicy evaluates a boolean expr-lang expression against the
// operation. Available variables: sender (lower case hex), nonce, chainId,
// deployed and callDataSize.
//
//	deployed && callDataSize < 4096
//	sender in ["0x1111111111111111111111111111111111111111"]
type ExprPolicy struct {
	source  string
	program *vm.Program
}

func policyEnv(op *userop.UserOperation, chainID uint64) map[string]any {
	nonce := int64(0)
	if op.Nonce != nil {
		if op.Nonce.IsInt64() {
			nonce = op.Nonce.Int64()
		} else {
			nonce = math.MaxInt64
		}
	}
	return map[string]any{
		"sender":       strings.ToLower(op.Sender.Hex()),
		"nonce":        nonce,
		"chainId":      int64(chainID),
		"deployed":     op.IsDeployed(),
		"callDataSize": len(op.CallData),
	}
}

func NewExprPolicy(source string) (*ExprPolicy, error) {
	env := policyEnv(&userop.UserOperation{}, 0)
	program, err := expr.Compile(source, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid sponsorship policy %q: %w", source, err)
	}
	return &ExprPolicy{source: source, program: program}, nil
}

func (p *ExprPolicy) Check(_ context.Context, op *userop.UserOperation, chainID uint64) error {
	result, err := expr.Run(p.program, policyEnv(op, chainID))
	if err != nil {
		return aaerr.NewSponsorshipDeniedError(fmt.Sprintf("policy evaluation failed: %v", err))
	}
	if allowed, _ := result.(bool); !allowed {
		return aaerr.NewSponsorshipDeniedError("rejected by sponsorship policy")
	}
	return nil
}

// quotaStore is the subset of *bigcache.BigCache the quota uses.
type quotaStore interface {
	Get(key string) ([]byte, error)
	Set(key string, entry []byte) error
	Close() error
}

// DailyQuota limits how many operations a sender gets sponsored per UTC day.
// Counters live in memory and are lost on restart.
type DailyQuota struct {
	limit uint64
	cache quotaStore
	now   func() time.Time

	mu sync.Mutex
}

// NewDailyQuota allows limit sponsorships per sender per day.
func NewDailyQuota(ctx context.Context, limit uint64) (*DailyQuota, error) {
	cache, err := bigcache.New(ctx, bigcache.Config{
		Shards:             64,
		LifeWindow:         25 * time.Hour,
		CleanWindow:        10 * time.Minute,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       64,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot initialize quota storage: %w", err)
	}
	return &DailyQuota{limit: limit, cache: cache, now: time.Now}, nil
}

func (q *DailyQuota) key(op *userop.UserOperation) string {
	return strings.ToLower(op.Sender.Hex()) + "/" + q.now().UTC().Format("2006-01-02")
}

func (q *DailyQuota) usedLocked(key string) (uint64, error) {
	raw, err := q.cache.Get(key)
	switch {
	case err == nil && len(raw) == 8:
		return binary.BigEndian.Uint64(raw), nil
	case err == nil, errors.Is(err, bigcache.ErrEntryNotFound):
		return 0, nil
	}
	return 0, aaerr.Wrap(aaerr.InternalError, err, fmt.Sprintf("quota lookup failed: %v", err))
}

func (q *DailyQuota) storeLocked(key string, used uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, used)
	if err := q.cache.Set(key, buf); err != nil {
		return aaerr.Wrap(aaerr.InternalError, err, fmt.Sprintf("quota update failed: %v", err))
	}
	return nil
}

// Check consumes one unit of the sender's quota. Storage failures are
// InternalError, not a denial.
func (q *DailyQuota) Check(_ context.Context, op *userop.UserOperation, _ uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := q.key(op)
	used, err := q.usedLocked(key)
	if err != nil {
		return err
	}
	if used >= q.limit {
		return aaerr.NewSponsorshipDeniedError(fmt.Sprintf("daily quota of %d operations reached", q.limit))
	}
	return q.storeLocked(key, used+1)
}

// Refund gives back the unit Check consumed today.
func (q *DailyQuota) Refund(_ context.Context, op *userop.UserOperation, _ uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := q.key(op)
	used, err := q.usedLocked(key)
	if err != nil || used == 0 {
		return
	}
	_ = q.storeLocked(key, used-1)
}

// Used reports how many sponsorships the sender consumed today.
func (q *DailyQuota) Used(op *userop.UserOperation) uint64 {
	raw, err := q.cache.Get(q.key(op))
	if err != nil || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (q *DailyQuota) Close() error {
	return q.cache.Close()
}
