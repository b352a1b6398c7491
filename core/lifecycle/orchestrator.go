// Package lifecycle drives one UserOperation from intent to settlement:
//
//	idle -> creating -> sponsoring -> signing -> submitting -> polling -> success
//
// Every non-terminal state may fall into error. success and error are left
// only through Reset, which also returns an in-flight attempt to idle.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-gateway/pkg/logger"
)

type State string

const (
	Idle       State = "idle"
	Creating   State = "creating"
	Sponsoring State = "sponsoring"
	Signing    State = "signing"
	Submitting State = "submitting"
	Polling    State = "polling"
	Success    State = "success"
	Error      State = "error"
)

// Terminal reports whether only Reset can leave s.
func (s State) Terminal() bool {
	return s == Success || s == Error
}

// next is the single forward step allowed from each state.
var next = map[State]State{
	Idle:       Creating,
	Creating:   Sponsoring,
	Sponsoring: Signing,
	Signing:    Submitting,
	Submitting: Polling,
	Polling:    Success,
}

const DefaultPollInterval = 3 * time.Second

var (
	// ErrBusy is returned by Send when an attempt is in flight or finished
	// without a Reset.
	ErrBusy = errors.New("an operation is already in progress, reset first")
	// ErrReset is returned by Send when Reset interrupted it.
	ErrReset = errors.New("operation was reset")
	// ErrPollLimit ends polling once MaxPollAttempts is reached.
	ErrPollLimit = errors.New("receipt not available")
)

// Call is the intent the account turns into callData.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Account is the external smart account: it knows the sender, its nonce and
// deployment status, and holds the signing key.
type Account interface {
	BuildUserOperation(ctx context.Context, call Call) (*userop.UserOperation, error)
	SignUserOperation(ctx context.Context, op *userop.UserOperation) ([]byte, error)
}

type Sponsor interface {
	Sponsor(ctx context.Context, op *userop.UserOperation, chainID uint64) (*userop.SponsorResult, error)
}

type Bundler interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation) (string, error)
	GetUserOperationReceipt(ctx context.Context, hash string) (*userop.Receipt, error)
}

type Config struct {
	ChainID uint64
	// PollInterval is the delay between two receipt lookups. The first
	// lookup happens right after submission.
	PollInterval time.Duration
	// MaxPollAttempts ends polling in error after that many lookups without
	// a receipt. Zero polls until Reset.
	MaxPollAttempts int
	// PollErrorTolerance is how many consecutive failed lookups are
	// absorbed before polling ends in error.
	PollErrorTolerance int
}

// Snapshot is a copy of the orchestrator state at one instant.
type Snapshot struct {
	State        State
	AttemptID    string
	UserOp       *userop.UserOperation
	UserOpHash   string
	Receipt      *userop.Receipt
	Err          error
	PollAttempts int
	UpdatedAt    time.Time
}

// TransitionFunc observes every state change, including Reset.
type TransitionFunc func(from, to State, snap Snapshot)

// afterFunc matches time.AfterFunc; tests replace it.
type afterFunc func(d time.Duration, f func()) interface{ Stop() bool }

type Orchestrator struct {
	account Account
	sponsor Sponsor
	bundler Bundler
	config  Config
	logger  sdklogging.Logger
	after   afterFunc

	hookMu       sync.Mutex
	onTransition []TransitionFunc

	// transitions recorded under mu, delivered in order by emit
	pending []transition

	mu         sync.Mutex
	epoch      uint64
	state      State
	attemptID  string
	op         *userop.UserOperation
	hash       string
	receipt    *userop.Receipt
	err        error
	polls      int
	pollErrors int
	updatedAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	timer      interface{ Stop() bool }
	done       chan struct{}
}

func New(account Account, sponsor Sponsor, bundler Bundler, config Config, log sdklogging.Logger) *Orchestrator {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	done := make(chan struct{})
	close(done)
	return &Orchestrator{
		account: account,
		sponsor: sponsor,
		bundler: bundler,
		config:  config,
		logger:  logger.EnsureLogger(log),
		after: func(d time.Duration, f func()) interface{ Stop() bool } {
			return time.AfterFunc(d, f)
		},
		state:     Idle,
		done:      done,
		updatedAt: time.Now(),
	}
}

// OnTransition adds fn to the hooks run, in registration order, on every
// state change. Hooks are called outside the state lock and see transitions
// in the order the state changed.
func (o *Orchestrator) OnTransition(fn TransitionFunc) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.onTransition = append(o.onTransition, fn)
}

type transition struct {
	from, to State
	snap     Snapshot
}

// emit delivers every queued transition. Whoever holds hookMu drains the
// queue, so a transition recorded earlier is never delivered after a later
// one.
func (o *Orchestrator) emit() {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()

	o.mu.Lock()
	events := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, ev := range events {
		o.logger.Debug("user operation state changed", "attempt", ev.snap.AttemptID, "from", ev.from, "to", ev.to)
		for _, fn := range o.onTransition {
			fn(ev.from, ev.to, ev.snap)
		}
	}
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		State:        o.state,
		AttemptID:    o.attemptID,
		UserOp:       o.op.Clone(),
		UserOpHash:   o.hash,
		Receipt:      o.receipt,
		Err:          o.err,
		PollAttempts: o.polls,
		UpdatedAt:    o.updatedAt,
	}
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// setLocked moves to `to` and queues the change for emit. Callers hold mu
// and have checked the epoch.
func (o *Orchestrator) setLocked(to State) transition {
	from := o.state
	o.state = to
	o.updatedAt = time.Now()
	if to.Terminal() {
		o.finishLocked()
	}
	ev := transition{from: from, to: to, snap: o.snapshotLocked()}
	o.pending = append(o.pending, ev)
	return ev
}

func (o *Orchestrator) finishLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

// advance performs the forward step from `from`, unless the attempt was
// reset in the meantime.
func (o *Orchestrator) advance(epoch uint64, from State) error {
	o.mu.Lock()
	if o.epoch != epoch || o.state != from {
		o.mu.Unlock()
		return ErrReset
	}
	o.setLocked(next[from])
	o.mu.Unlock()

	o.emit()
	return nil
}

// fail moves a live attempt into error, keeping err as the reason. A stale
// attempt is left alone and ErrReset is returned instead.
func (o *Orchestrator) fail(epoch uint64, err error) error {
	o.mu.Lock()
	if o.epoch != epoch || o.state.Terminal() || o.state == Idle {
		o.mu.Unlock()
		return ErrReset
	}
	o.err = err
	ev := o.setLocked(Error)
	o.mu.Unlock()

	o.logger.Warn("user operation failed", "attempt", ev.snap.AttemptID, "state", ev.from, "error", err)
	o.emit()
	return err
}

// Send runs the attempt up to submission and returns the bundler hash.
// Polling then continues in the background; use Wait or Snapshot to follow
// it. Send only starts from idle.
func (o *Orchestrator) Send(ctx context.Context, call Call) (string, error) {
	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return "", ErrBusy
	}
	o.epoch++
	epoch := o.epoch
	o.attemptID = ulid.Make().String()
	o.op, o.hash, o.receipt, o.err = nil, "", nil, nil
	o.polls, o.pollErrors = 0, 0
	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.done = make(chan struct{})
	attemptCtx := o.ctx
	o.setLocked(Creating)
	o.mu.Unlock()
	o.emit()

	// steps honour both the caller's ctx and Reset
	stepCtx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(attemptCtx, stop)
	defer unregister()

	op, err := o.account.BuildUserOperation(stepCtx, call)
	if err != nil {
		return "", o.fail(epoch, fmt.Errorf("failed to build user operation: %w", err))
	}
	if op == nil {
		return "", o.fail(epoch, aaerr.NewValidationError("userOp", "account returned no user operation"))
	}
	if err := o.setOp(epoch, op); err != nil {
		return "", err
	}
	if err := o.advance(epoch, Creating); err != nil {
		return "", err
	}

	sponsorship, err := o.sponsor.Sponsor(stepCtx, op.Clone(), o.config.ChainID)
	if err != nil {
		return "", o.fail(epoch, err)
	}
	if err := op.ApplySponsorship(sponsorship); err != nil {
		return "", o.fail(epoch, err)
	}
	if err := o.setOp(epoch, op); err != nil {
		return "", err
	}
	if err := o.advance(epoch, Sponsoring); err != nil {
		return "", err
	}

	signature, err := o.account.SignUserOperation(stepCtx, op.Clone())
	if err != nil {
		return "", o.fail(epoch, fmt.Errorf("failed to sign user operation: %w", err))
	}
	op.Signature = signature
	if err := o.setOp(epoch, op); err != nil {
		return "", err
	}
	if err := o.advance(epoch, Signing); err != nil {
		return "", err
	}

	hash, err := o.bundler.SendUserOperation(stepCtx, op.Clone())
	if err != nil {
		return "", o.fail(epoch, err)
	}

	o.mu.Lock()
	if o.epoch != epoch || o.state != Submitting {
		o.mu.Unlock()
		return "", ErrReset
	}
	o.hash = hash
	ev := o.setLocked(Polling)
	o.timer = o.after(0, func() { o.poll(epoch) })
	o.mu.Unlock()
	o.emit()

	o.logger.Info("user operation submitted", "attempt", ev.snap.AttemptID, "userOpHash", hash)
	return hash, nil
}

func (o *Orchestrator) setOp(epoch uint64, op *userop.UserOperation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return ErrReset
	}
	o.op = op.Clone()
	return nil
}

// poll performs one receipt lookup and either settles the attempt or
// schedules exactly one more lookup. A result arriving after Reset is
// dropped.
func (o *Orchestrator) poll(epoch uint64) {
	o.mu.Lock()
	if o.epoch != epoch || o.state != Polling {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.polls++
	hash, ctx := o.hash, o.ctx
	o.mu.Unlock()

	receipt, err := o.bundler.GetUserOperationReceipt(ctx, hash)

	o.mu.Lock()
	if o.epoch != epoch || o.state != Polling {
		o.mu.Unlock()
		o.logger.Debug("discarding stale receipt lookup", "userOpHash", hash)
		return
	}

	switch {
	case err != nil:
		o.pollErrors++
		if o.pollErrors > o.config.PollErrorTolerance {
			o.err = err
			o.setLocked(Error)
			break
		}
		o.logger.Warn("receipt lookup failed, retrying", "userOpHash", hash, "error", err)
		o.timer = o.after(o.config.PollInterval, func() { o.poll(epoch) })
		o.mu.Unlock()
		return
	case receipt != nil:
		o.pollErrors = 0
		o.receipt = receipt
		o.setLocked(Success)
	case o.config.MaxPollAttempts > 0 && o.polls >= o.config.MaxPollAttempts:
		o.err = fmt.Errorf("%w after %d lookups", ErrPollLimit, o.polls)
		o.setLocked(Error)
	default:
		o.pollErrors = 0
		o.timer = o.after(o.config.PollInterval, func() { o.poll(epoch) })
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.emit()
}

// Wait blocks until the current attempt reaches success or error, or is
// reset, and returns the snapshot at that point.
func (o *Orchestrator) Wait(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	select {
	case <-done:
		return o.Snapshot(), nil
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
}

// Reset abandons whatever is in flight and returns to idle. Lookups already
// running finish but their results are dropped. Safe from any state.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.epoch++
	o.finishLocked()
	from := o.state
	o.state = Idle
	o.op, o.hash, o.receipt, o.err = nil, "", nil, nil
	o.polls, o.pollErrors = 0, 0
	o.updatedAt = time.Now()
	if from != Idle {
		o.pending = append(o.pending, transition{from: from, to: Idle, snap: o.snapshotLocked()})
	}
	o.attemptID = ""
	o.mu.Unlock()

	o.emit()
}
