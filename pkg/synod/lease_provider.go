package synod

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

type LeadershipState string

const (
	NoLease   LeadershipState = "noLease"
	Acquiring LeadershipState = "acquiring"
	Leader    LeadershipState = "leader"
)

type LeaseProviderCfg struct {
	Synod    *Synod
	Register *Register
	Ballots  *BallotGenerator

	Lease LeaseCfg

	Logger  Logger
	Metrics *Metrics

	Clock func() time.Time

	// Called without any lock held each time the leadership state changes.
	OnLeadershipChange func(LeadershipState)
}

// LeaseProvider acquires and renews the leadership lease of the local
// node. It holds no lock across rounds: safety comes from the register.
type LeaseProvider struct {
	Cfg LeaseProviderCfg
	Log Logger

	register *Register
	ballots  *BallotGenerator
	metrics  *Metrics
	clock    func() time.Time

	identity Identity
	nodeId   NodeId
	endpoint NodeAddress

	mu            sync.Mutex
	state         LeadershipState
	lease         *Lease
	randGenerator *rand.Rand
}

func NewLeaseProvider(cfg LeaseProviderCfg) (*LeaseProvider, error) {
	if cfg.Synod == nil {
		return nil, fmt.Errorf("missing synod")
	}

	if cfg.Register == nil {
		return nil, fmt.Errorf("missing register")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Lease.RenewInterval == 0 {
		cfg.Lease.RenewInterval = cfg.Lease.MaxLeaseTimeSpan / 3
	}

	if err := cfg.Lease.Validate(); err != nil {
		return nil, err
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	if cfg.Ballots == nil {
		cfg.Ballots = NewBallotGenerator(cfg.Synod.LocalIdentity(), nil)
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	p := &LeaseProvider{
		Cfg: cfg,
		Log: cfg.Logger,

		register: cfg.Register,
		ballots:  cfg.Ballots,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,

		identity: cfg.Synod.LocalIdentity(),
		nodeId:   cfg.Synod.LocalNode(),
		endpoint: cfg.Synod.LocalData().PublicAddress,

		state:         NoLease,
		randGenerator: rand.New(randSource),
	}

	p.metrics.setLeadershipState(NoLease)

	return p, nil
}

func (p *LeaseProvider) State() LeadershipState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// GetLease returns the last lease observed by this node, which may belong
// to another node or be expired.
func (p *LeaseProvider) GetLease() *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lease
}

// IsLeader reports whether the local node currently holds a lease which
// has not reached its margin-adjusted expiry.
func (p *LeaseProvider) IsLeader() bool {
	now := p.clock()

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state == Leader && p.lease.OwnedBy(p.identity) &&
		p.lease.IsValid(now)
}

func (p *LeaseProvider) AcquireLease(ctx context.Context) LeaseTxResult {
	start := p.clock()

	if p.State() != Leader {
		p.setState(Acquiring)
	}

	result := p.acquireLease(ctx, start)

	p.metrics.observeLeaseTx("acquire", result.Outcome)
	p.Log.Debug(1, "lease acquisition: %v", result.Outcome)

	return result
}

func (p *LeaseProvider) acquireLease(ctx context.Context, start time.Time) LeaseTxResult {
	ballot := p.ballots.CreateBallot()

	read := p.register.Read(ctx, ballot)
	if read.Outcome != TxComplete {
		return p.fail(read.Outcome, nil)
	}

	p.observeLease(read.Lease)

	if !read.Lease.OwnedBy(p.identity) && p.heldByOther(read.Lease, p.clock()) {
		return p.fail(TxLeaseHeldByOther, read.Lease)
	}

	return p.writeLease(ctx, ballot, start)
}

// RenewLease extends the lease of the local node. Any failure immediately
// moves the node out of the leader state, without waiting for the current
// lease to expire.
func (p *LeaseProvider) RenewLease(ctx context.Context) LeaseTxResult {
	start := p.clock()

	result := p.renewLease(ctx, start)

	p.metrics.observeLeaseTx("renew", result.Outcome)
	p.Log.Debug(1, "lease renewal: %v", result.Outcome)

	return result
}

func (p *LeaseProvider) renewLease(ctx context.Context, start time.Time) LeaseTxResult {
	ballot := p.ballots.CreateBallot()

	read := p.register.Read(ctx, ballot)
	if read.Outcome != TxComplete {
		return p.fail(read.Outcome, nil)
	}

	p.observeLease(read.Lease)

	if !read.Lease.OwnedBy(p.identity) {
		return p.fail(TxLeaseHeldByOther, read.Lease)
	}

	return p.writeLease(ctx, ballot, start)
}

// heldByOther reports whether a lease owned by another node may still be
// considered valid by its owner. The local clock can run up to ClockDrift
// ahead of the owner's, so the lease is honored until ClockDrift past its
// expiry.
func (p *LeaseProvider) heldByOther(lease *Lease, now time.Time) bool {
	return lease.IsValid(now.Add(-p.Cfg.Lease.ClockDrift))
}

func (p *LeaseProvider) writeLease(ctx context.Context, ballot Ballot, start time.Time) LeaseTxResult {
	lease := Lease{
		OwnerIdentity: p.identity,
		OwnerId:       p.nodeId,
		OwnerEndpoint: p.endpoint,
		ExpiresAt:     start.Add(p.Cfg.Lease.EffectiveLeaseTimeSpan()),
	}

	if outcome := p.register.Write(ctx, ballot, &lease); outcome != TxComplete {
		return p.fail(outcome, nil)
	}

	p.mu.Lock()
	p.lease = &lease
	p.mu.Unlock()

	p.setState(Leader)

	return LeaseTxResult{Outcome: TxComplete, Lease: &lease}
}

func (p *LeaseProvider) fail(outcome TxOutcome, lease *Lease) LeaseTxResult {
	p.setState(NoLease)

	return LeaseTxResult{Outcome: outcome, Lease: lease}
}

func (p *LeaseProvider) observeLease(lease *Lease) {
	if lease == nil {
		return
	}

	p.mu.Lock()
	p.lease = lease
	p.mu.Unlock()
}

// Stop moves the node to the terminal NoLease state. The lease itself is
// left to expire.
func (p *LeaseProvider) Stop() {
	p.setState(NoLease)
}

func (p *LeaseProvider) setState(state LeadershipState) {
	p.mu.Lock()
	previous := p.state
	p.state = state
	p.mu.Unlock()

	if state == previous {
		return
	}

	switch {
	case state == Leader:
		p.Log.Info("became leader")
	case previous == Leader:
		p.Log.Info("lost leadership")
	default:
		p.Log.Debug(1, "leadership state: %s -> %s", previous, state)
	}

	p.metrics.setLeadershipState(state)

	if p.Cfg.OnLeadershipChange != nil {
		p.Cfg.OnLeadershipChange(state)
	}
}

// Run keeps trying to become leader and, once leader, renews the lease
// periodically until the context is canceled.
func (p *LeaseProvider) Run(ctx context.Context) {
	defer p.Stop()

	for {
		delay := p.step(ctx)

		p.Log.Debug(2, "next lease transaction in %v", delay)

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-timer.C:
		}
	}
}

func (p *LeaseProvider) step(ctx context.Context) time.Duration {
	var result LeaseTxResult

	if p.State() == Leader {
		result = p.RenewLease(ctx)
	} else {
		result = p.AcquireLease(ctx)
	}

	switch result.Outcome {
	case TxComplete:
		return p.Cfg.Lease.RenewInterval

	case TxLeaseHeldByOther:
		if result.Lease != nil {
			expiresAt := result.Lease.ExpiresAt.Add(p.Cfg.Lease.ClockDrift)

			wait := expiresAt.Sub(p.clock())
			if wait > p.Cfg.Lease.MaxLeaseTimeSpan {
				wait = p.Cfg.Lease.MaxLeaseTimeSpan
			}

			if wait > 0 {
				return wait + p.jitter(p.Cfg.Lease.MessageRoundtrip)
			}
		}
	}

	return p.backoff()
}

func (p *LeaseProvider) backoff() time.Duration {
	timeout := p.Cfg.Lease.NodeResponseTimeout
	return timeout/2 + p.jitter(timeout/2)
}

func (p *LeaseProvider) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return time.Duration(p.randGenerator.Int63n(int64(max) + 1))
}
