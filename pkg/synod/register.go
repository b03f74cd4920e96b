package synod

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type RegisterCfg struct {
	Synod     *Synod
	Transport Transport

	Logger  Logger
	Metrics *Metrics

	NodeResponseTimeout time.Duration
}

// Register is a single-value register implemented with Paxos-style quorum
// rounds. Rounds issued by one register are serialized; replies for a
// round which is no longer outstanding are discarded.
type Register struct {
	Cfg RegisterCfg
	Log Logger

	synod     *Synod
	transport Transport
	metrics   *Metrics

	roundMu sync.Mutex

	mu      sync.Mutex
	current *round
}

type ReadResult struct {
	Outcome          TxOutcome
	KnownWriteBallot Ballot
	Lease            *Lease
}

type roundKind string

const (
	roundRead  roundKind = "read"
	roundWrite roundKind = "write"
)

type round struct {
	kind    roundKind
	ballot  Ballot
	replies chan IncomingMsg
}

func (r *round) accepts(msg Msg) bool {
	var kind roundKind
	var ballot Ballot

	switch msgv := msg.(type) {
	case *LeaseAckRead:
		kind, ballot = roundRead, msgv.Ballot
	case *LeaseNackRead:
		kind, ballot = roundRead, msgv.Ballot
	case *LeaseAckWrite:
		kind, ballot = roundWrite, msgv.Ballot
	case *LeaseNackWrite:
		kind, ballot = roundWrite, msgv.Ballot
	default:
		return false
	}

	return kind == r.kind && ballot.Equal(r.ballot)
}

func NewRegister(cfg RegisterCfg) (*Register, error) {
	if cfg.Synod == nil {
		return nil, fmt.Errorf("missing synod")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.NodeResponseTimeout <= 0 {
		return nil, ErrInvalidResponseTimeout
	}

	r := &Register{
		Cfg: cfg,
		Log: cfg.Logger,

		synod:     cfg.Synod,
		transport: cfg.Transport,
		metrics:   cfg.Metrics,
	}

	return r, nil
}

// Read runs a read round. On success, the result carries the lease with
// the highest write ballot among the acknowledgements received.
func (r *Register) Read(ctx context.Context, ballot Ballot) ReadResult {
	req := LeaseRead{
		Ballot:   ballot,
		SenderId: r.synod.LocalNode(),
	}

	acks, outcome := r.runRound(ctx, roundRead, ballot, &req)
	if outcome != TxComplete {
		return ReadResult{Outcome: outcome}
	}

	result := ReadResult{Outcome: TxComplete}

	for _, msg := range acks {
		ack := msg.(*LeaseAckRead)

		if result.KnownWriteBallot.Less(ack.KnownWriteBallot) {
			result.KnownWriteBallot = ack.KnownWriteBallot
			result.Lease = ack.Lease
		}
	}

	return result
}

// Write runs a write round. Whatever the outcome, a failed write must not
// be retried with the same ballot: the caller starts again with a read
// using a new ballot.
func (r *Register) Write(ctx context.Context, ballot Ballot, lease *Lease) TxOutcome {
	req := LeaseWrite{
		Ballot:   ballot,
		Lease:    lease,
		SenderId: r.synod.LocalNode(),
	}

	_, outcome := r.runRound(ctx, roundWrite, ballot, &req)
	return outcome
}

// HandleMessage routes a reply to the outstanding round.
func (r *Register) HandleMessage(sourceId NodeId, msg Msg) {
	if !r.synod.BelongsToSynod(sourceId) {
		r.Log.Error("ignoring %v from unknown node %q", msg, sourceId)
		return
	}

	r.mu.Lock()
	rnd := r.current
	r.mu.Unlock()

	if rnd == nil || !rnd.accepts(msg) {
		r.Log.Debug(2, "discarding late reply %v from %s", msg, sourceId)
		r.metrics.observeDiscardedReply()
		return
	}

	select {
	case rnd.replies <- IncomingMsg{SourceId: sourceId, Msg: msg}:
	default:
		r.Log.Debug(2, "discarding duplicate reply %v from %s", msg, sourceId)
		r.metrics.observeDiscardedReply()
	}
}

func (r *Register) runRound(ctx context.Context, kind roundKind, ballot Ballot, req Msg) (map[NodeId]Msg, TxOutcome) {
	r.roundMu.Lock()
	defer r.roundMu.Unlock()

	start := time.Now()

	members := r.synod.Members()
	quorum := r.synod.Quorum()

	rnd := &round{
		kind:    kind,
		ballot:  ballot,
		replies: make(chan IncomingMsg, len(members)),
	}

	r.mu.Lock()
	r.current = rnd
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.Cfg.NodeResponseTimeout)
	defer cancel()

	r.Log.Debug(2, "starting %s round with %v", kind, ballot)

	sendErrors := make(chan NodeId, len(members))
	for _, id := range members {
		go r.send(id, req, sendErrors)
	}

	acks := make(map[NodeId]Msg)
	unreachable := make(map[NodeId]bool)
	outcome := TxQuorumNotReached

loop:
	for {
		select {
		case <-ctx.Done():
			r.Log.Debug(1, "%s round with %v timed out (%d/%d acks)",
				kind, ballot, len(acks), quorum)
			break loop

		case id := <-sendErrors:
			if _, found := acks[id]; !found {
				unreachable[id] = true
			}

			if len(members)-len(unreachable) < quorum {
				r.Log.Debug(1, "%s round with %v cannot reach quorum "+
					"(%d/%d members unreachable)",
					kind, ballot, len(unreachable), len(members))
				break loop
			}

		case in := <-rnd.replies:
			switch msgv := in.Msg.(type) {
			case *LeaseNackRead, *LeaseNackWrite:
				r.Log.Debug(1, "%s round with %v outranked: %v",
					kind, ballot, msgv)
				outcome = TxOutranked
				break loop
			}

			delete(unreachable, in.SourceId)
			acks[in.SourceId] = in.Msg

			if len(acks) >= quorum {
				outcome = TxComplete
				break loop
			}
		}
	}

	r.metrics.observeRound(string(kind), outcome, time.Since(start))

	return acks, outcome
}

func (r *Register) send(id NodeId, msg Msg, failures chan<- NodeId) {
	defer recoverGoroutine(r.Log, "send")

	if err := r.transport.SendTo(id, msg); err != nil {
		r.Log.Debug(1, "cannot send %v to %s: %v", msg, id, err)
		failures <- id
	}
}
