package synod

import (
	"fmt"
	"sync"
)

type AcceptorState struct {
	PromisedBallot Ballot `json:"promisedBallot"`
	AcceptedBallot Ballot `json:"acceptedBallot"`
	AcceptedLease  *Lease `json:"acceptedLease,omitempty"`
}

// Acceptor is the local acceptor record. Every compare-and-update runs with
// the mutex held and, when a store is configured, the new state is on disk
// before a reply is produced.
type Acceptor struct {
	address NodeAddress
	store   *PersistentStore

	mu    sync.Mutex
	state AcceptorState
}

func NewAcceptor(address NodeAddress, store *PersistentStore) *Acceptor {
	return &Acceptor{
		address: address,
		store:   store,
	}
}

func (a *Acceptor) Open() error {
	if a.store == nil {
		return nil
	}

	if err := a.store.Open(); err != nil {
		return fmt.Errorf("cannot open persistent store: %w", err)
	}

	var state AcceptorState
	if err := a.store.Read(&state); err != nil {
		return fmt.Errorf("cannot read acceptor state: %w", err)
	}

	a.mu.Lock()
	a.state = state
	a.mu.Unlock()

	return nil
}

func (a *Acceptor) State() AcceptorState {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

func (a *Acceptor) HandleRead(req *LeaseRead) (Msg, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Ballot.Less(a.state.PromisedBallot) {
		return &LeaseNackRead{
			Ballot:         req.Ballot,
			PromisedBallot: a.state.PromisedBallot,
			SenderUri:      a.address,
		}, nil
	}

	state := a.state
	state.PromisedBallot = req.Ballot

	if err := a.updateState(state); err != nil {
		return nil, err
	}

	return &LeaseAckRead{
		Ballot:           req.Ballot,
		KnownWriteBallot: a.state.AcceptedBallot,
		Lease:            a.state.AcceptedLease,
		SenderUri:        a.address,
	}, nil
}

func (a *Acceptor) HandleWrite(req *LeaseWrite) (Msg, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Ballot.Less(a.state.PromisedBallot) {
		return &LeaseNackWrite{
			Ballot:         req.Ballot,
			PromisedBallot: a.state.PromisedBallot,
			SenderUri:      a.address,
		}, nil
	}

	state := AcceptorState{
		PromisedBallot: req.Ballot,
		AcceptedBallot: req.Ballot,
		AcceptedLease:  req.Lease,
	}

	if err := a.updateState(state); err != nil {
		return nil, err
	}

	return &LeaseAckWrite{
		Ballot:    req.Ballot,
		SenderUri: a.address,
	}, nil
}

func (a *Acceptor) updateState(state AcceptorState) error {
	if a.store != nil {
		if err := a.store.Write(state); err != nil {
			return fmt.Errorf("cannot write acceptor state: %w", err)
		}
	}

	a.state = state
	return nil
}
