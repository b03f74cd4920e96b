package synod

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"time"
)

// Ballot is a proposal number. Ballots are ordered by timestamp, then
// identity, then message number; the zero ballot is lower than any ballot
// produced by a generator.
type Ballot struct {
	Timestamp     int64    `json:"timestamp"`
	Identity      Identity `json:"identity"`
	MessageNumber uint32   `json:"messageNumber"`
}

func (b Ballot) Compare(b2 Ballot) int {
	switch {
	case b.Timestamp < b2.Timestamp:
		return -1
	case b.Timestamp > b2.Timestamp:
		return 1
	}

	if c := bytes.Compare(b.Identity, b2.Identity); c != 0 {
		return c
	}

	switch {
	case b.MessageNumber < b2.MessageNumber:
		return -1
	case b.MessageNumber > b2.MessageNumber:
		return 1
	}

	return 0
}

func (b Ballot) Less(b2 Ballot) bool {
	return b.Compare(b2) < 0
}

func (b Ballot) Equal(b2 Ballot) bool {
	return b.Compare(b2) == 0
}

func (b Ballot) IsZero() bool {
	return b.Timestamp == 0 && len(b.Identity) == 0 && b.MessageNumber == 0
}

func (b Ballot) String() string {
	if b.IsZero() {
		return "Ballot{}"
	}

	return fmt.Sprintf("Ballot{%d, %s, %d}",
		b.Timestamp, b.Identity, b.MessageNumber)
}

// BallotGenerator produces a strictly increasing sequence of ballots for a
// single identity.
type BallotGenerator struct {
	identity Identity
	clock    func() time.Time

	mu            sync.Mutex
	lastTimestamp int64
	counter       uint32
}

func NewBallotGenerator(identity Identity, clock func() time.Time) *BallotGenerator {
	if clock == nil {
		clock = time.Now
	}

	return &BallotGenerator{
		identity: identity,
		clock:    clock,
	}
}

func (g *BallotGenerator) CreateBallot() Ballot {
	now := g.clock().UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case now > g.lastTimestamp:
		g.lastTimestamp = now
		g.counter = 0

	case g.counter == math.MaxUint32:
		g.lastTimestamp++
		g.counter = 0

	default:
		// Same millisecond, or the wall clock went backwards.
		g.counter++
	}

	return Ballot{
		Timestamp:     g.lastTimestamp,
		Identity:      g.identity,
		MessageNumber: g.counter,
	}
}
