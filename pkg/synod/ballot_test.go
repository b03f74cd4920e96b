package synod

import (
	"bytes"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBallotOrdering(t *testing.T) {
	assert := assert.New(t)

	a := NodeIdentity("a")
	b := NodeIdentity("b")

	low, high := a, b
	if bytes.Compare(b, a) < 0 {
		low, high = b, a
	}

	assert.True(Ballot{}.Less(Ballot{Timestamp: 1, Identity: a}))
	assert.True(Ballot{}.IsZero())

	assert.True(Ballot{Timestamp: 1, Identity: high, MessageNumber: 9}.
		Less(Ballot{Timestamp: 2, Identity: low}))

	assert.True(Ballot{Timestamp: 1, Identity: low, MessageNumber: 9}.
		Less(Ballot{Timestamp: 1, Identity: high}))

	assert.True(Ballot{Timestamp: 1, Identity: a, MessageNumber: 1}.
		Less(Ballot{Timestamp: 1, Identity: a, MessageNumber: 2}))

	assert.True(Ballot{Timestamp: 1, Identity: a, MessageNumber: 1}.
		Equal(Ballot{Timestamp: 1, Identity: NodeIdentity("a"), MessageNumber: 1}))
}

func TestBallotGenerator(t *testing.T) {
	assert := assert.New(t)

	now := time.UnixMilli(1000)
	g := NewBallotGenerator(NodeIdentity("a"), func() time.Time { return now })

	b1 := g.CreateBallot()
	assert.Equal(int64(1000), b1.Timestamp)
	assert.Equal(uint32(0), b1.MessageNumber)

	b2 := g.CreateBallot()
	assert.Equal(int64(1000), b2.Timestamp)
	assert.Equal(uint32(1), b2.MessageNumber)

	now = time.UnixMilli(900)
	b3 := g.CreateBallot()
	assert.True(b2.Less(b3))

	now = time.UnixMilli(2000)
	b4 := g.CreateBallot()
	assert.Equal(int64(2000), b4.Timestamp)
	assert.Equal(uint32(0), b4.MessageNumber)
}

func TestBallotGeneratorCounterOverflow(t *testing.T) {
	g := NewBallotGenerator(NodeIdentity("a"),
		func() time.Time { return time.UnixMilli(1000) })

	g.CreateBallot()
	g.counter = math.MaxUint32

	b1 := Ballot{Timestamp: 1000, Identity: g.identity,
		MessageNumber: math.MaxUint32}
	b2 := g.CreateBallot()

	require.True(t, b1.Less(b2))
	require.Equal(t, int64(1001), b2.Timestamp)
	require.Equal(t, uint32(0), b2.MessageNumber)
}

func TestBallotGeneratorConcurrency(t *testing.T) {
	g := NewBallotGenerator(NodeIdentity("a"), nil)

	type ballotKey struct {
		timestamp     int64
		messageNumber uint32
	}

	var mu sync.Mutex
	seen := make(map[ballotKey]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < 500; j++ {
				ballot := g.CreateBallot()
				key := ballotKey{ballot.Timestamp, ballot.MessageNumber}

				mu.Lock()
				seen[key] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	require.Len(t, seen, 8*500)
}

func TestBallotProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("ballots increase whatever the clock does", prop.ForAll(
		func(steps []int64) bool {
			now := time.UnixMilli(1_000_000)
			g := NewBallotGenerator(NodeIdentity("a"),
				func() time.Time { return now })

			previous := g.CreateBallot()

			for _, step := range steps {
				now = now.Add(time.Duration(step) * time.Millisecond)

				ballot := g.CreateBallot()
				if !previous.Less(ballot) {
					return false
				}

				previous = ballot
			}

			return true
		},
		gen.SliceOf(gen.Int64Range(-50, 50)),
	))

	properties.Property("comparison is antisymmetric", prop.ForAll(
		func(ts1, ts2 int64, n1, n2 uint32, swap bool) bool {
			id1, id2 := NodeIdentity("a"), NodeIdentity("b")
			if swap {
				id1, id2 = id2, id1
			}

			b1 := Ballot{Timestamp: ts1, Identity: id1, MessageNumber: n1}
			b2 := Ballot{Timestamp: ts2, Identity: id2, MessageNumber: n2}

			return b1.Compare(b2) == -b2.Compare(b1)
		},
		gen.Int64Range(0, 3),
		gen.Int64Range(0, 3),
		gen.UInt32Range(0, 3),
		gen.UInt32Range(0, 3),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
