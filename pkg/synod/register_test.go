package synod

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterReadWrite(t *testing.T) {
	require := require.New(t)

	ts := newTestSynod(t, testSynodCfg{}, "a", "b", "c")
	ctx := context.Background()

	ra := ts.Node("a").Register()
	rb := ts.Node("b").Register()

	read := ra.Read(ctx, testBallot(10, "a"))
	require.Equal(TxComplete, read.Outcome)
	require.True(read.KnownWriteBallot.IsZero())
	require.Nil(read.Lease)

	lease := testLease("a", ts.clock.Now().Add(time.Second))
	require.Equal(TxComplete, ra.Write(ctx, testBallot(10, "a"), lease))

	read = rb.Read(ctx, testBallot(20, "b"))
	require.Equal(TxComplete, read.Outcome)
	require.True(read.KnownWriteBallot.Equal(testBallot(10, "a")))
	require.NotNil(read.Lease)
	require.Equal(NodeId("a"), read.Lease.OwnerId)
}

func TestRegisterMajority(t *testing.T) {
	require := require.New(t)

	ts := newTestSynod(t, testSynodCfg{}, "a", "b", "c")
	ctx := context.Background()

	ra := ts.Node("a").Register()
	lease := testLease("a", ts.clock.Now().Add(time.Second))

	ts.network.Disconnect("b", "c")

	read := ra.Read(ctx, testBallot(10, "a"))
	require.Equal(TxQuorumNotReached, read.Outcome)
	require.Equal(TxQuorumNotReached, ra.Write(ctx, testBallot(10, "a"), lease))

	ts.network.Reconnect("b")

	read = ra.Read(ctx, testBallot(11, "a"))
	require.Equal(TxComplete, read.Outcome)
	require.Equal(TxComplete, ra.Write(ctx, testBallot(11, "a"), lease))
}

func TestRegisterNoLostWrites(t *testing.T) {
	require := require.New(t)

	ts := newTestSynod(t, testSynodCfg{}, "a", "b", "c")
	ctx := context.Background()

	ra := ts.Node("a").Register()
	rc := ts.Node("c").Register()

	// The write reaches a and b only.
	ts.network.Disconnect("c")

	lease := testLease("a", ts.clock.Now().Add(time.Second))

	require.Equal(TxComplete, ra.Read(ctx, testBallot(10, "a")).Outcome)
	require.Equal(TxComplete, ra.Write(ctx, testBallot(10, "a"), lease))

	// Any majority including c still contains a or b.
	ts.network.Reconnect("c")
	ts.network.Disconnect("b")

	read := rc.Read(ctx, testBallot(20, "c"))
	require.Equal(TxComplete, read.Outcome)
	require.True(read.KnownWriteBallot.Equal(testBallot(10, "a")))
	require.Equal(NodeId("a"), read.Lease.OwnerId)
}

func TestRegisterOutranked(t *testing.T) {
	require := require.New(t)

	ts := newTestSynod(t, testSynodCfg{}, "a", "b", "c")
	ctx := context.Background()

	ra := ts.Node("a").Register()
	rb := ts.Node("b").Register()

	leaseA := testLease("a", ts.clock.Now().Add(time.Second))
	leaseB := testLease("b", ts.clock.Now().Add(time.Second))

	require.Equal(TxComplete, ra.Read(ctx, testBallot(10, "a")).Outcome)
	require.Equal(TxComplete, rb.Read(ctx, testBallot(20, "b")).Outcome)

	require.Equal(TxOutranked, ra.Write(ctx, testBallot(10, "a"), leaseA))
	require.Equal(TxOutranked, ra.Read(ctx, testBallot(15, "a")).Outcome)

	// Retrying with a new, higher ballot succeeds.
	read := ra.Read(ctx, testBallot(30, "a"))
	require.Equal(TxComplete, read.Outcome)
	require.Equal(TxComplete, ra.Write(ctx, testBallot(30, "a"), leaseA))

	require.Equal(TxOutranked, rb.Write(ctx, testBallot(20, "b"), leaseB))

	read = rb.Read(ctx, testBallot(40, "b"))
	require.Equal(TxComplete, read.Outcome)
	require.Equal(NodeId("a"), read.Lease.OwnerId)
}

func TestRegisterOutrankedRetryWithGenerator(t *testing.T) {
	require := require.New(t)

	ts := newTestSynod(t, testSynodCfg{}, "a", "b", "c")
	ctx := context.Background()

	ra := ts.Node("a").Register()
	rb := ts.Node("b").Register()

	ga := NewBallotGenerator(NodeIdentity("a"), nil)
	gb := NewBallotGenerator(NodeIdentity("b"), nil)

	ballotA := ga.CreateBallot()
	require.Equal(TxComplete, ra.Read(ctx, ballotA).Outcome)

	time.Sleep(2 * time.Millisecond)

	ballotB := gb.CreateBallot()
	require.True(ballotA.Less(ballotB))
	require.Equal(TxComplete, rb.Read(ctx, ballotB).Outcome)

	lease := testLease("a", ts.clock.Now().Add(time.Second))
	require.Equal(TxOutranked, ra.Write(ctx, ballotA, lease))

	time.Sleep(2 * time.Millisecond)

	ballotA = ga.CreateBallot()
	require.Equal(TxComplete, ra.Read(ctx, ballotA).Outcome)
	require.Equal(TxComplete, ra.Write(ctx, ballotA, lease))
}

func TestRegisterTimeout(t *testing.T) {
	require := require.New(t)

	metrics := NewMetrics(prometheus.NewRegistry())

	lease := testLeaseCfg()
	lease.NodeResponseTimeout = 200 * time.Millisecond

	ts := newTestSynod(t, testSynodCfg{Lease: lease, Metrics: metrics},
		"a", "b", "c")

	ra := ts.Node("a").Register()

	ts.network.SetLatency(150 * time.Millisecond)

	start := time.Now()
	read := ra.Read(context.Background(), testBallot(10, "a"))
	require.Equal(TxQuorumNotReached, read.Outcome)
	require.Less(time.Since(start), time.Second)

	// Replies arrive once the round is over and are dropped.
	require.Eventually(func() bool {
		return testutil.ToFloat64(metrics.DiscardedRepliesTotal) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	ts.network.SetLatency(0)

	read = ra.Read(context.Background(), testBallot(11, "a"))
	require.Equal(TxComplete, read.Outcome)
}

func TestRegisterContextCancellation(t *testing.T) {
	ts := newTestSynod(t, testSynodCfg{}, "a", "b", "c")

	ts.network.SetLatency(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	read := ts.Node("a").Register().Read(ctx, testBallot(10, "a"))
	assert.Equal(t, TxQuorumNotReached, read.Outcome)
}

func TestRegisterMetrics(t *testing.T) {
	require := require.New(t)

	metrics := NewMetrics(prometheus.NewRegistry())

	ts := newTestSynod(t, testSynodCfg{Metrics: metrics}, "a", "b", "c")
	ctx := context.Background()

	ra := ts.Node("a").Register()
	rb := ts.Node("b").Register()

	require.Equal(TxComplete, rb.Read(ctx, testBallot(20, "b")).Outcome)
	require.Equal(TxOutranked, ra.Read(ctx, testBallot(10, "a")).Outcome)

	require.Equal(1.0, testutil.ToFloat64(
		metrics.RoundsTotal.WithLabelValues("read", "complete")))
	require.Equal(1.0, testutil.ToFloat64(
		metrics.RoundsTotal.WithLabelValues("read", "outranked")))

	require.Eventually(func() bool {
		return testutil.ToFloat64(
			metrics.MessagesReceivedTotal.WithLabelValues("leaseRead")) == 6
	}, time.Second, 10*time.Millisecond)
}
