package synod

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	logger *stdlog.Logger
}

func newTestLogger(name string) *testLogger {
	var w io.Writer = io.Discard
	if testing.Verbose() {
		w = os.Stderr
	}

	return &testLogger{
		logger: stdlog.New(w, "["+name+"] ", stdlog.Lmicroseconds),
	}
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	if level <= 1 {
		l.logger.Printf("debug: "+format, args...)
	}
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.logger.Printf("info: "+format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.logger.Printf("error: "+format, args...)
}

// testClock is a manual clock used for lease expiry; ballots keep using the
// wall clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLeaseCfg() LeaseCfg {
	return LeaseCfg{
		MaxLeaseTimeSpan:    3 * time.Second,
		ClockDrift:          0,
		MessageRoundtrip:    100 * time.Millisecond,
		NodeResponseTimeout: 500 * time.Millisecond,
	}
}

func testMembers(ids ...NodeId) NodeSet {
	members := make(NodeSet)

	for i, id := range ids {
		address := NodeAddress(fmt.Sprintf("127.0.0.1:%d", 7100+i))

		members[id] = NodeData{
			LocalAddress:  address,
			PublicAddress: address,
		}
	}

	return members
}

type testSynod struct {
	t *testing.T

	network *MemoryNetwork
	clock   *testClock
	nodes   map[NodeId]*Node
}

type testSynodCfg struct {
	Lease             LeaseCfg
	DataDirectory     string
	Clock             func() time.Time
	Metrics           *Metrics
	AutoLeadership    bool
	HeartbeatInterval time.Duration
}

func newTestSynod(t *testing.T, cfg testSynodCfg, ids ...NodeId) *testSynod {
	t.Helper()

	if cfg.Lease.MaxLeaseTimeSpan == 0 {
		cfg.Lease = testLeaseCfg()
	}

	ts := &testSynod{
		t: t,

		network: NewMemoryNetwork(),
		clock:   newTestClock(),
		nodes:   make(map[NodeId]*Node),
	}

	if cfg.Clock == nil {
		cfg.Clock = ts.clock.Now
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Second
	}

	members := testMembers(ids...)

	for _, id := range ids {
		nodeCfg := NodeCfg{
			Synod: SynodCfg{
				LocalNode: id,
				Members:   members,

				HeartbeatInterval:                cfg.HeartbeatInterval,
				MissingHeartbeatsBeforeReconnect: 2,
			},

			Lease: cfg.Lease,

			DataDirectory: cfg.DataDirectory,

			Transport: ts.network.Transport(id),

			Logger:  newTestLogger(string(id)),
			Metrics: cfg.Metrics,

			Clock: cfg.Clock,

			ManualLeadership: !cfg.AutoLeadership,
		}

		node, err := NewNode(nodeCfg)
		require.NoError(t, err)

		require.NoError(t, node.Start(nil))

		ts.nodes[id] = node
	}

	t.Cleanup(ts.Stop)

	return ts
}

func (ts *testSynod) Node(id NodeId) *Node {
	node, found := ts.nodes[id]
	require.True(ts.t, found, "unknown node %q", id)

	return node
}

func (ts *testSynod) StopNode(id NodeId) {
	if node, found := ts.nodes[id]; found {
		node.Stop()
		delete(ts.nodes, id)
	}
}

func (ts *testSynod) Stop() {
	for id := range ts.nodes {
		ts.StopNode(id)
	}
}

func TestSynodCfgValidate(t *testing.T) {
	assert := assert.New(t)

	members := testMembers("a", "b", "c")

	cfg := SynodCfg{LocalNode: "a", Members: members}
	assert.NoError(cfg.Validate())

	cfg = SynodCfg{LocalNode: "a"}
	assert.ErrorIs(cfg.Validate(), ErrEmptySynod)

	cfg = SynodCfg{Members: members}
	assert.ErrorIs(cfg.Validate(), ErrMissingLocalNode)

	cfg = SynodCfg{LocalNode: "d", Members: members}
	assert.ErrorIs(cfg.Validate(), ErrUnknownLocalNode)

	cfg = SynodCfg{
		LocalNode: "a",
		Members:   NodeSet{"a": NodeData{LocalAddress: "127.0.0.1:7100"}},
	}
	assert.ErrorIs(cfg.Validate(), ErrMissingAddress)

	cfg = SynodCfg{
		LocalNode: "a",
		Members:   members,

		MissingHeartbeatsBeforeReconnect: -1,
	}
	assert.ErrorIs(cfg.Validate(), ErrInvalidHeartbeats)
}

func TestSynod(t *testing.T) {
	require := require.New(t)

	s, err := NewSynod(SynodCfg{
		LocalNode: "b",
		Members:   testMembers("c", "a", "b"),
	})
	require.NoError(err)

	require.Equal(NodeId("b"), s.LocalNode())
	require.Equal([]NodeId{"a", "b", "c"}, s.Members())
	require.Equal(2, s.Quorum())
	require.Equal(NodeIdentity("b"), s.LocalIdentity())
	require.Equal(NodeAddress("127.0.0.1:7102"), s.IntercomEndpoint())

	require.True(s.BelongsToSynod("a"))
	require.False(s.BelongsToSynod("d"))

	require.Equal(5*time.Second, s.HeartbeatInterval())
	require.Equal(2, s.MissingHeartbeatsBeforeReconnect())

	addr, err := s.ResolveMember("a")
	require.NoError(err)
	require.Equal("127.0.0.1:7101", addr.String())

	_, err = s.ResolveMember("d")
	require.Error(err)
}

func TestSynodQuorum(t *testing.T) {
	ids := []NodeId{"a", "b", "c", "d", "e"}
	expected := []int{1, 2, 2, 3, 3}

	for i := range ids {
		s, err := NewSynod(SynodCfg{
			LocalNode: "a",
			Members:   testMembers(ids[:i+1]...),
		})
		require.NoError(t, err)

		assert.Equal(t, expected[i], s.Quorum(), "synod of %d members", i+1)
	}
}

func TestNodeIdentity(t *testing.T) {
	assert := assert.New(t)

	assert.Len(NodeIdentity("a"), 16)
	assert.True(NodeIdentity("a").Equal(NodeIdentity("a")))
	assert.False(NodeIdentity("a").Equal(NodeIdentity("b")))
}
