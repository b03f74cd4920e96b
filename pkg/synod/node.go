package synod

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"
)

type NodeCfg struct {
	Synod SynodCfg
	Lease LeaseCfg

	// Directory containing the acceptor state of each node. Without it,
	// acceptor state lives in memory only and a restarted node must not
	// rejoin the synod before MaxLeaseTimeSpan has elapsed.
	DataDirectory string

	// Defaults to an HTTP transport listening on the intercom endpoint.
	Transport Transport

	// Served by the default HTTP transport on GET /metrics.
	MetricsHandler http.Handler

	Logger  Logger
	Metrics *Metrics

	Clock func() time.Time

	// When set, the node only acts as an acceptor and callers drive the
	// lease provider themselves.
	ManualLeadership bool

	OnLeadershipChange func(LeadershipState)
}

// Node is a synod member: it runs the local acceptor, the register used by
// its proposer role, and the lease provider.
type Node struct {
	Cfg NodeCfg
	Log Logger

	Synod *Synod

	acceptor      *Acceptor
	register      *Register
	leaseProvider *LeaseProvider
	transport     Transport
	metrics       *Metrics

	heartbeatTicker *time.Ticker

	livenessMu sync.Mutex
	lastSeen   map[NodeId]time.Time
	reachable  map[NodeId]bool

	leadershipCancel context.CancelFunc
	leadershipDone   chan struct{}

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewNode(cfg NodeCfg) (*Node, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	synod, err := NewSynod(cfg.Synod)
	if err != nil {
		return nil, fmt.Errorf("invalid synod configuration: %w", err)
	}

	if err := cfg.Lease.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lease configuration: %w", err)
	}

	if len(synod.Members())%2 == 0 {
		cfg.Logger.Info("synod has an even number of members (%d), "+
			"an odd number tolerates as many failures with one node less",
			len(synod.Members()))
	}

	transport := cfg.Transport
	if transport == nil {
		transportCfg := HTTPTransportCfg{
			Synod:          synod,
			Logger:         cfg.Logger,
			MetricsHandler: cfg.MetricsHandler,
			RequestTimeout: cfg.Lease.NodeResponseTimeout,
		}

		transport, err = NewHTTPTransport(transportCfg)
		if err != nil {
			return nil, fmt.Errorf("cannot create http transport: %w", err)
		}
	}

	var store *PersistentStore
	if cfg.DataDirectory != "" {
		filePath := path.Join(cfg.DataDirectory, string(synod.LocalNode()),
			"acceptor-state.json")
		store = NewPersistentStore(filePath)
	}

	acceptor := NewAcceptor(synod.LocalData().PublicAddress, store)

	registerCfg := RegisterCfg{
		Synod:     synod,
		Transport: transport,

		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,

		NodeResponseTimeout: cfg.Lease.NodeResponseTimeout,
	}

	register, err := NewRegister(registerCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create register: %w", err)
	}

	providerCfg := LeaseProviderCfg{
		Synod:    synod,
		Register: register,

		Lease: cfg.Lease,

		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,

		Clock: cfg.Clock,

		OnLeadershipChange: cfg.OnLeadershipChange,
	}

	leaseProvider, err := NewLeaseProvider(providerCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create lease provider: %w", err)
	}

	n := &Node{
		Cfg: cfg,
		Log: cfg.Logger,

		Synod: synod,

		acceptor:      acceptor,
		register:      register,
		leaseProvider: leaseProvider,
		transport:     transport,
		metrics:       cfg.Metrics,

		lastSeen:  make(map[NodeId]time.Time),
		reachable: make(map[NodeId]bool),

		stopChan: make(chan struct{}),
	}

	return n, nil
}

func (n *Node) Acceptor() *Acceptor {
	return n.acceptor
}

func (n *Node) Register() *Register {
	return n.register
}

func (n *Node) LeaseProvider() *LeaseProvider {
	return n.leaseProvider
}

func (n *Node) IsLeader() bool {
	return n.leaseProvider.IsLeader()
}

func (n *Node) Start(errorChan chan<- error) error {
	n.Log.Debug(1, "starting")

	n.errorChan = errorChan

	if err := n.acceptor.Open(); err != nil {
		return fmt.Errorf("cannot open acceptor: %w", err)
	}

	state := n.acceptor.State()
	n.Log.Debug(1, "initial acceptor state: promised %v, accepted %v",
		state.PromisedBallot, state.AcceptedBallot)

	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("cannot start transport: %w", err)
	}

	n.heartbeatTicker = time.NewTicker(n.Synod.HeartbeatInterval())

	n.wg.Add(1)
	go n.main()

	if !n.Cfg.ManualLeadership {
		ctx, cancel := context.WithCancel(context.Background())

		n.leadershipCancel = cancel
		n.leadershipDone = make(chan struct{})

		go n.runLeadership(ctx)
	}

	n.Log.Debug(1, "started")

	return nil
}

func (n *Node) Stop() {
	n.Log.Debug(1, "stopping")

	// The lease provider needs the main goroutine to receive replies, so
	// it must be stopped first.
	if n.leadershipCancel != nil {
		n.leadershipCancel()
		<-n.leadershipDone
	}

	n.leaseProvider.Stop()

	close(n.stopChan)
	n.wg.Wait()

	n.Log.Debug(1, "stopped")
}

func (n *Node) runLeadership(ctx context.Context) {
	defer close(n.leadershipDone)
	defer recoverGoroutine(n.Log, "leadership")

	n.leaseProvider.Run(ctx)
}

func (n *Node) main() {
	defer n.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.Log.Error("panic: %s\n%s", msg, trace)

			if n.errorChan != nil {
				n.errorChan <- fmt.Errorf("panic: %s", msg)
			}

			n.shutdown()
		}
	}()

	incoming := n.transport.Incoming()

	for {
		select {
		case <-n.stopChan:
			n.shutdown()
			return

		case <-n.heartbeatTicker.C:
			n.onHeartbeatTicker()

		case incomingMsg := <-incoming:
			n.onMsg(incomingMsg.SourceId, incomingMsg.Msg)
		}
	}
}

func (n *Node) shutdown() {
	n.Log.Debug(1, "shutting down")

	n.heartbeatTicker.Stop()
	n.transport.Stop()
}

func (n *Node) onMsg(sourceId NodeId, msg Msg) {
	n.Log.Debug(3, "received %v from %s", msg, sourceId)

	n.metrics.observeMsg(msg)

	if !n.Synod.BelongsToSynod(sourceId) {
		n.Log.Error("ignoring %v from unknown node %q", msg, sourceId)
		return
	}

	switch msgv := msg.(type) {
	case *LeaseRead:
		n.onAcceptorRequest(sourceId, msg, func() (Msg, error) {
			return n.acceptor.HandleRead(msgv)
		})

	case *LeaseWrite:
		n.onAcceptorRequest(sourceId, msg, func() (Msg, error) {
			return n.acceptor.HandleWrite(msgv)
		})

	case *LeaseAckRead, *LeaseNackRead, *LeaseAckWrite, *LeaseNackWrite:
		n.register.HandleMessage(sourceId, msg)

	case *ProcessAnnouncement:
		n.onProcessAnnouncement(sourceId, msgv)

	default:
		n.Log.Error("unexpected message %v from %s", msg, sourceId)
	}
}

func (n *Node) onAcceptorRequest(sourceId NodeId, req Msg, handler func() (Msg, error)) {
	res, err := handler()
	if err != nil {
		// Without durable state we cannot vote; the proposer will count
		// it as a missing reply.
		n.Log.Error("cannot handle %v from %s: %v", req, sourceId, err)
		return
	}

	go n.send(sourceId, res)
}

func (n *Node) send(recipientId NodeId, msg Msg) {
	defer recoverGoroutine(n.Log, "send")

	if err := n.transport.SendTo(recipientId, msg); err != nil {
		n.Log.Debug(1, "cannot send %v to %s: %v", msg, recipientId, err)
	}
}

func (n *Node) onHeartbeatTicker() {
	announcement := ProcessAnnouncement{
		Node:    n.Synod.LocalNode(),
		Address: n.Synod.LocalData().PublicAddress,
	}

	for _, id := range n.Synod.Members() {
		if id == n.Synod.LocalNode() {
			continue
		}

		go n.send(id, &announcement)
	}

	n.updateLiveness()
}

func (n *Node) onProcessAnnouncement(sourceId NodeId, msg *ProcessAnnouncement) {
	if msg.Node != sourceId {
		n.Log.Error("ignoring announcement for %q sent by %q", msg.Node, sourceId)
		return
	}

	n.livenessMu.Lock()
	n.lastSeen[sourceId] = time.Now()
	n.livenessMu.Unlock()
}

func (n *Node) livenessWindow() time.Duration {
	return n.Synod.HeartbeatInterval() *
		time.Duration(n.Synod.MissingHeartbeatsBeforeReconnect())
}

func (n *Node) updateLiveness() {
	now := time.Now()
	window := n.livenessWindow()

	n.livenessMu.Lock()
	defer n.livenessMu.Unlock()

	nbLive := 1

	for _, id := range n.Synod.Members() {
		if id == n.Synod.LocalNode() {
			continue
		}

		lastSeen, found := n.lastSeen[id]
		live := found && now.Sub(lastSeen) <= window

		if live {
			nbLive++
		}

		if live != n.reachable[id] {
			if live {
				n.Log.Info("member %s is reachable", id)
			} else if found {
				n.Log.Info("member %s has missed %d heartbeats",
					id, n.Synod.MissingHeartbeatsBeforeReconnect())
			}

			n.reachable[id] = live
		}
	}

	n.metrics.setLiveMembers(nbLive)
}

// LiveMembers returns the local node and every member whose announcement
// was received within the liveness window.
func (n *Node) LiveMembers() []NodeId {
	now := time.Now()
	window := n.livenessWindow()

	n.livenessMu.Lock()
	defer n.livenessMu.Unlock()

	ids := []NodeId{n.Synod.LocalNode()}

	for id, lastSeen := range n.lastSeen {
		if now.Sub(lastSeen) <= window {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}
