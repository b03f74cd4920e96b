package synod

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrUnreachable = errors.New("node unreachable")

// MemoryNetwork connects MemoryTransport endpoints living in the same
// process. Nodes can be disconnected to simulate partitions and crashes.
// Messages go through the wire codec so that nodes never share memory.
type MemoryNetwork struct {
	mu           sync.RWMutex
	endpoints    map[NodeId]*MemoryTransport
	disconnected map[NodeId]bool
	latency      time.Duration
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints:    make(map[NodeId]*MemoryTransport),
		disconnected: make(map[NodeId]bool),
	}
}

// Transport returns the endpoint of a node, creating it if it does not
// exist or if the previous one was stopped.
func (n *MemoryNetwork) Transport(id NodeId) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, found := n.endpoints[id]; found && !t.stopped() {
		return t
	}

	t := &MemoryTransport{
		network:  n,
		id:       id,
		incoming: make(chan IncomingMsg, 64),
		stopChan: make(chan struct{}),
	}

	n.endpoints[id] = t

	return t
}

func (n *MemoryNetwork) SetLatency(latency time.Duration) {
	n.mu.Lock()
	n.latency = latency
	n.mu.Unlock()
}

// Disconnect makes a node unable to send or receive messages. Messages
// already in flight are still delivered.
func (n *MemoryNetwork) Disconnect(ids ...NodeId) {
	n.mu.Lock()
	for _, id := range ids {
		n.disconnected[id] = true
	}
	n.mu.Unlock()
}

func (n *MemoryNetwork) Reconnect(ids ...NodeId) {
	n.mu.Lock()
	for _, id := range ids {
		delete(n.disconnected, id)
	}
	n.mu.Unlock()
}

func (n *MemoryNetwork) route(sourceId, recipientId NodeId, msg Msg) error {
	n.mu.RLock()
	recipient, found := n.endpoints[recipientId]
	down := n.disconnected[sourceId] || n.disconnected[recipientId]
	latency := n.latency
	n.mu.RUnlock()

	if !found {
		return fmt.Errorf("unknown node %q", recipientId)
	}

	if down {
		return fmt.Errorf("cannot send %v to %s: %w", msg, recipientId,
			ErrUnreachable)
	}

	data, err := EncodeMsg(msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	go recipient.deliver(sourceId, data, latency)

	return nil
}

type MemoryTransport struct {
	network *MemoryNetwork
	id      NodeId

	incoming chan IncomingMsg

	stopChan chan struct{}
	stopOnce sync.Once
}

func (t *MemoryTransport) Start() error {
	return nil
}

func (t *MemoryTransport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
}

func (t *MemoryTransport) stopped() bool {
	select {
	case <-t.stopChan:
		return true
	default:
		return false
	}
}

func (t *MemoryTransport) SendTo(recipientId NodeId, msg Msg) error {
	if t.stopped() {
		return fmt.Errorf("transport stopped")
	}

	return t.network.route(t.id, recipientId, msg)
}

func (t *MemoryTransport) Incoming() <-chan IncomingMsg {
	return t.incoming
}

func (t *MemoryTransport) deliver(sourceId NodeId, data []byte, latency time.Duration) {
	if latency > 0 {
		time.Sleep(latency)
	}

	msg, err := DecodeMsg(data)
	if err != nil {
		return
	}

	select {
	case t.incoming <- IncomingMsg{SourceId: sourceId, Msg: msg}:
	case <-t.stopChan:
	}
}
