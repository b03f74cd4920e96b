package synod

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptySynod        = errors.New("synod must contain at least one member")
	ErrMissingLocalNode  = errors.New("missing or empty local node id")
	ErrUnknownLocalNode  = errors.New("local node is not a member of the synod")
	ErrMissingAddress    = errors.New("synod member has no public address")
	ErrInvalidHeartbeats = errors.New("missing heartbeats before reconnect cannot be negative")
)

type NodeId string

type NodeAddress string

type NodeSet map[NodeId]NodeData

type NodeData struct {
	LocalAddress  NodeAddress `json:"localAddress"`
	PublicAddress NodeAddress `json:"publicAddress"`
}

// Identity is the byte identifier carried by ballots and leases.
type Identity []byte

var identityNamespace = uuid.MustParse("6f0d3c1e-8a43-4d55-9b0b-6c1f2f6b7d42")

// NodeIdentity derives a stable identity from a node id, so that a node
// restarting under the same id keeps owning its ballots and leases.
func NodeIdentity(id NodeId) Identity {
	u := uuid.NewSHA1(identityNamespace, []byte(id))
	return Identity(u[:])
}

func (i Identity) Equal(i2 Identity) bool {
	return bytes.Equal(i, i2)
}

func (i Identity) String() string {
	if u, err := uuid.FromBytes(i); err == nil {
		return u.String()
	}

	return hex.EncodeToString(i)
}

type SynodCfg struct {
	LocalNode NodeId
	Members   NodeSet

	HeartbeatInterval                time.Duration
	MissingHeartbeatsBeforeReconnect int

	// Address the intercom transport listens on. Defaults to the local
	// address of the local node.
	IntercomEndpoint NodeAddress
}

func (cfg *SynodCfg) Validate() error {
	if len(cfg.Members) == 0 {
		return ErrEmptySynod
	}

	if cfg.LocalNode == "" {
		return ErrMissingLocalNode
	}

	if _, found := cfg.Members[cfg.LocalNode]; !found {
		return fmt.Errorf("%w: %q", ErrUnknownLocalNode, cfg.LocalNode)
	}

	for id, data := range cfg.Members {
		if data.PublicAddress == "" {
			return fmt.Errorf("%w: %q", ErrMissingAddress, id)
		}
	}

	if cfg.MissingHeartbeatsBeforeReconnect < 0 {
		return ErrInvalidHeartbeats
	}

	return nil
}

// Synod is an immutable snapshot of the synod configuration.
type Synod struct {
	cfg SynodCfg

	localIdentity Identity
	memberIds     []NodeId

	resolvedMu sync.Mutex
	resolved   map[NodeId]*net.TCPAddr
}

func NewSynod(cfg SynodCfg) (*Synod, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	if cfg.MissingHeartbeatsBeforeReconnect == 0 {
		cfg.MissingHeartbeatsBeforeReconnect = 2
	}

	members := make(NodeSet, len(cfg.Members))
	ids := make([]NodeId, 0, len(cfg.Members))

	for id, data := range cfg.Members {
		members[id] = data
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cfg.Members = members

	if cfg.IntercomEndpoint == "" {
		cfg.IntercomEndpoint = members[cfg.LocalNode].LocalAddress
	}

	s := Synod{
		cfg: cfg,

		localIdentity: NodeIdentity(cfg.LocalNode),
		memberIds:     ids,

		resolved: make(map[NodeId]*net.TCPAddr),
	}

	return &s, nil
}

func (s *Synod) LocalNode() NodeId {
	return s.cfg.LocalNode
}

func (s *Synod) LocalIdentity() Identity {
	return s.localIdentity
}

func (s *Synod) LocalData() NodeData {
	return s.cfg.Members[s.cfg.LocalNode]
}

// Members returns member ids in a stable order.
func (s *Synod) Members() []NodeId {
	ids := make([]NodeId, len(s.memberIds))
	copy(ids, s.memberIds)
	return ids
}

func (s *Synod) Member(id NodeId) (NodeData, bool) {
	data, found := s.cfg.Members[id]
	return data, found
}

func (s *Synod) BelongsToSynod(id NodeId) bool {
	_, found := s.cfg.Members[id]
	return found
}

// Quorum is the size of a strict majority of the synod.
func (s *Synod) Quorum() int {
	return len(s.memberIds)/2 + 1
}

func (s *Synod) HeartbeatInterval() time.Duration {
	return s.cfg.HeartbeatInterval
}

func (s *Synod) MissingHeartbeatsBeforeReconnect() int {
	return s.cfg.MissingHeartbeatsBeforeReconnect
}

func (s *Synod) IntercomEndpoint() NodeAddress {
	return s.cfg.IntercomEndpoint
}

// ResolveMember resolves the public address of a member on first use and
// caches the result; Forget drops the cached value so that the next call
// resolves it again.
func (s *Synod) ResolveMember(id NodeId) (*net.TCPAddr, error) {
	data, found := s.cfg.Members[id]
	if !found {
		return nil, fmt.Errorf("unknown synod member %q", id)
	}

	s.resolvedMu.Lock()
	defer s.resolvedMu.Unlock()

	if addr, found := s.resolved[id]; found {
		return addr, nil
	}

	addr, err := net.ResolveTCPAddr("tcp", string(data.PublicAddress))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %q: %w", data.PublicAddress, err)
	}

	s.resolved[id] = addr

	return addr, nil
}

func (s *Synod) Forget(id NodeId) {
	s.resolvedMu.Lock()
	delete(s.resolved, id)
	s.resolvedMu.Unlock()
}
