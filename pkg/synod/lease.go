package synod

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidLeaseTimeSpan   = errors.New("max lease time span must exceed twice the sum of clock drift and message roundtrip")
	ErrInvalidResponseTimeout = errors.New("node response timeout must be positive")
	ErrNegativeMargin         = errors.New("clock drift and message roundtrip cannot be negative")
	ErrInvalidRenewInterval   = errors.New("renew interval must be shorter than the effective lease time span")
)

// Lease is the value stored in the register.
type Lease struct {
	OwnerIdentity Identity    `json:"ownerIdentity"`
	OwnerId       NodeId      `json:"ownerId"`
	OwnerEndpoint NodeAddress `json:"ownerEndpoint"`
	ExpiresAt     time.Time   `json:"expiresAt"`
}

func (l *Lease) IsValid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

func (l *Lease) OwnedBy(identity Identity) bool {
	return l != nil && l.OwnerIdentity.Equal(identity)
}

func (l *Lease) String() string {
	if l == nil {
		return "Lease{}"
	}

	return fmt.Sprintf("Lease{owner: %q, expiresAt: %s}",
		l.OwnerId, l.ExpiresAt.Format(time.RFC3339Nano))
}

type LeaseCfg struct {
	MaxLeaseTimeSpan    time.Duration
	ClockDrift          time.Duration
	MessageRoundtrip    time.Duration
	NodeResponseTimeout time.Duration

	// Interval between two renewals when running the leadership loop.
	// Defaults to a third of MaxLeaseTimeSpan.
	RenewInterval time.Duration
}

func DefaultLeaseCfg() LeaseCfg {
	return LeaseCfg{
		MaxLeaseTimeSpan:    5 * time.Second,
		ClockDrift:          100 * time.Millisecond,
		MessageRoundtrip:    400 * time.Millisecond,
		NodeResponseTimeout: 1 * time.Second,
	}
}

func (cfg *LeaseCfg) Validate() error {
	if cfg.ClockDrift < 0 || cfg.MessageRoundtrip < 0 {
		return ErrNegativeMargin
	}

	if cfg.MaxLeaseTimeSpan <= 2*(cfg.ClockDrift+cfg.MessageRoundtrip) {
		return ErrInvalidLeaseTimeSpan
	}

	if cfg.NodeResponseTimeout <= 0 {
		return ErrInvalidResponseTimeout
	}

	if cfg.RenewInterval < 0 ||
		(cfg.RenewInterval > 0 && cfg.RenewInterval >= cfg.EffectiveLeaseTimeSpan()) {
		return ErrInvalidRenewInterval
	}

	return nil
}

// EffectiveLeaseTimeSpan is the validity granted to a new lease, trimmed so
// that no two nodes can consider their own lease valid at the same time
// even with the worst clock drift and message delay.
func (cfg *LeaseCfg) EffectiveLeaseTimeSpan() time.Duration {
	return cfg.MaxLeaseTimeSpan - cfg.ClockDrift - cfg.MessageRoundtrip
}

type TxOutcome int

const (
	TxComplete TxOutcome = iota
	TxQuorumNotReached
	TxOutranked
	TxLeaseHeldByOther
)

func (o TxOutcome) String() string {
	switch o {
	case TxComplete:
		return "complete"
	case TxQuorumNotReached:
		return "quorumNotReached"
	case TxOutranked:
		return "outranked"
	case TxLeaseHeldByOther:
		return "leaseHeldByOther"
	default:
		return "unknown"
	}
}

func (o TxOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

type LeaseTxResult struct {
	Outcome TxOutcome `json:"outcome"`
	Lease   *Lease    `json:"lease,omitempty"`
}
