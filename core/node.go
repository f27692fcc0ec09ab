package core

import (
	"encoding/hex"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"escrowd/core/events"
	"escrowd/core/state"
	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/observability"
	"escrowd/storage"
)

// Custodian hosts the escrow engine and enforces the execution model the
// engine relies on: operations run one at a time under the state mutex, and
// each operation's buffered writes either commit as a single batch or are
// discarded entirely. No partial state survives a failure.
type Custodian struct {
	stateMu sync.Mutex
	state   *state.Manager
	engine  *escrow.Engine
	logger  *slog.Logger
}

// Option configures a Custodian.
type Option func(*Custodian)

// WithDomainTag overrides the address-derivation tag, normally sourced from
// configuration.
func WithDomainTag(tag string) Option {
	return func(c *Custodian) { c.engine.SetDomainTag(tag) }
}

// WithEmitter routes escrow events to the given emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Custodian) { c.engine.SetEmitter(emitter) }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Custodian) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCustodian creates a custodian over the given store.
func NewCustodian(db storage.Database, opts ...Option) *Custodian {
	manager := state.NewManager(db)
	engine := escrow.NewEngine()
	engine.SetState(manager)
	c := &Custodian{
		state:  manager,
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DomainTag returns the tag vault addresses are derived under.
func (c *Custodian) DomainTag() string { return c.engine.DomainTag() }

// withState runs fn with exclusive access to state and commits its buffered
// writes only when fn succeeds.
func (c *Custodian) withState(op string, fn func() error) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	start := time.Now()
	if err := fn(); err != nil {
		c.state.Reset()
		observability.Operations().Observe(op, "error", time.Since(start))
		return err
	}
	if err := c.state.Commit(); err != nil {
		c.state.Reset()
		observability.Operations().Observe(op, "commit_error", time.Since(start))
		c.logger.Error("state commit failed", "op", op, "error", err)
		return err
	}
	observability.Operations().Observe(op, "ok", time.Since(start))
	return nil
}

// CreateEscrow opens and funds an escrow for the calling buyer.
func (c *Custodian) CreateEscrow(caller, seller [20]byte, amount uint64) (*escrow.Escrow, error) {
	var created *escrow.Escrow
	err := c.withState("create", func() error {
		esc, err := c.engine.Create(caller, seller, amount)
		if err != nil {
			return err
		}
		created = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("escrow created",
		"address", hex.EncodeToString(created.Address[:]), "amount", created.Amount)
	return created, nil
}

// ReleaseFunds settles the escrow at addr in favour of seller.
func (c *Custodian) ReleaseFunds(addr, seller, caller [20]byte) error {
	return c.withState("release", func() error {
		return c.engine.Release(addr, seller, caller)
	})
}

// RefundEscrow returns held funds to the buyer.
func (c *Custodian) RefundEscrow(addr, caller [20]byte) error {
	return c.withState("refund", func() error {
		return c.engine.Refund(addr, caller)
	})
}

// CancelEscrow returns held funds to the buyer, landing in the Cancelled
// state.
func (c *Custodian) CancelEscrow(addr, caller [20]byte) error {
	return c.withState("cancel", func() error {
		return c.engine.Cancel(addr, caller)
	})
}

// EscrowByAddress returns the verified record at addr.
func (c *Custodian) EscrowByAddress(addr [20]byte) (*escrow.Escrow, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.engine.Get(addr)
}

// GetAccount returns the ledger account at addr.
func (c *Custodian) GetAccount(addr []byte) (*types.Account, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state.GetAccount(addr)
}

// Deposit credits base-currency units to addr. This is the hook the external
// settlement layer calls when value arrives for a principal; the custodian
// itself never mints.
func (c *Custodian) Deposit(addr [20]byte, amount uint64) error {
	return c.withState("deposit", func() error {
		acc, err := c.state.GetAccount(addr[:])
		if err != nil {
			return err
		}
		acc.Balance = new(big.Int).Add(acc.Balance, new(big.Int).SetUint64(amount))
		return c.state.PutAccount(addr[:], acc)
	})
}
