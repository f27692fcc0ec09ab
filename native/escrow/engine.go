package escrow

import (
	"fmt"
	"math/big"

	"escrowd/core/events"
	"escrowd/core/types"
)

// engineState is the narrow view of ledger state the engine needs. The real
// implementation buffers writes and lets the custodian commit them atomically;
// tests supply an in-memory stub.
type engineState interface {
	EscrowPut(esc *Escrow) error
	EscrowGet(addr [20]byte) (*Escrow, bool, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine implements the custody state machine: it runs the guard chain for
// each operation (address verification, authorization, state legality, balance
// check) and performs the balance-exact transfers. It contains no locking and
// no partial-commit handling of its own; the caller provides both.
type Engine struct {
	state   engineState
	emitter events.Emitter
	tag     string
}

// NewEngine creates an engine deriving addresses under the default domain tag
// and discarding events. Callers override both via SetDomainTag / SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		tag:     DefaultDomainTag,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetDomainTag overrides the domain tag used for address derivation. Empty
// values reset it to the default.
func (e *Engine) SetDomainTag(tag string) {
	if tag == "" {
		tag = DefaultDomainTag
	}
	e.tag = tag
}

// DomainTag returns the tag the engine derives vault addresses under.
func (e *Engine) DomainTag() string { return e.tag }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// loadVerified fetches a record and re-checks the address binding before the
// record is trusted. A mismatch means the record was tampered with or filed
// under a forged key and surfaces as ErrInvalidAddress.
func (e *Engine) loadVerified(addr [20]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotFound
	}
	esc.Address = addr
	if !VerifyAddress(addr, e.tag, esc.Buyer, esc.Salt) {
		return nil, ErrInvalidAddress
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := esc.Validate(); err != nil {
		return err
	}
	return e.state.EscrowPut(esc)
}

// transfer moves amount from one address to the other, debit and credit
// through the same buffered state so the pair commits or fails as one. The
// check runs against the balance actually resident at the source, not against
// any recorded figure.
func (e *Engine) transfer(from, to [20]byte, amount uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == 0 {
		return nil
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	amt := new(big.Int).SetUint64(amount)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	// A self-transfer would load the same account twice and let the credit
	// write overwrite the debit. Once the balance check has passed there is
	// nothing to move.
	if from == to {
		return nil
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	toAcc = ensureAccount(toAcc)
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// Create opens a new escrow for the caller acting as buyer: it derives the
// vault address, moves amount from the buyer into the vault and persists the
// record in the Active state. The caller must be the buyer being recorded.
func (e *Engine) Create(caller, seller [20]byte, amount uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if seller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: zero seller address", ErrInvalidSeller)
	}
	buyer := caller
	addr, salt, err := DeriveAddress(e.tag, buyer)
	if err != nil {
		return nil, err
	}
	// The vault address is public and deterministic; recording it as the
	// seller would make Release pay the vault back into itself.
	if seller == addr {
		return nil, fmt.Errorf("%w: seller is the vault address", ErrInvalidSeller)
	}
	_, exists, err := e.state.EscrowGet(addr)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: escrow already exists for buyer", ErrInvalidState)
	}
	if err := e.transfer(buyer, addr, amount); err != nil {
		return nil, err
	}
	esc := &Escrow{
		Address: addr,
		Buyer:   buyer,
		Seller:  seller,
		Amount:  amount,
		Status:  StatusActive,
		Salt:    salt,
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Release settles the escrow in favour of the seller. Only the buyer may
// trigger it, the supplied seller account must match the stored seller, and
// the vault must still hold at least the recorded amount.
func (e *Engine) Release(addr [20]byte, seller [20]byte, caller [20]byte) error {
	esc, err := e.loadVerified(addr)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return ErrUnauthorized
	}
	if esc.Status != StatusActive {
		return fmt.Errorf("%w: cannot release in status %s", ErrInvalidState, esc.Status)
	}
	if seller != esc.Seller {
		return ErrInvalidSeller
	}
	if err := e.transfer(esc.Address, esc.Seller, esc.Amount); err != nil {
		return err
	}
	esc.Status = StatusCompleted
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCompletedEvent(esc))
	return nil
}

// Refund returns the held funds to the buyer. Only the buyer may trigger it.
func (e *Engine) Refund(addr [20]byte, caller [20]byte) error {
	return e.closeToBuyer(addr, caller, StatusRefunded, NewRefundedEvent)
}

// Cancel returns the held funds to the buyer, landing in the Cancelled state.
// Behaviourally identical to Refund; the distinct terminal state is kept for
// audit reporting.
func (e *Engine) Cancel(addr [20]byte, caller [20]byte) error {
	return e.closeToBuyer(addr, caller, StatusCancelled, NewCancelledEvent)
}

func (e *Engine) closeToBuyer(addr [20]byte, caller [20]byte, status Status, eventFn func(*Escrow) *types.Event) error {
	esc, err := e.loadVerified(addr)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return ErrUnauthorized
	}
	if esc.Status != StatusActive {
		return fmt.Errorf("%w: cannot move to %s from status %s", ErrInvalidState, status, esc.Status)
	}
	if err := e.transfer(esc.Address, esc.Buyer, esc.Amount); err != nil {
		return err
	}
	esc.Status = status
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(eventFn(esc))
	return nil
}

// Get returns the record stored at addr after re-verifying its address
// binding.
func (e *Engine) Get(addr [20]byte) (*Escrow, error) {
	esc, err := e.loadVerified(addr)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}
