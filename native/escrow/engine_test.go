package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"escrowd/core/events"
	"escrowd/core/types"
)

type mockState struct {
	escrows  map[[20]byte]*Escrow
	accounts map[[20]byte]*types.Account
	getErr   error
}

func newMockState() *mockState {
	return &mockState{
		escrows:  make(map[[20]byte]*Escrow),
		accounts: make(map[[20]byte]*types.Account),
	}
}

func (m *mockState) EscrowPut(esc *Escrow) error {
	if esc == nil {
		return errors.New("nil escrow")
	}
	if err := esc.Validate(); err != nil {
		return err
	}
	m.escrows[esc.Address] = esc.Clone()
	return nil
}

func (m *mockState) EscrowGet(addr [20]byte) (*Escrow, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	esc, ok := m.escrows[addr]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	acc, ok := m.accounts[key]
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) balance(addr [20]byte) uint64 {
	acc, ok := m.accounts[addr]
	if !ok || acc.Balance == nil {
		return 0
	}
	return acc.Balance.Uint64()
}

func (m *mockState) fund(addr [20]byte, amount uint64) {
	m.accounts[addr] = &types.Account{Balance: new(big.Int).SetUint64(amount)}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *events.CollectEmitter) {
	t.Helper()
	state := newMockState()
	emitter := &events.CollectEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	return engine, state, emitter
}

func TestCreateMovesFundsIntoVault(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, 500)

	esc, err := engine.Create(buyer, seller, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if esc.Status != StatusActive {
		t.Fatalf("expected active status, got %s", esc.Status)
	}
	if got := state.balance(buyer); got != 400 {
		t.Fatalf("buyer balance = %d, want 400", got)
	}
	if got := state.balance(esc.Address); got != 100 {
		t.Fatalf("vault balance = %d, want 100", got)
	}
	if !VerifyAddress(esc.Address, engine.DomainTag(), buyer, esc.Salt) {
		t.Fatalf("stored record does not verify against its address")
	}
	if len(emitter.Events) != 1 || emitter.Events[0].EventType() != EventTypeEscrowCreated {
		t.Fatalf("expected a single created event, got %#v", emitter.Events)
	}
}

func TestCreateZeroAmount(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)
	state.fund(buyer, 500)

	if _, err := engine.Create(buyer, newTestAddress(0x02), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if len(state.escrows) != 0 {
		t.Fatalf("no record should be created on failure")
	}
	if got := state.balance(buyer); got != 500 {
		t.Fatalf("buyer balance changed on failed create: %d", got)
	}
}

func TestCreateInsufficientFunds(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)
	state.fund(buyer, 50)

	if _, err := engine.Create(buyer, newTestAddress(0x02), 100); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)
	state.fund(buyer, 500)

	if _, err := engine.Create(buyer, newTestAddress(0x02), 100); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Create(buyer, newTestAddress(0x02), 100); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on duplicate create, got %v", err)
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, 100)

	esc, err := engine.Create(buyer, seller, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Release(esc.Address, seller, buyer); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := state.balance(seller); got != 100 {
		t.Fatalf("seller balance = %d, want 100", got)
	}
	if got := state.balance(esc.Address); got != 0 {
		t.Fatalf("vault balance = %d, want 0", got)
	}
	stored, _, _ := state.EscrowGet(esc.Address)
	if stored.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	last := emitter.Events[len(emitter.Events)-1]
	if last.EventType() != EventTypeEscrowCompleted {
		t.Fatalf("expected completed event, got %s", last.EventType())
	}
}

func TestReleaseTwiceFailsSecondTime(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, 100)

	esc, err := engine.Create(buyer, seller, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Release(esc.Address, seller, buyer); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := engine.Release(esc.Address, seller, buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second release, got %v", err)
	}
	if got := state.balance(seller); got != 100 {
		t.Fatalf("double payment detected: seller balance = %d", got)
	}
}

func TestReleaseSellerMismatch(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	attacker := newTestAddress(0x03)
	state.fund(buyer, 100)

	esc, err := engine.Create(buyer, seller, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Release(esc.Address, attacker, buyer); !errors.Is(err, ErrInvalidSeller) {
		t.Fatalf("expected ErrInvalidSeller, got %v", err)
	}
	if got := state.balance(attacker); got != 0 {
		t.Fatalf("funds redirected to attacker: %d", got)
	}
	if got := state.balance(esc.Address); got != 100 {
		t.Fatalf("vault balance changed on failed release: %d", got)
	}
}

func TestTerminalOpsRequireBuyer(t *testing.T) {
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	stranger := newTestAddress(0x04)

	ops := map[string]func(engine *Engine, addr [20]byte) error{
		"release": func(engine *Engine, addr [20]byte) error {
			return engine.Release(addr, seller, stranger)
		},
		"refund": func(engine *Engine, addr [20]byte) error {
			return engine.Refund(addr, stranger)
		},
		"cancel": func(engine *Engine, addr [20]byte) error {
			return engine.Cancel(addr, stranger)
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			engine, state, _ := newTestEngine(t)
			state.fund(buyer, 100)
			esc, err := engine.Create(buyer, seller, 100)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := op(engine, esc.Address); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
			stored, _, _ := state.EscrowGet(esc.Address)
			if stored.Status != StatusActive {
				t.Fatalf("state changed on unauthorized call: %s", stored.Status)
			}
			if got := state.balance(esc.Address); got != 100 {
				t.Fatalf("vault balance changed on unauthorized call: %d", got)
			}
		})
	}
}

func TestExactlyOneTerminalOpSucceeds(t *testing.T) {
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)

	cases := []struct {
		name  string
		first func(engine *Engine, addr [20]byte) error
		want  Status
	}{
		{
			name:  "release first",
			first: func(engine *Engine, addr [20]byte) error { return engine.Release(addr, seller, buyer) },
			want:  StatusCompleted,
		},
		{
			name:  "refund first",
			first: func(engine *Engine, addr [20]byte) error { return engine.Refund(addr, buyer) },
			want:  StatusRefunded,
		},
		{
			name:  "cancel first",
			first: func(engine *Engine, addr [20]byte) error { return engine.Cancel(addr, buyer) },
			want:  StatusCancelled,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, state, _ := newTestEngine(t)
			state.fund(buyer, 100)
			esc, err := engine.Create(buyer, seller, 100)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := tc.first(engine, esc.Address); err != nil {
				t.Fatalf("first terminal op: %v", err)
			}
			if err := engine.Release(esc.Address, seller, buyer); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("release after terminal: %v", err)
			}
			if err := engine.Refund(esc.Address, buyer); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("refund after terminal: %v", err)
			}
			if err := engine.Cancel(esc.Address, buyer); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("cancel after terminal: %v", err)
			}
			stored, _, _ := state.EscrowGet(esc.Address)
			if stored.Status != tc.want {
				t.Fatalf("status = %s, want %s", stored.Status, tc.want)
			}
		})
	}
}

func TestRefundReturnsFundsToBuyer(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, 250)

	esc, err := engine.Create(buyer, seller, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Refund(esc.Address, buyer); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := state.balance(buyer); got != 250 {
		t.Fatalf("buyer balance = %d, want 250", got)
	}
	stored, _, _ := state.EscrowGet(esc.Address)
	if stored.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded", stored.Status)
	}
	last := emitter.Events[len(emitter.Events)-1]
	if last.EventType() != EventTypeEscrowRefunded {
		t.Fatalf("expected refunded event, got %s", last.EventType())
	}
}

func TestCancelLandsInDistinctTerminalState(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	buyer := newTestAddress(0x01)
	state.fund(buyer, 100)

	esc, err := engine.Create(buyer, newTestAddress(0x02), 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Cancel(esc.Address, buyer); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _, _ := state.EscrowGet(esc.Address)
	if stored.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", stored.Status)
	}
	last := emitter.Events[len(emitter.Events)-1]
	if last.EventType() != EventTypeEscrowCancelled {
		t.Fatalf("expected cancelled event, got %s", last.EventType())
	}
}

func TestHeldBalanceCheckedAtTransferTime(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, 100)

	esc, err := engine.Create(buyer, seller, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate external balance drift: part of the vault's funds vanished.
	state.fund(esc.Address, 40)
	if err := engine.Release(esc.Address, seller, buyer); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	stored, _, _ := state.EscrowGet(esc.Address)
	if stored.Status != StatusActive {
		t.Fatalf("state changed on failed transfer: %s", stored.Status)
	}
}

func TestTamperedRecordFailsAddressCheck(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	attacker := newTestAddress(0x05)
	state.fund(buyer, 100)

	esc, err := engine.Create(buyer, seller, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Overwrite the stored buyer, as if the record had been redirected.
	tampered := esc.Clone()
	tampered.Buyer = attacker
	state.escrows[esc.Address] = tampered

	if err := engine.Refund(esc.Address, attacker); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestOperationsOnMissingEscrow(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	missing := newTestAddress(0x0F)

	if err := engine.Release(missing, newTestAddress(0x02), newTestAddress(0x01)); !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, err := engine.Get(missing); !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestCreateRejectsVaultAddressAsSeller(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)
	state.fund(buyer, 500)

	vault, _, err := DeriveAddress(engine.DomainTag(), buyer)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if _, err := engine.Create(buyer, vault, 100); !errors.Is(err, ErrInvalidSeller) {
		t.Fatalf("expected ErrInvalidSeller, got %v", err)
	}
	if len(state.escrows) != 0 {
		t.Fatalf("no record should be created on failure")
	}
	if got := state.balance(buyer); got != 500 {
		t.Fatalf("buyer balance changed on failed create: %d", got)
	}
}

func TestSelfTransferMovesNothing(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	addr := newTestAddress(0x07)
	state.fund(addr, 100)

	if err := engine.transfer(addr, addr, 60); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := state.balance(addr); got != 100 {
		t.Fatalf("self-transfer changed balance: %d, want 100", got)
	}
	if err := engine.transfer(addr, addr, 200); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestReleaseToVaultSellerConservesBalance(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)

	// A record naming the vault itself as seller cannot be created through
	// the engine any more; plant one directly to cover pre-existing state.
	vault, salt, err := DeriveAddress(engine.DomainTag(), buyer)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	state.escrows[vault] = &Escrow{
		Address: vault,
		Buyer:   buyer,
		Seller:  vault,
		Amount:  100,
		Status:  StatusActive,
		Salt:    salt,
	}
	state.fund(vault, 100)

	if err := engine.Release(vault, vault, buyer); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := state.balance(vault); got != 100 {
		t.Fatalf("vault balance = %d, want 100: self-payout must not mint", got)
	}
	stored, _, _ := state.EscrowGet(vault)
	if stored.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
}

func TestStateReadFailureAbortsOperations(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, 100)
	state.getErr = ErrInvalidAddress

	if _, err := engine.Create(buyer, seller, 100); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected read failure to surface from create, got %v", err)
	}
	if len(state.escrows) != 0 {
		t.Fatalf("record written over unreadable slot")
	}
	if err := engine.Release(newTestAddress(0x08), seller, buyer); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected read failure to surface from release, got %v", err)
	}
}

func TestEngineWithoutState(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Create(newTestAddress(0x01), newTestAddress(0x02), 10); err == nil {
		t.Fatal("expected error with no state configured")
	}
}
