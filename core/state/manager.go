package state

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

var (
	accountPrefix = []byte("account:")
	escrowPrefix  = []byte("escrow:")
)

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	n := copy(buf, accountPrefix)
	copy(buf[n:], addr)
	return buf
}

func escrowKey(addr [20]byte) []byte {
	buf := make([]byte, len(escrowPrefix)+len(addr))
	n := copy(buf, escrowPrefix)
	copy(buf[n:], addr[:])
	return buf
}

// rlpAccount is the storage representation of an account. RLP cannot encode a
// nil big.Int, so the manager normalises balances on the way in.
type rlpAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// Manager provides the escrow engine's view of persisted state. Reads fall
// through a write overlay to the underlying store; writes land in the overlay
// only. Commit flushes the overlay in one atomic batch, Reset discards it, so
// a failed operation leaves the store untouched.
type Manager struct {
	mu      sync.Mutex
	db      storage.Database
	overlay map[string][]byte
}

// NewManager creates a state manager backed by the given store.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		overlay: make(map[string][]byte),
	}
}

func (m *Manager) read(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	if value, ok := m.overlay[string(key)]; ok {
		m.mu.Unlock()
		if value == nil {
			return nil, false, nil
		}
		return append([]byte(nil), value...), true, nil
	}
	m.mu.Unlock()
	ok, err := m.db.Has(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	value, err := m.db.Get(key)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) write(key, value []byte) {
	m.mu.Lock()
	m.overlay[string(key)] = value
	m.mu.Unlock()
}

// Commit flushes all buffered writes to the store atomically and clears the
// overlay.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.overlay) == 0 {
		return nil
	}
	if err := m.db.Write(m.overlay); err != nil {
		return err
	}
	m.overlay = make(map[string][]byte)
	return nil
}

// Reset discards all buffered writes.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.overlay = make(map[string][]byte)
	m.mu.Unlock()
}

// Pending reports how many writes are buffered. Test helper.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.overlay)
}

// GetAccount loads the account stored at addr. Missing accounts resolve to a
// zero-balance account rather than an error, matching ledger semantics where
// every address implicitly exists.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	raw, ok, err := m.read(accountKey(addr))
	if err != nil {
		return nil, fmt.Errorf("state: load account: %w", err)
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	var stored rlpAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	return &types.Account{Nonce: stored.Nonce, Balance: stored.Balance}, nil
}

// PutAccount buffers an account write.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	account = account.Clone()
	encoded, err := rlp.EncodeToBytes(&rlpAccount{Nonce: account.Nonce, Balance: account.Balance})
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	m.write(accountKey(addr), encoded)
	return nil
}

// EscrowGet loads the escrow record filed under addr. A record that exists but
// no longer decodes is reported as an integrity failure, not as absent; callers
// must never treat a corrupt record as free space.
func (m *Manager) EscrowGet(addr [20]byte) (*escrow.Escrow, bool, error) {
	raw, ok, err := m.read(escrowKey(addr))
	if err != nil {
		return nil, false, fmt.Errorf("state: load escrow: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var esc escrow.Escrow
	if err := esc.UnmarshalBinary(raw); err != nil {
		return nil, false, fmt.Errorf("%w: stored record does not decode: %v", escrow.ErrInvalidAddress, err)
	}
	esc.Address = addr
	return &esc, true, nil
}

// EscrowPut buffers an escrow record write under its vault address.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	if esc == nil {
		return fmt.Errorf("state: nil escrow")
	}
	if err := esc.Validate(); err != nil {
		return err
	}
	encoded, err := esc.MarshalBinary()
	if err != nil {
		return err
	}
	m.write(escrowKey(esc.Address), encoded)
	return nil
}
