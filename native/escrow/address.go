package escrow

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// DefaultDomainTag is the registration tag the custodian derives vault
// addresses under. Deployments can override it through configuration.
const DefaultDomainTag = "escrow"

// DeriveAddress computes the deterministic vault address for a buyer under the
// given domain tag: keccak256(tag || buyer || salt) truncated to 20 bytes. The
// salt is searched downward from 255 so derivation is reproducible; candidates
// colliding with the zero address or the buyer's own address are skipped. The
// chosen salt is persisted on the record so later operations can re-derive and
// authenticate the address without searching.
func DeriveAddress(tag string, buyer [20]byte) ([20]byte, uint8, error) {
	for i := 255; i >= 0; i-- {
		salt := uint8(i)
		candidate := deriveWithSalt(tag, buyer, salt)
		if candidate == ([20]byte{}) || candidate == buyer {
			continue
		}
		return candidate, salt, nil
	}
	return [20]byte{}, 0, ErrInvalidAddress
}

// VerifyAddress reports whether addr is what DeriveAddress would produce for
// the stored buyer and salt. Every operation that loads a record re-checks
// this binding before trusting the record.
func VerifyAddress(addr [20]byte, tag string, buyer [20]byte, salt uint8) bool {
	if addr == ([20]byte{}) || addr == buyer {
		return false
	}
	return deriveWithSalt(tag, buyer, salt) == addr
}

func deriveWithSalt(tag string, buyer [20]byte, salt uint8) [20]byte {
	hash := ethcrypto.Keccak256([]byte(tag), buyer[:], []byte{salt})
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}
