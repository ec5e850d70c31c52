package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MaxSubAccountID is the highest sub-account index under one owner.
const MaxSubAccountID = 255

// SubAccount returns the address of sub-account id under owner. Sub-accounts
// share the first 19 bytes with the owner; the last byte is XORed with id.
func SubAccount(owner common.Address, id uint8) common.Address {
	addr := owner
	addr[common.AddressLength-1] ^= id
	return addr
}

// SameBaseAddress reports whether a and b are sub-accounts of the same owner.
func SameBaseAddress(a, b common.Address) bool {
	return bytes.Equal(a[:common.AddressLength-1], b[:common.AddressLength-1])
}

// SubAccountID returns the sub-account index of account relative to owner.
// ok is false when they do not share a base address.
func SubAccountID(owner, account common.Address) (uint8, bool) {
	if !SameBaseAddress(owner, account) {
		return 0, false
	}
	return owner[common.AddressLength-1] ^ account[common.AddressLength-1], true
}

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// AccountScope represents the top-level namespace of a journal account.
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents what a journal account holds.
type AccountSubType uint8

const (
	// User sub-types
	SubTypeSupply AccountSubType = iota // deposited balance, owed to the user
	SubTypeDebt                         // borrowed amount, owed by the user

	// System sub-types
	SubTypeSystemPool     // unborrowed underlying held by the market
	SubTypeSystemReserves // protocol reserves
	SubTypeSystemInterest // accrued, not yet realised interest

	// External sub-types
	SubTypeExternalWallets // the world outside the protocol
)

// AccountKey addresses one side of a journal entry.
type AccountKey struct {
	Scope   AccountScope
	Address common.Address // zero for system/external accounts
	SubType AccountSubType
}

func NewUserAccountKey(account common.Address, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Address: account, SubType: subType}
}

func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType}
}

func NewExternalAccountKey() AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeExternalWallets}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", strings.ToLower(k.Address.Hex()), k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeSupply:
		return "supply"
	case SubTypeDebt:
		return "debt"
	case SubTypeSystemPool:
		return "pool"
	case SubTypeSystemReserves:
		return "reserves"
	case SubTypeSystemInterest:
		return "interest"
	case SubTypeExternalWallets:
		return "wallets"
	default:
		return "unknown"
	}
}
