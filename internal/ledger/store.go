package ledger

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var ErrTxClosed = errors.New("ledger: transaction already committed or rolled back")

// View is read access to ledger state, committed or in-flight.
type View interface {
	Asset(asset common.Address) (AssetRecord, bool)
	Position(key PositionKey) (Position, bool)
	Account(account common.Address) (AccountState, bool)
	Override(key OverrideKey) (Override, bool)
	AssetAddresses() []common.Address
}

// Store holds committed state keyed by asset and account. All writes go
// through a Tx; the store itself is only mutated by Tx.Commit and Load.
// Not thread-safe: callers serialise access.
type Store struct {
	assets    map[common.Address]AssetRecord
	positions map[PositionKey]Position
	accounts  map[common.Address]AccountState
	overrides map[OverrideKey]Override
}

func NewStore() *Store {
	return &Store{
		assets:    make(map[common.Address]AssetRecord),
		positions: make(map[PositionKey]Position),
		accounts:  make(map[common.Address]AccountState),
		overrides: make(map[OverrideKey]Override),
	}
}

func (s *Store) Asset(asset common.Address) (AssetRecord, bool) {
	r, ok := s.assets[asset]
	return r, ok
}

func (s *Store) Position(key PositionKey) (Position, bool) {
	p, ok := s.positions[key]
	return p, ok
}

func (s *Store) Account(account common.Address) (AccountState, bool) {
	a, ok := s.accounts[account]
	return a, ok
}

func (s *Store) Override(key OverrideKey) (Override, bool) {
	o, ok := s.overrides[key]
	return o, ok
}

func (s *Store) AssetAddresses() []common.Address {
	out := make([]common.Address, 0, len(s.assets))
	for addr := range s.assets {
		out = append(out, addr)
	}
	sortAddresses(out)
	return out
}

// Begin opens a top-level transaction.
func (s *Store) Begin() *Tx {
	return newTx(s, nil)
}

// Tx is a copy-on-write overlay on a Store or on another Tx (a savepoint).
// Reads fall through to the parent; writes stay local until Commit.
type Tx struct {
	store  *Store
	parent *Tx

	assets    map[common.Address]AssetRecord
	positions map[PositionKey]Position
	accounts  map[common.Address]AccountState
	overrides map[OverrideKey]Override
	journals  []Journal

	done bool
}

func newTx(store *Store, parent *Tx) *Tx {
	return &Tx{
		store:     store,
		parent:    parent,
		assets:    make(map[common.Address]AssetRecord),
		positions: make(map[PositionKey]Position),
		accounts:  make(map[common.Address]AccountState),
		overrides: make(map[OverrideKey]Override),
	}
}

func (tx *Tx) base() View {
	if tx.parent != nil {
		return tx.parent
	}
	return tx.store
}

// Savepoint opens a nested transaction whose commit folds into tx.
func (tx *Tx) Savepoint() *Tx {
	return newTx(tx.store, tx)
}

func (tx *Tx) Asset(asset common.Address) (AssetRecord, bool) {
	if r, ok := tx.assets[asset]; ok {
		return r, true
	}
	return tx.base().Asset(asset)
}

func (tx *Tx) Position(key PositionKey) (Position, bool) {
	if p, ok := tx.positions[key]; ok {
		return p, true
	}
	return tx.base().Position(key)
}

func (tx *Tx) Account(account common.Address) (AccountState, bool) {
	if a, ok := tx.accounts[account]; ok {
		return a, true
	}
	return tx.base().Account(account)
}

func (tx *Tx) Override(key OverrideKey) (Override, bool) {
	if o, ok := tx.overrides[key]; ok {
		return o, true
	}
	return tx.base().Override(key)
}

func (tx *Tx) AssetAddresses() []common.Address {
	out := tx.base().AssetAddresses()
	for addr := range tx.assets {
		if _, ok := tx.base().Asset(addr); !ok {
			out = append(out, addr)
		}
	}
	sortAddresses(out)
	return out
}

func (tx *Tx) PutAsset(r AssetRecord) {
	tx.assets[r.Asset] = r
}

func (tx *Tx) PutPosition(key PositionKey, p Position) {
	tx.positions[key] = p
}

func (tx *Tx) PutAccount(account common.Address, a AccountState) {
	tx.accounts[account] = a
}

func (tx *Tx) PutOverride(key OverrideKey, o Override) {
	tx.overrides[key] = o
}

// AppendJournal records a balance movement made inside the transaction.
func (tx *Tx) AppendJournal(j Journal) {
	tx.journals = append(tx.journals, j)
}

// Journals returns the movements recorded in this transaction (not its parent).
func (tx *Tx) Journals() []Journal {
	return tx.journals
}

// Commit folds the overlay into its parent: the enclosing Tx for a savepoint,
// the Store for a top-level transaction.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true

	if tx.parent != nil {
		p := tx.parent
		if p.done {
			return ErrTxClosed
		}
		for k, v := range tx.assets {
			p.assets[k] = v
		}
		for k, v := range tx.positions {
			p.positions[k] = v
		}
		for k, v := range tx.accounts {
			p.accounts[k] = v
		}
		for k, v := range tx.overrides {
			p.overrides[k] = v
		}
		p.journals = append(p.journals, tx.journals...)
		return nil
	}

	s := tx.store
	for k, v := range tx.assets {
		s.assets[k] = v
	}
	for k, v := range tx.positions {
		if v.IsEmpty() {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = v
	}
	for k, v := range tx.accounts {
		s.accounts[k] = v
	}
	for k, v := range tx.overrides {
		s.overrides[k] = v
	}
	return nil
}

// Rollback discards the overlay. Safe to call after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.assets = nil
	tx.positions = nil
	tx.accounts = nil
	tx.overrides = nil
	tx.journals = nil
}

// TouchedAssets returns the assets written in this overlay, sorted.
func (tx *Tx) TouchedAssets() []common.Address {
	out := make([]common.Address, 0, len(tx.assets))
	for k := range tx.assets {
		out = append(out, k)
	}
	sortAddresses(out)
	return out
}

// TouchedPositions returns the positions written in this overlay, sorted.
func (tx *Tx) TouchedPositions() []PositionKey {
	out := make([]PositionKey, 0, len(tx.positions))
	for k := range tx.positions {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Account[:], out[j].Account[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out
}

// TouchedAccounts returns the accounts written in this overlay, sorted.
func (tx *Tx) TouchedAccounts() []common.Address {
	out := make([]common.Address, 0, len(tx.accounts))
	for k := range tx.accounts {
		out = append(out, k)
	}
	sortAddresses(out)
	return out
}

// TouchedOverrides returns the overrides written in this overlay, sorted.
func (tx *Tx) TouchedOverrides() []OverrideKey {
	out := make([]OverrideKey, 0, len(tx.overrides))
	for k := range tx.overrides {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Liability[:], out[j].Liability[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Collateral[:], out[j].Collateral[:]) < 0
	})
	return out
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}

// --- Snapshot support ---

// PositionEntry is a flattened position for snapshots.
type PositionEntry struct {
	Account  common.Address `json:"account"`
	Asset    common.Address `json:"asset"`
	Position Position       `json:"position"`
}

// AccountEntry is a flattened account for snapshots.
type AccountEntry struct {
	Account common.Address `json:"account"`
	State   AccountState   `json:"state"`
}

// OverrideEntry is a flattened override for snapshots.
type OverrideEntry struct {
	Liability  common.Address `json:"liability"`
	Collateral common.Address `json:"collateral"`
	Override   Override       `json:"override"`
}

// StoreSnapshot is the serialisable form of a Store, in deterministic order.
type StoreSnapshot struct {
	Assets    []AssetRecord   `json:"assets"`
	Positions []PositionEntry `json:"positions"`
	Accounts  []AccountEntry  `json:"accounts"`
	Overrides []OverrideEntry `json:"overrides"`
}

// Dump captures committed state.
func (s *Store) Dump() StoreSnapshot {
	snap := StoreSnapshot{
		Assets:    make([]AssetRecord, 0, len(s.assets)),
		Positions: make([]PositionEntry, 0, len(s.positions)),
		Accounts:  make([]AccountEntry, 0, len(s.accounts)),
		Overrides: make([]OverrideEntry, 0, len(s.overrides)),
	}
	for _, addr := range s.AssetAddresses() {
		snap.Assets = append(snap.Assets, s.assets[addr])
	}
	for k, p := range s.positions {
		snap.Positions = append(snap.Positions, PositionEntry{Account: k.Account, Asset: k.Asset, Position: p})
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i], snap.Positions[j]
		if c := bytes.Compare(a.Account[:], b.Account[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Asset[:], b.Asset[:]) < 0
	})
	for k, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, AccountEntry{Account: k, State: a})
	}
	sort.Slice(snap.Accounts, func(i, j int) bool {
		return bytes.Compare(snap.Accounts[i].Account[:], snap.Accounts[j].Account[:]) < 0
	})
	for k, o := range s.overrides {
		snap.Overrides = append(snap.Overrides, OverrideEntry{Liability: k.Liability, Collateral: k.Collateral, Override: o})
	}
	sort.Slice(snap.Overrides, func(i, j int) bool {
		a, b := snap.Overrides[i], snap.Overrides[j]
		if c := bytes.Compare(a.Liability[:], b.Liability[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Collateral[:], b.Collateral[:]) < 0
	})
	return snap
}

// Load replaces committed state with snap.
func (s *Store) Load(snap StoreSnapshot) {
	s.assets = make(map[common.Address]AssetRecord, len(snap.Assets))
	s.positions = make(map[PositionKey]Position, len(snap.Positions))
	s.accounts = make(map[common.Address]AccountState, len(snap.Accounts))
	s.overrides = make(map[OverrideKey]Override, len(snap.Overrides))

	for _, r := range snap.Assets {
		s.assets[r.Asset] = r
	}
	for _, p := range snap.Positions {
		s.positions[PositionKey{Account: p.Account, Asset: p.Asset}] = p.Position
	}
	for _, a := range snap.Accounts {
		s.accounts[a.Account] = a.State
	}
	for _, o := range snap.Overrides {
		s.overrides[OverrideKey{Liability: o.Liability, Collateral: o.Collateral}] = o.Override
	}
}

// AccountPositions returns the committed non-empty positions of an account.
func (s *Store) AccountPositions(account common.Address) []PositionEntry {
	var out []PositionEntry
	for k, p := range s.positions {
		if k.Account == account {
			out = append(out, PositionEntry{Account: k.Account, Asset: k.Asset, Position: p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out
}

// Accounts returns every account with persisted state, sorted.
func (s *Store) Accounts() []common.Address {
	out := make([]common.Address, 0, len(s.accounts))
	for k := range s.accounts {
		out = append(out, k)
	}
	sortAddresses(out)
	return out
}
