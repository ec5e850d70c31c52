package core

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnknownProxyAddress  = errors.New("unknown proxy address")
	ErrCallToInternalModule = errors.New("call to internal module")
	ErrModuleNotInstalled   = errors.New("module not installed")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// ModuleID identifies a logic module. Ids below 500,000 are single-proxy
// external modules, ids below 1,000,000 have one proxy per asset, and
// anything above is internal and never reachable through a proxy call.
type ModuleID uint32

const (
	ModuleMarkets     ModuleID = 2
	ModuleLiquidation ModuleID = 3
	ModuleExec        ModuleID = 5

	ModuleEToken ModuleID = 500_000
	ModuleDToken ModuleID = 500_001

	ModuleRiskManager ModuleID = 1_000_000
	ModuleIRM         ModuleID = 2_000_000
)

const (
	firstPerAssetModule ModuleID = 500_000
	firstInternalModule ModuleID = 1_000_000
)

func (id ModuleID) IsInternal() bool { return id >= firstInternalModule }

func (id ModuleID) IsPerAsset() bool {
	return id >= firstPerAssetModule && id < firstInternalModule
}

func (id ModuleID) String() string {
	switch id {
	case ModuleMarkets:
		return "markets"
	case ModuleLiquidation:
		return "liquidation"
	case ModuleExec:
		return "exec"
	case ModuleEToken:
		return "etoken"
	case ModuleDToken:
		return "dtoken"
	case ModuleRiskManager:
		return "risk_manager"
	case ModuleIRM:
		return "irm"
	default:
		return fmt.Sprintf("module(%d)", uint32(id))
	}
}

// Module is a logic module reachable through proxies. Ops declares the
// operations it handles; the registry refuses anything else.
type Module interface {
	ID() ModuleID
	Ops() []OpKind
	Execute(s *Session, asset common.Address, call Call) (Output, error)
}

type route struct {
	module ModuleID
	asset  common.Address // zero for single-proxy modules
}

// Registry maps proxy addresses to modules.
// Not thread-safe: owned by the Engine.
type Registry struct {
	routes  map[common.Address]route
	modules map[ModuleID]Module
	ops     map[ModuleID]map[OpKind]bool
}

// NewRegistry creates a registry with proxies for every single-proxy and
// internal module id. Handlers are added with Install.
func NewRegistry() *Registry {
	r := &Registry{
		routes:  make(map[common.Address]route),
		modules: make(map[ModuleID]Module),
		ops:     make(map[ModuleID]map[OpKind]bool),
	}
	for _, id := range []ModuleID{ModuleMarkets, ModuleLiquidation, ModuleExec, ModuleRiskManager, ModuleIRM} {
		r.routes[ModuleProxy(id)] = route{module: id}
	}
	return r
}

// ModuleProxy is the proxy address of a single-proxy module.
func ModuleProxy(id ModuleID) common.Address {
	var addr common.Address
	binary.BigEndian.PutUint32(addr[common.AddressLength-4:], uint32(id))
	return addr
}

// AssetProxy is the proxy address of a per-asset module for asset:
// the last 20 bytes of keccak256(id || asset).
func AssetProxy(id ModuleID, asset common.Address) common.Address {
	var buf [4 + common.AddressLength]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(id))
	copy(buf[4:], asset[:])
	return common.BytesToAddress(crypto.Keccak256(buf[:])[12:])
}

// Install adds a handler. Installing an id twice replaces the handler.
func (r *Registry) Install(m Module) {
	ops := make(map[OpKind]bool, len(m.Ops()))
	for _, op := range m.Ops() {
		ops[op] = true
	}
	r.modules[m.ID()] = m
	r.ops[m.ID()] = ops
}

// RegisterAsset creates the per-asset proxies of asset and returns the
// etoken and dtoken addresses.
func (r *Registry) RegisterAsset(asset common.Address) (etoken, dtoken common.Address) {
	etoken = AssetProxy(ModuleEToken, asset)
	dtoken = AssetProxy(ModuleDToken, asset)
	r.routes[etoken] = route{module: ModuleEToken, asset: asset}
	r.routes[dtoken] = route{module: ModuleDToken, asset: asset}
	return etoken, dtoken
}

// Resolve returns the handler and asset context for a call to target.
func (r *Registry) Resolve(target common.Address, op OpKind) (Module, common.Address, error) {
	rt, ok := r.routes[target]
	if !ok {
		return nil, common.Address{}, fmt.Errorf("%w: %s", ErrUnknownProxyAddress, target.Hex())
	}
	if rt.module.IsInternal() {
		return nil, common.Address{}, fmt.Errorf("%w: %s", ErrCallToInternalModule, rt.module)
	}
	m, ok := r.modules[rt.module]
	if !ok {
		return nil, common.Address{}, fmt.Errorf("%w: %s", ErrModuleNotInstalled, rt.module)
	}
	if !r.ops[rt.module][op] {
		return nil, common.Address{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedOperation, op, rt.module)
	}
	return m, rt.asset, nil
}

// Lookup reports the module and asset behind a proxy.
func (r *Registry) Lookup(target common.Address) (ModuleID, common.Address, bool) {
	rt, ok := r.routes[target]
	return rt.module, rt.asset, ok
}
