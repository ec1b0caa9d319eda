package auction

import (
	"fmt"
	"math/big"
	"strings"

	"dutchauction/core/state"
	"dutchauction/native/collectible"
	"dutchauction/native/token"
)

// PaymentAsset is the fund-movement surface the auction consumes. Collect
// pulls a bid into the escrow vault; Pay releases vault custody to a refund
// recipient or the seller. Implementations report failure for insufficient
// balance or allowance; the engine surfaces those as ErrPaymentTransferFailed.
type PaymentAsset interface {
	Collect(payer, vault [20]byte, amount *big.Int) error
	Pay(vault, recipient [20]byte, amount *big.Int) error
	Symbol() string
}

// CollectibleAsset is the ownership surface the auction consumes to move the
// lot to the winning bidder.
type CollectibleAsset interface {
	OwnerOf(id uint64) ([20]byte, error)
	TransferFrom(operator, from, to [20]byte, id uint64) error
}

// PaymentAssetFactory binds a payment collaborator to the state manager of the
// current call. Mutating operations run on a staging overlay, so collaborators
// are rebound per call rather than held across calls.
type PaymentAssetFactory func(mgr *state.Manager) PaymentAsset

// CollectibleAssetFactory binds a collectible collaborator to the state
// manager of the current call.
type CollectibleAssetFactory func(mgr *state.Manager) CollectibleAsset

// --- native balances ---

type nativePayment struct {
	mgr *state.Manager
}

// NativePayment settles bids against the native account balances.
func NativePayment() PaymentAssetFactory {
	return func(mgr *state.Manager) PaymentAsset {
		return &nativePayment{mgr: mgr}
	}
}

func (p *nativePayment) Symbol() string { return "" }

func (p *nativePayment) Collect(payer, vault [20]byte, amount *big.Int) error {
	if err := p.mgr.Debit(payer, amount); err != nil {
		return err
	}
	return p.mgr.Credit(vault, amount)
}

func (p *nativePayment) Pay(vault, recipient [20]byte, amount *big.Int) error {
	if err := p.mgr.Debit(vault, amount); err != nil {
		return err
	}
	return p.mgr.Credit(recipient, amount)
}

// --- fungible token ledger ---

type tokenPayment struct {
	ledger *token.Ledger
}

// TokenPayment settles bids against a fungible token ledger. Bidders grant the
// vault an allowance (Approve or Permit) before bidding; Collect consumes it
// through TransferFrom with the vault as spender.
func TokenPayment(symbol, name string, decimals uint8) (PaymentAssetFactory, error) {
	// validate the ledger parameters eagerly so the factory cannot fail later
	if _, err := token.NewLedger(nopState{}, symbol, name, decimals); err != nil {
		return nil, err
	}
	return func(mgr *state.Manager) PaymentAsset {
		ledger, _ := token.NewLedger(mgr, symbol, name, decimals)
		return &tokenPayment{ledger: ledger}
	}, nil
}

func (p *tokenPayment) Symbol() string { return p.ledger.Symbol() }

func (p *tokenPayment) Collect(payer, vault [20]byte, amount *big.Int) error {
	return p.ledger.TransferFrom(vault, payer, vault, amount)
}

func (p *tokenPayment) Pay(vault, recipient [20]byte, amount *big.Int) error {
	return p.ledger.Transfer(vault, recipient, amount)
}

// nopState satisfies the token ledger state interface for parameter
// validation only; it is never read or written.
type nopState struct{}

func (nopState) KVPut([]byte, interface{}) error         { return nil }
func (nopState) KVGet([]byte, interface{}) (bool, error) { return false, nil }

// --- collectible registry ---

type registryCollectible struct {
	registry *collectible.Registry
}

// RegistryCollectible resolves the lot through the named collectible registry.
func RegistryCollectible(symbol string) (CollectibleAssetFactory, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("auction: collectible symbol must not be empty")
	}
	return func(mgr *state.Manager) CollectibleAsset {
		registry, _ := collectible.NewRegistry(mgr, symbol)
		return &registryCollectible{registry: registry}
	}, nil
}

func (c *registryCollectible) OwnerOf(id uint64) ([20]byte, error) {
	return c.registry.OwnerOf(id)
}

func (c *registryCollectible) TransferFrom(operator, from, to [20]byte, id uint64) error {
	return c.registry.TransferFrom(operator, from, to, id)
}
