package auction

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Status represents the lifecycle state of the auction. The transition is
// one-way: Open -> Settled, exactly once.
type Status uint8

const (
	StatusOpen    Status = 0x01
	StatusSettled Status = 0x02
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusSettled:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSettled:
		return "settled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// PendingBid is the single escrowed, non-winning bid awaiting refund or
// implicit forfeiture.
type PendingBid struct {
	Bidder [20]byte
	Amount *big.Int
	Block  uint64
}

// Clone returns a deep copy of the pending bid.
func (p *PendingBid) Clone() *PendingBid {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Auction captures the immutable parameters and runtime status of a single
// descending-price auction. One record exists per storage area; the record
// survives code upgrades unchanged, so its stored form may only ever grow at
// the tail.
type Auction struct {
	Seller              [20]byte
	ReservePrice        *big.Int
	NumBlocksOpen       uint64
	OfferPriceDecrement *big.Int
	InitialBlock        uint64
	CollectibleSymbol   string
	CollectibleID       uint64
	PaymentToken        string // empty means native balances
	Status              Status
	Winner              [20]byte
	Pending             *PendingBid
	InitialVersion      string
	// UpgradedVersion is appended by the layout-2 code version. It stays empty
	// until an upgrade runs.
	UpgradedVersion string
}

// Clone returns a deep copy of the auction record so callers can safely mutate
// the copy without affecting the stored instance.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	if a.ReservePrice != nil {
		clone.ReservePrice = new(big.Int).Set(a.ReservePrice)
	} else {
		clone.ReservePrice = big.NewInt(0)
	}
	if a.OfferPriceDecrement != nil {
		clone.OfferPriceDecrement = new(big.Int).Set(a.OfferPriceDecrement)
	} else {
		clone.OfferPriceDecrement = big.NewInt(0)
	}
	clone.Pending = a.Pending.Clone()
	return &clone
}

// Schedule projects the record's pricing parameters.
func (a *Auction) Schedule() Schedule {
	return Schedule{
		ReservePrice:        a.ReservePrice,
		NumBlocksOpen:       a.NumBlocksOpen,
		OfferPriceDecrement: a.OfferPriceDecrement,
		InitialBlock:        a.InitialBlock,
	}
}

// SanitizeAuction validates and normalises the supplied record, returning a
// cloned instance with canonical symbol casing and non-nil amounts. The
// function does not mutate the original value.
func SanitizeAuction(a *Auction) (*Auction, error) {
	if a == nil {
		return nil, fmt.Errorf("auction: nil record")
	}
	clone := a.Clone()
	if clone.ReservePrice.Sign() < 0 {
		return nil, fmt.Errorf("auction: reserve price must be non-negative")
	}
	if clone.OfferPriceDecrement.Sign() < 0 {
		return nil, fmt.Errorf("auction: price decrement must be non-negative")
	}
	if clone.NumBlocksOpen == 0 {
		return nil, fmt.Errorf("auction: open window must be positive")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("auction: invalid status: %d", clone.Status)
	}
	clone.CollectibleSymbol = strings.ToUpper(strings.TrimSpace(clone.CollectibleSymbol))
	if clone.CollectibleSymbol == "" {
		return nil, fmt.Errorf("auction: collectible symbol must not be empty")
	}
	clone.PaymentToken = strings.ToUpper(strings.TrimSpace(clone.PaymentToken))
	if clone.Pending != nil && clone.Pending.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("auction: pending bid amount must be positive")
	}
	return clone, nil
}

// VaultAddress is the module-owned account that holds escrowed bids between
// calls. It is derived from a fixed domain tag so every code version of the
// auction resolves the same custody account for the same storage area.
func VaultAddress() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("auction/vault/v1"))[12:])
	return addr
}
