package auction

import "math/big"

// Schedule is the pure descending-price function of an auction. It has no
// state access and no side effects; every value derives from the four
// immutable parameters fixed at initialization.
//
// Because the initial price is the reserve plus the full decay range, the
// decayed price meets the reserve exactly at the closing block and clamps
// there for every later height.
type Schedule struct {
	ReservePrice        *big.Int
	NumBlocksOpen       uint64
	OfferPriceDecrement *big.Int
	InitialBlock        uint64
}

// InitialPrice is the price at the opening block:
// reservePrice + numBlocksOpen * offerPriceDecrement.
func (s Schedule) InitialPrice() *big.Int {
	window := new(big.Int).SetUint64(s.NumBlocksOpen)
	return new(big.Int).Add(s.reserve(), window.Mul(window, s.decrement()))
}

// PriceAt returns the minimum acceptable price at the given block height. The
// price decays by the decrement each block and clamps at the reserve price
// rather than wrapping below it. Heights before the initial block price at
// the initial price.
func (s Schedule) PriceAt(height uint64) *big.Int {
	initial := s.InitialPrice()
	if height <= s.InitialBlock {
		return initial
	}
	elapsed := new(big.Int).SetUint64(height - s.InitialBlock)
	price := initial.Sub(initial, elapsed.Mul(elapsed, s.decrement()))
	if reserve := s.reserve(); price.Cmp(reserve) < 0 {
		return reserve
	}
	return price
}

// WindowOpen reports whether the height falls inside the bidding window. The
// boundary is strict: the auction is closed at exactly
// initialBlock + numBlocksOpen.
func (s Schedule) WindowOpen(height uint64) bool {
	return height < s.InitialBlock+s.NumBlocksOpen
}

// ClosingBlock is the first height at which the window is closed.
func (s Schedule) ClosingBlock() uint64 {
	return s.InitialBlock + s.NumBlocksOpen
}

func (s Schedule) reserve() *big.Int {
	if s.ReservePrice == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(s.ReservePrice)
}

func (s Schedule) decrement() *big.Int {
	if s.OfferPriceDecrement == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(s.OfferPriceDecrement)
}
