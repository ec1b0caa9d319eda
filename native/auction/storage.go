package auction

import (
	"fmt"
	"math/big"

	"dutchauction/core/state"
)

var (
	auctionRecordKey = []byte("auction/instance")
	initFlagKey      = []byte("auction/init")
	implTagKey       = []byte("auction/impl")
)

// storedAuction is the persisted form of the auction record. Its field order
// is the storage layout contract: upgrades may append new fields at the tail
// (marked rlp:"optional") and must never reorder, retype or remove the fields
// above them. UpgradedVersion is the layout-2 tail.
type storedAuction struct {
	Seller              [20]byte
	ReservePrice        *big.Int
	NumBlocksOpen       uint64
	OfferPriceDecrement *big.Int
	InitialBlock        uint64
	CollectibleSymbol   string
	CollectibleID       uint64
	PaymentToken        string
	Status              uint8
	Winner              [20]byte
	PendingSet          bool
	PendingBidder       [20]byte
	PendingAmount       *big.Int
	PendingBlock        uint64
	InitialVersion      string
	UpgradedVersion     string `rlp:"optional"`
}

func toStored(a *Auction) *storedAuction {
	stored := &storedAuction{
		Seller:              a.Seller,
		ReservePrice:        a.ReservePrice,
		NumBlocksOpen:       a.NumBlocksOpen,
		OfferPriceDecrement: a.OfferPriceDecrement,
		InitialBlock:        a.InitialBlock,
		CollectibleSymbol:   a.CollectibleSymbol,
		CollectibleID:       a.CollectibleID,
		PaymentToken:        a.PaymentToken,
		Status:              uint8(a.Status),
		Winner:              a.Winner,
		PendingAmount:       big.NewInt(0),
		InitialVersion:      a.InitialVersion,
		UpgradedVersion:     a.UpgradedVersion,
	}
	if a.Pending != nil {
		stored.PendingSet = true
		stored.PendingBidder = a.Pending.Bidder
		stored.PendingAmount = a.Pending.Amount
		stored.PendingBlock = a.Pending.Block
	}
	return stored
}

func fromStored(stored *storedAuction) *Auction {
	record := &Auction{
		Seller:              stored.Seller,
		ReservePrice:        stored.ReservePrice,
		NumBlocksOpen:       stored.NumBlocksOpen,
		OfferPriceDecrement: stored.OfferPriceDecrement,
		InitialBlock:        stored.InitialBlock,
		CollectibleSymbol:   stored.CollectibleSymbol,
		CollectibleID:       stored.CollectibleID,
		PaymentToken:        stored.PaymentToken,
		Status:              Status(stored.Status),
		Winner:              stored.Winner,
		InitialVersion:      stored.InitialVersion,
		UpgradedVersion:     stored.UpgradedVersion,
	}
	if stored.PendingSet {
		record.Pending = &PendingBid{
			Bidder: stored.PendingBidder,
			Amount: stored.PendingAmount,
			Block:  stored.PendingBlock,
		}
	}
	return record
}

func putAuction(mgr *state.Manager, a *Auction) error {
	sanitized, err := SanitizeAuction(a)
	if err != nil {
		return err
	}
	return mgr.KVPut(auctionRecordKey, toStored(sanitized))
}

func getAuction(mgr *state.Manager) (*Auction, bool, error) {
	stored := new(storedAuction)
	ok, err := mgr.KVGet(auctionRecordKey, stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return fromStored(stored), true, nil
}

func setInitialized(mgr *state.Manager) error {
	return mgr.KVPut(initFlagKey, true)
}

func isInitialized(mgr *state.Manager) (bool, error) {
	var flag bool
	ok, err := mgr.KVGet(initFlagKey, &flag)
	if err != nil {
		return false, err
	}
	return ok && flag, nil
}

func setImplementationTag(mgr *state.Manager, tag string) error {
	if tag == "" {
		return fmt.Errorf("auction: implementation tag must not be empty")
	}
	return mgr.KVPut(implTagKey, tag)
}

func implementationTag(mgr *state.Manager) (string, bool, error) {
	var tag string
	ok, err := mgr.KVGet(implTagKey, &tag)
	if err != nil {
		return "", false, err
	}
	return tag, ok, nil
}
