package auction

import (
	"encoding/hex"
	"strconv"

	"dutchauction/core/types"
)

const (
	EventTypeAuctionInitialized = "auction.initialized"
	EventTypeBidRecorded        = "auction.bid_recorded"
	EventTypeBidRefunded        = "auction.bid_refunded"
	EventTypeAuctionSettled     = "auction.settled"
	EventTypeAuctionUpgraded    = "auction.upgraded"
)

// NewInitializedEvent returns the canonical event payload for a newly
// initialized auction.
func NewInitializedEvent(a *Auction) *types.Event {
	return newAuctionEvent(EventTypeAuctionInitialized, a)
}

// NewBidRecordedEvent returns the payload emitted when a non-winning bid is
// escrowed as pending.
func NewBidRecordedEvent(a *Auction, bidder [20]byte, amount, price string) *types.Event {
	evt := newAuctionEvent(EventTypeBidRecorded, a)
	evt.Attributes["bidder"] = hex.EncodeToString(bidder[:])
	evt.Attributes["amount"] = amount
	evt.Attributes["price"] = price
	return evt
}

// NewBidRefundedEvent returns the payload emitted when a superseded pending
// bid is returned to its bidder.
func NewBidRefundedEvent(a *Auction, refunded *PendingBid) *types.Event {
	evt := newAuctionEvent(EventTypeBidRefunded, a)
	if refunded != nil {
		evt.Attributes["bidder"] = hex.EncodeToString(refunded.Bidder[:])
		evt.Attributes["amount"] = refunded.Amount.String()
		evt.Attributes["bidBlock"] = strconv.FormatUint(refunded.Block, 10)
	}
	return evt
}

// NewSettledEvent returns the payload emitted when a winning bid settles the
// auction.
func NewSettledEvent(a *Auction, amount, price string) *types.Event {
	evt := newAuctionEvent(EventTypeAuctionSettled, a)
	evt.Attributes["amount"] = amount
	evt.Attributes["price"] = price
	return evt
}

// NewUpgradedEvent returns the payload emitted when the storage area is
// repointed at a new code version.
func NewUpgradedEvent(a *Auction, fromTag, toTag string) *types.Event {
	evt := newAuctionEvent(EventTypeAuctionUpgraded, a)
	evt.Attributes["from"] = fromTag
	evt.Attributes["to"] = toTag
	return evt
}

func newAuctionEvent(eventType string, a *Auction) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeAuction(a)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["reservePrice"] = sanitized.ReservePrice.String()
	attrs["numBlocksOpen"] = strconv.FormatUint(sanitized.NumBlocksOpen, 10)
	attrs["offerPriceDecrement"] = sanitized.OfferPriceDecrement.String()
	attrs["initialBlock"] = strconv.FormatUint(sanitized.InitialBlock, 10)
	attrs["collectible"] = sanitized.CollectibleSymbol
	attrs["collectibleId"] = strconv.FormatUint(sanitized.CollectibleID, 10)
	attrs["status"] = sanitized.Status.String()
	if sanitized.PaymentToken != "" {
		attrs["paymentToken"] = sanitized.PaymentToken
	}
	if sanitized.Status == StatusSettled {
		attrs["winner"] = hex.EncodeToString(sanitized.Winner[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
