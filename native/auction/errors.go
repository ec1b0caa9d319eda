package auction

import "errors"

var (
	// ErrNotInitialized indicates no auction record exists in this storage area.
	ErrNotInitialized = errors.New("auction: not initialized")
	// ErrAlreadyInitialized indicates a second initialization attempt against a
	// storage area that already holds an auction.
	ErrAlreadyInitialized = errors.New("auction: already initialized")
	// ErrAuctionClosed indicates the bidding window elapsed or the auction is
	// already settled.
	ErrAuctionClosed = errors.New("auction: closed")
	// ErrBidTooLow indicates the bid amount is below the reserve price.
	ErrBidTooLow = errors.New("auction: bid below reserve price")
	// ErrPaymentTransferFailed indicates the payment collaborator rejected a
	// fund movement.
	ErrPaymentTransferFailed = errors.New("auction: payment transfer failed")
	// ErrEscrowOccupied indicates a pending bid survived undrained. The bid
	// sequence always refunds before recording, so this is an internal
	// invariant check rather than a reachable caller error.
	ErrEscrowOccupied = errors.New("auction: escrow slot occupied")
	// ErrUnauthorizedUpgrade indicates the caller does not hold the upgrade
	// admin role.
	ErrUnauthorizedUpgrade = errors.New("auction: unauthorized upgrade")
)
