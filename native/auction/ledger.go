package auction

import (
	"fmt"
	"math/big"
)

// EscrowLedger holds custody of at most one pending bid between calls and
// performs exact-amount refunds. Funds sit on the vault account; the ledger
// mutates the in-memory auction record and leaves persistence to the caller,
// so a failed call never leaves a half-updated slot behind.
//
// A pending bid is drained only when a later bid arrives. The window expiring
// with no winner does not auto-refund; the escrowed amount stays refundable
// and is returned the next time anyone bids. This mirrors the behavior of the
// original deployment and is deliberate.
type EscrowLedger struct {
	payment PaymentAsset
	vault   [20]byte
}

// NewEscrowLedger creates an escrow ledger moving funds through the provided
// payment collaborator with the given vault account.
func NewEscrowLedger(payment PaymentAsset, vault [20]byte) *EscrowLedger {
	return &EscrowLedger{payment: payment, vault: vault}
}

// Vault returns the custody account address.
func (l *EscrowLedger) Vault() [20]byte { return l.vault }

// Collect pulls the bid amount from the payer into the vault.
func (l *EscrowLedger) Collect(payer [20]byte, amount *big.Int) error {
	if err := l.payment.Collect(payer, l.vault, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentTransferFailed, err)
	}
	return nil
}

// RecordPending stores the bid in the escrow slot. The caller must have
// drained any previous pending bid first; a still-occupied slot is an
// invariant violation.
func (l *EscrowLedger) RecordPending(record *Auction, bidder [20]byte, amount *big.Int, height uint64) error {
	if record.Pending != nil {
		return ErrEscrowOccupied
	}
	record.Pending = &PendingBid{
		Bidder: bidder,
		Amount: new(big.Int).Set(amount),
		Block:  height,
	}
	return nil
}

// RefundPending returns the escrowed amount to its bidder and clears the
// slot. The refund is always the exact amount originally escrowed. No-op when
// the slot is empty.
func (l *EscrowLedger) RefundPending(record *Auction) (*PendingBid, error) {
	if record.Pending == nil {
		return nil, nil
	}
	refunded := record.Pending.Clone()
	if err := l.payment.Pay(l.vault, refunded.Bidder, refunded.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentTransferFailed, err)
	}
	record.Pending = nil
	return refunded, nil
}

// SettleTo forfeits the winning amount from the vault to the seller.
func (l *EscrowLedger) SettleTo(seller [20]byte, amount *big.Int) error {
	if err := l.payment.Pay(l.vault, seller, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentTransferFailed, err)
	}
	return nil
}
