package auction

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"dutchauction/core/events"
	"dutchauction/core/state"
	"dutchauction/core/types"
	"dutchauction/storage"
)

type auctionEvent struct {
	evt *types.Event
}

func (e auctionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e auctionEvent) Event() *types.Event { return e.evt }

// Params are the constructor parameters of an auction, all required and all
// immutable after initialization. PaymentToken selects the fungible-token
// settlement variant; leaving it empty settles against native balances.
type Params struct {
	Seller              [20]byte
	ReservePrice        *big.Int
	NumBlocksOpen       uint64
	OfferPriceDecrement *big.Int
	CollectibleSymbol   string
	CollectibleID       uint64
	PaymentToken        string
}

// BidReceipt reports the outcome of an accepted bid.
type BidReceipt struct {
	Winning  bool
	Bidder   [20]byte
	Amount   *big.Int
	Price    *big.Int
	Refunded *PendingBid
}

// Engine drives the auction lifecycle: initialization, bid admission, escrow
// bookkeeping and settlement. Every mutating operation stages its writes on a
// storage overlay and commits only on success, so a failed call leaves the
// persisted state byte-for-byte as it was. Mutating calls are serialized on
// the engine's guard; anything else that mutates the same database (the
// upgrade shim) must share it.
type Engine struct {
	mu          sync.Mutex
	db          storage.Database
	emitter     events.Emitter
	heightFn    func() uint64
	payment     PaymentAssetFactory
	collectible CollectibleAssetFactory
}

// NewEngine creates an auction engine over the provided database with a no-op
// emitter and native-balance settlement. Callers override the collaborators
// via the setters.
func NewEngine(db storage.Database) *Engine {
	return &Engine{
		db:          db,
		emitter:     events.NoopEmitter{},
		heightFn:    func() uint64 { return 0 },
		payment:     NativePayment(),
		collectible: nil,
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetHeightFunc configures the block-height source. The engine only ever
// reads the clock; it never advances it.
func (e *Engine) SetHeightFunc(height func() uint64) {
	if height == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = height
}

// SetPayment configures the payment collaborator factory.
func (e *Engine) SetPayment(factory PaymentAssetFactory) {
	if factory == nil {
		e.payment = NativePayment()
		return
	}
	e.payment = factory
}

// SetCollectible configures the collectible collaborator factory.
func (e *Engine) SetCollectible(factory CollectibleAssetFactory) {
	e.collectible = factory
}

// Guard returns the mutex serializing mutating calls against the engine's
// database.
func (e *Engine) Guard() *sync.Mutex {
	return &e.mu
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(auctionEvent{evt: event})
}

func (e *Engine) height() uint64 {
	if e == nil || e.heightFn == nil {
		return 0
	}
	return e.heightFn()
}

// Initialize creates the auction record. It may run at most once per storage
// area; the persisted guard flag rejects any second attempt regardless of
// which code version issues it.
func (e *Engine) Initialize(params Params) (*Auction, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("auction: engine not configured")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ov := storage.NewOverlay(e.db)
	mgr := state.NewManager(ov)
	initialized, err := isInitialized(mgr)
	if err != nil {
		return nil, err
	}
	if initialized {
		return nil, ErrAlreadyInitialized
	}
	if params.Seller == ([20]byte{}) {
		return nil, fmt.Errorf("auction: seller must not be empty")
	}
	record := &Auction{
		Seller:              params.Seller,
		ReservePrice:        cloneBigInt(params.ReservePrice),
		NumBlocksOpen:       params.NumBlocksOpen,
		OfferPriceDecrement: cloneBigInt(params.OfferPriceDecrement),
		InitialBlock:        e.height(),
		CollectibleSymbol:   params.CollectibleSymbol,
		CollectibleID:       params.CollectibleID,
		PaymentToken:        params.PaymentToken,
		Status:              StatusOpen,
		InitialVersion:      ImplementationV1{}.Tag(),
	}
	sanitized, err := SanitizeAuction(record)
	if err != nil {
		return nil, err
	}
	// reservePrice >= decrement * numBlocksOpen is expected but not enforced;
	// a smaller reserve still yields a valid schedule, just one where the
	// decay range dominates the price.
	decayRange := new(big.Int).Mul(sanitized.OfferPriceDecrement, new(big.Int).SetUint64(sanitized.NumBlocksOpen))
	if sanitized.ReservePrice.Cmp(decayRange) < 0 {
		slog.Warn("auction: reserve price is below the total decay range",
			"reservePrice", sanitized.ReservePrice.String(),
			"decrement", sanitized.OfferPriceDecrement.String(),
			"numBlocksOpen", sanitized.NumBlocksOpen)
	}
	if err := putAuction(mgr, sanitized); err != nil {
		return nil, err
	}
	if err := setInitialized(mgr); err != nil {
		return nil, err
	}
	if err := setImplementationTag(mgr, ImplementationV1{}.Tag()); err != nil {
		return nil, err
	}
	if err := mgr.SetLayoutVersion(ImplementationV1{}.Layout()); err != nil {
		return nil, err
	}
	if err := ov.Commit(); err != nil {
		return nil, err
	}
	e.emit(NewInitializedEvent(sanitized))
	return sanitized.Clone(), nil
}

// Bid admits a bid from caller at the current block height. A bid below the
// current price is escrowed as pending (refunding any superseded pending bid
// first, for its exact original amount); a bid at or above the current price
// wins, forfeiting the amount to the seller and moving the collectible to the
// caller atomically with respect to the persisted state.
func (e *Engine) Bid(caller [20]byte, amount *big.Int) (*BidReceipt, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("auction: engine not configured")
	}
	if e.collectible == nil {
		return nil, fmt.Errorf("auction: collectible collaborator not configured")
	}
	amount = cloneBigInt(amount)
	e.mu.Lock()
	defer e.mu.Unlock()
	ov := storage.NewOverlay(e.db)
	mgr := state.NewManager(ov)
	record, ok, err := getAuction(mgr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	height := e.height()
	sched := record.Schedule()
	if record.Status != StatusOpen || !sched.WindowOpen(height) {
		return nil, ErrAuctionClosed
	}
	price := sched.PriceAt(height)
	// The reserve is the absolute floor, checked independently of the decayed
	// price: a bid below it is rejected even when clamping makes them equal.
	if amount.Cmp(record.ReservePrice) < 0 {
		return nil, ErrBidTooLow
	}
	escrow := NewEscrowLedger(e.payment(mgr), VaultAddress())
	refunded, err := escrow.RefundPending(record)
	if err != nil {
		return nil, err
	}
	if err := escrow.Collect(caller, amount); err != nil {
		return nil, err
	}
	receipt := &BidReceipt{
		Bidder:   caller,
		Amount:   new(big.Int).Set(amount),
		Price:    price,
		Refunded: refunded,
	}
	if amount.Cmp(price) < 0 {
		if err := escrow.RecordPending(record, caller, amount, height); err != nil {
			return nil, err
		}
		if err := putAuction(mgr, record); err != nil {
			return nil, err
		}
		if err := ov.Commit(); err != nil {
			return nil, err
		}
		if refunded != nil {
			e.emit(NewBidRefundedEvent(record, refunded))
		}
		e.emit(NewBidRecordedEvent(record, caller, amount.String(), price.String()))
		return receipt, nil
	}
	// Winning bid: forfeit the escrowed amount to the seller and move the
	// collectible, then close the auction for good.
	if err := escrow.SettleTo(record.Seller, amount); err != nil {
		return nil, err
	}
	lot := e.collectible(mgr)
	if err := lot.TransferFrom(escrow.Vault(), record.Seller, caller, record.CollectibleID); err != nil {
		return nil, fmt.Errorf("auction: collectible transfer failed: %w", err)
	}
	record.Winner = caller
	record.Status = StatusSettled
	if err := putAuction(mgr, record); err != nil {
		return nil, err
	}
	if err := ov.Commit(); err != nil {
		return nil, err
	}
	if refunded != nil {
		e.emit(NewBidRefundedEvent(record, refunded))
	}
	e.emit(NewSettledEvent(record, amount.String(), price.String()))
	receipt.Winning = true
	return receipt, nil
}

// Info returns a copy of the persisted auction record.
func (e *Engine) Info() (*Auction, error) {
	record, ok, err := getAuction(state.NewManager(e.db))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return record, nil
}

// CurrentPrice returns the minimum acceptable price at the current height.
func (e *Engine) CurrentPrice() (*big.Int, error) {
	return e.PriceAt(e.height())
}

// PriceAt returns the minimum acceptable price at the given height.
func (e *Engine) PriceAt(height uint64) (*big.Int, error) {
	record, err := e.Info()
	if err != nil {
		return nil, err
	}
	return record.Schedule().PriceAt(height), nil
}

// IsOpen reports whether the auction accepts bids at the current height.
func (e *Engine) IsOpen() (bool, error) {
	record, err := e.Info()
	if err != nil {
		return false, err
	}
	return record.Status == StatusOpen && record.Schedule().WindowOpen(e.height()), nil
}

// Winner returns the settling bidder. The boolean reports whether the auction
// has settled.
func (e *Engine) Winner() ([20]byte, bool, error) {
	record, err := e.Info()
	if err != nil {
		return [20]byte{}, false, err
	}
	if record.Status != StatusSettled {
		return [20]byte{}, false, nil
	}
	return record.Winner, true, nil
}

// PendingBid returns the escrowed non-winning bid, if any.
func (e *Engine) PendingBid() (*PendingBid, error) {
	record, err := e.Info()
	if err != nil {
		return nil, err
	}
	return record.Pending, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
