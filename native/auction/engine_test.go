package auction

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"dutchauction/core/events"
	"dutchauction/core/state"
	"dutchauction/native/collectible"
	"dutchauction/native/token"
	"dutchauction/storage"
)

type recordingEmitter struct {
	types []string
}

func (r *recordingEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	r.types = append(r.types, evt.EventType())
}

type testEnv struct {
	db      *storage.MemDB
	engine  *Engine
	emitter *recordingEmitter
	seller  [20]byte
	height  uint64
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return buildTestEnv(t, true)
}

// buildTestEnv optionally withholds the vault's transfer approval so tests
// can exercise settlement failure.
func buildTestEnv(t *testing.T, approveVault bool) *testEnv {
	t.Helper()
	env := &testEnv{
		db:      storage.NewMemDB(),
		emitter: &recordingEmitter{},
		seller:  newTestAddress(0x5E),
	}
	engine := NewEngine(env.db)
	engine.SetEmitter(env.emitter)
	engine.SetHeightFunc(func() uint64 { return env.height })
	lot, err := RegistryCollectible("LOT")
	if err != nil {
		t.Fatalf("collectible factory: %v", err)
	}
	engine.SetCollectible(lot)
	env.engine = engine

	mgr := state.NewManager(env.db)
	registry, err := collectible.NewRegistry(mgr, "LOT")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Mint(env.seller, 1); err != nil {
		t.Fatalf("mint lot: %v", err)
	}
	if approveVault {
		if err := registry.SetApprovalForAll(env.seller, VaultAddress(), true); err != nil {
			t.Fatalf("approve vault: %v", err)
		}
	}
	return env
}

func (env *testEnv) initialize(t *testing.T) *Auction {
	t.Helper()
	record, err := env.engine.Initialize(Params{
		Seller:              env.seller,
		ReservePrice:        big.NewInt(1000),
		NumBlocksOpen:       10,
		OfferPriceDecrement: big.NewInt(100),
		CollectibleSymbol:   "LOT",
		CollectibleID:       1,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return record
}

func (env *testEnv) fund(t *testing.T, addr [20]byte, amount int64) {
	t.Helper()
	if err := state.NewManager(env.db).Credit(addr, big.NewInt(amount)); err != nil {
		t.Fatalf("fund %x: %v", addr, err)
	}
}

func (env *testEnv) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	account, err := state.NewManager(env.db).GetAccount(addr)
	if err != nil {
		t.Fatalf("get account %x: %v", addr, err)
	}
	return account.Balance
}

func (env *testEnv) lotOwner(t *testing.T) [20]byte {
	t.Helper()
	registry, err := collectible.NewRegistry(state.NewManager(env.db), "LOT")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	owner, err := registry.OwnerOf(1)
	if err != nil {
		t.Fatalf("owner of lot: %v", err)
	}
	return owner
}

func TestInitializeComputesSchedule(t *testing.T) {
	env := newTestEnv(t)
	record := env.initialize(t)

	sched := record.Schedule()
	if got := sched.InitialPrice(); got.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("initial price = %s, want 2000", got)
	}
	if got := sched.PriceAt(3); got.Cmp(big.NewInt(1700)) != 0 {
		t.Fatalf("price at block 3 = %s, want 1700", got)
	}
	if got := sched.PriceAt(10); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("price at closing block = %s, want reserve 1000", got)
	}
	if record.Status != StatusOpen {
		t.Fatalf("status = %v, want open", record.Status)
	}
	if record.InitialVersion != (ImplementationV1{}).Tag() {
		t.Fatalf("initial version = %q, want v1", record.InitialVersion)
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	_, err := env.engine.Initialize(Params{
		Seller:              env.seller,
		ReservePrice:        big.NewInt(1),
		NumBlocksOpen:       1,
		OfferPriceDecrement: big.NewInt(1),
		CollectibleSymbol:   "LOT",
		CollectibleID:       1,
	})
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second initialize: err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestBidBeforeInitializeFails(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Bid(newTestAddress(0x01), big.NewInt(1000))
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("bid before initialize: err = %v, want ErrNotInitialized", err)
	}
}

func TestBidBelowReserveRejected(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	bidder := newTestAddress(0x01)
	env.fund(t, bidder, 5000)
	env.height = 9 // decayed price 1100, reserve still 1000

	_, err := env.engine.Bid(bidder, big.NewInt(999))
	if !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("bid below reserve: err = %v, want ErrBidTooLow", err)
	}
	if got := env.balance(t, bidder); got.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("rejected bid moved funds: balance = %s", got)
	}
}

func TestBidAtClosingBlockRejected(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	bidder := newTestAddress(0x01)
	env.fund(t, bidder, 5000)

	env.height = 9
	if open, err := env.engine.IsOpen(); err != nil || !open {
		t.Fatalf("IsOpen at block 9 = %v, %v, want open", open, err)
	}
	env.height = 10
	if open, err := env.engine.IsOpen(); err != nil || open {
		t.Fatalf("IsOpen at block 10 = %v, %v, want closed", open, err)
	}
	_, err := env.engine.Bid(bidder, big.NewInt(2000))
	if !errors.Is(err, ErrAuctionClosed) {
		t.Fatalf("bid at closing block: err = %v, want ErrAuctionClosed", err)
	}
}

func TestPendingBidEscrowsExactAmount(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	bidder := newTestAddress(0x01)
	env.fund(t, bidder, 1699)
	env.height = 3 // price 1700

	receipt, err := env.engine.Bid(bidder, big.NewInt(1699))
	if err != nil {
		t.Fatalf("pending bid: %v", err)
	}
	if receipt.Winning {
		t.Fatalf("bid below price reported as winning")
	}
	if got := env.balance(t, bidder); got.Sign() != 0 {
		t.Fatalf("bidder balance after escrow = %s, want 0", got)
	}
	if got := env.balance(t, VaultAddress()); got.Cmp(big.NewInt(1699)) != 0 {
		t.Fatalf("vault balance = %s, want 1699", got)
	}
	pending, err := env.engine.PendingBid()
	if err != nil {
		t.Fatalf("pending bid lookup: %v", err)
	}
	if pending == nil || pending.Bidder != bidder || pending.Amount.Cmp(big.NewInt(1699)) != 0 || pending.Block != 3 {
		t.Fatalf("pending bid = %+v", pending)
	}
}

func TestWinningBidRefundsPendingAndSettles(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	first := newTestAddress(0x01)
	second := newTestAddress(0x02)
	env.fund(t, first, 1699)
	env.fund(t, second, 1701)
	env.height = 3 // price 1700

	if _, err := env.engine.Bid(first, big.NewInt(1699)); err != nil {
		t.Fatalf("pending bid: %v", err)
	}
	receipt, err := env.engine.Bid(second, big.NewInt(1701))
	if err != nil {
		t.Fatalf("winning bid: %v", err)
	}
	if !receipt.Winning {
		t.Fatalf("bid above price not winning")
	}
	if receipt.Refunded == nil || receipt.Refunded.Amount.Cmp(big.NewInt(1699)) != 0 {
		t.Fatalf("refunded = %+v, want the superseded 1699 bid", receipt.Refunded)
	}
	if got := env.balance(t, first); got.Cmp(big.NewInt(1699)) != 0 {
		t.Fatalf("refund was not exact: first bidder balance = %s, want 1699", got)
	}
	if got := env.balance(t, env.seller); got.Cmp(big.NewInt(1701)) != 0 {
		t.Fatalf("seller proceeds = %s, want 1701", got)
	}
	if got := env.balance(t, VaultAddress()); got.Sign() != 0 {
		t.Fatalf("vault drained to %s, want 0", got)
	}
	if owner := env.lotOwner(t); owner != second {
		t.Fatalf("lot owner = %x, want winner %x", owner, second)
	}
	winner, settled, err := env.engine.Winner()
	if err != nil || !settled || winner != second {
		t.Fatalf("winner = %x settled=%v err=%v", winner, settled, err)
	}
}

func TestBidExactlyAtPriceWins(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	bidder := newTestAddress(0x01)
	env.fund(t, bidder, 1700)
	env.height = 3

	receipt, err := env.engine.Bid(bidder, big.NewInt(1700))
	if err != nil {
		t.Fatalf("bid at price: %v", err)
	}
	if !receipt.Winning {
		t.Fatalf("bid equal to the current price must win")
	}
}

func TestSettledAuctionRejectsFurtherBids(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	winner := newTestAddress(0x01)
	late := newTestAddress(0x02)
	env.fund(t, winner, 2000)
	env.fund(t, late, 2000)
	env.height = 3

	if _, err := env.engine.Bid(winner, big.NewInt(1700)); err != nil {
		t.Fatalf("winning bid: %v", err)
	}
	_, err := env.engine.Bid(late, big.NewInt(2000))
	if !errors.Is(err, ErrAuctionClosed) {
		t.Fatalf("bid after settlement: err = %v, want ErrAuctionClosed", err)
	}
}

func TestPendingBidSurvivesWindowExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	bidder := newTestAddress(0x01)
	env.fund(t, bidder, 1699)
	env.height = 3

	if _, err := env.engine.Bid(bidder, big.NewInt(1699)); err != nil {
		t.Fatalf("pending bid: %v", err)
	}
	env.height = 10
	// Expiry does not refund: the escrowed amount stays in the vault and the
	// pending slot stays populated.
	pending, err := env.engine.PendingBid()
	if err != nil || pending == nil {
		t.Fatalf("pending after expiry = %+v, err = %v", pending, err)
	}
	if got := env.balance(t, VaultAddress()); got.Cmp(big.NewInt(1699)) != 0 {
		t.Fatalf("vault balance after expiry = %s, want 1699", got)
	}
}

func TestInsufficientFundsLeaveStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	bidder := newTestAddress(0x01) // never funded
	env.height = 3

	_, err := env.engine.Bid(bidder, big.NewInt(1700))
	if !errors.Is(err, ErrPaymentTransferFailed) {
		t.Fatalf("unfunded bid: err = %v, want ErrPaymentTransferFailed", err)
	}
	pending, err := env.engine.PendingBid()
	if err != nil {
		t.Fatalf("pending lookup: %v", err)
	}
	if pending != nil {
		t.Fatalf("failed bid left a pending record: %+v", pending)
	}
	if got := env.balance(t, VaultAddress()); got.Sign() != 0 {
		t.Fatalf("failed bid left funds in the vault: %s", got)
	}
}

func TestSettlementFailureRollsBackEscrow(t *testing.T) {
	env := buildTestEnv(t, false) // vault never approved to move the lot
	env.initialize(t)
	bidder := newTestAddress(0x01)
	env.fund(t, bidder, 1700)
	env.height = 3

	_, err := env.engine.Bid(bidder, big.NewInt(1700))
	if err == nil {
		t.Fatalf("expected settlement failure")
	}
	// Nothing staged on the overlay may leak: funds, lot and record all keep
	// their pre-bid state.
	if got := env.balance(t, bidder); got.Cmp(big.NewInt(1700)) != 0 {
		t.Fatalf("bidder balance after rollback = %s, want 1700", got)
	}
	if owner := env.lotOwner(t); owner != env.seller {
		t.Fatalf("lot owner after rollback = %x, want seller", owner)
	}
	record, err := env.engine.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if record.Status != StatusOpen {
		t.Fatalf("status after rollback = %v, want open", record.Status)
	}
}

func TestEventsEmittedInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	first := newTestAddress(0x01)
	second := newTestAddress(0x02)
	env.fund(t, first, 1699)
	env.fund(t, second, 1701)
	env.height = 3

	if _, err := env.engine.Bid(first, big.NewInt(1699)); err != nil {
		t.Fatalf("pending bid: %v", err)
	}
	if _, err := env.engine.Bid(second, big.NewInt(1701)); err != nil {
		t.Fatalf("winning bid: %v", err)
	}
	want := []string{
		EventTypeAuctionInitialized,
		EventTypeBidRecorded,
		EventTypeBidRefunded,
		EventTypeAuctionSettled,
	}
	if len(env.emitter.types) != len(want) {
		t.Fatalf("emitted %v, want %v", env.emitter.types, want)
	}
	for i := range want {
		if env.emitter.types[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, env.emitter.types[i], want[i])
		}
	}
}

func TestTokenSettlementLifecycle(t *testing.T) {
	db := storage.NewMemDB()
	seller := newTestAddress(0x5E)

	engine := NewEngine(db)
	height := uint64(0)
	engine.SetHeightFunc(func() uint64 { return height })
	payment, err := TokenPayment("PAY", "Payment Token", 18)
	if err != nil {
		t.Fatalf("token payment factory: %v", err)
	}
	engine.SetPayment(payment)
	lot, err := RegistryCollectible("LOT")
	if err != nil {
		t.Fatalf("collectible factory: %v", err)
	}
	engine.SetCollectible(lot)

	mgr := state.NewManager(db)
	registry, err := collectible.NewRegistry(mgr, "LOT")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Mint(seller, 1); err != nil {
		t.Fatalf("mint lot: %v", err)
	}
	if err := registry.SetApprovalForAll(seller, VaultAddress(), true); err != nil {
		t.Fatalf("approve vault: %v", err)
	}

	if _, err := engine.Initialize(Params{
		Seller:              seller,
		ReservePrice:        big.NewInt(1000),
		NumBlocksOpen:       10,
		OfferPriceDecrement: big.NewInt(100),
		CollectibleSymbol:   "LOT",
		CollectibleID:       1,
		PaymentToken:        "PAY",
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ledger, err := token.NewLedger(mgr, "PAY", "Payment Token", 18)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	tokenBalance := func(holder [20]byte) *big.Int {
		got, err := ledger.BalanceOf(holder)
		if err != nil {
			t.Fatalf("balance of %x: %v", holder, err)
		}
		return got
	}

	// first bidder funds the escrow through a plain approval
	first := newTestAddress(0x01)
	if err := ledger.Mint(first, big.NewInt(1699)); err != nil {
		t.Fatalf("mint tokens: %v", err)
	}
	if err := ledger.Approve(first, VaultAddress(), big.NewInt(1699)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	height = 3 // price 1700
	receipt, err := engine.Bid(first, big.NewInt(1699))
	if err != nil {
		t.Fatalf("pending bid: %v", err)
	}
	if receipt.Winning {
		t.Fatalf("bid below price reported winning")
	}
	if got := tokenBalance(first); got.Sign() != 0 {
		t.Fatalf("first bidder tokens after escrow = %s, want 0", got)
	}
	if got := tokenBalance(VaultAddress()); got.Cmp(big.NewInt(1699)) != 0 {
		t.Fatalf("vault tokens = %s, want 1699", got)
	}

	// second bidder grants the allowance with a signed permit instead
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	second := [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))
	if err := ledger.Mint(second, big.NewInt(1701)); err != nil {
		t.Fatalf("mint tokens: %v", err)
	}
	deadline := time.Now().Add(time.Hour).Unix()
	digest := ledger.PermitDigest(second, VaultAddress(), big.NewInt(1701), 0, deadline)
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign permit: %v", err)
	}
	if err := ledger.Permit(second, VaultAddress(), big.NewInt(1701), deadline, sig); err != nil {
		t.Fatalf("permit: %v", err)
	}

	receipt, err = engine.Bid(second, big.NewInt(1701))
	if err != nil {
		t.Fatalf("winning bid: %v", err)
	}
	if !receipt.Winning {
		t.Fatalf("bid above price not winning")
	}
	if receipt.Refunded == nil || receipt.Refunded.Amount.Cmp(big.NewInt(1699)) != 0 {
		t.Fatalf("refunded = %+v, want the superseded 1699 bid", receipt.Refunded)
	}
	if got := tokenBalance(first); got.Cmp(big.NewInt(1699)) != 0 {
		t.Fatalf("refund was not exact: first bidder tokens = %s, want 1699", got)
	}
	if got := tokenBalance(seller); got.Cmp(big.NewInt(1701)) != 0 {
		t.Fatalf("seller token proceeds = %s, want 1701", got)
	}
	if got := tokenBalance(VaultAddress()); got.Sign() != 0 {
		t.Fatalf("vault tokens after settlement = %s, want 0", got)
	}
	owner, err := registry.OwnerOf(1)
	if err != nil || owner != second {
		t.Fatalf("lot owner = %x, %v, want winner", owner, err)
	}
}

// slowDB injects latency into every database operation so interleavings that
// depend on I/O timing, as with LevelDB on disk, actually occur.
type slowDB struct {
	inner *storage.MemDB
}

func (db *slowDB) Put(key []byte, value []byte) error {
	time.Sleep(time.Millisecond)
	return db.inner.Put(key, value)
}

func (db *slowDB) Get(key []byte) ([]byte, error) {
	time.Sleep(time.Millisecond)
	return db.inner.Get(key)
}

func (db *slowDB) Close() { db.inner.Close() }

func TestConcurrentBidsSerialized(t *testing.T) {
	db := &slowDB{inner: storage.NewMemDB()}
	seller := newTestAddress(0x5E)

	engine := NewEngine(db)
	height := uint64(0)
	engine.SetHeightFunc(func() uint64 { return height })
	lot, err := RegistryCollectible("LOT")
	if err != nil {
		t.Fatalf("collectible factory: %v", err)
	}
	engine.SetCollectible(lot)

	mgr := state.NewManager(db)
	registry, err := collectible.NewRegistry(mgr, "LOT")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Mint(seller, 1); err != nil {
		t.Fatalf("mint lot: %v", err)
	}
	if err := registry.SetApprovalForAll(seller, VaultAddress(), true); err != nil {
		t.Fatalf("approve vault: %v", err)
	}
	if _, err := engine.Initialize(Params{
		Seller:              seller,
		ReservePrice:        big.NewInt(1000),
		NumBlocksOpen:       10,
		OfferPriceDecrement: big.NewInt(100),
		CollectibleSymbol:   "LOT",
		CollectibleID:       1,
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	height = 3 // price 1700

	bidders := [][20]byte{newTestAddress(0x01), newTestAddress(0x02)}
	for _, bidder := range bidders {
		if err := mgr.Credit(bidder, big.NewInt(2000)); err != nil {
			t.Fatalf("fund bidder: %v", err)
		}
	}

	// both bids meet the current price of 1700; without serialization the two
	// read-modify-write cycles interleave, debit both bidders and drop funds
	receipts := make([]*BidReceipt, len(bidders))
	errs := make([]error, len(bidders))
	var wg sync.WaitGroup
	for i := range bidders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = engine.Bid(bidders[i], big.NewInt(1700))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range bidders {
		switch {
		case errs[i] == nil:
			if !receipts[i].Winning {
				t.Fatalf("bid %d succeeded without winning: %+v", i, receipts[i])
			}
			winners++
		case errors.Is(errs[i], ErrAuctionClosed):
			// lost the race to the settling bid
		default:
			t.Fatalf("bid %d failed with %v", i, errs[i])
		}
	}
	if winners != 1 {
		t.Fatalf("settled %d times, want exactly once", winners)
	}

	balance := func(addr [20]byte) *big.Int {
		account, err := mgr.GetAccount(addr)
		if err != nil {
			t.Fatalf("get account %x: %v", addr, err)
		}
		return account.Balance
	}
	if got := balance(seller); got.Cmp(big.NewInt(1700)) != 0 {
		t.Fatalf("seller proceeds = %s, want 1700", got)
	}
	if got := balance(VaultAddress()); got.Sign() != 0 {
		t.Fatalf("vault balance = %s, want 0", got)
	}
	total := new(big.Int).Set(balance(seller))
	total.Add(total, balance(VaultAddress()))
	for _, bidder := range bidders {
		total.Add(total, balance(bidder))
	}
	if total.Cmp(big.NewInt(4000)) != 0 {
		t.Fatalf("funds not conserved: total = %s, want 4000", total)
	}

	record, err := engine.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if record.Status != StatusSettled || record.Pending != nil {
		t.Fatalf("record after race: status=%v pending=%+v", record.Status, record.Pending)
	}
}

func TestReserveIsAnIndependentFloor(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	bidder := newTestAddress(0x01)
	env.fund(t, bidder, 5000)
	env.height = 9 // last open block, price 1100

	// below the reserve: rejected outright, never escrowed
	if _, err := env.engine.Bid(bidder, big.NewInt(999)); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("bid below reserve: err = %v, want ErrBidTooLow", err)
	}
	// at the reserve but below the decayed price: escrowed as pending
	receipt, err := env.engine.Bid(bidder, big.NewInt(1000))
	if err != nil {
		t.Fatalf("bid at reserve: %v", err)
	}
	if receipt.Winning {
		t.Fatalf("bid below the decayed price reported as winning")
	}
	pending, err := env.engine.PendingBid()
	if err != nil || pending == nil || pending.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("pending = %+v, err = %v, want escrowed 1000", pending, err)
	}
}
