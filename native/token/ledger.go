package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance indicates the payer balance cannot cover the amount.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInsufficientAllowance indicates the spender allowance cannot cover the amount.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrPermitExpired indicates the gasless approval was presented after its deadline.
	ErrPermitExpired = errors.New("token: permit expired")
	// ErrPermitInvalid indicates the permit signature could not be recovered or
	// did not match the owner address.
	ErrPermitInvalid = errors.New("token: permit signature invalid")
)

// permitDomainV1 separates permit digests from any other signed payload.
const permitDomainV1 = "DUTCHAUCTION_TOKEN_PERMIT_V1"

// ledgerState is the narrow state access the ledger requires.
type ledgerState interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
}

// Ledger is a fungible token ledger with ERC-20 style balance, allowance and
// gasless-approval semantics. It backs auctions configured with a payment
// token instead of native balances.
type Ledger struct {
	symbol   string
	name     string
	decimals uint8
	state    ledgerState
	nowFn    func() int64
}

// NewLedger creates a token ledger bound to the provided state backend.
func NewLedger(state ledgerState, symbol, name string, decimals uint8) (*Ledger, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return nil, fmt.Errorf("token: symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("token: name must not be empty")
	}
	return &Ledger{
		symbol:   trimmed,
		name:     name,
		decimals: decimals,
		state:    state,
		nowFn:    func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the time source used for permit deadlines. Primarily
// intended for tests to provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// Symbol returns the canonical token symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// Name returns the token display name.
func (l *Ledger) Name() string { return l.name }

// Decimals returns the token decimal places.
func (l *Ledger) Decimals() uint8 { return l.decimals }

func (l *Ledger) balanceKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("token/%s/balance/%x", l.symbol, addr))
}

func (l *Ledger) allowanceKey(owner, spender [20]byte) []byte {
	return []byte(fmt.Sprintf("token/%s/allowance/%x/%x", l.symbol, owner, spender))
}

func (l *Ledger) nonceKey(owner [20]byte) []byte {
	return []byte(fmt.Sprintf("token/%s/nonce/%x", l.symbol, owner))
}

func (l *Ledger) loadAmount(key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := l.state.KVGet(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (l *Ledger) storeAmount(key []byte, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("token: negative amount not allowed")
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("token: amount overflow")
	}
	return l.state.KVPut(key, amount)
}

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(addr [20]byte) (*big.Int, error) {
	return l.loadAmount(l.balanceKey(addr))
}

// Allowance returns the amount spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender [20]byte) (*big.Int, error) {
	return l.loadAmount(l.allowanceKey(owner, spender))
}

// Nonce returns the permit nonce for owner.
func (l *Ledger) Nonce(owner [20]byte) (uint64, error) {
	var nonce uint64
	if _, err := l.state.KVGet(l.nonceKey(owner), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// Mint credits newly issued tokens to the recipient. Issuance authority sits
// with whoever holds the ledger instance; the auction engine never mints.
func (l *Ledger) Mint(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("token: mint amount must be positive")
	}
	balance, err := l.BalanceOf(to)
	if err != nil {
		return err
	}
	return l.storeAmount(l.balanceKey(to), new(big.Int).Add(balance, amount))
}

// Transfer moves amount from the caller to the recipient.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token: transfer amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBalance, err := l.BalanceOf(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := l.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := l.storeAmount(l.balanceKey(from), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.storeAmount(l.balanceKey(to), new(big.Int).Add(toBalance, amount))
}

// Approve sets the allowance spender may move on behalf of owner.
func (l *Ledger) Approve(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token: allowance must be non-negative")
	}
	return l.storeAmount(l.allowanceKey(owner, spender), amount)
}

// TransferFrom moves amount from owner to the recipient, consuming the
// spender's allowance.
func (l *Ledger) TransferFrom(spender, owner, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token: transfer amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	if spender != owner {
		allowance, err := l.Allowance(owner, spender)
		if err != nil {
			return err
		}
		if allowance.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		if err := l.storeAmount(l.allowanceKey(owner, spender), new(big.Int).Sub(allowance, amount)); err != nil {
			return err
		}
	}
	return l.Transfer(owner, to, amount)
}

// PermitDigest returns the digest an owner signs to grant a gasless approval.
func (l *Ledger) PermitDigest(owner, spender [20]byte, value *big.Int, nonce uint64, deadline int64) []byte {
	amount := value
	if amount == nil {
		amount = big.NewInt(0)
	}
	payload := fmt.Sprintf("%s|%s|%x|%x|%s|%d|%d", permitDomainV1, l.symbol, owner, spender, amount.String(), nonce, deadline)
	return ethcrypto.Keccak256([]byte(payload))
}

// Permit grants spender an allowance of value on behalf of owner, authorized
// by a signature over the permit digest instead of an on-ledger Approve call.
// A successful permit is indistinguishable from a prior Approve for the
// subsequent TransferFrom.
func (l *Ledger) Permit(owner, spender [20]byte, value *big.Int, deadline int64, sig []byte) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("token: permit value must be non-negative")
	}
	if l.nowFn() > deadline {
		return ErrPermitExpired
	}
	if len(sig) != 65 {
		return ErrPermitInvalid
	}
	nonce, err := l.Nonce(owner)
	if err != nil {
		return err
	}
	digest := l.PermitDigest(owner, spender, value, nonce, deadline)
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return ErrPermitInvalid
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(owner[:]) {
		return ErrPermitInvalid
	}
	if err := l.state.KVPut(l.nonceKey(owner), nonce+1); err != nil {
		return err
	}
	return l.Approve(owner, spender, value)
}
