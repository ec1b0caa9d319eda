package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var accountPrefix = []byte("account/")

// Account captures the persisted state of a native balance holder. Balances
// settle auctions configured without a fungible payment token.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

func ensureAccountDefaults(account *Account) *Account {
	if account == nil {
		account = &Account{}
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account
}

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return buf
}

// GetAccount loads the account stored under the supplied address. Missing
// accounts resolve to a zero-balance account rather than an error.
func (m *Manager) GetAccount(addr [20]byte) (*Account, error) {
	account := new(Account)
	ok, err := m.KVGet(accountKey(addr), account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return ensureAccountDefaults(nil), nil
	}
	return ensureAccountDefaults(account), nil
}

// PutAccount persists the provided account state under the supplied address.
// Balances must fit in 256 bits, matching the word size of the original
// deployment environment.
func (m *Manager) PutAccount(addr [20]byte, account *Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	account = ensureAccountDefaults(account)
	if account.Balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance not allowed")
	}
	if _, overflow := uint256.FromBig(account.Balance); overflow {
		return fmt.Errorf("state: balance overflow")
	}
	return m.KVPut(accountKey(addr), account)
}

// Credit adds amount to the balance stored under addr.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return m.PutAccount(addr, account)
}

// Debit subtracts amount from the balance stored under addr, failing when the
// balance cannot cover it.
func (m *Manager) Debit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("state: insufficient balance")
	}
	account.Balance = new(big.Int).Sub(account.Balance, amount)
	return m.PutAccount(addr, account)
}
