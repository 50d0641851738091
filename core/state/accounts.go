package state

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nftescrow/storage"
)

var (
	balancePrefix = []byte("balance:")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

type balanceRecord struct {
	Amount *big.Int
}

func balanceKey(account string) []byte {
	buf := make([]byte, len(balancePrefix)+len(account))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], account)
	return ethcrypto.Keccak256(buf)
}

// Ledger is the host-side account/balance book. Every write lands in the
// supplied database, so binding it to a per-call overlay makes transfers part
// of the call's atomic changeset.
type Ledger struct {
	db storage.Database
}

// NewLedger binds a ledger to db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// Balance returns the current balance of account (zero when never credited).
func (l *Ledger) Balance(account string) (*big.Int, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, fmt.Errorf("ledger: account must not be empty")
	}
	data, err := l.db.Get(balanceKey(account))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	var rec balanceRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("ledger: decode balance: %w", err)
	}
	if rec.Amount == nil {
		return big.NewInt(0), nil
	}
	return rec.Amount, nil
}

func (l *Ledger) setBalance(account string, amount *big.Int) error {
	encoded, err := rlp.EncodeToBytes(&balanceRecord{Amount: amount})
	if err != nil {
		return err
	}
	return l.db.Put(balanceKey(account), encoded)
}

// Credit adds amount to account.
func (l *Ledger) Credit(account string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: negative credit")
	}
	current, err := l.Balance(account)
	if err != nil {
		return err
	}
	return l.setBalance(strings.TrimSpace(account), new(big.Int).Add(current, amount))
}

// Debit removes amount from account, failing when the balance is too low.
func (l *Ledger) Debit(account string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: negative debit")
	}
	current, err := l.Balance(account)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, account, current, amount)
	}
	return l.setBalance(strings.TrimSpace(account), new(big.Int).Sub(current, amount))
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := l.Debit(from, amount); err != nil {
		return err
	}
	return l.Credit(to, amount)
}
