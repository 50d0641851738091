package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftescrow/storage"
)

const (
	// DefaultFeePercent is applied until the owner changes it.
	DefaultFeePercent uint64 = 2
	// MaxFeePercent bounds the fee so price minus fee never underflows.
	MaxFeePercent uint64 = 100
)

var (
	feePercentKey = ethcrypto.Keccak256([]byte("escrow/fee-percent"))
	hundred       = big.NewInt(100)
)

// ComputeFee returns floor(price/100) * percent. The division happens before
// the multiplication; reordering changes rounding.
func ComputeFee(price *big.Int, percent uint64) *big.Int {
	if price == nil || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Quo(price, hundred)
	return fee.Mul(fee, new(big.Int).SetUint64(percent))
}

// FeePolicy holds the engine-wide fee percentage.
type FeePolicy struct {
	db storage.Database
}

// NewFeePolicy binds a fee policy to db.
func NewFeePolicy(db storage.Database) *FeePolicy {
	return &FeePolicy{db: db}
}

// Percent returns the current fee percentage, DefaultFeePercent when unset.
func (f *FeePolicy) Percent() (uint64, error) {
	raw, err := f.db.Get(feePercentKey)
	if errors.Is(err, storage.ErrNotFound) {
		return DefaultFeePercent, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("escrow: corrupt fee percent record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (f *FeePolicy) store(percent uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], percent)
	return f.db.Put(feePercentKey, buf[:])
}

// FeeFor computes the fee owed on price at the current percentage.
func (f *FeePolicy) FeeFor(price *big.Int) (*big.Int, error) {
	percent, err := f.Percent()
	if err != nil {
		return nil, err
	}
	return ComputeFee(price, percent), nil
}

// TotalDue returns price plus the current fee.
func (f *FeePolicy) TotalDue(price *big.Int) (*big.Int, error) {
	fee, err := f.FeeFor(price)
	if err != nil {
		return nil, err
	}
	return fee.Add(fee, cloneBigInt(price)), nil
}

// SetPercent updates the fee when caller is the owner.
func (f *FeePolicy) SetPercent(caller, owner string, percent uint64) (uint64, error) {
	if owner == "" || caller != owner {
		return 0, fmt.Errorf("%w: only the owner can change the fee", ErrUnauthorized)
	}
	if percent > MaxFeePercent {
		return 0, fmt.Errorf("%w: %d", ErrInvalidFee, percent)
	}
	if err := f.store(percent); err != nil {
		return 0, err
	}
	return percent, nil
}
