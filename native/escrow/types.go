package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle state of a sale transaction.
type Status uint8

const (
	StatusPending Status = iota
	StatusFundsLocked
	StatusFundsAndAssetLocked
	StatusCompleted
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:             "Pending",
	StatusFundsLocked:         "FundsLocked",
	StatusFundsAndAssetLocked: "FundsAndAssetLocked",
	StatusCompleted:           "Completed",
	StatusCancelled:           "Cancelled",
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus converts the canonical status name back into a Status.
func ParseStatus(name string) (Status, error) {
	trimmed := strings.TrimSpace(name)
	for status, candidate := range statusNames {
		if strings.EqualFold(candidate, trimmed) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown transaction status %q", name)
}

// BaseUnit converts a human-facing price into the smallest currency unit.
var BaseUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)

// MaxAmount is the largest value representable by an unsigned 128-bit integer.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Transaction is the canonical record of a single sale attempt. Records are
// owned by the Registry; every other component refers to them by ID only.
type Transaction struct {
	ID            uint64
	Creator       string
	Seller        string
	Buyer         string
	Price         *big.Int
	AssetID       string
	AssetContract string
	FundsInEscrow bool
	AssetInEscrow bool
	Status        Status
	// Deposit, Fee and LockedBy describe the value actually held in custody
	// since lock_funds. They are zero/empty while the transaction is Pending.
	Deposit  *big.Int
	Fee      *big.Int
	LockedBy string
	// CreatedAt is the host call sequence number of the creating call.
	CreatedAt uint64
}

// Clone returns a deep copy of the transaction so callers can safely mutate
// the copy without affecting the stored instance.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Price = cloneBigInt(t.Price)
	clone.Deposit = cloneBigInt(t.Deposit)
	clone.Fee = cloneBigInt(t.Fee)
	return &clone
}

// CheckInvariants verifies the custody flags agree with the status.
func (t *Transaction) CheckInvariants() error {
	if t == nil {
		return fmt.Errorf("nil transaction")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid transaction status: %d", t.Status)
	}
	if t.Price == nil || t.Price.Sign() <= 0 {
		return fmt.Errorf("transaction %d: price must be positive", t.ID)
	}
	wantFunds := t.Status == StatusFundsLocked || t.Status == StatusFundsAndAssetLocked || t.Status == StatusCompleted
	if t.FundsInEscrow != wantFunds {
		return fmt.Errorf("transaction %d: funds flag %t inconsistent with status %s", t.ID, t.FundsInEscrow, t.Status)
	}
	wantAsset := t.Status == StatusFundsAndAssetLocked || t.Status == StatusCompleted
	if t.AssetInEscrow != wantAsset {
		return fmt.Errorf("transaction %d: asset flag %t inconsistent with status %s", t.ID, t.AssetInEscrow, t.Status)
	}
	return nil
}

// Metadata is an optional descriptive payload attached at creation time. It
// has no bearing on the escrow protocol.
type Metadata struct {
	Categories string
}

// Config holds the engine-wide governance settings established by
// Initialize.
type Config struct {
	Owner       string
	Operator    string
	Treasury    string
	Initialized bool
}

// FeeRecipient returns the account that collects fees on completion.
func (c *Config) FeeRecipient() string {
	if c == nil {
		return ""
	}
	if c.Treasury != "" {
		return c.Treasury
	}
	return c.Owner
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
