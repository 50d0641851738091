package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftescrow/storage"
)

const (
	// DefaultPageSize is used when a list request does not name a limit.
	DefaultPageSize = 50
	// MaxPageSize bounds a single AccountIndex read.
	MaxPageSize = 100
)

var (
	accountSetPrefix   = []byte("escrow/acct/")
	accountCountPrefix = []byte("escrow/acct-count/")
)

// accountNamespace derives the per-account sub-collection prefix so that one
// account's growth can never collide with another's keys.
func accountNamespace(account string) []byte {
	ns := ethcrypto.Keccak256([]byte(account))
	buf := make([]byte, 0, len(accountSetPrefix)+len(ns))
	buf = append(buf, accountSetPrefix...)
	return append(buf, ns...)
}

func accountCountKey(account string) []byte {
	return ethcrypto.Keccak256(append(append([]byte(nil), accountCountPrefix...), account...))
}

// AccountIndex maps an account to the set of transaction identifiers it
// created. It only holds back-references and never shrinks.
type AccountIndex struct {
	db storage.Database
}

// NewAccountIndex binds an index to db.
func NewAccountIndex(db storage.Database) *AccountIndex {
	return &AccountIndex{db: db}
}

// Record inserts id into the set for account. Inserting an existing member is
// a no-op.
func (x *AccountIndex) Record(account string, id uint64) error {
	key := append(accountNamespace(account), idBytes(id)...)
	exists, err := x.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	count, err := x.Count(account)
	if err != nil {
		return err
	}
	if err := x.db.Put(key, []byte{1}); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count+1)
	return x.db.Put(accountCountKey(account), buf[:])
}

// Contains reports whether id is recorded for account.
func (x *AccountIndex) Contains(account string, id uint64) (bool, error) {
	return x.db.Has(append(accountNamespace(account), idBytes(id)...))
}

// Count returns the number of identifiers recorded for account.
func (x *AccountIndex) Count(account string) (uint64, error) {
	raw, err := x.db.Get(accountCountKey(account))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("escrow: corrupt account index counter")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Page is one bounded slice of an account's identifiers in ascending order.
type Page struct {
	IDs  []uint64
	Next uint64
	More bool
}

// List returns up to limit identifiers greater than or equal to from.
func (x *AccountIndex) List(account string, from uint64, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	ns := accountNamespace(account)
	page := &Page{IDs: make([]uint64, 0, limit)}
	err := x.db.Iterate(ns, idBytes(from), func(key, _ []byte) bool {
		if len(key) != len(ns)+8 {
			return true
		}
		id := binary.BigEndian.Uint64(key[len(ns):])
		if len(page.IDs) == limit {
			page.More = true
			page.Next = id
			return false
		}
		page.IDs = append(page.IDs, id)
		return true
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}
