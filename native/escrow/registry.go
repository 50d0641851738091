package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nftescrow/storage"
)

var (
	txCounterKey = ethcrypto.Keccak256([]byte("escrow/tx-counter"))
	txPrefix     = []byte("escrow/tx/")
	metaPrefix   = []byte("escrow/meta/")
)

func idBytes(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

func prefixedKey(prefix []byte, id uint64) []byte {
	buf := make([]byte, 0, len(prefix)+8)
	buf = append(buf, prefix...)
	buf = append(buf, idBytes(id)...)
	return ethcrypto.Keccak256(buf)
}

// Registry owns the canonical Transaction records keyed by their sequential
// identifier.
type Registry struct {
	db storage.Database
}

// NewRegistry binds a registry to db.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{db: db}
}

// Total returns how many identifiers have been allocated so far, which is
// also the next identifier to be assigned.
func (r *Registry) Total() (uint64, error) {
	raw, err := r.db.Get(txCounterKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("escrow: corrupt transaction counter")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// ScalePrice converts a caller-supplied price into base units, rejecting zero
// and anything that does not fit into 128 bits after scaling.
func ScalePrice(price *big.Int) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}
	scaled := new(big.Int).Mul(price, BaseUnit)
	if scaled.Cmp(MaxAmount) > 0 {
		return nil, fmt.Errorf("%w: price %s overflows 128 bits once scaled", ErrInvalidPrice, price)
	}
	return scaled, nil
}

// Create allocates the next identifier and persists a Pending transaction
// stamped with the creating call's sequence number. The same seller/asset
// pair may be listed by several transactions.
func (r *Registry) Create(creator, seller, buyer string, price *big.Int, assetID, assetContract string, createdAt uint64) (*Transaction, error) {
	scaled, err := ScalePrice(price)
	if err != nil {
		return nil, err
	}
	id, err := r.Total()
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		ID:            id,
		Creator:       creator,
		Seller:        seller,
		Buyer:         buyer,
		Price:         scaled,
		AssetID:       assetID,
		AssetContract: assetContract,
		Status:        StatusPending,
		Deposit:       big.NewInt(0),
		Fee:           big.NewInt(0),
		CreatedAt:     createdAt,
	}
	if err := r.db.Put(txCounterKey, idBytes(id+1)); err != nil {
		return nil, err
	}
	if err := r.Put(tx); err != nil {
		return nil, err
	}
	return tx.Clone(), nil
}

// Get loads the record stored for id.
func (r *Registry) Get(id uint64) (*Transaction, error) {
	raw, err := r.db.Get(prefixedKey(txPrefix, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	tx := new(Transaction)
	if err := rlp.DecodeBytes(raw, tx); err != nil {
		return nil, fmt.Errorf("escrow: decode transaction %d: %w", id, err)
	}
	return tx.Clone(), nil
}

// Put replaces the stored record for tx.ID. It is the only mutation path for
// existing records.
func (r *Registry) Put(tx *Transaction) error {
	if tx == nil {
		return fmt.Errorf("escrow: nil transaction")
	}
	if err := tx.CheckInvariants(); err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(tx.Clone())
	if err != nil {
		return err
	}
	return r.db.Put(prefixedKey(txPrefix, tx.ID), encoded)
}

// PutMetadata stores the descriptive payload for id.
func (r *Registry) PutMetadata(id uint64, meta *Metadata) error {
	if meta == nil {
		return nil
	}
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	return r.db.Put(prefixedKey(metaPrefix, id), encoded)
}

// Metadata returns the payload stored for id; ok is false when none exists.
func (r *Registry) Metadata(id uint64) (*Metadata, bool, error) {
	raw, err := r.db.Get(prefixedKey(metaPrefix, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	meta := new(Metadata)
	if err := rlp.DecodeBytes(raw, meta); err != nil {
		return nil, false, fmt.Errorf("escrow: decode metadata %d: %w", id, err)
	}
	return meta, true, nil
}
