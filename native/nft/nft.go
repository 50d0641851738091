package nft

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftescrow/storage"
)

var (
	ErrUnknownAsset = errors.New("nft: unknown asset")
	ErrAssetExists  = errors.New("nft: asset already minted")
	ErrNotOwner     = errors.New("nft: sender does not own asset")
	ErrInvalidAsset = errors.New("nft: invalid asset id")
)

// Contract is an asset contract the escrow host can query and move tokens
// on. SupplyForOwner returns the raw JSON result delivered to the escrow
// callback.
type Contract interface {
	SupplyForOwner(ctx context.Context, account string) (json.RawMessage, error)
	Transfer(ctx context.Context, assetID, from, to string) error
}

// Native is an in-process non-fungible token contract. All state lives in the
// bound store, so binding it to a call overlay makes mints and transfers part
// of that call.
type Native struct {
	id string
	db storage.Database
}

// NewNative binds contract id to db.
func NewNative(id string, db storage.Database) *Native {
	return &Native{id: id, db: db}
}

// ID returns the contract account id.
func (n *Native) ID() string { return n.id }

func (n *Native) ownerKey(assetID string) []byte {
	return ethcrypto.Keccak256([]byte("nft/" + n.id + "/owner/" + assetID))
}

func (n *Native) supplyKey(account string) []byte {
	return ethcrypto.Keccak256([]byte("nft/" + n.id + "/supply/" + account))
}

func (n *Native) operatorKey(holder, operator string) []byte {
	return ethcrypto.Keccak256([]byte("nft/" + n.id + "/operator/" + holder + "/" + operator))
}

// SetOperator grants or revokes operator's right to move every asset holder
// owns in this contract.
func (n *Native) SetOperator(holder, operator string, approved bool) error {
	holder = strings.TrimSpace(holder)
	operator = strings.TrimSpace(operator)
	if holder == "" || operator == "" {
		return fmt.Errorf("nft: holder and operator required")
	}
	if holder == operator {
		return fmt.Errorf("nft: %s cannot approve itself", holder)
	}
	if !approved {
		return n.db.Delete(n.operatorKey(holder, operator))
	}
	return n.db.Put(n.operatorKey(holder, operator), []byte{1})
}

// IsOperator reports whether operator may move holder's assets.
func (n *Native) IsOperator(holder, operator string) (bool, error) {
	return n.db.Has(n.operatorKey(holder, operator))
}

// CanMove reports whether caller may transfer assets held by from: the
// holder itself or an operator it approved.
func (n *Native) CanMove(caller, from string) (bool, error) {
	if caller == "" {
		return false, nil
	}
	if caller == from {
		return true, nil
	}
	return n.IsOperator(from, caller)
}

// OwnerOf returns the current holder of assetID.
func (n *Native) OwnerOf(assetID string) (string, error) {
	raw, err := n.db.Get(n.ownerKey(assetID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownAsset, n.id, assetID)
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Supply returns how many assets account holds in this contract.
func (n *Native) Supply(account string) (uint64, error) {
	raw, err := n.db.Get(n.supplyKey(account))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("nft: corrupt supply record for %s", account)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (n *Native) setSupply(account string, supply uint64) error {
	if supply == 0 {
		return n.db.Delete(n.supplyKey(account))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], supply)
	return n.db.Put(n.supplyKey(account), buf[:])
}

// Mint creates assetID owned by owner.
func (n *Native) Mint(assetID, owner string) error {
	assetID = strings.TrimSpace(assetID)
	owner = strings.TrimSpace(owner)
	if assetID == "" {
		return ErrInvalidAsset
	}
	if owner == "" {
		return fmt.Errorf("nft: owner required")
	}
	exists, err := n.db.Has(n.ownerKey(assetID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s/%s", ErrAssetExists, n.id, assetID)
	}
	supply, err := n.Supply(owner)
	if err != nil {
		return err
	}
	if err := n.db.Put(n.ownerKey(assetID), []byte(owner)); err != nil {
		return err
	}
	return n.setSupply(owner, supply+1)
}

// SupplyForOwner reports the holder's asset count as a JSON string, the
// format asset contracts answer ownership queries with.
func (n *Native) SupplyForOwner(_ context.Context, account string) (json.RawMessage, error) {
	supply, err := n.Supply(account)
	if err != nil {
		return nil, err
	}
	return json.Marshal(strconv.FormatUint(supply, 10))
}

// Transfer moves assetID from one holder to another.
func (n *Native) Transfer(_ context.Context, assetID, from, to string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("nft: recipient required")
	}
	owner, err := n.OwnerOf(assetID)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("%w: %s holds %s/%s", ErrNotOwner, owner, n.id, assetID)
	}
	if from == to {
		return nil
	}
	fromSupply, err := n.Supply(from)
	if err != nil {
		return err
	}
	toSupply, err := n.Supply(to)
	if err != nil {
		return err
	}
	if fromSupply == 0 {
		return fmt.Errorf("nft: supply underflow for %s", from)
	}
	if err := n.db.Put(n.ownerKey(assetID), []byte(to)); err != nil {
		return err
	}
	if err := n.setSupply(from, fromSupply-1); err != nil {
		return err
	}
	return n.setSupply(to, toSupply+1)
}
