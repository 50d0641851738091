package escrow

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nftescrow/storage"
)

// QueryPurpose tells the callback what to do with an ownership answer.
type QueryPurpose uint8

const (
	// PurposeCheck only records the answer.
	PurposeCheck QueryPurpose = iota
	// PurposeLockAsset moves the asset into custody when ownership is confirmed.
	PurposeLockAsset
)

func (p QueryPurpose) String() string {
	switch p {
	case PurposeCheck:
		return "check"
	case PurposeLockAsset:
		return "lock_asset"
	default:
		return fmt.Sprintf("QueryPurpose(%d)", uint8(p))
	}
}

// QueryState tracks an ownership query between issue and callback.
type QueryState uint8

const (
	QueryPending QueryState = iota
	QueryResolved
	QueryAbandoned
)

func (s QueryState) String() string {
	switch s {
	case QueryPending:
		return "Pending"
	case QueryResolved:
		return "Resolved"
	case QueryAbandoned:
		return "Abandoned"
	default:
		return fmt.Sprintf("QueryState(%d)", uint8(s))
	}
}

// Callback answers.
const (
	AnswerYes    = "yes"
	AnswerNo     = "no"
	AnswerFailed = "oops!"
)

// OwnershipQuery is the persisted record of one outbound ownership query.
type OwnershipQuery struct {
	Token         string
	Account       string
	AssetContract string
	Purpose       QueryPurpose
	TransactionID uint64
	RequestedBy   string
	State         QueryState
	Answer        string
	// Outcome holds the reason a lock_asset resolution did not lock the asset.
	Outcome string
	Locked  bool
}

// QueryRequest is the outbound half of the two-phase protocol. The host
// delivers it to the asset contract after the issuing call commits.
type QueryRequest struct {
	Token         string
	Account       string
	AssetContract string
}

// ResultStatus mirrors the three states of a downstream call result.
type ResultStatus uint8

const (
	ResultNotReady ResultStatus = iota
	ResultFailed
	ResultSuccessful
)

// QueryResult is the inbound half of the protocol, matched by token.
type QueryResult struct {
	Status  ResultStatus
	Payload []byte
}

// ParseOwnedCount decodes the downstream payload as an unsigned count. Both a
// JSON string ("3") and a bare JSON number are accepted.
func ParseOwnedCount(payload []byte) (*big.Int, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty ownership payload")
	}
	var text string
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, fmt.Errorf("decode ownership payload: %w", err)
		}
	} else {
		var num json.Number
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&num); err != nil {
			return nil, fmt.Errorf("decode ownership payload: %w", err)
		}
		text = num.String()
	}
	count, ok := new(big.Int).SetString(strings.TrimSpace(text), 10)
	if !ok {
		return nil, fmt.Errorf("ownership payload %q is not an integer", text)
	}
	if count.Sign() < 0 || count.Cmp(MaxAmount) > 0 {
		return nil, fmt.Errorf("ownership payload %s out of range", count)
	}
	return count, nil
}

// answerFor converts a downstream result into the callback answer.
func answerFor(result QueryResult) (string, error) {
	switch result.Status {
	case ResultNotReady:
		return "", ErrResultNotReady
	case ResultFailed:
		return AnswerFailed, nil
	case ResultSuccessful:
		count, err := ParseOwnedCount(result.Payload)
		if err != nil {
			return AnswerFailed, nil
		}
		if count.Sign() > 0 {
			return AnswerYes, nil
		}
		return AnswerNo, nil
	default:
		return "", fmt.Errorf("escrow: unknown result status %d", result.Status)
	}
}

var (
	queryPrefix     = []byte("escrow/query/")
	assetLockPrefix = []byte("escrow/asset-lock/")
)

func queryKey(token string) []byte {
	return ethcrypto.Keccak256(append(append([]byte(nil), queryPrefix...), token...))
}

func assetLockKey(contract, assetID string) []byte {
	buf := make([]byte, 0, len(assetLockPrefix)+len(contract)+1+len(assetID))
	buf = append(buf, assetLockPrefix...)
	buf = append(buf, contract...)
	buf = append(buf, 0)
	buf = append(buf, assetID...)
	return ethcrypto.Keccak256(buf)
}

// QueryBook persists ownership queries and the asset custody locks they
// produce.
type QueryBook struct {
	db storage.Database
}

// NewQueryBook binds a query book to db.
func NewQueryBook(db storage.Database) *QueryBook {
	return &QueryBook{db: db}
}

func (b *QueryBook) Put(q *OwnershipQuery) error {
	if q == nil || q.Token == "" {
		return fmt.Errorf("escrow: query token required")
	}
	encoded, err := rlp.EncodeToBytes(q)
	if err != nil {
		return err
	}
	return b.db.Put(queryKey(q.Token), encoded)
}

func (b *QueryBook) Get(token string) (*OwnershipQuery, error) {
	raw, err := b.db.Get(queryKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, token)
	}
	if err != nil {
		return nil, err
	}
	q := new(OwnershipQuery)
	if err := rlp.DecodeBytes(raw, q); err != nil {
		return nil, fmt.Errorf("escrow: decode query %s: %w", token, err)
	}
	return q, nil
}

// LockHolder returns the transaction currently holding the asset in custody.
func (b *QueryBook) LockHolder(contract, assetID string) (uint64, bool, error) {
	raw, err := b.db.Get(assetLockKey(contract, assetID))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("escrow: corrupt asset lock record")
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

func (b *QueryBook) SetLock(contract, assetID string, id uint64) error {
	return b.db.Put(assetLockKey(contract, assetID), idBytes(id))
}

func (b *QueryBook) ClearLock(contract, assetID string) error {
	return b.db.Delete(assetLockKey(contract, assetID))
}
