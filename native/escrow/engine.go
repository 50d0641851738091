package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	"nftescrow/core/events"
	"nftescrow/core/types"
	"nftescrow/storage"
)

const maxAssetIDLen = 256

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilLedger = errors.New("escrow engine: ledger not configured")

	configKey = ethcrypto.Keccak256([]byte("escrow/config"))
)

// Ledger moves native currency between accounts.
type Ledger interface {
	Transfer(from, to string, amount *big.Int) error
}

// AssetCustody resolves asset contracts and moves assets between holders.
type AssetCustody interface {
	HasContract(contract string) bool
	TransferAsset(ctx context.Context, contract, assetID, from, to string) error
}

// Call carries the invocation context the host attaches to every entry point.
type Call struct {
	Caller  string
	Deposit *big.Int
}

func (c Call) attached() *big.Int { return cloneBigInt(c.Deposit) }

// RequireNoDeposit rejects value attached to a non-payable call.
func (c Call) RequireNoDeposit() error {
	if c.Deposit != nil && c.Deposit.Sign() != 0 {
		return fmt.Errorf("%w: %s attached", ErrNotPayable, c.Deposit)
	}
	return nil
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the aggregate root of the sale escrow. It owns the registry, fee
// policy, account index and query book, all bound to the same store handle.
// The host builds one engine per call over a cached overlay so that every
// write of a failed call is dropped together.
type Engine struct {
	db       storage.Database
	account  string
	registry *Registry
	fees     *FeePolicy
	index    *AccountIndex
	queries  *QueryBook
	ledger   Ledger
	assets   AssetCustody
	emitter  events.Emitter
	tokenFn  func() string
	outbox   []QueryRequest
	sequence uint64
}

// NewEngine binds an engine to db. account is the engine's own ledger
// account, which holds deposits and assets in custody.
func NewEngine(db storage.Database, account string) *Engine {
	return &Engine{
		db:       db,
		account:  account,
		registry: NewRegistry(db),
		fees:     NewFeePolicy(db),
		index:    NewAccountIndex(db),
		queries:  NewQueryBook(db),
		emitter:  events.NoopEmitter{},
		tokenFn:  uuid.NewString,
	}
}

// SetLedger configures the currency ledger.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetAssets configures the asset contract resolver.
func (e *Engine) SetAssets(assets AssetCustody) { e.assets = assets }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetTokenSource overrides the query token generator. Tests use it for
// deterministic tokens.
func (e *Engine) SetTokenSource(fn func() string) {
	if fn == nil {
		e.tokenFn = uuid.NewString
		return
	}
	e.tokenFn = fn
}

// SetSequence records the host call sequence number of the current call.
func (e *Engine) SetSequence(seq uint64) { e.sequence = seq }

// Store returns the store handle the engine is bound to.
func (e *Engine) Store() storage.Database { return e.db }

// Account returns the engine's custody account.
func (e *Engine) Account() string { return e.account }

// Outbox returns the ownership queries issued by this engine instance. The
// host dispatches them only after the issuing call commits.
func (e *Engine) Outbox() []QueryRequest {
	out := make([]QueryRequest, len(e.outbox))
	copy(out, e.outbox)
	return out
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) ready() error {
	if e == nil || e.db == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) loadConfig() (*Config, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	raw, err := e.db.Get(configKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := rlp.DecodeBytes(raw, cfg); err != nil {
		return nil, fmt.Errorf("escrow: decode config: %w", err)
	}
	return cfg, nil
}

func (e *Engine) storeConfig(cfg *Config) error {
	encoded, err := rlp.EncodeToBytes(cfg)
	if err != nil {
		return err
	}
	return e.db.Put(configKey, encoded)
}

func (e *Engine) requireConfig() (*Config, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Initialized {
		return nil, ErrNotInitialized
	}
	return cfg, nil
}

func (e *Engine) loadTransaction(id uint64) (*Transaction, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.registry.Get(id)
}

func (e *Engine) transfer(from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return e.ledger.Transfer(from, to, amount)
}

func (e *Engine) knownContract(contract string) error {
	if e.assets == nil || !e.assets.HasContract(contract) {
		return fmt.Errorf("%w: %s", ErrUnknownContract, contract)
	}
	return nil
}

// Initialize establishes the owner and the default fee. It succeeds exactly
// once per store.
func (e *Engine) Initialize(call Call, owner string) (*Config, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return nil, err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Initialized {
		return nil, ErrAlreadyInitialized
	}
	owner = normalizeAccount(owner)
	if err := requireAccount("owner", owner); err != nil {
		return nil, err
	}
	cfg = &Config{Owner: owner, Treasury: owner, Initialized: true}
	if err := e.storeConfig(cfg); err != nil {
		return nil, err
	}
	if err := e.fees.store(DefaultFeePercent); err != nil {
		return nil, err
	}
	e.emit(NewInitializedEvent(cfg, DefaultFeePercent))
	copied := *cfg
	return &copied, nil
}

// Config returns the governance settings.
func (e *Engine) Config() (*Config, error) {
	return e.loadConfig()
}

// SetOperator names the account allowed to complete any transaction. An
// empty operator removes the role.
func (e *Engine) SetOperator(call Call, operator string) (*Config, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return nil, err
	}
	cfg, err := e.requireConfig()
	if err != nil {
		return nil, err
	}
	if call.Caller != cfg.Owner {
		return nil, fmt.Errorf("%w: only the owner can set the operator", ErrUnauthorized)
	}
	operator = normalizeAccount(operator)
	if operator != "" {
		if err := requireAccount("operator", operator); err != nil {
			return nil, err
		}
	}
	cfg.Operator = operator
	if err := e.storeConfig(cfg); err != nil {
		return nil, err
	}
	e.emit(NewConfigUpdatedEvent(cfg))
	return cfg, nil
}

// SetTreasury names the fee collection account. An empty treasury falls back
// to the owner.
func (e *Engine) SetTreasury(call Call, treasury string) (*Config, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return nil, err
	}
	cfg, err := e.requireConfig()
	if err != nil {
		return nil, err
	}
	if call.Caller != cfg.Owner {
		return nil, fmt.Errorf("%w: only the owner can set the treasury", ErrUnauthorized)
	}
	treasury = normalizeAccount(treasury)
	if treasury != "" {
		if err := requireAccount("treasury", treasury); err != nil {
			return nil, err
		}
	}
	cfg.Treasury = treasury
	if err := e.storeConfig(cfg); err != nil {
		return nil, err
	}
	e.emit(NewConfigUpdatedEvent(cfg))
	return cfg, nil
}

// CreateTransaction registers a new Pending sale and records it against the
// caller in the account index.
func (e *Engine) CreateTransaction(call Call, seller, buyer string, price *big.Int, assetID, assetContract string, meta *Metadata) (*Transaction, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return nil, err
	}
	if _, err := e.requireConfig(); err != nil {
		return nil, err
	}
	creator := normalizeAccount(call.Caller)
	seller = normalizeAccount(seller)
	buyer = normalizeAccount(buyer)
	assetContract = normalizeAccount(assetContract)
	assetID = strings.TrimSpace(assetID)
	for _, party := range []struct{ role, id string }{
		{"creator", creator}, {"seller", seller}, {"buyer", buyer}, {"asset contract", assetContract},
	} {
		if err := requireAccount(party.role, party.id); err != nil {
			return nil, err
		}
	}
	if assetID == "" || len(assetID) > maxAssetIDLen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAsset, assetID)
	}
	tx, err := e.registry.Create(creator, seller, buyer, price, assetID, assetContract, e.sequence)
	if err != nil {
		return nil, err
	}
	if meta != nil && meta.Categories != "" {
		if err := e.registry.PutMetadata(tx.ID, meta); err != nil {
			return nil, err
		}
	}
	if err := e.index.Record(creator, tx.ID); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(tx))
	return tx, nil
}

// Transaction returns a copy of the stored record for id.
func (e *Engine) Transaction(id uint64) (*Transaction, error) {
	return e.loadTransaction(id)
}

// Metadata returns the descriptive payload attached at creation.
func (e *Engine) Metadata(id uint64) (*Metadata, bool, error) {
	if _, err := e.loadTransaction(id); err != nil {
		return nil, false, err
	}
	return e.registry.Metadata(id)
}

// Total returns how many transactions have been created.
func (e *Engine) Total() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.registry.Total()
}

// LockFunds moves the attached deposit into custody. The seller must attach
// exactly the price plus the fee at the current percentage.
func (e *Engine) LockFunds(call Call, id uint64) (*Transaction, error) {
	if _, err := e.requireConfig(); err != nil {
		return nil, err
	}
	tx, err := e.loadTransaction(id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot lock funds in status %s", ErrInvalidState, tx.Status)
	}
	if call.Caller != tx.Seller {
		return nil, fmt.Errorf("%w: only the seller can lock funds", ErrUnauthorized)
	}
	fee, err := e.fees.FeeFor(tx.Price)
	if err != nil {
		return nil, err
	}
	due := new(big.Int).Add(tx.Price, fee)
	deposit := call.attached()
	if deposit.Cmp(due) != 0 {
		return nil, fmt.Errorf("%w: attached %s, due %s", ErrDepositMismatch, deposit, due)
	}
	tx.Status = StatusFundsLocked
	tx.FundsInEscrow = true
	tx.Deposit = deposit
	tx.Fee = fee
	tx.LockedBy = call.Caller
	if err := e.registry.Put(tx); err != nil {
		return nil, err
	}
	e.emit(NewFundsLockedEvent(tx))
	return tx, nil
}

func (e *Engine) issueQuery(account, contract string, purpose QueryPurpose, txID uint64, requestedBy string) (*OwnershipQuery, error) {
	token := e.tokenFn()
	if token == "" {
		return nil, fmt.Errorf("escrow: empty query token")
	}
	if _, err := e.queries.Get(token); err == nil {
		return nil, fmt.Errorf("escrow: query token %s already issued", token)
	} else if !errors.Is(err, ErrUnknownQuery) {
		return nil, err
	}
	q := &OwnershipQuery{
		Token:         token,
		Account:       account,
		AssetContract: contract,
		Purpose:       purpose,
		TransactionID: txID,
		RequestedBy:   requestedBy,
		State:         QueryPending,
	}
	if err := e.queries.Put(q); err != nil {
		return nil, err
	}
	e.outbox = append(e.outbox, QueryRequest{Token: token, Account: account, AssetContract: contract})
	e.emit(NewQueryIssuedEvent(q))
	return q, nil
}

// LockAsset starts the two-phase asset lock. It issues an ownership query for
// the seller and returns its token; the transaction only changes when the
// callback confirms ownership.
func (e *Engine) LockAsset(call Call, id uint64) (string, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return "", err
	}
	if _, err := e.requireConfig(); err != nil {
		return "", err
	}
	tx, err := e.loadTransaction(id)
	if err != nil {
		return "", err
	}
	if tx.Status != StatusFundsLocked {
		return "", fmt.Errorf("%w: cannot lock asset in status %s", ErrInvalidState, tx.Status)
	}
	if call.Caller != tx.Seller {
		return "", fmt.Errorf("%w: only the seller can lock the asset", ErrUnauthorized)
	}
	if err := e.knownContract(tx.AssetContract); err != nil {
		return "", err
	}
	q, err := e.issueQuery(tx.Seller, tx.AssetContract, PurposeLockAsset, tx.ID, call.Caller)
	if err != nil {
		return "", err
	}
	e.emit(NewAssetLockRequestedEvent(tx, q.Token))
	return q.Token, nil
}

// CheckAssetOwnership issues a standalone ownership query and returns its
// token. The answer is recorded on the query when the callback arrives.
func (e *Engine) CheckAssetOwnership(call Call, account, contract string) (string, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return "", err
	}
	if _, err := e.requireConfig(); err != nil {
		return "", err
	}
	account = normalizeAccount(account)
	contract = normalizeAccount(contract)
	if err := requireAccount("account", account); err != nil {
		return "", err
	}
	if err := e.knownContract(contract); err != nil {
		return "", err
	}
	q, err := e.issueQuery(account, contract, PurposeCheck, 0, call.Caller)
	if err != nil {
		return "", err
	}
	return q.Token, nil
}

// Query returns the stored ownership query for token.
func (e *Engine) Query(token string) (*OwnershipQuery, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.queries.Get(strings.TrimSpace(token))
}

// AbandonQuery closes a pending query whose downstream never answered. A
// late callback for it is then ignored.
func (e *Engine) AbandonQuery(call Call, token string) (*OwnershipQuery, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return nil, err
	}
	cfg, err := e.requireConfig()
	if err != nil {
		return nil, err
	}
	if call.Caller != cfg.Owner {
		return nil, fmt.Errorf("%w: only the owner can abandon queries", ErrUnauthorized)
	}
	q, err := e.queries.Get(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	if q.State != QueryPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrQueryClosed, q.Token, q.State)
	}
	q.State = QueryAbandoned
	if err := e.queries.Put(q); err != nil {
		return nil, err
	}
	e.emit(NewQueryAbandonedEvent(q))
	return q, nil
}

// AssetOwnershipCallback resumes the query identified by token with the
// downstream result. For lock_asset queries the transaction is re-validated
// before the asset is moved; a rejected resolution is recorded on the query
// and the callback itself still succeeds.
func (e *Engine) AssetOwnershipCallback(ctx context.Context, token string, result QueryResult) (*OwnershipQuery, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	q, err := e.queries.Get(token)
	if err != nil {
		return nil, err
	}
	if q.State != QueryPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrQueryClosed, q.Token, q.State)
	}
	answer, err := answerFor(result)
	if err != nil {
		return nil, err
	}
	q.Answer = answer
	q.State = QueryResolved
	if q.Purpose == PurposeLockAsset {
		err := e.resolveAssetLock(ctx, q)
		switch {
		case err == nil:
			q.Locked = true
		case protocolError(err):
			q.Outcome = err.Error()
		default:
			return nil, err
		}
	}
	if err := e.queries.Put(q); err != nil {
		return nil, err
	}
	e.emit(NewQueryResolvedEvent(q))
	return q, nil
}

func (e *Engine) resolveAssetLock(ctx context.Context, q *OwnershipQuery) error {
	tx, err := e.loadTransaction(q.TransactionID)
	if err != nil {
		return err
	}
	if tx.Status != StatusFundsLocked {
		return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, tx.ID, tx.Status)
	}
	if tx.Seller != q.Account {
		return fmt.Errorf("%w: query account %s is not the seller", ErrUnauthorized, q.Account)
	}
	switch q.Answer {
	case AnswerYes:
	case AnswerNo:
		return fmt.Errorf("%w: %s holds no assets in %s", ErrAssetNotOwned, tx.Seller, tx.AssetContract)
	default:
		return fmt.Errorf("%w: %s", ErrQueryFailed, q.Token)
	}
	holder, held, err := e.queries.LockHolder(tx.AssetContract, tx.AssetID)
	if err != nil {
		return err
	}
	if held && holder != tx.ID {
		return fmt.Errorf("%w: %s/%s held for transaction %d", ErrAssetLocked, tx.AssetContract, tx.AssetID, holder)
	}
	if e.assets == nil {
		return fmt.Errorf("%w: %s", ErrUnknownContract, tx.AssetContract)
	}
	if err := e.assets.TransferAsset(ctx, tx.AssetContract, tx.AssetID, tx.Seller, e.account); err != nil {
		return fmt.Errorf("%w: %v", ErrAssetNotOwned, err)
	}
	tx.Status = StatusFundsAndAssetLocked
	tx.AssetInEscrow = true
	if err := e.queries.SetLock(tx.AssetContract, tx.AssetID, tx.ID); err != nil {
		return err
	}
	if err := e.registry.Put(tx); err != nil {
		return err
	}
	e.emit(NewAssetLockedEvent(tx, q.Token))
	return nil
}

// Complete settles a transaction holding both funds and asset. The seller
// receives the price minus the fee, the treasury the fee, the locker any
// residual deposit, and the buyer the asset.
func (e *Engine) Complete(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return nil, err
	}
	cfg, err := e.requireConfig()
	if err != nil {
		return nil, err
	}
	tx, err := e.loadTransaction(id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusFundsAndAssetLocked {
		return nil, fmt.Errorf("%w: cannot complete in status %s", ErrInvalidState, tx.Status)
	}
	operator := cfg.Operator != "" && call.Caller == cfg.Operator
	if call.Caller != tx.Seller && call.Caller != tx.Buyer && !operator {
		return nil, fmt.Errorf("%w: only seller, buyer or operator can complete", ErrUnauthorized)
	}
	fee := cloneBigInt(tx.Fee)
	payout := new(big.Int).Sub(tx.Price, fee)
	residual := new(big.Int).Sub(tx.Deposit, tx.Price)
	if payout.Sign() < 0 || residual.Sign() < 0 {
		return nil, fmt.Errorf("escrow: transaction %d custody does not cover payouts", tx.ID)
	}
	if err := e.transfer(e.account, tx.Seller, payout); err != nil {
		return nil, err
	}
	if err := e.transfer(e.account, cfg.FeeRecipient(), fee); err != nil {
		return nil, err
	}
	if err := e.transfer(e.account, tx.LockedBy, residual); err != nil {
		return nil, err
	}
	if err := e.queries.ClearLock(tx.AssetContract, tx.AssetID); err != nil {
		return nil, err
	}
	tx.Status = StatusCompleted
	if err := e.registry.Put(tx); err != nil {
		return nil, err
	}
	if e.assets == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, tx.AssetContract)
	}
	if err := e.assets.TransferAsset(ctx, tx.AssetContract, tx.AssetID, e.account, tx.Buyer); err != nil {
		return nil, fmt.Errorf("escrow: deliver asset for transaction %d: %w", tx.ID, err)
	}
	e.emit(NewCompletedEvent(tx, payout, residual))
	return tx, nil
}

// Cancel abandons a transaction that has not yet taken the asset into
// custody, refunding the full deposit when funds were locked.
func (e *Engine) Cancel(call Call, id uint64) (*Transaction, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return nil, err
	}
	if _, err := e.requireConfig(); err != nil {
		return nil, err
	}
	tx, err := e.loadTransaction(id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending && tx.Status != StatusFundsLocked {
		return nil, fmt.Errorf("%w: cannot cancel in status %s", ErrInvalidState, tx.Status)
	}
	if call.Caller != tx.Creator && call.Caller != tx.Seller {
		return nil, fmt.Errorf("%w: only creator or seller can cancel", ErrUnauthorized)
	}
	refund := big.NewInt(0)
	if tx.FundsInEscrow {
		refund = cloneBigInt(tx.Deposit)
		if err := e.transfer(e.account, tx.LockedBy, refund); err != nil {
			return nil, err
		}
		tx.FundsInEscrow = false
	}
	tx.Status = StatusCancelled
	if err := e.registry.Put(tx); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(tx, refund))
	return tx, nil
}

// Fee returns the fee owed on transaction id at the current percentage.
func (e *Engine) Fee(id uint64) (*big.Int, error) {
	tx, err := e.loadTransaction(id)
	if err != nil {
		return nil, err
	}
	return e.fees.FeeFor(tx.Price)
}

// TotalDue returns the deposit lock_funds currently expects for id.
func (e *Engine) TotalDue(id uint64) (*big.Int, error) {
	tx, err := e.loadTransaction(id)
	if err != nil {
		return nil, err
	}
	return e.fees.TotalDue(tx.Price)
}

// FeePercent returns the current fee percentage.
func (e *Engine) FeePercent() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.fees.Percent()
}

// SetFeePercent changes the fee applied to later computations.
func (e *Engine) SetFeePercent(call Call, percent uint64) (uint64, error) {
	if err := call.RequireNoDeposit(); err != nil {
		return 0, err
	}
	cfg, err := e.requireConfig()
	if err != nil {
		return 0, err
	}
	previous, err := e.fees.Percent()
	if err != nil {
		return 0, err
	}
	updated, err := e.fees.SetPercent(call.Caller, cfg.Owner, percent)
	if err != nil {
		return 0, err
	}
	e.emit(NewFeeUpdatedEvent(previous, updated))
	return updated, nil
}

// CountTransactions returns how many transactions account created.
func (e *Engine) CountTransactions(account string) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.index.Count(normalizeAccount(account))
}

// ListTransactions pages through the identifiers account created, starting
// at from.
func (e *Engine) ListTransactions(account string, from uint64, limit int) (*Page, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.index.List(normalizeAccount(account), from, limit)
}
