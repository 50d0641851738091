package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"nftescrow/core/events"
	"nftescrow/core/state"
	"nftescrow/native/escrow"
	"nftescrow/native/nft"
	"nftescrow/observability"
	"nftescrow/storage"
)

const (
	defaultQueryTimeout = 10 * time.Second
	defaultQueueSize    = 256
)

var (
	// ErrUnknownContract is returned for asset operations on unregistered
	// contracts.
	ErrUnknownContract = errors.New("host: unknown asset contract")
	// ErrNotNative is returned when an asset operation targets a remote
	// contract the host cannot write to directly.
	ErrNotNative = errors.New("host: contract is not hosted natively")
)

// Options tunes a Runtime.
type Options struct {
	EngineAccount string
	QueryTimeout  time.Duration
	QueueSize     int
	Logger        *slog.Logger
	Metrics       *observability.EscrowMetrics
	// Emitter receives events of committed calls only.
	Emitter     events.Emitter
	TokenSource func() string
}

// Runtime hosts the escrow engine. Calls are serialized; each runs against a
// cached overlay of the store that is committed as one batch on success and
// dropped on failure, which also returns any attached value to the caller.
type Runtime struct {
	mu        sync.Mutex
	db        storage.Database
	contracts *nft.Directory
	account   string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observability.EscrowMetrics
	sink      events.Emitter
	tokenFn   func() string

	queueMu sync.Mutex
	queue   []escrow.QueryRequest
	limit   int
	notify  chan struct{}
}

// New builds a runtime over db. contracts resolves asset contracts for both
// custody transfers and ownership queries.
func New(db storage.Database, contracts *nft.Directory, opts Options) (*Runtime, error) {
	if db == nil {
		return nil, fmt.Errorf("host: database required")
	}
	if contracts == nil {
		contracts = nft.NewDirectory()
	}
	account := strings.TrimSpace(opts.EngineAccount)
	if !escrow.ValidAccountID(account) {
		return nil, fmt.Errorf("host: invalid engine account %q", opts.EngineAccount)
	}
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	limit := opts.QueueSize
	if limit <= 0 {
		limit = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := events.Emitter(metricsEmitter{metrics: opts.Metrics})
	if opts.Emitter != nil {
		sink = events.Multi{sink, opts.Emitter}
	}
	return &Runtime{
		db:        db,
		contracts: contracts,
		account:   account,
		timeout:   timeout,
		logger:    logger.With("component", "host"),
		metrics:   opts.Metrics,
		sink:      sink,
		tokenFn:   opts.TokenSource,
		limit:     limit,
		notify:    make(chan struct{}, 1),
	}, nil
}

// EngineAccount returns the custody account of the hosted engine.
func (r *Runtime) EngineAccount() string { return r.account }

// Contracts exposes the asset contract directory.
func (r *Runtime) Contracts() *nft.Directory { return r.contracts }

func (r *Runtime) bind(db storage.Database, emitter events.Emitter) *escrow.Engine {
	engine := escrow.NewEngine(db, r.account)
	engine.SetLedger(state.NewLedger(db))
	engine.SetAssets(r.contracts.Custody(db))
	engine.SetEmitter(emitter)
	if r.tokenFn != nil {
		engine.SetTokenSource(r.tokenFn)
	}
	return engine
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case escrow.Rejected(err), errors.Is(err, state.ErrInsufficientBalance):
		return "rejected"
	default:
		return "error"
	}
}

// execute runs fn as one atomic call. The attached deposit moves from the
// caller to the engine account inside the overlay before fn runs.
func (r *Runtime) execute(method string, call escrow.Call, fn func(*escrow.Engine) error) error {
	start := time.Now()
	buf := &events.Buffer{}

	r.mu.Lock()
	overlay := storage.NewCachedDB(r.db)
	engine := r.bind(overlay, buf)
	seq, err := nextSequence(overlay)
	if err == nil {
		engine.SetSequence(seq)
		err = r.attach(overlay, call)
	}
	if err == nil {
		err = fn(engine)
	}
	if err == nil {
		_, err = overlay.Commit()
	}
	if err != nil {
		overlay.Discard()
	} else {
		// Flushed under the lock so sinks observe commit order.
		buf.FlushTo(r.sink)
	}
	r.mu.Unlock()

	outcome := outcomeOf(err)
	r.metrics.ObserveCall(method, outcome, time.Since(start))
	if err != nil {
		r.logger.Warn("call aborted", "method", method, "caller", call.Caller, "outcome", outcome, "error", err)
		return err
	}
	r.logger.Debug("call committed", "method", method, "caller", call.Caller, "duration", time.Since(start))
	r.enqueue(engine.Outbox())
	return nil
}

func (r *Runtime) attach(db storage.Database, call escrow.Call) error {
	if call.Deposit == nil || call.Deposit.Sign() == 0 {
		return nil
	}
	if call.Deposit.Sign() < 0 {
		return fmt.Errorf("host: negative deposit")
	}
	if strings.TrimSpace(call.Caller) == "" {
		return fmt.Errorf("host: deposit requires a caller")
	}
	return state.NewLedger(db).Transfer(call.Caller, r.account, call.Deposit)
}

// view runs fn against the committed store.
func (r *Runtime) view(fn func(*escrow.Engine) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.bind(r.db, events.NoopEmitter{}))
}

// Genesis seeds a fresh store.
type Genesis struct {
	Owner    string
	Operator string
	Treasury string
	Balances []Credit
	Assets   []Mint
}

// Credit is a genesis balance.
type Credit struct {
	Account string
	Amount  *big.Int
}

// Mint is a genesis asset on a native contract.
type Mint struct {
	Contract string
	TokenID  string
	Owner    string
}

// Bootstrap initializes the engine and applies genesis credits and mints in
// one call. It reports false and changes nothing when the store is already
// initialized.
func (r *Runtime) Bootstrap(g Genesis) (bool, error) {
	cfg, err := r.Config()
	if err != nil {
		return false, err
	}
	if cfg.Initialized {
		return false, nil
	}
	applied := false
	err = r.execute("bootstrap", escrow.Call{Caller: g.Owner}, func(engine *escrow.Engine) error {
		cfg, err := engine.Config()
		if err != nil {
			return err
		}
		if cfg.Initialized {
			return nil
		}
		owner := escrow.Call{Caller: g.Owner}
		if _, err := engine.Initialize(owner, g.Owner); err != nil {
			return err
		}
		if g.Operator != "" {
			if _, err := engine.SetOperator(owner, g.Operator); err != nil {
				return err
			}
		}
		if g.Treasury != "" {
			if _, err := engine.SetTreasury(owner, g.Treasury); err != nil {
				return err
			}
		}
		ledger := state.NewLedger(engine.Store())
		for _, credit := range g.Balances {
			if err := ledger.Credit(credit.Account, credit.Amount); err != nil {
				return fmt.Errorf("genesis credit %s: %w", credit.Account, err)
			}
		}
		for _, mint := range g.Assets {
			native, err := r.nativeContract(engine.Store(), mint.Contract)
			if err != nil {
				return err
			}
			if err := native.Mint(mint.TokenID, mint.Owner); err != nil {
				return fmt.Errorf("genesis mint: %w", err)
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// Balance returns the ledger balance of account.
func (r *Runtime) Balance(account string) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return state.NewLedger(r.db).Balance(account)
}

func (r *Runtime) Initialize(call escrow.Call, owner string) (*escrow.Config, error) {
	var out *escrow.Config
	err := r.execute("escrow_initialize", call, func(engine *escrow.Engine) error {
		cfg, err := engine.Initialize(call, owner)
		out = cfg
		return err
	})
	return out, err
}

func (r *Runtime) Config() (*escrow.Config, error) {
	var out *escrow.Config
	err := r.view(func(engine *escrow.Engine) error {
		cfg, err := engine.Config()
		out = cfg
		return err
	})
	return out, err
}

func (r *Runtime) SetOperator(call escrow.Call, operator string) (*escrow.Config, error) {
	var out *escrow.Config
	err := r.execute("escrow_setOperator", call, func(engine *escrow.Engine) error {
		cfg, err := engine.SetOperator(call, operator)
		out = cfg
		return err
	})
	return out, err
}

func (r *Runtime) SetTreasury(call escrow.Call, treasury string) (*escrow.Config, error) {
	var out *escrow.Config
	err := r.execute("escrow_setTreasury", call, func(engine *escrow.Engine) error {
		cfg, err := engine.SetTreasury(call, treasury)
		out = cfg
		return err
	})
	return out, err
}

// CreateRequest carries the create_transaction arguments.
type CreateRequest struct {
	Seller        string
	Buyer         string
	Price         *big.Int
	AssetID       string
	AssetContract string
	Categories    string
}

func (r *Runtime) CreateTransaction(call escrow.Call, req CreateRequest) (*escrow.Transaction, error) {
	var out *escrow.Transaction
	err := r.execute("escrow_createTransaction", call, func(engine *escrow.Engine) error {
		var meta *escrow.Metadata
		if strings.TrimSpace(req.Categories) != "" {
			meta = &escrow.Metadata{Categories: strings.TrimSpace(req.Categories)}
		}
		tx, err := engine.CreateTransaction(call, req.Seller, req.Buyer, req.Price, req.AssetID, req.AssetContract, meta)
		out = tx
		return err
	})
	return out, err
}

func (r *Runtime) Transaction(id uint64) (*escrow.Transaction, error) {
	var out *escrow.Transaction
	err := r.view(func(engine *escrow.Engine) error {
		tx, err := engine.Transaction(id)
		out = tx
		return err
	})
	return out, err
}

func (r *Runtime) Metadata(id uint64) (*escrow.Metadata, bool, error) {
	var (
		out   *escrow.Metadata
		found bool
	)
	err := r.view(func(engine *escrow.Engine) error {
		meta, ok, err := engine.Metadata(id)
		out, found = meta, ok
		return err
	})
	return out, found, err
}

func (r *Runtime) LockFunds(call escrow.Call, id uint64) (*escrow.Transaction, error) {
	var out *escrow.Transaction
	err := r.execute("escrow_lockFunds", call, func(engine *escrow.Engine) error {
		tx, err := engine.LockFunds(call, id)
		out = tx
		return err
	})
	return out, err
}

func (r *Runtime) LockAsset(call escrow.Call, id uint64) (string, error) {
	var token string
	err := r.execute("escrow_lockAsset", call, func(engine *escrow.Engine) error {
		t, err := engine.LockAsset(call, id)
		token = t
		return err
	})
	return token, err
}

func (r *Runtime) Complete(ctx context.Context, call escrow.Call, id uint64) (*escrow.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var out *escrow.Transaction
	err := r.execute("escrow_complete", call, func(engine *escrow.Engine) error {
		tx, err := engine.Complete(ctx, call, id)
		out = tx
		return err
	})
	return out, err
}

func (r *Runtime) Cancel(call escrow.Call, id uint64) (*escrow.Transaction, error) {
	var out *escrow.Transaction
	err := r.execute("escrow_cancel", call, func(engine *escrow.Engine) error {
		tx, err := engine.Cancel(call, id)
		out = tx
		return err
	})
	return out, err
}

func (r *Runtime) Fee(id uint64) (*big.Int, error) {
	var out *big.Int
	err := r.view(func(engine *escrow.Engine) error {
		fee, err := engine.Fee(id)
		out = fee
		return err
	})
	return out, err
}

func (r *Runtime) TotalDue(id uint64) (*big.Int, error) {
	var out *big.Int
	err := r.view(func(engine *escrow.Engine) error {
		due, err := engine.TotalDue(id)
		out = due
		return err
	})
	return out, err
}

func (r *Runtime) FeePercent() (uint64, error) {
	var out uint64
	err := r.view(func(engine *escrow.Engine) error {
		percent, err := engine.FeePercent()
		out = percent
		return err
	})
	return out, err
}

func (r *Runtime) SetFeePercent(call escrow.Call, percent uint64) (uint64, error) {
	var out uint64
	err := r.execute("escrow_setFeePercent", call, func(engine *escrow.Engine) error {
		updated, err := engine.SetFeePercent(call, percent)
		out = updated
		return err
	})
	return out, err
}

func (r *Runtime) CountTransactions(account string) (uint64, error) {
	var out uint64
	err := r.view(func(engine *escrow.Engine) error {
		n, err := engine.CountTransactions(account)
		out = n
		return err
	})
	return out, err
}

func (r *Runtime) ListTransactions(account string, from uint64, limit int) (*escrow.Page, error) {
	var out *escrow.Page
	err := r.view(func(engine *escrow.Engine) error {
		page, err := engine.ListTransactions(account, from, limit)
		out = page
		return err
	})
	return out, err
}

func (r *Runtime) CheckAssetOwnership(call escrow.Call, account, contract string) (string, error) {
	var token string
	err := r.execute("escrow_checkAssetOwnership", call, func(engine *escrow.Engine) error {
		t, err := engine.CheckAssetOwnership(call, account, contract)
		token = t
		return err
	})
	return token, err
}

func (r *Runtime) Query(token string) (*escrow.OwnershipQuery, error) {
	var out *escrow.OwnershipQuery
	err := r.view(func(engine *escrow.Engine) error {
		q, err := engine.Query(token)
		out = q
		return err
	})
	return out, err
}

func (r *Runtime) AbandonQuery(call escrow.Call, token string) (*escrow.OwnershipQuery, error) {
	var out *escrow.OwnershipQuery
	err := r.execute("escrow_abandonQuery", call, func(engine *escrow.Engine) error {
		q, err := engine.AbandonQuery(call, token)
		out = q
		return err
	})
	return out, err
}

// Callback delivers a query result as its own serialized call. Only the
// dispatcher and tests invoke it.
func (r *Runtime) Callback(ctx context.Context, token string, result escrow.QueryResult) (*escrow.OwnershipQuery, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var out *escrow.OwnershipQuery
	err := r.execute("asset_ownership_callback", escrow.Call{Caller: r.account}, func(engine *escrow.Engine) error {
		q, err := engine.AssetOwnershipCallback(ctx, token, result)
		out = q
		return err
	})
	return out, err
}

// MintAsset creates an asset on a native contract. Only the engine owner may
// mint.
func (r *Runtime) MintAsset(call escrow.Call, contract, tokenID, owner string) error {
	return r.execute("nft_mint", call, func(engine *escrow.Engine) error {
		if err := call.RequireNoDeposit(); err != nil {
			return err
		}
		cfg, err := engine.Config()
		if err != nil {
			return err
		}
		if !cfg.Initialized || call.Caller != cfg.Owner {
			return fmt.Errorf("%w: only the owner can mint", escrow.ErrUnauthorized)
		}
		native, err := r.nativeContract(engine.Store(), contract)
		if err != nil {
			return err
		}
		return native.Mint(tokenID, owner)
	})
}

// TransferAsset moves an asset on a native contract. The caller must hold
// it or be an operator the holder approved; an empty from means the caller.
func (r *Runtime) TransferAsset(ctx context.Context, call escrow.Call, contract, tokenID, from, to string) error {
	return r.execute("nft_transfer", call, func(engine *escrow.Engine) error {
		if err := call.RequireNoDeposit(); err != nil {
			return err
		}
		native, err := r.nativeContract(engine.Store(), contract)
		if err != nil {
			return err
		}
		if from = strings.TrimSpace(from); from == "" {
			from = call.Caller
		}
		allowed, err := native.CanMove(call.Caller, from)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: %s may not move assets of %s", escrow.ErrUnauthorized, call.Caller, from)
		}
		return native.Transfer(ctx, tokenID, from, to)
	})
}

// ApproveOperator lets operator move the caller's assets on a native
// contract. A remote escrow engine needs this to take custody of a seller's
// asset.
func (r *Runtime) ApproveOperator(call escrow.Call, contract, operator string, approved bool) error {
	return r.execute("nft_approve", call, func(engine *escrow.Engine) error {
		if err := call.RequireNoDeposit(); err != nil {
			return err
		}
		if !escrow.ValidAccountID(call.Caller) {
			return fmt.Errorf("%w: approval requires a caller", escrow.ErrUnauthorized)
		}
		if !escrow.ValidAccountID(strings.TrimSpace(operator)) {
			return fmt.Errorf("%w: operator %q", escrow.ErrInvalidAccount, operator)
		}
		native, err := r.nativeContract(engine.Store(), contract)
		if err != nil {
			return err
		}
		return native.SetOperator(call.Caller, operator, approved)
	})
}

// IsOperator reports whether operator may move holder's assets on a native
// contract.
func (r *Runtime) IsOperator(contract, holder, operator string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	native, err := r.nativeContract(r.db, contract)
	if err != nil {
		return false, err
	}
	return native.IsOperator(strings.TrimSpace(holder), strings.TrimSpace(operator))
}

// AssetOwner returns the holder of a native asset.
func (r *Runtime) AssetOwner(contract, tokenID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	native, err := r.nativeContract(r.db, contract)
	if err != nil {
		return "", err
	}
	return native.OwnerOf(tokenID)
}

// AssetSupply answers an ownership count for any registered contract.
func (r *Runtime) AssetSupply(ctx context.Context, contract, account string) (json.RawMessage, error) {
	target, ok := r.contracts.Contract(r.db, contract)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, contract)
	}
	return target.SupplyForOwner(ctx, account)
}

func (r *Runtime) nativeContract(db storage.Database, contract string) (*nft.Native, error) {
	if !r.contracts.Has(contract) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, contract)
	}
	native, ok := r.contracts.Native(db, contract)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotNative, contract)
	}
	return native, nil
}

type metricsEmitter struct {
	metrics *observability.EscrowMetrics
}

func (m metricsEmitter) Emit(evt events.Event) {
	if m.metrics == nil || evt == nil {
		return
	}
	m.metrics.RecordEvent(evt.EventType())
	if evt.EventType() == escrow.EventTypeQueryResolved {
		if payload := evt.Event(); payload != nil {
			m.metrics.RecordAnswer(payload.Attributes["purpose"], payload.Attributes["answer"])
		}
	}
}
