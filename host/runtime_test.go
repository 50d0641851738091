package host

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nftescrow/core/events"
	"nftescrow/core/state"
	"nftescrow/native/escrow"
	"nftescrow/native/nft"
	"nftescrow/storage"
)

const (
	owner    = "owner"
	engineID = "escrow"
	creator  = "eve"
	seller   = "bob"
	buyer    = "carol"
	contract = "dave.nft"
	asset    = "x"
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), escrow.BaseUnit)
}

type fixture struct {
	db      *storage.MemDB
	dir     *nft.Directory
	rt      *Runtime
	emitted *events.Buffer
}

func newFixture(t *testing.T, configure func(*nft.Directory)) *fixture {
	t.Helper()
	f := &fixture{
		db:      storage.NewMemDB(),
		dir:     nft.NewDirectory(),
		emitted: &events.Buffer{},
	}
	if configure != nil {
		configure(f.dir)
	} else {
		require.NoError(t, f.dir.AddNative(contract))
	}
	var (
		mu   sync.Mutex
		next int
	)
	rt, err := New(f.db, f.dir, Options{
		EngineAccount: engineID,
		QueryTimeout:  time.Second,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Emitter:       f.emitted,
		TokenSource: func() string {
			mu.Lock()
			defer mu.Unlock()
			next++
			return fmt.Sprintf("q-%d", next)
		},
	})
	require.NoError(t, err)
	f.rt = rt

	g := Genesis{
		Owner:    owner,
		Balances: []Credit{{Account: seller, Amount: units(200)}},
	}
	if _, native := f.dir.Native(f.db, contract); native {
		g.Assets = []Mint{{Contract: contract, TokenID: asset, Owner: seller}}
	}
	applied, err := rt.Bootstrap(g)
	require.NoError(t, err)
	require.True(t, applied)
	return f
}

func (f *fixture) balance(t *testing.T, account string) *big.Int {
	t.Helper()
	bal, err := f.rt.Balance(account)
	require.NoError(t, err)
	return bal
}

func (f *fixture) create(t *testing.T) *escrow.Transaction {
	t.Helper()
	tx, err := f.rt.CreateTransaction(escrow.Call{Caller: creator}, CreateRequest{
		Seller:        seller,
		Buyer:         buyer,
		Price:         big.NewInt(100),
		AssetID:       asset,
		AssetContract: contract,
	})
	require.NoError(t, err)
	return tx
}

func eventTypes(buf *events.Buffer) []string {
	var out []string
	for _, evt := range buf.Events() {
		out = append(out, evt.EventType())
	}
	return out
}

func TestRuntimeSaleEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	tx := f.create(t)
	require.EqualValues(t, 0, tx.ID)

	locked, err := f.rt.LockFunds(escrow.Call{Caller: seller, Deposit: units(102)}, tx.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFundsLocked, locked.Status)
	require.Equal(t, 0, f.balance(t, seller).Cmp(units(98)))
	require.Equal(t, 0, f.balance(t, engineID).Cmp(units(102)))

	token, err := f.rt.LockAsset(escrow.Call{Caller: seller}, tx.ID)
	require.NoError(t, err)
	require.Equal(t, "q-1", token)
	require.Len(t, f.rt.Pending(), 1)

	require.Equal(t, 1, f.rt.DispatchPending(ctx))
	require.Empty(t, f.rt.Pending())
	q, err := f.rt.Query(token)
	require.NoError(t, err)
	require.Equal(t, escrow.QueryResolved, q.State)
	require.Equal(t, escrow.AnswerYes, q.Answer)
	require.True(t, q.Locked)

	holder, err := f.rt.AssetOwner(contract, asset)
	require.NoError(t, err)
	require.Equal(t, engineID, holder)

	done, err := f.rt.Complete(ctx, escrow.Call{Caller: buyer}, tx.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, done.Status)
	require.Equal(t, 0, f.balance(t, seller).Cmp(units(198)))
	require.Equal(t, 0, f.balance(t, owner).Cmp(units(2)))
	require.Zero(t, f.balance(t, engineID).Sign())

	holder, err = f.rt.AssetOwner(contract, asset)
	require.NoError(t, err)
	require.Equal(t, buyer, holder)

	require.Equal(t, []string{
		escrow.EventTypeInitialized,
		escrow.EventTypeCreated,
		escrow.EventTypeFundsLocked,
		escrow.EventTypeQueryIssued,
		escrow.EventTypeAssetLockRequested,
		escrow.EventTypeAssetLocked,
		escrow.EventTypeQueryResolved,
		escrow.EventTypeCompleted,
	}, eventTypes(f.emitted))
}

func TestRuntimeAbortRefundsAttachedDeposit(t *testing.T) {
	f := newFixture(t, nil)
	tx := f.create(t)
	before := len(f.emitted.Events())

	_, err := f.rt.LockFunds(escrow.Call{Caller: seller, Deposit: units(101)}, tx.ID)
	require.ErrorIs(t, err, escrow.ErrDepositMismatch)
	require.Equal(t, 0, f.balance(t, seller).Cmp(units(200)))
	require.Zero(t, f.balance(t, engineID).Sign())

	_, err = f.rt.CreateTransaction(escrow.Call{Caller: seller, Deposit: units(5)}, CreateRequest{
		Seller: seller, Buyer: buyer, Price: big.NewInt(1), AssetID: asset, AssetContract: contract,
	})
	require.ErrorIs(t, err, escrow.ErrNotPayable)
	require.Equal(t, 0, f.balance(t, seller).Cmp(units(200)))

	_, err = f.rt.LockFunds(escrow.Call{Caller: buyer, Deposit: units(102)}, tx.ID)
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	stored, err := f.rt.Transaction(tx.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusPending, stored.Status)
	require.False(t, stored.FundsInEscrow)
	require.Len(t, f.emitted.Events(), before)
	require.Empty(t, f.rt.Pending())
}

func TestRuntimeCallbackAfterCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	tx := f.create(t)
	_, err := f.rt.LockFunds(escrow.Call{Caller: seller, Deposit: units(102)}, tx.ID)
	require.NoError(t, err)
	token, err := f.rt.LockAsset(escrow.Call{Caller: seller}, tx.ID)
	require.NoError(t, err)

	cancelled, err := f.rt.Cancel(escrow.Call{Caller: seller}, tx.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCancelled, cancelled.Status)
	require.Equal(t, 0, f.balance(t, seller).Cmp(units(200)))

	require.Equal(t, 1, f.rt.DispatchPending(ctx))
	q, err := f.rt.Query(token)
	require.NoError(t, err)
	require.Equal(t, escrow.QueryResolved, q.State)
	require.False(t, q.Locked)
	require.Contains(t, q.Outcome, escrow.ErrInvalidState.Error())

	holder, err := f.rt.AssetOwner(contract, asset)
	require.NoError(t, err)
	require.Equal(t, seller, holder)

	_, err = f.rt.Callback(ctx, token, escrow.QueryResult{Status: escrow.ResultSuccessful, Payload: []byte(`"1"`)})
	require.ErrorIs(t, err, escrow.ErrQueryClosed)
}

func TestRuntimeNotReadyCallbackLeavesQueryPending(t *testing.T) {
	f := newFixture(t, nil)
	token, err := f.rt.CheckAssetOwnership(escrow.Call{Caller: buyer}, seller, contract)
	require.NoError(t, err)

	_, err = f.rt.Callback(context.Background(), token, escrow.QueryResult{Status: escrow.ResultNotReady})
	require.ErrorIs(t, err, escrow.ErrResultNotReady)
	q, err := f.rt.Query(token)
	require.NoError(t, err)
	require.Equal(t, escrow.QueryPending, q.State)

	abandoned, err := f.rt.AbandonQuery(escrow.Call{Caller: owner}, token)
	require.NoError(t, err)
	require.Equal(t, escrow.QueryAbandoned, abandoned.State)
	require.Equal(t, 1, f.rt.DispatchPending(context.Background()))
	q, err = f.rt.Query(token)
	require.NoError(t, err)
	require.Equal(t, escrow.QueryAbandoned, q.State)
}

func TestRuntimeBootstrapIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	applied, err := f.rt.Bootstrap(Genesis{
		Owner:    "mallory",
		Balances: []Credit{{Account: seller, Amount: units(200)}},
	})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 0, f.balance(t, seller).Cmp(units(200)))
	cfg, err := f.rt.Config()
	require.NoError(t, err)
	require.Equal(t, owner, cfg.Owner)
}

func TestRuntimeStampsCreatedAtWithCallSequence(t *testing.T) {
	f := newFixture(t, nil)
	seq, err := f.rt.Sequence()
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	first := f.create(t)
	require.Equal(t, uint64(2), first.CreatedAt)

	_, err = f.rt.LockFunds(escrow.Call{Caller: seller, Deposit: units(101)}, first.ID)
	require.ErrorIs(t, err, escrow.ErrDepositMismatch)
	seq, err = f.rt.Sequence()
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)

	_, err = f.rt.LockFunds(escrow.Call{Caller: seller, Deposit: units(102)}, first.ID)
	require.NoError(t, err)
	second := f.create(t)
	require.Equal(t, uint64(4), second.CreatedAt)

	stored, err := f.rt.Transaction(first.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stored.CreatedAt)

	_, err = f.rt.Bootstrap(Genesis{Owner: owner})
	require.NoError(t, err)
	seq, err = f.rt.Sequence()
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)
}

func TestRuntimeMintAsset(t *testing.T) {
	f := newFixture(t, nil)
	err := f.rt.MintAsset(escrow.Call{Caller: seller}, contract, "y", seller)
	require.ErrorIs(t, err, escrow.ErrUnauthorized)
	require.NoError(t, f.rt.MintAsset(escrow.Call{Caller: owner}, contract, "y", buyer))
	require.ErrorIs(t, f.rt.MintAsset(escrow.Call{Caller: owner}, "other.nft", "y", buyer), ErrUnknownContract)

	supply, err := f.rt.AssetSupply(context.Background(), contract, buyer)
	require.NoError(t, err)
	require.JSONEq(t, `"1"`, string(supply))

	require.NoError(t, f.rt.TransferAsset(context.Background(), escrow.Call{Caller: buyer}, contract, "y", "", seller))
	holder, err := f.rt.AssetOwner(contract, "y")
	require.NoError(t, err)
	require.Equal(t, seller, holder)
}

func TestRuntimeOperatorTransfers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	err := f.rt.TransferAsset(ctx, escrow.Call{Caller: "mallory"}, contract, asset, seller, "mallory")
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	require.ErrorIs(t, f.rt.ApproveOperator(escrow.Call{Caller: seller}, contract, "bad op", true), escrow.ErrInvalidAccount)
	require.NoError(t, f.rt.ApproveOperator(escrow.Call{Caller: seller}, contract, "remote-escrow", true))
	approved, err := f.rt.IsOperator(contract, seller, "remote-escrow")
	require.NoError(t, err)
	require.True(t, approved)

	require.NoError(t, f.rt.TransferAsset(ctx, escrow.Call{Caller: "remote-escrow"}, contract, asset, seller, "remote-escrow"))
	holder, err := f.rt.AssetOwner(contract, asset)
	require.NoError(t, err)
	require.Equal(t, "remote-escrow", holder)

	require.NoError(t, f.rt.ApproveOperator(escrow.Call{Caller: seller}, contract, "remote-escrow", false))
	approved, err = f.rt.IsOperator(contract, seller, "remote-escrow")
	require.NoError(t, err)
	require.False(t, approved)
}

func TestRuntimeUnreachableContractFailsQuery(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := newFixture(t, func(dir *nft.Directory) {
		require.NoError(t, dir.AddRemote(contract, nft.NewClient(url, "", 200*time.Millisecond)))
	})
	require.ErrorIs(t, f.rt.MintAsset(escrow.Call{Caller: owner}, contract, "y", seller), ErrNotNative)
	tx := f.create(t)
	_, err := f.rt.LockFunds(escrow.Call{Caller: seller, Deposit: units(102)}, tx.ID)
	require.NoError(t, err)
	token, err := f.rt.LockAsset(escrow.Call{Caller: seller}, tx.ID)
	require.NoError(t, err)
	f.rt.DispatchPending(context.Background())

	q, err := f.rt.Query(token)
	require.NoError(t, err)
	require.Equal(t, escrow.AnswerFailed, q.Answer)
	require.False(t, q.Locked)
	require.Contains(t, q.Outcome, escrow.ErrQueryFailed.Error())
	stored, err := f.rt.Transaction(tx.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFundsLocked, stored.Status)
}

func TestRunDispatchesInBackground(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rt.Run(ctx) }()

	token, err := f.rt.CheckAssetOwnership(escrow.Call{Caller: buyer}, seller, contract)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		q, err := f.rt.Query(token)
		return err == nil && q.State == escrow.QueryResolved
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
