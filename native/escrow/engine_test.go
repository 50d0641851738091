package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"nftescrow/core/events"
	"nftescrow/core/state"
	"nftescrow/storage"
)

const (
	testOwner    = "owner"
	testEngine   = "escrow"
	testCreator  = "eve"
	testSeller   = "bob"
	testBuyer    = "carol"
	testContract = "dave.nft"
	testAsset    = "x"
)

type fakeAssets struct {
	contracts map[string]bool
	owners    map[string]string
	fail      error
	transfers int
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{
		contracts: map[string]bool{testContract: true},
		owners:    map[string]string{testContract + "/" + testAsset: testSeller},
	}
}

func (f *fakeAssets) HasContract(contract string) bool { return f.contracts[contract] }

func (f *fakeAssets) TransferAsset(_ context.Context, contract, assetID, from, to string) error {
	if f.fail != nil {
		return f.fail
	}
	key := contract + "/" + assetID
	if f.owners[key] != from {
		return fmt.Errorf("%s does not hold %s", from, key)
	}
	f.owners[key] = to
	f.transfers++
	return nil
}

type harness struct {
	db     *storage.MemDB
	ledger *state.Ledger
	assets *fakeAssets
	events *events.Buffer
	engine *Engine
	next   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:     storage.NewMemDB(),
		assets: newFakeAssets(),
		events: &events.Buffer{},
	}
	h.ledger = state.NewLedger(h.db)
	h.engine = NewEngine(h.db, testEngine)
	h.engine.SetLedger(h.ledger)
	h.engine.SetAssets(h.assets)
	h.engine.SetEmitter(h.events)
	h.engine.SetTokenSource(func() string {
		h.next++
		return fmt.Sprintf("q-%d", h.next)
	})
	if _, err := h.engine.Initialize(Call{Caller: testOwner}, testOwner); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), BaseUnit)
}

// attach credits account and debits the deposit into the engine account the
// way the host does before a payable call.
func (h *harness) attach(t *testing.T, account string, amount *big.Int) Call {
	t.Helper()
	if err := h.ledger.Credit(account, amount); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := h.ledger.Transfer(account, testEngine, amount); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return Call{Caller: account, Deposit: amount}
}

func (h *harness) create(t *testing.T) *Transaction {
	t.Helper()
	tx, err := h.engine.CreateTransaction(Call{Caller: testCreator}, testSeller, testBuyer, big.NewInt(100), testAsset, testContract, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tx
}

func (h *harness) lockFunds(t *testing.T, id uint64) *Transaction {
	t.Helper()
	tx, err := h.engine.LockFunds(h.attach(t, testSeller, units(102)), id)
	if err != nil {
		t.Fatalf("lock funds: %v", err)
	}
	return tx
}

func (h *harness) lockAsset(t *testing.T, id uint64) *OwnershipQuery {
	t.Helper()
	token, err := h.engine.LockAsset(Call{Caller: testSeller}, id)
	if err != nil {
		t.Fatalf("lock asset: %v", err)
	}
	q, err := h.engine.AssetOwnershipCallback(context.Background(), token, QueryResult{Status: ResultSuccessful, Payload: []byte(`"1"`)})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	return q
}

func (h *harness) balance(t *testing.T, account string) *big.Int {
	t.Helper()
	bal, err := h.ledger.Balance(account)
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return bal
}

func (h *harness) rawTransaction(t *testing.T, id uint64) []byte {
	t.Helper()
	raw, err := h.db.Get(prefixedKey(txPrefix, id))
	if err != nil {
		t.Fatalf("raw transaction: %v", err)
	}
	return raw
}

func TestEngineScenario(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t)
	if tx.ID != 0 {
		t.Fatalf("expected id 0, got %d", tx.ID)
	}
	if tx.Price.Cmp(units(100)) != 0 {
		t.Fatalf("unexpected stored price %s", tx.Price)
	}
	if tx.Status != StatusPending || tx.FundsInEscrow || tx.AssetInEscrow {
		t.Fatalf("unexpected initial record %+v", tx)
	}
	fee, err := h.engine.Fee(0)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee.Cmp(units(2)) != 0 {
		t.Fatalf("expected fee 2e24, got %s", fee)
	}
	due, err := h.engine.TotalDue(0)
	if err != nil {
		t.Fatalf("total due: %v", err)
	}
	if due.Cmp(units(102)) != 0 {
		t.Fatalf("expected total due 102e24, got %s", due)
	}

	locked := h.lockFunds(t, 0)
	if locked.Status != StatusFundsLocked || !locked.FundsInEscrow {
		t.Fatalf("unexpected locked record %+v", locked)
	}
	before := h.rawTransaction(t, 0)
	if _, err := h.engine.LockFunds(Call{Caller: testSeller, Deposit: units(102)}, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on second lock, got %v", err)
	}
	if !bytes.Equal(before, h.rawTransaction(t, 0)) {
		t.Fatalf("record changed after rejected lock")
	}

	fresh := h.create(t)
	if _, err := h.engine.LockFunds(Call{Caller: testBuyer, Deposit: units(102)}, fresh.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	h := newHarness(t)
	for want := uint64(0); want < 5; want++ {
		tx := h.create(t)
		if tx.ID != want {
			t.Fatalf("expected id %d, got %d", want, tx.ID)
		}
	}
	total, err := h.engine.Total()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected 5 transactions, got %d", total)
	}
}

func TestCreateStampsCallSequence(t *testing.T) {
	h := newHarness(t)
	h.engine.SetSequence(41)
	first := h.create(t)
	h.engine.SetSequence(42)
	second := h.create(t)
	if first.CreatedAt != 41 || second.CreatedAt != 42 {
		t.Fatalf("unexpected created_at %d, %d", first.CreatedAt, second.CreatedAt)
	}
	stored, err := h.engine.Transaction(first.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.CreatedAt != 41 {
		t.Fatalf("created_at not persisted: %d", stored.CreatedAt)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name     string
		caller   string
		seller   string
		price    *big.Int
		assetID  string
		contract string
		want     error
	}{
		{"zero price", testCreator, testSeller, big.NewInt(0), testAsset, testContract, ErrInvalidPrice},
		{"overflow", testCreator, testSeller, new(big.Int).Lsh(big.NewInt(1), 60), testAsset, testContract, ErrInvalidPrice},
		{"bad seller", testCreator, "Bob!", big.NewInt(1), testAsset, testContract, ErrInvalidAccount},
		{"bad creator", "-eve", testSeller, big.NewInt(1), testAsset, testContract, ErrInvalidAccount},
		{"empty asset", testCreator, testSeller, big.NewInt(1), " ", testContract, ErrInvalidAsset},
		{"bad contract", testCreator, testSeller, big.NewInt(1), testAsset, "d", ErrInvalidAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.CreateTransaction(Call{Caller: tc.caller}, tc.seller, testBuyer, tc.price, tc.assetID, tc.contract, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	total, err := h.engine.Total()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 0 {
		t.Fatalf("rejected creates must not allocate ids, got %d", total)
	}
}

func TestCreateRequiresInitialization(t *testing.T) {
	engine := NewEngine(storage.NewMemDB(), testEngine)
	_, err := engine.CreateTransaction(Call{Caller: testCreator}, testSeller, testBuyer, big.NewInt(1), testAsset, testContract, nil)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
}

func TestInitializeOnce(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Initialize(Call{Caller: testCreator}, testCreator); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected already initialized, got %v", err)
	}
	cfg, err := h.engine.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Owner != testOwner || cfg.FeeRecipient() != testOwner {
		t.Fatalf("unexpected config %+v", cfg)
	}
	percent, err := h.engine.FeePercent()
	if err != nil {
		t.Fatalf("fee percent: %v", err)
	}
	if percent != DefaultFeePercent {
		t.Fatalf("expected default fee, got %d", percent)
	}
}

func TestLockFundsRejectsWrongDeposit(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	before := h.rawTransaction(t, 0)
	for _, amount := range []*big.Int{units(100), units(103), nil} {
		_, err := h.engine.LockFunds(Call{Caller: testSeller, Deposit: amount}, 0)
		if !errors.Is(err, ErrDepositMismatch) {
			t.Fatalf("deposit %v: expected mismatch, got %v", amount, err)
		}
	}
	if !bytes.Equal(before, h.rawTransaction(t, 0)) {
		t.Fatalf("record changed after rejected deposits")
	}
	if _, err := h.engine.LockFunds(Call{Caller: testSeller, Deposit: units(102)}, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLockFundsValidationOrder(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.lockFunds(t, 0)
	// Status is checked before caller and value.
	if _, err := h.engine.LockFunds(Call{Caller: testBuyer, Deposit: big.NewInt(1)}, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state first, got %v", err)
	}
	h.create(t)
	// Caller is checked before value.
	if _, err := h.engine.LockFunds(Call{Caller: testBuyer, Deposit: big.NewInt(1)}, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized before mismatch, got %v", err)
	}
}

func TestNonPayableRejectsDeposit(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateTransaction(Call{Caller: testCreator, Deposit: big.NewInt(1)}, testSeller, testBuyer, big.NewInt(1), testAsset, testContract, nil)
	if !errors.Is(err, ErrNotPayable) {
		t.Fatalf("expected not payable, got %v", err)
	}
	if _, err := h.engine.SetFeePercent(Call{Caller: testOwner, Deposit: big.NewInt(5)}, 3); !errors.Is(err, ErrNotPayable) {
		t.Fatalf("expected not payable, got %v", err)
	}
}

func TestFeeComputation(t *testing.T) {
	cases := []struct {
		price   int64
		percent uint64
		want    int64
	}{
		{100, 2, 2},
		{199, 2, 2},
		{99, 50, 0},
		{1050, 3, 30},
		{1000, 0, 0},
		{1000, 100, 1000},
	}
	for _, tc := range cases {
		got := ComputeFee(big.NewInt(tc.price), tc.percent)
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("fee(%d, %d) = %s, want %d", tc.price, tc.percent, got, tc.want)
		}
	}
}

func TestSetFeePercentOwnerOnly(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.SetFeePercent(Call{Caller: testSeller}, 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := h.engine.SetFeePercent(Call{Caller: testOwner}, 101); !errors.Is(err, ErrInvalidFee) {
		t.Fatalf("expected invalid fee, got %v", err)
	}
	percent, _ := h.engine.FeePercent()
	if percent != DefaultFeePercent {
		t.Fatalf("fee changed by rejected calls: %d", percent)
	}
	if _, err := h.engine.SetFeePercent(Call{Caller: testOwner}, 5); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	h.create(t)
	due, err := h.engine.TotalDue(0)
	if err != nil {
		t.Fatalf("total due: %v", err)
	}
	if due.Cmp(units(105)) != 0 {
		t.Fatalf("expected live fee in total due, got %s", due)
	}
	evts := h.events.Events()
	last := evts[len(evts)-2].Event()
	if last.Type != EventTypeFeeUpdated || last.Attributes["percent"] != "5" || last.Attributes["previous"] != "2" {
		t.Fatalf("unexpected fee event %+v", last)
	}
}

func TestCountAndListTransactions(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.create(t)
	}
	if _, err := h.engine.CreateTransaction(Call{Caller: testSeller}, testSeller, testBuyer, big.NewInt(1), testAsset, testContract, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	for account, want := range map[string]uint64{testCreator: 3, testSeller: 1, "nobody": 0} {
		got, err := h.engine.CountTransactions(account)
		if err != nil {
			t.Fatalf("count %s: %v", account, err)
		}
		if got != want {
			t.Fatalf("count %s = %d, want %d", account, got, want)
		}
	}
	page, err := h.engine.ListTransactions(testCreator, 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.IDs) != 2 || page.IDs[0] != 0 || page.IDs[1] != 1 || !page.More || page.Next != 2 {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = h.engine.ListTransactions(testCreator, page.Next, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.IDs) != 1 || page.IDs[0] != 2 || page.More {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestMetadataStoredAtCreation(t *testing.T) {
	h := newHarness(t)
	tx, err := h.engine.CreateTransaction(Call{Caller: testCreator}, testSeller, testBuyer, big.NewInt(1), testAsset, testContract, &Metadata{Categories: "art,music"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	meta, ok, err := h.engine.Metadata(tx.ID)
	if err != nil || !ok {
		t.Fatalf("metadata: ok=%t err=%v", ok, err)
	}
	if meta.Categories != "art,music" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	plain := h.create(t)
	if _, ok, err := h.engine.Metadata(plain.ID); err != nil || ok {
		t.Fatalf("expected no metadata, ok=%t err=%v", ok, err)
	}
}

func TestLockAssetTwoPhase(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	if _, err := h.engine.LockAsset(Call{Caller: testSeller}, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state before funds, got %v", err)
	}
	h.lockFunds(t, 0)
	if _, err := h.engine.LockAsset(Call{Caller: testBuyer}, 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	token, err := h.engine.LockAsset(Call{Caller: testSeller}, 0)
	if err != nil {
		t.Fatalf("lock asset: %v", err)
	}
	outbox := h.engine.Outbox()
	if len(outbox) != 1 || outbox[0].Token != token || outbox[0].Account != testSeller || outbox[0].AssetContract != testContract {
		t.Fatalf("unexpected outbox %+v", outbox)
	}
	tx, _ := h.engine.Transaction(0)
	if tx.Status != StatusFundsLocked {
		t.Fatalf("phase one must not change status, got %s", tx.Status)
	}

	q, err := h.engine.AssetOwnershipCallback(context.Background(), token, QueryResult{Status: ResultSuccessful, Payload: []byte("3")})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if q.Answer != AnswerYes || !q.Locked || q.State != QueryResolved {
		t.Fatalf("unexpected query %+v", q)
	}
	tx, _ = h.engine.Transaction(0)
	if tx.Status != StatusFundsAndAssetLocked || !tx.AssetInEscrow || !tx.FundsInEscrow {
		t.Fatalf("unexpected record %+v", tx)
	}
	if h.assets.owners[testContract+"/"+testAsset] != testEngine {
		t.Fatalf("asset not in custody")
	}
	if _, err := h.engine.AssetOwnershipCallback(context.Background(), token, QueryResult{Status: ResultSuccessful, Payload: []byte("1")}); !errors.Is(err, ErrQueryClosed) {
		t.Fatalf("expected closed query, got %v", err)
	}
}

func TestLockAssetNegativeAnswers(t *testing.T) {
	cases := []struct {
		name    string
		result  QueryResult
		answer  string
		outcome error
	}{
		{"not owned", QueryResult{Status: ResultSuccessful, Payload: []byte(`"0"`)}, AnswerNo, ErrAssetNotOwned},
		{"failed", QueryResult{Status: ResultFailed}, AnswerFailed, ErrQueryFailed},
		{"malformed", QueryResult{Status: ResultSuccessful, Payload: []byte(`{"count":1}`)}, AnswerFailed, ErrQueryFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.create(t)
			h.lockFunds(t, 0)
			token, err := h.engine.LockAsset(Call{Caller: testSeller}, 0)
			if err != nil {
				t.Fatalf("lock asset: %v", err)
			}
			q, err := h.engine.AssetOwnershipCallback(context.Background(), token, tc.result)
			if err != nil {
				t.Fatalf("callback: %v", err)
			}
			if q.Answer != tc.answer || q.Locked || q.Outcome == "" {
				t.Fatalf("unexpected query %+v", q)
			}
			if !strings.Contains(q.Outcome, tc.outcome.Error()) {
				t.Fatalf("outcome %q does not mention %v", q.Outcome, tc.outcome)
			}
			tx, _ := h.engine.Transaction(0)
			if tx.Status != StatusFundsLocked || tx.AssetInEscrow {
				t.Fatalf("record changed on negative answer: %+v", tx)
			}
		})
	}
}

func TestCallbackNotReadyAborts(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.lockFunds(t, 0)
	token, err := h.engine.LockAsset(Call{Caller: testSeller}, 0)
	if err != nil {
		t.Fatalf("lock asset: %v", err)
	}
	if _, err := h.engine.AssetOwnershipCallback(context.Background(), token, QueryResult{Status: ResultNotReady}); !errors.Is(err, ErrResultNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	q, err := h.engine.Query(token)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if q.State != QueryPending {
		t.Fatalf("query must stay pending, got %s", q.State)
	}
	if _, err := h.engine.AssetOwnershipCallback(context.Background(), "missing", QueryResult{Status: ResultFailed}); !errors.Is(err, ErrUnknownQuery) {
		t.Fatalf("expected unknown query, got %v", err)
	}
}

func TestCallbackRevalidatesAfterCancel(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.lockFunds(t, 0)
	token, err := h.engine.LockAsset(Call{Caller: testSeller}, 0)
	if err != nil {
		t.Fatalf("lock asset: %v", err)
	}
	if _, err := h.engine.Cancel(Call{Caller: testSeller}, 0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	q, err := h.engine.AssetOwnershipCallback(context.Background(), token, QueryResult{Status: ResultSuccessful, Payload: []byte(`"1"`)})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if q.Locked || q.Answer != AnswerYes {
		t.Fatalf("unexpected query %+v", q)
	}
	tx, _ := h.engine.Transaction(0)
	if tx.Status != StatusCancelled || tx.AssetInEscrow {
		t.Fatalf("cancelled record changed: %+v", tx)
	}
	if h.assets.transfers != 0 {
		t.Fatalf("asset moved for cancelled transaction")
	}
}

func TestAssetLockExclusive(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.create(t)
	h.lockFunds(t, 0)
	h.lockFunds(t, 1)
	h.lockAsset(t, 0)
	token, err := h.engine.LockAsset(Call{Caller: testSeller}, 1)
	if err != nil {
		t.Fatalf("lock asset: %v", err)
	}
	q, err := h.engine.AssetOwnershipCallback(context.Background(), token, QueryResult{Status: ResultSuccessful, Payload: []byte(`"1"`)})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if q.Locked || !strings.Contains(q.Outcome, ErrAssetLocked.Error()) {
		t.Fatalf("expected asset locked outcome, got %+v", q)
	}
}

func TestAssetTransferFailureRecorded(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.lockFunds(t, 0)
	h.assets.fail = errors.New("contract unreachable")
	q := h.lockAsset(t, 0)
	if q.Locked || !strings.Contains(q.Outcome, ErrAssetNotOwned.Error()) {
		t.Fatalf("expected not owned outcome, got %+v", q)
	}
}

func TestLockAssetUnknownContract(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.CreateTransaction(Call{Caller: testCreator}, testSeller, testBuyer, big.NewInt(1), testAsset, "other.nft", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.lockFunds(t, 0)
	if _, err := h.engine.LockAsset(Call{Caller: testSeller}, 0); !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("expected unknown contract, got %v", err)
	}
}

func TestCompletePayouts(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.SetTreasury(Call{Caller: testOwner}, "treasury"); err != nil {
		t.Fatalf("set treasury: %v", err)
	}
	h.create(t)
	h.lockFunds(t, 0)
	h.lockAsset(t, 0)
	if _, err := h.engine.Complete(context.Background(), Call{Caller: testCreator}, 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	tx, err := h.engine.Complete(context.Background(), Call{Caller: testBuyer}, 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Fatalf("unexpected status %s", tx.Status)
	}
	// seller receives price - fee plus the residual deposit it locked.
	if got := h.balance(t, testSeller); got.Cmp(units(100)) != 0 {
		t.Fatalf("seller balance %s", got)
	}
	if got := h.balance(t, "treasury"); got.Cmp(units(2)) != 0 {
		t.Fatalf("treasury balance %s", got)
	}
	if got := h.balance(t, testEngine); got.Sign() != 0 {
		t.Fatalf("engine retained %s", got)
	}
	if h.assets.owners[testContract+"/"+testAsset] != testBuyer {
		t.Fatalf("asset not delivered")
	}
	holder, held, err := h.engine.queries.LockHolder(testContract, testAsset)
	if err != nil || held {
		t.Fatalf("asset lock not cleared: holder=%d held=%t err=%v", holder, held, err)
	}
	if _, err := h.engine.Complete(context.Background(), Call{Caller: testBuyer}, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCompleteByOperator(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.SetOperator(Call{Caller: testSeller}, "ops"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := h.engine.SetOperator(Call{Caller: testOwner}, "ops"); err != nil {
		t.Fatalf("set operator: %v", err)
	}
	h.create(t)
	h.lockFunds(t, 0)
	h.lockAsset(t, 0)
	if _, err := h.engine.Complete(context.Background(), Call{Caller: "ops"}, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := h.balance(t, testOwner); got.Cmp(units(2)) != 0 {
		t.Fatalf("owner fee balance %s", got)
	}
}

func TestCancelRefundsDeposit(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.lockFunds(t, 0)
	if _, err := h.engine.Cancel(Call{Caller: testBuyer}, 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	tx, err := h.engine.Cancel(Call{Caller: testCreator}, 0)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tx.Status != StatusCancelled || tx.FundsInEscrow {
		t.Fatalf("unexpected record %+v", tx)
	}
	if got := h.balance(t, testSeller); got.Cmp(units(102)) != 0 {
		t.Fatalf("seller refund %s", got)
	}
	if _, err := h.engine.Cancel(Call{Caller: testCreator}, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCancelAfterAssetLockRejected(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.lockFunds(t, 0)
	h.lockAsset(t, 0)
	if _, err := h.engine.Cancel(Call{Caller: testSeller}, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCheckAssetOwnership(t *testing.T) {
	h := newHarness(t)
	token, err := h.engine.CheckAssetOwnership(Call{Caller: testBuyer}, testSeller, testContract)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	q, err := h.engine.AssetOwnershipCallback(context.Background(), token, QueryResult{Status: ResultSuccessful, Payload: []byte("0")})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if q.Answer != AnswerNo || q.Purpose != PurposeCheck || q.Outcome != "" {
		t.Fatalf("unexpected query %+v", q)
	}
	if _, err := h.engine.CheckAssetOwnership(Call{Caller: testBuyer}, testSeller, "nope.nft"); !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("expected unknown contract, got %v", err)
	}
}

func TestAbandonQuery(t *testing.T) {
	h := newHarness(t)
	token, err := h.engine.CheckAssetOwnership(Call{Caller: testBuyer}, testSeller, testContract)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := h.engine.AbandonQuery(Call{Caller: testBuyer}, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	q, err := h.engine.AbandonQuery(Call{Caller: testOwner}, token)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if q.State != QueryAbandoned {
		t.Fatalf("unexpected state %s", q.State)
	}
	if _, err := h.engine.AssetOwnershipCallback(context.Background(), token, QueryResult{Status: ResultSuccessful, Payload: []byte("1")}); !errors.Is(err, ErrQueryClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestAbandonQueryChecksOwnerBeforeLookup(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.AbandonQuery(Call{Caller: testBuyer}, "q-missing"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown token, got %v", err)
	}
	token, err := h.engine.CheckAssetOwnership(Call{Caller: testBuyer}, testSeller, testContract)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	_, unknownErr := h.engine.AbandonQuery(Call{Caller: testBuyer}, "q-missing")
	_, knownErr := h.engine.AbandonQuery(Call{Caller: testBuyer}, token)
	if unknownErr.Error() != knownErr.Error() {
		t.Fatalf("non-owner errors differ: %v vs %v", unknownErr, knownErr)
	}
	if _, err := h.engine.AbandonQuery(Call{Caller: testOwner}, "q-missing"); !errors.Is(err, ErrUnknownQuery) {
		t.Fatalf("expected unknown query for owner, got %v", err)
	}
}

func TestParseOwnedCount(t *testing.T) {
	cases := map[string]int64{`"0"`: 0, `"12"`: 12, `7`: 7, ` "3" `: 3}
	for payload, want := range cases {
		got, err := ParseOwnedCount([]byte(payload))
		if err != nil {
			t.Fatalf("parse %s: %v", payload, err)
		}
		if got.Cmp(big.NewInt(want)) != 0 {
			t.Fatalf("parse %s = %s", payload, got)
		}
	}
	for _, bad := range []string{``, `"-1"`, `1.5`, `"abc"`, `null`} {
		if _, err := ParseOwnedCount([]byte(bad)); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestValidAccountID(t *testing.T) {
	valid := []string{"ab", "bob", "dave.nft", "a-b_c.d", "0x99"}
	invalid := []string{"", "a", "Bob", "-bob", "bob-", "b..b", "bob near", string(make([]byte, 65))}
	for _, id := range valid {
		if !ValidAccountID(id) {
			t.Fatalf("expected %q valid", id)
		}
	}
	for _, id := range invalid {
		if ValidAccountID(id) {
			t.Fatalf("expected %q invalid", id)
		}
	}
}
