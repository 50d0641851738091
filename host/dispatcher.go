package host

import (
	"context"
	"errors"
	"fmt"

	"nftescrow/native/escrow"
)

// enqueue hands committed outbox entries to the dispatcher. When the backlog
// is full the oldest entries stay queued and the overflow is dropped; the
// owner can abandon the affected queries.
func (r *Runtime) enqueue(reqs []escrow.QueryRequest) {
	if len(reqs) == 0 {
		return
	}
	r.queueMu.Lock()
	for _, req := range reqs {
		if len(r.queue) >= r.limit {
			r.logger.Error("query backlog full, dropping request", "token", req.Token, "contract", req.AssetContract)
			r.metrics.RecordDispatch("dropped")
			continue
		}
		r.queue = append(r.queue, req)
	}
	pending := len(r.queue)
	r.queueMu.Unlock()
	r.metrics.SetPending(pending)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Runtime) drain() []escrow.QueryRequest {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	reqs := r.queue
	r.queue = nil
	return reqs
}

// Pending returns the queued requests that have not been dispatched yet.
func (r *Runtime) Pending() []escrow.QueryRequest {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	out := make([]escrow.QueryRequest, len(r.queue))
	copy(out, r.queue)
	return out
}

// DispatchPending delivers every queued query and its callback synchronously
// and returns how many were processed.
func (r *Runtime) DispatchPending(ctx context.Context) int {
	reqs := r.drain()
	r.metrics.SetPending(0)
	for _, req := range reqs {
		if ctx.Err() != nil {
			r.enqueue([]escrow.QueryRequest{req})
			continue
		}
		r.dispatch(ctx, req)
	}
	return len(reqs)
}

// Run dispatches queued queries until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.notify:
			r.DispatchPending(ctx)
		}
	}
}

// resolve queries the asset contract outside the call lock. Transport
// failures and unknown contracts are reported as a failed result.
func (r *Runtime) resolve(ctx context.Context, req escrow.QueryRequest) escrow.QueryResult {
	contract, ok := r.contracts.Contract(r.db, req.AssetContract)
	if !ok {
		r.metrics.RecordDispatch("unknown_contract")
		return escrow.QueryResult{Status: escrow.ResultFailed}
	}
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	payload, err := contract.SupplyForOwner(qctx, req.Account)
	if err != nil {
		r.logger.Warn("ownership query failed", "token", req.Token, "contract", req.AssetContract, "error", err)
		r.metrics.RecordDispatch("failed")
		return escrow.QueryResult{Status: escrow.ResultFailed}
	}
	r.metrics.RecordDispatch("ok")
	return escrow.QueryResult{Status: escrow.ResultSuccessful, Payload: payload}
}

func (r *Runtime) dispatch(ctx context.Context, req escrow.QueryRequest) {
	result := r.resolve(ctx, req)
	q, err := r.Callback(ctx, req.Token, result)
	if err != nil {
		if errors.Is(err, escrow.ErrQueryClosed) {
			r.logger.Info("late callback ignored", "token", req.Token)
			return
		}
		r.logger.Error("ownership callback failed", "token", req.Token, "error", err)
		return
	}
	attrs := []any{"token", q.Token, "purpose", q.Purpose.String(), "answer", q.Answer}
	if q.Outcome != "" {
		attrs = append(attrs, "outcome", q.Outcome)
	}
	if q.Purpose == escrow.PurposeLockAsset {
		attrs = append(attrs, "id", fmt.Sprint(q.TransactionID), "locked", q.Locked)
	}
	r.logger.Info("ownership query resolved", attrs...)
}
