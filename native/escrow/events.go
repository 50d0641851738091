package escrow

import (
	"math/big"
	"strconv"
	"strings"

	"nftescrow/core/types"
)

const (
	EventTypeInitialized        = "escrow.initialized"
	EventTypeConfigUpdated      = "escrow.config_updated"
	EventTypeFeeUpdated         = "escrow.fee_updated"
	EventTypeCreated            = "escrow.created"
	EventTypeFundsLocked        = "escrow.funds_locked"
	EventTypeAssetLockRequested = "escrow.asset_lock_requested"
	EventTypeAssetLocked        = "escrow.asset_locked"
	EventTypeCompleted          = "escrow.completed"
	EventTypeCancelled          = "escrow.cancelled"
	EventTypeQueryIssued        = "escrow.query.issued"
	EventTypeQueryResolved      = "escrow.query.resolved"
	EventTypeQueryAbandoned     = "escrow.query.abandoned"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// transaction.
func NewCreatedEvent(tx *Transaction) *types.Event { return newTransactionEvent(EventTypeCreated, tx) }

// NewFundsLockedEvent returns the payload emitted when the deposit is taken
// into custody.
func NewFundsLockedEvent(tx *Transaction) *types.Event {
	return newTransactionEvent(EventTypeFundsLocked, tx)
}

// NewAssetLockRequestedEvent returns the payload emitted when lock_asset
// issues its ownership query.
func NewAssetLockRequestedEvent(tx *Transaction, token string) *types.Event {
	evt := newTransactionEvent(EventTypeAssetLockRequested, tx)
	evt.Attributes["queryToken"] = token
	return evt
}

// NewAssetLockedEvent returns the payload emitted when the asset reaches
// custody.
func NewAssetLockedEvent(tx *Transaction, token string) *types.Event {
	evt := newTransactionEvent(EventTypeAssetLocked, tx)
	evt.Attributes["queryToken"] = token
	return evt
}

// NewCompletedEvent returns the payload emitted on settlement.
func NewCompletedEvent(tx *Transaction, payout, residual *big.Int) *types.Event {
	evt := newTransactionEvent(EventTypeCompleted, tx)
	evt.Attributes["payout"] = cloneBigInt(payout).String()
	evt.Attributes["residual"] = cloneBigInt(residual).String()
	return evt
}

// NewCancelledEvent returns the payload emitted on cancellation.
func NewCancelledEvent(tx *Transaction, refund *big.Int) *types.Event {
	evt := newTransactionEvent(EventTypeCancelled, tx)
	evt.Attributes["refund"] = cloneBigInt(refund).String()
	return evt
}

// NewInitializedEvent returns the payload emitted by Initialize.
func NewInitializedEvent(cfg *Config, feePercent uint64) *types.Event {
	evt := newConfigEvent(EventTypeInitialized, cfg)
	evt.Attributes["feePercent"] = strconv.FormatUint(feePercent, 10)
	return evt
}

// NewConfigUpdatedEvent returns the payload emitted when the owner changes a
// governance role.
func NewConfigUpdatedEvent(cfg *Config) *types.Event {
	return newConfigEvent(EventTypeConfigUpdated, cfg)
}

// NewFeeUpdatedEvent returns the payload emitted by SetFeePercent.
func NewFeeUpdatedEvent(previous, updated uint64) *types.Event {
	return &types.Event{Type: EventTypeFeeUpdated, Attributes: map[string]string{
		"previous": strconv.FormatUint(previous, 10),
		"percent":  strconv.FormatUint(updated, 10),
	}}
}

func NewQueryIssuedEvent(q *OwnershipQuery) *types.Event {
	return newQueryEvent(EventTypeQueryIssued, q)
}

func NewQueryResolvedEvent(q *OwnershipQuery) *types.Event {
	return newQueryEvent(EventTypeQueryResolved, q)
}

func NewQueryAbandonedEvent(q *OwnershipQuery) *types.Event {
	return newQueryEvent(EventTypeQueryAbandoned, q)
}

func newTransactionEvent(eventType string, tx *Transaction) *types.Event {
	attrs := make(map[string]string)
	if tx == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(tx.ID, 10)
	attrs["creator"] = tx.Creator
	attrs["seller"] = tx.Seller
	attrs["buyer"] = tx.Buyer
	attrs["price"] = cloneBigInt(tx.Price).String()
	attrs["assetId"] = tx.AssetID
	attrs["assetContract"] = tx.AssetContract
	attrs["status"] = tx.Status.String()
	attrs["fundsInEscrow"] = strconv.FormatBool(tx.FundsInEscrow)
	attrs["assetInEscrow"] = strconv.FormatBool(tx.AssetInEscrow)
	if tx.Deposit != nil && tx.Deposit.Sign() > 0 {
		attrs["deposit"] = tx.Deposit.String()
		attrs["fee"] = cloneBigInt(tx.Fee).String()
	}
	if strings.TrimSpace(tx.LockedBy) != "" {
		attrs["lockedBy"] = tx.LockedBy
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newConfigEvent(eventType string, cfg *Config) *types.Event {
	attrs := make(map[string]string)
	if cfg == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["owner"] = cfg.Owner
	attrs["treasury"] = cfg.FeeRecipient()
	if cfg.Operator != "" {
		attrs["operator"] = cfg.Operator
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newQueryEvent(eventType string, q *OwnershipQuery) *types.Event {
	attrs := make(map[string]string)
	if q == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["token"] = q.Token
	attrs["account"] = q.Account
	attrs["assetContract"] = q.AssetContract
	attrs["purpose"] = q.Purpose.String()
	attrs["state"] = q.State.String()
	if q.Purpose == PurposeLockAsset {
		attrs["transactionId"] = strconv.FormatUint(q.TransactionID, 10)
	}
	if q.Answer != "" {
		attrs["answer"] = q.Answer
	}
	if q.Outcome != "" {
		attrs["outcome"] = q.Outcome
	}
	if q.Locked {
		attrs["locked"] = "true"
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
