package escrow

import "errors"

var (
	ErrNotFound           = errors.New("escrow: transaction not found")
	ErrUnauthorized       = errors.New("escrow: unauthorized caller")
	ErrInvalidState       = errors.New("escrow: invalid transaction state")
	ErrDepositMismatch    = errors.New("escrow: attached deposit does not match price plus fee")
	ErrQueryFailed        = errors.New("escrow: ownership query failed")
	ErrAssetNotOwned      = errors.New("escrow: asset not owned by seller")
	ErrAssetLocked        = errors.New("escrow: asset already held for another transaction")
	ErrNotInitialized     = errors.New("escrow: engine not initialized")
	ErrAlreadyInitialized = errors.New("escrow: engine already initialized")
	ErrInvalidPrice       = errors.New("escrow: invalid price")
	ErrInvalidAccount     = errors.New("escrow: invalid account id")
	ErrInvalidAsset       = errors.New("escrow: invalid asset id")
	ErrInvalidFee         = errors.New("escrow: fee percent out of range")
	ErrNotPayable         = errors.New("escrow: method does not accept attached deposit")
	ErrUnknownContract    = errors.New("escrow: unknown asset contract")
	ErrUnknownQuery       = errors.New("escrow: unknown ownership query")
	ErrQueryClosed        = errors.New("escrow: ownership query no longer pending")
	ErrResultNotReady     = errors.New("escrow: callback invoked before query result exists")
)

// protocolError reports whether err is a protocol-defined rejection rather
// than an infrastructure failure.
func protocolError(err error) bool {
	for _, target := range []error{
		ErrUnauthorized, ErrInvalidState, ErrQueryFailed, ErrAssetNotOwned, ErrAssetLocked, ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Rejected reports whether err is any engine-defined rejection, as opposed to
// a storage or transport failure.
func Rejected(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrUnauthorized, ErrInvalidState, ErrDepositMismatch, ErrQueryFailed,
		ErrAssetNotOwned, ErrAssetLocked, ErrNotInitialized, ErrAlreadyInitialized,
		ErrInvalidPrice, ErrInvalidAccount, ErrInvalidAsset, ErrInvalidFee, ErrNotPayable,
		ErrUnknownContract, ErrUnknownQuery, ErrQueryClosed, ErrResultNotReady,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
