package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"nftescrow/core/state"
	"nftescrow/host"
	"nftescrow/native/escrow"
	"nftescrow/native/nft"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601

	codeInvalidParams = -32040
	codeNotFound      = -32041
	codeForbidden     = -32042
	codeConflict      = -32043
	codePayment       = -32044
	codeInternal      = -32045
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func invalidParams(format string, args ...interface{}) error {
	return &paramError{msg: fmt.Sprintf(format, args...)}
}

var errCallerRequired = errors.New("authenticated caller required")

// classify maps an engine or host error onto an HTTP status, a JSON-RPC code
// and a stable message.
func classify(err error) (int, int, string) {
	var perr *paramError
	switch {
	case errors.As(err, &perr):
		return http.StatusBadRequest, codeInvalidParams, "invalid_params"
	case errors.Is(err, errCallerRequired),
		errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, nft.ErrNotOwner):
		return http.StatusForbidden, codeForbidden, "forbidden"
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrUnknownQuery),
		errors.Is(err, nft.ErrUnknownAsset):
		return http.StatusNotFound, codeNotFound, "not_found"
	case errors.Is(err, escrow.ErrDepositMismatch),
		errors.Is(err, state.ErrInsufficientBalance):
		return http.StatusPaymentRequired, codePayment, "payment"
	case errors.Is(err, escrow.ErrInvalidPrice),
		errors.Is(err, escrow.ErrInvalidAccount),
		errors.Is(err, escrow.ErrInvalidAsset),
		errors.Is(err, escrow.ErrInvalidFee),
		errors.Is(err, escrow.ErrNotPayable),
		errors.Is(err, escrow.ErrUnknownContract),
		errors.Is(err, host.ErrUnknownContract),
		errors.Is(err, host.ErrNotNative),
		errors.Is(err, nft.ErrInvalidAsset):
		return http.StatusBadRequest, codeInvalidParams, "invalid_params"
	case escrow.Rejected(err), errors.Is(err, nft.ErrAssetExists):
		return http.StatusConflict, codeConflict, "conflict"
	default:
		return http.StatusInternalServerError, codeInternal, "internal_error"
	}
}

// decodeParams unmarshals the single positional params object into dst.
// Methods without arguments accept an empty params array.
func decodeParams(params []json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		if dst == nil {
			return nil
		}
		return invalidParams("params object required")
	}
	if len(params) != 1 {
		return invalidParams("expected a single params object")
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(params[0], dst); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func parseAmount(field, value string, allowZero bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if allowZero {
			return big.NewInt(0), nil
		}
		return nil, invalidParams("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, invalidParams("%s must be a base-10 integer", field)
	}
	if amount.Sign() < 0 || (!allowZero && amount.Sign() == 0) {
		return nil, invalidParams("%s must be positive", field)
	}
	return amount, nil
}

// parseID reads a transaction identifier sent as a decimal string.
func parseID(field, value string, required bool) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if required {
			return 0, invalidParams("%s required", field)
		}
		return 0, nil
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, invalidParams("%s must be a base-10 unsigned integer", field)
	}
	return id, nil
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// TransactionResult is the JSON view of a sale transaction. Identifiers are
// decimal strings and amounts are decimal strings in base units.
type TransactionResult struct {
	ID            string `json:"id"`
	Creator       string `json:"creator"`
	Seller        string `json:"seller"`
	Buyer         string `json:"buyer"`
	Price         string `json:"price"`
	AssetID       string `json:"assetId"`
	AssetContract string `json:"assetContract"`
	FundsInEscrow bool   `json:"fundsInEscrow"`
	AssetInEscrow bool   `json:"assetInEscrow"`
	Status        string `json:"status"`
	Deposit       string `json:"deposit,omitempty"`
	Fee           string `json:"fee,omitempty"`
	LockedBy      string `json:"lockedBy,omitempty"`
	CreatedAt     uint64 `json:"createdAt"`
}

func transactionResult(tx *escrow.Transaction) *TransactionResult {
	if tx == nil {
		return nil
	}
	out := &TransactionResult{
		ID:            formatID(tx.ID),
		Creator:       tx.Creator,
		Seller:        tx.Seller,
		Buyer:         tx.Buyer,
		Price:         bigString(tx.Price),
		AssetID:       tx.AssetID,
		AssetContract: tx.AssetContract,
		FundsInEscrow: tx.FundsInEscrow,
		AssetInEscrow: tx.AssetInEscrow,
		Status:        tx.Status.String(),
		LockedBy:      tx.LockedBy,
		CreatedAt:     tx.CreatedAt,
	}
	if tx.Deposit != nil && tx.Deposit.Sign() > 0 {
		out.Deposit = tx.Deposit.String()
		out.Fee = bigString(tx.Fee)
	}
	return out
}

// QueryResult is the JSON view of an ownership query.
type QueryResult struct {
	Token         string  `json:"token"`
	Account       string  `json:"account"`
	AssetContract string  `json:"assetContract"`
	Purpose       string  `json:"purpose"`
	TransactionID string  `json:"transactionId,omitempty"`
	RequestedBy   string  `json:"requestedBy"`
	State         string  `json:"state"`
	Answer        string  `json:"answer,omitempty"`
	Outcome       string  `json:"outcome,omitempty"`
	Locked        bool    `json:"locked"`
}

func queryResult(q *escrow.OwnershipQuery) *QueryResult {
	if q == nil {
		return nil
	}
	out := &QueryResult{
		Token:         q.Token,
		Account:       q.Account,
		AssetContract: q.AssetContract,
		Purpose:       q.Purpose.String(),
		RequestedBy:   q.RequestedBy,
		State:         q.State.String(),
		Answer:        q.Answer,
		Outcome:       q.Outcome,
		Locked:        q.Locked,
	}
	if q.Purpose == escrow.PurposeLockAsset {
		out.TransactionID = formatID(q.TransactionID)
	}
	return out
}

// ConfigResult is the JSON view of the engine settings.
type ConfigResult struct {
	Initialized   bool   `json:"initialized"`
	Owner         string `json:"owner,omitempty"`
	Operator      string `json:"operator,omitempty"`
	Treasury      string `json:"treasury,omitempty"`
	FeeRecipient  string `json:"feeRecipient,omitempty"`
	FeePercent    uint64 `json:"feePercent"`
	EngineAccount string `json:"engineAccount"`
}

// PageResult is one page of an account's transaction identifiers.
type PageResult struct {
	IDs  []string `json:"ids"`
	Next string   `json:"next"`
	More bool     `json:"more"`
}

func pageResult(page *escrow.Page) PageResult {
	out := PageResult{IDs: make([]string, 0, len(page.IDs)), Next: formatID(page.Next), More: page.More}
	for _, id := range page.IDs {
		out.IDs = append(out.IDs, formatID(id))
	}
	return out
}

// TokenResult wraps the token of a newly issued ownership query.
type TokenResult struct {
	Token string `json:"token"`
}

// BalanceResult reports a ledger balance in base units.
type BalanceResult struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}
