package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"nftescrow/host"
	"nftescrow/native/escrow"
)

type escrowIDParams struct {
	ID string `json:"id"`
}

func decodeID(params []json.RawMessage) (uint64, error) {
	var p escrowIDParams
	if err := decodeParams(params, &p); err != nil {
		return 0, err
	}
	return parseID("id", p.ID, true)
}

type escrowAccountParams struct {
	Owner    string `json:"owner,omitempty"`
	Operator string `json:"operator,omitempty"`
	Treasury string `json:"treasury,omitempty"`
	Account  string `json:"account,omitempty"`
}

func (s *Server) configResult(cfg *escrow.Config) (*ConfigResult, error) {
	percent, err := s.runtime.FeePercent()
	if err != nil {
		return nil, err
	}
	out := &ConfigResult{FeePercent: percent, EngineAccount: s.runtime.EngineAccount()}
	if cfg != nil {
		out.Initialized = cfg.Initialized
		out.Owner = cfg.Owner
		out.Operator = cfg.Operator
		out.Treasury = cfg.Treasury
		out.FeeRecipient = cfg.FeeRecipient()
	}
	return out, nil
}

func (s *Server) escrowInitialize(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	var p escrowAccountParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	owner := strings.TrimSpace(p.Owner)
	if owner == "" {
		owner = caller
	}
	cfg, err := s.runtime.Initialize(escrow.Call{Caller: caller}, owner)
	if err != nil {
		return nil, err
	}
	return s.configResult(cfg)
}

func (s *Server) escrowGetConfig(_ context.Context, _ string, _ []json.RawMessage) (interface{}, error) {
	cfg, err := s.runtime.Config()
	if err != nil {
		return nil, err
	}
	return s.configResult(cfg)
}

func (s *Server) escrowSetOperator(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	var p escrowAccountParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cfg, err := s.runtime.SetOperator(escrow.Call{Caller: caller}, p.Operator)
	if err != nil {
		return nil, err
	}
	return s.configResult(cfg)
}

func (s *Server) escrowSetTreasury(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	var p escrowAccountParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cfg, err := s.runtime.SetTreasury(escrow.Call{Caller: caller}, p.Treasury)
	if err != nil {
		return nil, err
	}
	return s.configResult(cfg)
}

type escrowCreateParams struct {
	Seller        string `json:"seller"`
	Buyer         string `json:"buyer"`
	Price         string `json:"price"`
	AssetID       string `json:"assetId"`
	AssetContract string `json:"assetContract"`
	Categories    string `json:"categories,omitempty"`
}

func (s *Server) escrowCreateTransaction(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	var p escrowCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	price, err := parseAmount("price", p.Price, false)
	if err != nil {
		return nil, err
	}
	tx, err := s.runtime.CreateTransaction(escrow.Call{Caller: caller}, host.CreateRequest{
		Seller:        p.Seller,
		Buyer:         p.Buyer,
		Price:         price,
		AssetID:       p.AssetID,
		AssetContract: p.AssetContract,
		Categories:    p.Categories,
	})
	if err != nil {
		return nil, err
	}
	return transactionResult(tx), nil
}

func (s *Server) escrowGetTransaction(_ context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	tx, err := s.runtime.Transaction(id)
	if err != nil {
		return nil, err
	}
	return transactionResult(tx), nil
}

func (s *Server) escrowGetMetadata(_ context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	if _, err := s.runtime.Transaction(id); err != nil {
		return nil, err
	}
	meta, found, err := s.runtime.Metadata(id)
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{"id": formatID(id), "found": found}
	if found {
		result["categories"] = meta.Categories
	}
	return result, nil
}

type escrowLockFundsParams struct {
	ID      string `json:"id"`
	Deposit string `json:"deposit"`
}

func (s *Server) escrowLockFunds(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	var p escrowLockFundsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	id, err := parseID("id", p.ID, true)
	if err != nil {
		return nil, err
	}
	deposit, err := parseAmount("deposit", p.Deposit, true)
	if err != nil {
		return nil, err
	}
	tx, err := s.runtime.LockFunds(escrow.Call{Caller: caller, Deposit: deposit}, id)
	if err != nil {
		return nil, err
	}
	return transactionResult(tx), nil
}

func (s *Server) escrowLockAsset(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	token, err := s.runtime.LockAsset(escrow.Call{Caller: caller}, id)
	if err != nil {
		return nil, err
	}
	return TokenResult{Token: token}, nil
}

func (s *Server) escrowComplete(ctx context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	tx, err := s.runtime.Complete(ctx, escrow.Call{Caller: caller}, id)
	if err != nil {
		return nil, err
	}
	return transactionResult(tx), nil
}

func (s *Server) escrowCancel(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	tx, err := s.runtime.Cancel(escrow.Call{Caller: caller}, id)
	if err != nil {
		return nil, err
	}
	return transactionResult(tx), nil
}

func (s *Server) escrowGetFee(_ context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	fee, err := s.runtime.Fee(id)
	if err != nil {
		return nil, err
	}
	return map[string]string{"fee": bigString(fee)}, nil
}

func (s *Server) escrowGetTotalDue(_ context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	due, err := s.runtime.TotalDue(id)
	if err != nil {
		return nil, err
	}
	return map[string]string{"totalDue": bigString(due)}, nil
}

func (s *Server) escrowGetFeePercent(_ context.Context, _ string, _ []json.RawMessage) (interface{}, error) {
	percent, err := s.runtime.FeePercent()
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"feePercent": percent}, nil
}

type escrowFeePercentParams struct {
	Percent *uint64 `json:"percent"`
}

func (s *Server) escrowSetFeePercent(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	var p escrowFeePercentParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Percent == nil {
		return nil, invalidParams("percent required")
	}
	updated, err := s.runtime.SetFeePercent(escrow.Call{Caller: caller}, *p.Percent)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"feePercent": updated}, nil
}

func (s *Server) escrowCountTransactions(_ context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	var p escrowAccountParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	n, err := s.runtime.CountTransactions(strings.TrimSpace(p.Account))
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"count": n}, nil
}

type escrowListParams struct {
	Account string `json:"account"`
	From    string `json:"from,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) escrowListTransactions(_ context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	var p escrowListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit < 0 {
		return nil, invalidParams("limit must be non-negative")
	}
	from, err := parseID("from", p.From, false)
	if err != nil {
		return nil, err
	}
	page, err := s.runtime.ListTransactions(strings.TrimSpace(p.Account), from, p.Limit)
	if err != nil {
		return nil, err
	}
	return pageResult(page), nil
}

type escrowOwnershipParams struct {
	Account       string `json:"account"`
	AssetContract string `json:"assetContract"`
}

func (s *Server) escrowCheckAssetOwnership(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	var p escrowOwnershipParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	token, err := s.runtime.CheckAssetOwnership(escrow.Call{Caller: caller}, p.Account, p.AssetContract)
	if err != nil {
		return nil, err
	}
	return TokenResult{Token: token}, nil
}

type escrowTokenParams struct {
	Token string `json:"token"`
}

func (s *Server) escrowGetQuery(_ context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	var p escrowTokenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Token) == "" {
		return nil, invalidParams("token required")
	}
	q, err := s.runtime.Query(p.Token)
	if err != nil {
		return nil, err
	}
	return queryResult(q), nil
}

func (s *Server) escrowAbandonQuery(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	var p escrowTokenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Token) == "" {
		return nil, invalidParams("token required")
	}
	q, err := s.runtime.AbandonQuery(escrow.Call{Caller: caller}, p.Token)
	if err != nil {
		return nil, err
	}
	return queryResult(q), nil
}

func (s *Server) ledgerBalance(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	var p escrowAccountParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	account := strings.TrimSpace(p.Account)
	if account == "" {
		account = caller
	}
	if !escrow.ValidAccountID(account) {
		return nil, invalidParams("invalid account %q", account)
	}
	balance, err := s.runtime.Balance(account)
	if err != nil {
		return nil, err
	}
	return BalanceResult{Account: account, Balance: bigString(balance)}, nil
}
