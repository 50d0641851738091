package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"nftescrow/native/escrow"
)

// nftParams addresses a contract hosted by this node. Contract may be omitted
// when exactly one native contract is registered, which lets a remote engine
// treat this node as a single-contract endpoint.
type nftParams struct {
	Contract string `json:"contract,omitempty"`
	Account  string `json:"account,omitempty"`
	TokenID  string `json:"tokenId,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Owner    string `json:"owner,omitempty"`
	Operator string `json:"operator,omitempty"`
	Approved *bool  `json:"approved,omitempty"`
}

func (s *Server) resolveContract(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id != "" {
		return id, nil
	}
	natives := s.runtime.Contracts().NativeIDs()
	if len(natives) != 1 {
		return "", invalidParams("contract required")
	}
	return natives[0], nil
}

func (s *Server) decodeNFT(params []json.RawMessage) (nftParams, string, error) {
	var p nftParams
	if err := decodeParams(params, &p); err != nil {
		return p, "", err
	}
	contract, err := s.resolveContract(p.Contract)
	return p, contract, err
}

func (s *Server) nftSupplyForOwner(ctx context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	p, contract, err := s.decodeNFT(params)
	if err != nil {
		return nil, err
	}
	if !escrow.ValidAccountID(strings.TrimSpace(p.Account)) {
		return nil, invalidParams("invalid account %q", p.Account)
	}
	return s.runtime.AssetSupply(ctx, contract, strings.TrimSpace(p.Account))
}

func (s *Server) nftOwnerOf(_ context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	p, contract, err := s.decodeNFT(params)
	if err != nil {
		return nil, err
	}
	owner, err := s.runtime.AssetOwner(contract, strings.TrimSpace(p.TokenID))
	if err != nil {
		return nil, err
	}
	return map[string]string{"contract": contract, "tokenId": strings.TrimSpace(p.TokenID), "owner": owner}, nil
}

// nftTransfer moves an asset held by from. The caller must be from or an
// operator from approved through nft_approve, which is how a remote escrow
// engine takes custody of a seller's asset.
func (s *Server) nftTransfer(ctx context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	p, contract, err := s.decodeNFT(params)
	if err != nil {
		return nil, err
	}
	to := strings.TrimSpace(p.To)
	if !escrow.ValidAccountID(to) {
		return nil, invalidParams("invalid recipient %q", p.To)
	}
	from := strings.TrimSpace(p.From)
	if from != "" && !escrow.ValidAccountID(from) {
		return nil, invalidParams("invalid holder %q", p.From)
	}
	if err := s.runtime.TransferAsset(ctx, escrow.Call{Caller: caller}, contract, strings.TrimSpace(p.TokenID), from, to); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) nftApprove(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	p, contract, err := s.decodeNFT(params)
	if err != nil {
		return nil, err
	}
	operator := strings.TrimSpace(p.Operator)
	if !escrow.ValidAccountID(operator) {
		return nil, invalidParams("invalid operator %q", p.Operator)
	}
	approved := p.Approved == nil || *p.Approved
	if err := s.runtime.ApproveOperator(escrow.Call{Caller: caller}, contract, operator, approved); err != nil {
		return nil, err
	}
	return map[string]interface{}{"contract": contract, "holder": caller, "operator": operator, "approved": approved}, nil
}

func (s *Server) nftIsOperator(_ context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	p, contract, err := s.decodeNFT(params)
	if err != nil {
		return nil, err
	}
	holder, operator := strings.TrimSpace(p.Owner), strings.TrimSpace(p.Operator)
	if !escrow.ValidAccountID(holder) || !escrow.ValidAccountID(operator) {
		return nil, invalidParams("owner and operator required")
	}
	approved, err := s.runtime.IsOperator(contract, holder, operator)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"contract": contract, "owner": holder, "operator": operator, "approved": approved}, nil
}

func (s *Server) nftMint(_ context.Context, caller string, params []json.RawMessage) (interface{}, error) {
	p, contract, err := s.decodeNFT(params)
	if err != nil {
		return nil, err
	}
	owner := strings.TrimSpace(p.Owner)
	if !escrow.ValidAccountID(owner) {
		return nil, invalidParams("invalid owner %q", p.Owner)
	}
	if err := s.runtime.MintAsset(escrow.Call{Caller: caller}, contract, strings.TrimSpace(p.TokenID), owner); err != nil {
		return nil, err
	}
	return true, nil
}

type eventsSinceParams struct {
	After int64 `json:"after"`
	Limit int   `json:"limit,omitempty"`
}

func (s *Server) eventsSince(ctx context.Context, _ string, params []json.RawMessage) (interface{}, error) {
	if s.journal == nil {
		return nil, invalidParams("event journal disabled")
	}
	var p eventsSinceParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.After < 0 || p.Limit < 0 {
		return nil, invalidParams("after and limit must be non-negative")
	}
	records, err := s.journal.Since(ctx, p.After, p.Limit)
	if err != nil {
		return nil, err
	}
	last, err := s.journal.Last(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"events": records, "last": last}, nil
}
