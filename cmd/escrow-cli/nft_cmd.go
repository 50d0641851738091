package main

import (
	"fmt"
	"io"
	"strings"
)

func runNFTCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, nftUsage())
		return 1
	}
	fs := newEscrowFlagSet("nft "+args[0], stderr)
	var contract, account, tokenID, from, to, owner, operator string
	var revoke bool
	fs.StringVar(&contract, "contract", "", "contract id (optional when the node hosts one contract)")
	switch args[0] {
	case "supply":
		fs.StringVar(&account, "account", "", "holder account")
	case "owner":
		fs.StringVar(&tokenID, "token-id", "", "asset token id")
	case "transfer":
		fs.StringVar(&tokenID, "token-id", "", "asset token id")
		fs.StringVar(&from, "from", "", "current holder (the caller, or a holder that approved it)")
		fs.StringVar(&to, "to", "", "recipient account")
	case "mint":
		fs.StringVar(&tokenID, "token-id", "", "asset token id")
		fs.StringVar(&owner, "owner", "", "initial holder")
	case "approve":
		fs.StringVar(&operator, "operator", "", "account allowed to move the caller's assets")
		fs.BoolVar(&revoke, "revoke", false, "withdraw a previous approval")
	case "is-operator":
		fs.StringVar(&owner, "owner", "", "asset holder")
		fs.StringVar(&operator, "operator", "", "operator account")
	default:
		fmt.Fprintf(stderr, "Unknown nft subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, nftUsage())
		return 1
	}
	if !parseFlags(fs, args[1:], stderr) {
		return 1
	}

	params := map[string]interface{}{}
	if c := strings.TrimSpace(contract); c != "" {
		params["contract"] = c
	}
	var method string
	required := map[string]string{}
	switch args[0] {
	case "supply":
		method = "nft_supplyForOwner"
		required["account"] = account
	case "owner":
		method = "nft_ownerOf"
		required["tokenId"] = tokenID
	case "transfer":
		method = "nft_transfer"
		required["tokenId"] = tokenID
		required["from"] = from
		required["to"] = to
	case "mint":
		method = "nft_mint"
		required["tokenId"] = tokenID
		required["owner"] = owner
	case "approve":
		method = "nft_approve"
		required["operator"] = operator
		params["approved"] = !revoke
	case "is-operator":
		method = "nft_isOperator"
		required["owner"] = owner
		required["operator"] = operator
	}
	for _, field := range []string{"account", "tokenId", "from", "to", "owner", "operator"} {
		value, ok := required[field]
		if !ok {
			continue
		}
		if strings.TrimSpace(value) == "" {
			return printEscrowError(stderr, "--"+flagName(field)+" is required")
		}
		params[field] = strings.TrimSpace(value)
	}
	return invokeRPC(method, params, stdout, stderr)
}

func flagName(field string) string {
	if field == "tokenId" {
		return "token-id"
	}
	return field
}

func nftUsage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli nft <command> [flags]

Commands:
  supply       Count assets held by an account
  owner        Show the holder of an asset
  transfer     Move an asset held by the caller or an approving holder
  mint         Create an asset (engine owner only)
  approve      Let an operator (such as a remote escrow engine) move your assets
  is-operator  Check whether an operator may move an account's assets
`)
}
