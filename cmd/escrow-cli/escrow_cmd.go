package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}

	switch args[0] {
	case "init":
		return runEscrowInit(args[1:], stdout, stderr)
	case "config":
		return runEscrowNoArgs("escrow_getConfig", args[1:], stdout, stderr)
	case "set-operator":
		return runEscrowAccountUpdate("escrow_setOperator", "operator", args[1:], stdout, stderr)
	case "set-treasury":
		return runEscrowAccountUpdate("escrow_setTreasury", "treasury", args[1:], stdout, stderr)
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "get":
		return runEscrowByID("escrow_getTransaction", args[1:], stdout, stderr)
	case "metadata":
		return runEscrowByID("escrow_getMetadata", args[1:], stdout, stderr)
	case "lock-funds":
		return runEscrowLockFunds(args[1:], stdout, stderr)
	case "lock-asset":
		return runEscrowByID("escrow_lockAsset", args[1:], stdout, stderr)
	case "complete":
		return runEscrowByID("escrow_complete", args[1:], stdout, stderr)
	case "cancel":
		return runEscrowByID("escrow_cancel", args[1:], stdout, stderr)
	case "fee":
		return runEscrowByID("escrow_getFee", args[1:], stdout, stderr)
	case "total-due":
		return runEscrowByID("escrow_getTotalDue", args[1:], stdout, stderr)
	case "fee-percent":
		return runEscrowFeePercent(args[1:], stdout, stderr)
	case "count":
		return runEscrowCount(args[1:], stdout, stderr)
	case "list":
		return runEscrowList(args[1:], stdout, stderr)
	case "check-ownership":
		return runEscrowCheckOwnership(args[1:], stdout, stderr)
	case "query":
		return runEscrowByToken("escrow_getQuery", args[1:], stdout, stderr)
	case "abandon-query":
		return runEscrowByToken("escrow_abandonQuery", args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func runEscrowInit(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow init", stderr)
	var owner string
	fs.StringVar(&owner, "owner", "", "initial owner (defaults to the caller)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	params := map[string]interface{}{}
	if owner = strings.TrimSpace(owner); owner != "" {
		params["owner"] = owner
	}
	return invokeRPC("escrow_initialize", params, stdout, stderr)
}

func runEscrowNoArgs(method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(method, stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return invokeRPC(method, nil, stdout, stderr)
}

func runEscrowAccountUpdate(method, field string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(method, stderr)
	var account string
	fs.StringVar(&account, field, "", "new "+field+" account")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(account) == "" {
		return printEscrowError(stderr, fmt.Sprintf("--%s is required", field))
	}
	return invokeRPC(method, map[string]interface{}{field: strings.TrimSpace(account)}, stdout, stderr)
}

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow create", stderr)
	var (
		seller     string
		buyer      string
		price      string
		asset      string
		contract   string
		categories string
	)
	fs.StringVar(&seller, "seller", "", "seller account")
	fs.StringVar(&buyer, "buyer", "", "buyer account")
	fs.StringVar(&price, "price", "", "price in whole units")
	fs.StringVar(&asset, "asset", "", "asset token id")
	fs.StringVar(&contract, "contract", "", "asset contract id")
	fs.StringVar(&categories, "categories", "", "optional free-form category string")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	for _, required := range []struct{ flag, value string }{
		{"--seller", seller}, {"--buyer", buyer}, {"--price", price}, {"--asset", asset}, {"--contract", contract},
	} {
		if strings.TrimSpace(required.value) == "" {
			return printEscrowError(stderr, required.flag+" is required")
		}
	}
	if !isDigits(strings.TrimSpace(price)) {
		return printEscrowError(stderr, "--price must be a base-10 integer")
	}
	params := map[string]interface{}{
		"seller":        strings.TrimSpace(seller),
		"buyer":         strings.TrimSpace(buyer),
		"price":         strings.TrimSpace(price),
		"assetId":       strings.TrimSpace(asset),
		"assetContract": strings.TrimSpace(contract),
	}
	if categories != "" {
		params["categories"] = categories
	}
	return invokeRPC("escrow_createTransaction", params, stdout, stderr)
}

func runEscrowByID(method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(method, stderr)
	var id string
	fs.StringVar(&id, "id", "", "transaction identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	parsed, err := parseEscrowID(id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	return invokeRPC(method, map[string]interface{}{"id": parsed}, stdout, stderr)
}

func runEscrowLockFunds(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow lock-funds", stderr)
	var (
		id      string
		deposit string
	)
	fs.StringVar(&id, "id", "", "transaction identifier")
	fs.StringVar(&deposit, "deposit", "", "attached deposit in base units (defaults to the total due)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	parsed, err := parseEscrowID(id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	deposit = strings.TrimSpace(deposit)
	if deposit == "" {
		result, rpcErr, err := rpcCall("escrow_getTotalDue", map[string]interface{}{"id": parsed})
		if err != nil {
			return handleRPCCallError(stderr, err)
		}
		if rpcErr != nil {
			return handleRPCError(stderr, rpcErr)
		}
		var due struct {
			TotalDue string `json:"totalDue"`
		}
		if err := json.Unmarshal(result, &due); err != nil || due.TotalDue == "" {
			return printEscrowError(stderr, "could not determine total due")
		}
		deposit = due.TotalDue
	}
	if !isDigits(deposit) {
		return printEscrowError(stderr, "--deposit must be a base-10 integer")
	}
	return invokeRPC("escrow_lockFunds", map[string]interface{}{"id": parsed, "deposit": deposit}, stdout, stderr)
}

func runEscrowFeePercent(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow fee-percent", stderr)
	var set string
	fs.StringVar(&set, "set", "", "new fee percentage (owner only)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(set) == "" {
		return invokeRPC("escrow_getFeePercent", nil, stdout, stderr)
	}
	percent, err := strconv.ParseUint(strings.TrimSpace(set), 10, 64)
	if err != nil || percent > 100 {
		return printEscrowError(stderr, "--set must be an integer between 0 and 100")
	}
	return invokeRPC("escrow_setFeePercent", map[string]interface{}{"percent": percent}, stdout, stderr)
}

func runEscrowCount(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow count", stderr)
	var account string
	fs.StringVar(&account, "account", "", "creator account")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(account) == "" {
		return printEscrowError(stderr, "--account is required")
	}
	return invokeRPC("escrow_countTransactions", map[string]interface{}{"account": strings.TrimSpace(account)}, stdout, stderr)
}

func runEscrowList(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow list", stderr)
	var (
		account string
		from    uint64
		limit   int
	)
	fs.StringVar(&account, "account", "", "creator account")
	fs.Uint64Var(&from, "from", 0, "index of the first entry")
	fs.IntVar(&limit, "limit", 0, "maximum entries to return (0 uses the server default)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(account) == "" {
		return printEscrowError(stderr, "--account is required")
	}
	if limit < 0 {
		return printEscrowError(stderr, "--limit must be non-negative")
	}
	params := map[string]interface{}{"account": strings.TrimSpace(account), "from": strconv.FormatUint(from, 10)}
	if limit > 0 {
		params["limit"] = limit
	}
	return invokeRPC("escrow_listTransactions", params, stdout, stderr)
}

func runEscrowCheckOwnership(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow check-ownership", stderr)
	var (
		account  string
		contract string
	)
	fs.StringVar(&account, "account", "", "account whose holdings are checked")
	fs.StringVar(&contract, "contract", "", "asset contract id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(account) == "" {
		return printEscrowError(stderr, "--account is required")
	}
	if strings.TrimSpace(contract) == "" {
		return printEscrowError(stderr, "--contract is required")
	}
	params := map[string]interface{}{"account": strings.TrimSpace(account), "assetContract": strings.TrimSpace(contract)}
	return invokeRPC("escrow_checkAssetOwnership", params, stdout, stderr)
}

func runEscrowByToken(method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(method, stderr)
	var token string
	fs.StringVar(&token, "token", "", "query token")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(token) == "" {
		return printEscrowError(stderr, "--token is required")
	}
	return invokeRPC(method, map[string]interface{}{"token": strings.TrimSpace(token)}, stdout, stderr)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("balance", stderr)
	var account string
	fs.StringVar(&account, "account", "", "account to inspect (defaults to the caller)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	params := map[string]interface{}{}
	if account = strings.TrimSpace(account); account != "" {
		params["account"] = account
	}
	return invokeRPC("ledger_balance", params, stdout, stderr)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("events", stderr)
	var (
		after int64
		limit int
	)
	fs.Int64Var(&after, "after", 0, "return events with a sequence above this value")
	fs.IntVar(&limit, "limit", 0, "maximum events to return")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if after < 0 || limit < 0 {
		return printEscrowError(stderr, "--after and --limit must be non-negative")
	}
	params := map[string]interface{}{"after": after}
	if limit > 0 {
		params["limit"] = limit
	}
	return invokeRPC("events_since", params, stdout, stderr)
}

func invokeRPC(method string, params interface{}, stdout, stderr io.Writer) int {
	result, rpcErr, err := rpcCall(method, params)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newEscrowFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, escrowUsage())
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func printEscrowError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	if len(err.Data) > 0 && string(err.Data) != "null" {
		fmt.Fprintf(w, "  %s\n", err.Data)
	}
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func escrowUsage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli escrow <command> [flags]

Commands:
  init             Claim ownership of an uninitialized engine
  config           Show owner, operator, treasury and fee settings
  set-operator     Replace the operator (owner only)
  set-treasury     Replace the fee recipient (owner or operator)
  create           Register a sale listing
  get              Fetch a transaction by id
  metadata         Fetch the categories recorded for a transaction
  lock-funds       Attach the seller deposit (price plus fee)
  lock-asset       Request the asset lock ownership check
  complete         Settle a fully escrowed sale
  cancel           Cancel and refund a transaction
  fee              Show the fee for a transaction
  total-due        Show price plus fee for a transaction
  fee-percent      Show or (with --set) update the fee percentage
  count            Count transactions created by an account
  list             Page through transactions created by an account
  check-ownership  Issue a standalone ownership query
  query            Show the state of an ownership query
  abandon-query    Close a stuck ownership query (owner only)
`)
}

var errInvalidID = errors.New("--id must be a non-negative base-10 integer")

// parseEscrowID validates --id and returns it in the canonical decimal form
// the server expects.
func parseEscrowID(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errors.New("--id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return "", errInvalidID
	}
	return strconv.FormatUint(id, 10), nil
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
