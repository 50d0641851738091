package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nftescrow/core/eventlog"
	"nftescrow/host"
	"nftescrow/observability"
	"nftescrow/rpc/middleware"
)

const shutdownGrace = 10 * time.Second

type handlerFunc func(ctx context.Context, caller string, params []json.RawMessage) (interface{}, error)

type method struct {
	handler handlerFunc
	// write methods mutate state and require an identified caller.
	write bool
}

// Config wires the HTTP surface.
type Config struct {
	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimit
	Logger    *slog.Logger
	Metrics   *observability.EscrowMetrics
	// Journal backs events_since; nil disables the method.
	Journal *eventlog.Journal
}

// Server exposes the hosted engine over JSON-RPC.
type Server struct {
	runtime *host.Runtime
	journal *eventlog.Journal
	logger  *slog.Logger
	metrics *observability.EscrowMetrics
	methods map[string]method
	router  http.Handler
}

func NewServer(runtime *host.Runtime, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runtime: runtime,
		journal: cfg.Journal,
		logger:  logger.With("component", "rpc"),
		metrics: cfg.Metrics,
	}
	s.methods = s.registerMethods()

	auth := middleware.NewAuthenticator(cfg.Auth, s.logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit, s.logger)
	limiter.OnLimited(s.metrics.RecordThrottle)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(rpc chi.Router) {
		rpc.Use(auth.Middleware)
		rpc.Use(limiter.Middleware)
		rpc.Post("/", s.handle)
	})
	s.router = r
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving JSON-RPC", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body", err.Error())
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", nil)
		return
	}
	m, ok := s.methods[strings.TrimSpace(req.Method)]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	caller := middleware.Caller(r.Context())
	if m.write && caller == "" {
		s.fail(w, req, caller, errCallerRequired)
		return
	}
	result, err := m.handler(r.Context(), caller, req.Params)
	if err != nil {
		s.fail(w, req, caller, err)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) fail(w http.ResponseWriter, req RPCRequest, caller string, err error) {
	status, code, message := classify(err)
	if code == codeInternal {
		s.logger.Error("rpc call failed", "method", req.Method, "caller", caller, "error", err)
	} else {
		s.logger.Debug("rpc call rejected", "method", req.Method, "caller", caller, "error", err)
	}
	writeError(w, status, req.ID, code, message, err.Error())
}

func (s *Server) registerMethods() map[string]method {
	return map[string]method{
		"escrow_initialize":          {handler: s.escrowInitialize, write: true},
		"escrow_getConfig":           {handler: s.escrowGetConfig},
		"escrow_setOperator":         {handler: s.escrowSetOperator, write: true},
		"escrow_setTreasury":         {handler: s.escrowSetTreasury, write: true},
		"escrow_createTransaction":   {handler: s.escrowCreateTransaction, write: true},
		"escrow_getTransaction":      {handler: s.escrowGetTransaction},
		"escrow_getMetadata":         {handler: s.escrowGetMetadata},
		"escrow_lockFunds":           {handler: s.escrowLockFunds, write: true},
		"escrow_lockAsset":           {handler: s.escrowLockAsset, write: true},
		"escrow_complete":            {handler: s.escrowComplete, write: true},
		"escrow_cancel":              {handler: s.escrowCancel, write: true},
		"escrow_getFee":              {handler: s.escrowGetFee},
		"escrow_getTotalDue":         {handler: s.escrowGetTotalDue},
		"escrow_getFeePercent":       {handler: s.escrowGetFeePercent},
		"escrow_setFeePercent":       {handler: s.escrowSetFeePercent, write: true},
		"escrow_countTransactions":   {handler: s.escrowCountTransactions},
		"escrow_listTransactions":    {handler: s.escrowListTransactions},
		"escrow_checkAssetOwnership": {handler: s.escrowCheckAssetOwnership, write: true},
		"escrow_getQuery":            {handler: s.escrowGetQuery},
		"escrow_abandonQuery":        {handler: s.escrowAbandonQuery, write: true},
		"ledger_balance":             {handler: s.ledgerBalance},
		"events_since":               {handler: s.eventsSince},
		"nft_supplyForOwner":         {handler: s.nftSupplyForOwner},
		"nft_ownerOf":                {handler: s.nftOwnerOf},
		"nft_transfer":               {handler: s.nftTransfer, write: true},
		"nft_mint":                   {handler: s.nftMint, write: true},
		"nft_approve":                {handler: s.nftApprove, write: true},
		"nft_isOperator":             {handler: s.nftIsOperator},
	}
}
