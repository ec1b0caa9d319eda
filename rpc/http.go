package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dutchauction/core/events"
	"dutchauction/native/auction"
	"dutchauction/native/token"
	"dutchauction/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

// Outcome labels recorded on the per-request metric.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
)

// Server exposes the auction engine over JSON-RPC 2.0.
type Server struct {
	engine  *auction.Engine
	shim    *auction.Shim
	journal *events.Journal
	height  func() uint64
	metrics *observability.AuctionMetrics
}

// NewServer creates an RPC server around the provided engine and shim. The
// journal may be nil when event history is not persisted.
func NewServer(engine *auction.Engine, shim *auction.Shim, journal *events.Journal, height func() uint64) *Server {
	if height == nil {
		height = func() uint64 { return 0 }
	}
	return &Server{
		engine:  engine,
		shim:    shim,
		journal: journal,
		height:  height,
		metrics: observability.Metrics(),
	}
}

// Handler returns the HTTP handler serving the RPC endpoint, health check and
// metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

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

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "unable to read request body")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload")
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported JSON-RPC version")
		return
	}

	started := time.Now()
	var outcome string
	switch req.Method {
	case "auction_getInfo":
		outcome = s.handleGetInfo(w, &req)
	case "auction_getPrice":
		outcome = s.handleGetPrice(w, &req)
	case "auction_isOpen":
		outcome = s.handleIsOpen(w, &req)
	case "auction_getPendingBid":
		outcome = s.handleGetPendingBid(w, &req)
	case "auction_getWinner":
		outcome = s.handleGetWinner(w, &req)
	case "auction_version":
		outcome = s.handleVersion(w, &req)
	case "auction_bid":
		outcome = s.handleBid(w, &req)
	case "auction_upgrade":
		outcome = s.handleUpgrade(w, &req)
	case "auction_events":
		outcome = s.handleEvents(w, &req)
	default:
		outcome = "unknown_method"
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
	s.metrics.ObserveRequest(req.Method, outcome, started)
}

// errorCode maps engine and collaborator failures onto RPC error codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, auction.ErrUnauthorizedUpgrade):
		return codeUnauthorized
	case errors.Is(err, auction.ErrAuctionClosed),
		errors.Is(err, auction.ErrBidTooLow),
		errors.Is(err, auction.ErrPaymentTransferFailed),
		errors.Is(err, auction.ErrAlreadyInitialized),
		errors.Is(err, auction.ErrNotInitialized),
		errors.Is(err, token.ErrPermitExpired):
		return codeInvalidParams
	default:
		return codeServerError
	}
}
