// Package server exposes the engine's JSON admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"trading_engine/internal/core"
	"trading_engine/internal/trading/oco"
	"trading_engine/internal/trading/order"
	"trading_engine/internal/trading/position"
	"trading_engine/internal/trading/riskconfig"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Error codes carried in the response envelope.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeExchange     = "EXCHANGE_ERROR"
	CodeRiskRejected = "RISK_REJECTED"
	CodeInternal     = "INTERNAL"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

// SignalDispatcher is the dispatch surface the API needs.
type SignalDispatcher interface {
	Dispatch(ctx context.Context, signal *core.Signal) *core.DispatchResult
	ExecuteOrder(ctx context.Context, ord *core.Order) (*core.ExecutionResult, error)
}

// Server is the admin HTTP server.
type Server struct {
	port      int
	logger    core.ILogger
	hm        core.IHealthMonitor
	dispatch  SignalDispatcher
	positions *position.Manager
	orders    *order.Manager
	brackets  *oco.Manager
	riskCfg   *riskconfig.Service
	exchange  core.IExchange

	srv *http.Server
}

// NewServer wires the admin API.
func NewServer(port int, logger core.ILogger, hm core.IHealthMonitor, dispatch SignalDispatcher, positions *position.Manager, orders *order.Manager, brackets *oco.Manager, riskCfg *riskconfig.Service, exchange core.IExchange) *Server {
	return &Server{
		port:      port,
		logger:    logger.WithField("component", "admin_server"),
		hm:        hm,
		dispatch:  dispatch,
		positions: positions,
		orders:    orders,
		brackets:  brackets,
		riskCfg:   riskCfg,
		exchange:  exchange,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)
	mux.HandleFunc("POST /trade", s.handleTrade)
	mux.HandleFunc("POST /order", s.handleOrder)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /portfolio", s.handlePortfolio)
	mux.HandleFunc("GET /orders", s.handleOpenOrders)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /oco", s.handleOCOPairs)
	mux.HandleFunc("DELETE /oco/{pair_id}", s.handleCancelOCO)
	mux.HandleFunc("GET /account", s.handleAccount)
	mux.HandleFunc("GET /price/{symbol}", s.handlePrice)
	mux.HandleFunc("GET /api/v1/config/trading", s.handleListConfigs)
	mux.HandleFunc("PUT /api/v1/config/trading/{scope}", s.handleSetConfig)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start starts the admin server in the background.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		s.logger.Info("Starting admin API server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the admin server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping admin server")
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func fail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"status":     "ok",
		"time":       time.Now().UTC(),
		"components": s.hm.GetStatus(),
	}
	if !s.hm.IsHealthy() {
		data["status"] = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Data: data,
			Error: &apiError{Code: CodeInternal, Message: "one or more components unhealthy"}})
		return
	}
	ok(w, data)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.hm.IsHealthy() {
		fail(w, http.StatusServiceUnavailable, CodeInternal, "not ready")
		return
	}
	ok(w, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]string{"status": "alive"})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var signal core.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		fail(w, http.StatusBadRequest, CodeValidation, "invalid signal payload: "+err.Error())
		return
	}
	result := s.dispatch.Dispatch(r.Context(), &signal)
	switch result.Status {
	case core.DispatchRejected:
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Data: result,
			Error: &apiError{Code: CodeRiskRejected, Message: result.Reason}})
	case core.DispatchError:
		writeJSON(w, http.StatusBadGateway, envelope{Success: false, Data: result,
			Error: &apiError{Code: CodeExchange, Message: result.Error}})
	default:
		ok(w, result)
	}
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var ord core.Order
	if err := json.NewDecoder(r.Body).Decode(&ord); err != nil {
		fail(w, http.StatusBadRequest, CodeValidation, "invalid order payload: "+err.Error())
		return
	}
	if ord.Symbol == "" || !ord.Amount.IsPositive() {
		fail(w, http.StatusBadRequest, CodeValidation, "symbol and positive amount are required")
		return
	}
	result, err := s.dispatch.ExecuteOrder(r.Context(), &ord)
	if err != nil {
		fail(w, http.StatusBadGateway, CodeExchange, err.Error())
		return
	}
	ok(w, result)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	ok(w, s.positions.GetPositions())
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	summary, err := s.positions.GetPortfolioSummary(r.Context())
	if err != nil {
		fail(w, http.StatusBadGateway, CodeExchange, err.Error())
		return
	}
	ok(w, summary)
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		fail(w, http.StatusBadRequest, CodeValidation, "symbol query parameter is required")
		return
	}
	orders, err := s.orders.OpenOrders(r.Context(), symbol)
	if err != nil {
		fail(w, http.StatusBadGateway, CodeExchange, err.Error())
		return
	}
	ok(w, orders)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		fail(w, http.StatusBadRequest, CodeValidation, "symbol query parameter is required")
		return
	}
	if err := s.orders.Cancel(r.Context(), symbol, id); err != nil {
		fail(w, http.StatusBadGateway, CodeExchange, err.Error())
		return
	}
	ok(w, map[string]string{"order_id": id, "status": "cancelled"})
}

func (s *Server) handleOCOPairs(w http.ResponseWriter, r *http.Request) {
	ok(w, s.brackets.ActivePairs())
}

func (s *Server) handleCancelOCO(w http.ResponseWriter, r *http.Request) {
	pairID := r.PathValue("pair_id")
	if err := s.brackets.CancelOCOPair(r.Context(), pairID); err != nil {
		if errorsIsRecordMissing(err) {
			fail(w, http.StatusNotFound, CodeNotFound, err.Error())
			return
		}
		fail(w, http.StatusBadGateway, CodeExchange, err.Error())
		return
	}
	ok(w, map[string]string{"pair_id": pairID, "status": "cancelled"})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.exchange.GetAccountInfo(r.Context())
	if err != nil {
		fail(w, http.StatusBadGateway, CodeExchange, err.Error())
		return
	}
	ok(w, account)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	price, err := s.exchange.GetSymbolPrice(r.Context(), symbol)
	if err != nil {
		fail(w, http.StatusBadGateway, CodeExchange, err.Error())
		return
	}
	ok(w, map[string]string{"symbol": symbol, "price": price.String()})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	scopes, err := s.riskCfg.Scopes(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	ok(w, scopes)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	var params map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		fail(w, http.StatusBadRequest, CodeValidation, "invalid params payload: "+err.Error())
		return
	}
	if len(params) == 0 {
		fail(w, http.StatusBadRequest, CodeValidation, "params must not be empty")
		return
	}
	if err := s.riskCfg.Set(r.Context(), scope, params); err != nil {
		fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	ok(w, map[string]interface{}{"scope": scope, "params": params})
}

func errorsIsRecordMissing(err error) bool {
	return errors.Is(err, core.ErrRecordMissing)
}
