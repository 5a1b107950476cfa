// Package admin serves the authenticated operator surface: pause switches,
// earmark and operation inspection, cancellation and expiry.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/everclear/mark/cache"
	"github.com/everclear/mark/config"
	"github.com/everclear/mark/store"
)

const (
	authHeader      = "X-Admin-Token"
	shutdownTimeout = 5 * time.Second
)

// Server is the admin HTTP surface.
type Server struct {
	cfg      config.AdminConfig
	gate     cache.PauseGate
	earmarks store.EarmarkStore
	ops      store.OperationStore
	logger   log.Logger
	httpSrv  *http.Server
}

// NewServer builds the admin server over the shared stores and pause gate.
func NewServer(cfg config.AdminConfig, gate cache.PauseGate, earmarks store.EarmarkStore, ops store.OperationStore) *Server {
	s := &Server{
		cfg:      cfg,
		gate:     gate,
		earmarks: earmarks,
		ops:      ops,
		logger:   log.New("service", "admin"),
	}

	router := httprouter.New()
	router.POST("/admin/pause/:flag", s.authed(s.handlePause(true)))
	router.POST("/admin/unpause/:flag", s.authed(s.handlePause(false)))
	router.POST("/admin/rebalance/cancel", s.authed(s.handleCancelEarmark))
	router.POST("/admin/rebalance/operation/cancel", s.authed(s.handleCancelOperation))
	router.POST("/admin/rebalance/expire", s.authed(s.handleExpire))
	router.GET("/admin/rebalance/operations", s.authed(s.handleListOperations))
	router.GET("/admin/rebalance/operation/:id", s.authed(s.handleGetOperation))
	router.GET("/admin/rebalance/earmarks", s.authed(s.handleListEarmarks))
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "not found")
	})
	router.PanicHandler = func(w http.ResponseWriter, _ *http.Request, err interface{}) {
		s.logger.Error("Admin handler panicked", "err", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: cors.Default().Handler(router),
	}
	return s
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Admin surface listening", "addr", s.cfg.ListenAddr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server failed", "err", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) authed(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		token := r.Header.Get(authHeader)
		if s.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			writeMessage(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, params)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func (s *Server) handlePause(paused bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		flag := cache.PauseFlag(params.ByName("flag"))
		if !flag.Valid() {
			writeMessage(w, http.StatusBadRequest, "unknown pause flag")
			return
		}
		if err := s.gate.SetPause(r.Context(), flag, paused); err != nil {
			// Pausing an already-paused flag (and vice versa) reports the
			// stale state to the operator.
			writeMessage(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("Pause flag changed", "flag", flag, "paused", paused)
		writeJSON(w, http.StatusOK, map[string]interface{}{"flag": flag, "paused": paused})
	}
}

func (s *Server) handleCancelEarmark(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		EarmarkID string `json:"earmarkId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := uuid.Parse(body.EarmarkID)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid earmarkId")
		return
	}
	if err := s.earmarks.CancelEarmarkAndOrphan(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeMessage(w, http.StatusNotFound, "earmark not found")
		case errors.Is(err, store.ErrInvalidTransition):
			writeMessage(w, http.StatusBadRequest, "earmark is not cancellable")
		default:
			writeMessage(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.logger.Info("Earmark cancelled by operator", "earmark", id)
	writeJSON(w, http.StatusOK, map[string]string{"earmarkId": id.String(), "status": string(store.EarmarkCancelled)})
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		OperationID string `json:"operationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := uuid.Parse(body.OperationID)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid operationId")
		return
	}
	if err := s.ops.CancelOperation(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeMessage(w, http.StatusNotFound, "operation not found")
		case errors.Is(err, store.ErrInvalidTransition):
			writeMessage(w, http.StatusBadRequest, "operation is not cancellable")
		default:
			writeMessage(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.logger.Info("Operation cancelled by operator", "operation", id)
	writeJSON(w, http.StatusOK, map[string]string{"operationId": id.String(), "status": string(store.OpCancelled)})
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cutoff := time.Now().Add(-store.OperationTTL)
	expired, err := s.ops.ExpireOperationsOlderThan(r.Context(), cutoff)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Expired stale operations", "count", expired, "cutoff", cutoff)
	writeJSON(w, http.StatusOK, map[string]int64{"expired": expired})
}

func operationFilterFromQuery(r *http.Request) store.OperationFilter {
	q := r.URL.Query()
	filter := store.OperationFilter{InvoiceID: q.Get("invoiceId")}
	for _, status := range strings.Split(q.Get("status"), ",") {
		if status = strings.TrimSpace(status); status != "" {
			filter.Statuses = append(filter.Statuses, store.OperationStatus(strings.ToUpper(status)))
		}
	}
	if v, err := strconv.ParseUint(q.Get("chainId"), 10, 64); err == nil {
		filter.ChainID = &v
	}
	filter.Limit, filter.Offset = pagination(q.Get("limit"), q.Get("offset"))
	return filter
}

func pagination(limit, offset string) (int, int) {
	l, err := strconv.Atoi(limit)
	if err != nil || l <= 0 || l > 500 {
		l = 100
	}
	o, err := strconv.Atoi(offset)
	if err != nil || o < 0 {
		o = 0
	}
	return l, o
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ops, err := s.ops.GetOperations(r.Context(), operationFilterFromQuery(r))
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]operationView, len(ops))
	for i := range ops {
		out[i] = viewOperation(&ops[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": out})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := uuid.Parse(params.ByName("id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid operation id")
		return
	}
	op, err := s.ops.GetOperation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeMessage(w, http.StatusNotFound, "operation not found")
			return
		}
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOperation(op))
}

func (s *Server) handleListEarmarks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	filter := store.EarmarkFilter{InvoiceID: q.Get("invoiceId"), TickerHash: q.Get("ticker")}
	for _, status := range strings.Split(q.Get("status"), ",") {
		if status = strings.TrimSpace(status); status != "" {
			filter.Statuses = append(filter.Statuses, store.EarmarkStatus(strings.ToUpper(status)))
		}
	}
	if v, err := strconv.ParseUint(q.Get("chainId"), 10, 64); err == nil {
		filter.ChainID = &v
	}
	filter.Limit, filter.Offset = pagination(q.Get("limit"), q.Get("offset"))

	earmarks, err := s.earmarks.GetEarmarks(r.Context(), filter)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Fetch-join: earmarks and operations reference each other by id only,
	// so the view is assembled with a second query per earmark.
	out := make([]earmarkView, len(earmarks))
	for i := range earmarks {
		view := viewEarmark(&earmarks[i])
		id := earmarks[i].ID
		ops, err := s.ops.GetOperations(r.Context(), store.OperationFilter{EarmarkID: &id})
		if err != nil {
			writeMessage(w, http.StatusInternalServerError, err.Error())
			return
		}
		view.Operations = make([]operationView, len(ops))
		for j := range ops {
			view.Operations[j] = viewOperation(&ops[j])
		}
		out[i] = view
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"earmarks": out})
}
