package opsserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"
	"github.com/OvictorVieira/backbot-sub005/internal/monitor"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var monitorKinds = []string{monitor.KindCycle, monitor.KindPendingOrders, monitor.KindOrphanOrders, monitor.KindTakeProfit}

// Engine is the read-only view of the engine the ops server needs.
type Engine interface {
	Bots() []string
	States(botID string) ([]*models.TrailingState, bool)
	MonitorState(botID, kind string) (monitor.State, bool)
	RecoverBySymbol(symbol string) (*models.TrailingState, error)
}

// StateLister lists persisted states.
type StateLister interface {
	ListAll() ([]*models.TrailingState, error)
}

// Server 运维 HTTP 服务: 健康检查、指标和状态查询
type Server struct {
	engine Engine
	store  StateLister
	logger *zap.Logger
	srv    *http.Server
}

// New creates the ops server listening on addr.
func New(addr string, engine Engine, store StateLister, logger *zap.Logger) *Server {
	s := &Server{engine: engine, store: store, logger: logger}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table.
//
//	GET /healthz
//	GET /metrics
//	GET /states
//	GET /bots/{botID}/states
//	GET /bots/{botID}/monitors
//	GET /symbols/{symbol}/state
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recovery)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/states", s.allStates).Methods(http.MethodGet)
	r.HandleFunc("/bots/{botID}/states", s.botStates).Methods(http.MethodGet)
	r.HandleFunc("/bots/{botID}/monitors", s.botMonitors).Methods(http.MethodGet)
	r.HandleFunc("/symbols/{symbol}/state", s.symbolState).Methods(http.MethodGet)
	return r
}

// Start 在后台监听, 直到 ctx 取消
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.logger.Info("Ops server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Ops handler panicked", zap.String("path", r.URL.Path), zap.Any("panic", rec), zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"bots":   s.engine.Bots(),
	})
}

func (s *Server) allStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListAll()
	if err != nil {
		s.logger.Error("List states failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if states == nil {
		states = []*models.TrailingState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) botStates(w http.ResponseWriter, r *http.Request) {
	botID := mux.Vars(r)["botID"]
	states, ok := s.engine.States(botID)
	if !ok {
		writeError(w, http.StatusNotFound, "bot not running: "+botID)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

type monitorView struct {
	IntervalMs  int64     `json:"interval_ms"`
	MinMs       int64     `json:"min_ms"`
	MaxMs       int64     `json:"max_ms"`
	ErrorCount  int       `json:"error_count"`
	Successes   int       `json:"successes"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

func (s *Server) botMonitors(w http.ResponseWriter, r *http.Request) {
	botID := mux.Vars(r)["botID"]
	out := make(map[string]monitorView)
	for _, kind := range monitorKinds {
		st, ok := s.engine.MonitorState(botID, kind)
		if !ok {
			continue
		}
		out[kind] = monitorView{
			IntervalMs:  st.Interval.Milliseconds(),
			MinMs:       st.MinInterval.Milliseconds(),
			MaxMs:       st.MaxInterval.Milliseconds(),
			ErrorCount:  st.ErrorCount,
			Successes:   st.Successes,
			LastErrorAt: st.LastErrorAt,
		}
	}
	if len(out) == 0 {
		writeError(w, http.StatusNotFound, "bot not running: "+botID)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) symbolState(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	state, err := s.engine.RecoverBySymbol(symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "no state for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
