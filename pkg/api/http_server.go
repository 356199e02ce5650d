package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"hybridindex/pkg/common"
	"hybridindex/pkg/core"
	"hybridindex/pkg/storage"
)

const benchmarkIterations = 50000

type Server struct {
	index    *core.HybridIndex
	dataset  storage.Backend
	gatherer prometheus.Gatherer
	logger   logrus.FieldLogger
	srv      *http.Server
}

// NewServer exposes index over HTTP. dataset may be nil, in which case
// POST /api/build only accepts records in the request body.
func NewServer(index *core.HybridIndex, dataset storage.Backend, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *Server {
	return &Server{
		index:    index,
		dataset:  dataset,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/get", s.handleGet)
	mux.HandleFunc("/api/put", s.handlePut)
	mux.HandleFunc("/api/range", s.handleRange)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/build", s.handleBuild)
	mux.HandleFunc("/api/flush", s.handleFlush)
	mux.HandleFunc("/api/export", s.handleExport)
	mux.HandleFunc("/api/benchmark", s.handleBenchmark)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start blocks serving on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("action", "api_start").WithField("addr", addr).Info("server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func parseKey(r *http.Request, name string) (common.KeyType, error) {
	v, err := strconv.ParseUint(r.URL.Query().Get(name), 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid %s", name)
	}
	return common.KeyType(v), nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r, "key")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	val, found := s.index.Get(key)
	duration := time.Since(start)

	if !found {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":        uint64(key),
		"value":      uint64(val),
		"found":      true,
		"latency_ns": duration.Nanoseconds(),
	})
}

type recordBody struct {
	Key   uint64 `json:"key"`
	Value uint64 `json:"value"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req recordBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if common.ValueType(req.Value) == common.NotFound {
		writeError(w, http.StatusBadRequest, "value is reserved")
		return
	}

	s.index.Insert(common.Record{Key: common.KeyType(req.Key), Value: common.ValueType(req.Value)}, 0)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	low, err := parseKey(r, "low")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	high, err := parseKey(r, "high")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"low":   uint64(low),
		"high":  uint64(high),
		"count": s.index.RangeQuery(low, high, 0),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.index.Stats())
}

// handleBuild rebuilds the index from the records in the body, or from the
// dataset when called with ?source=dataset.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Records []recordBody `json:"records"`
		Workers int          `json:"workers"`
	}
	var data []common.Record
	if r.URL.Query().Get("source") == "dataset" {
		if s.dataset == nil {
			writeError(w, http.StatusBadRequest, "no dataset configured")
			return
		}
		recs, err := s.dataset.LoadAll()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		data = recs
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		data = make([]common.Record, 0, len(req.Records))
		for _, rec := range req.Records {
			if common.ValueType(rec.Value) == common.NotFound {
				writeError(w, http.StatusBadRequest, "value is reserved")
				return
			}
			data = append(data, common.Record{Key: common.KeyType(rec.Key), Value: common.ValueType(rec.Value)})
		}
	}
	if req.Workers < 1 {
		req.Workers = 2
	}

	took, err := s.index.Build(data, req.Workers)
	if err != nil {
		s.logger.WithField("action", "api_build").WithError(err).Error("build failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": len(data),
		"took_ms": took.Milliseconds(),
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.index.Flush(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "state": s.index.State().String()})
}

// handleExport writes the model fit of the serving store as CSV.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data := s.index.Diagnostics()
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "no data")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment;filename=hybrid_model_fit.csv")

	w.Write([]byte("Key,RealPos,PredictedPos,Error\n"))
	for _, p := range data {
		fmt.Fprintf(w, "%d,%d,%d,%d\n", p.Key, p.RealPos, p.PredictedPos, p.Error)
	}
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	bTime, aiTime, err := s.index.BenchmarkLookup(benchmarkIterations)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	winner := "binary search"
	if aiTime < bTime {
		winner = "learned index"
	}
	speedup := 0.0
	if aiTime > 0 {
		speedup = bTime / aiTime
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"iterations":    benchmarkIterations,
		"binary_avg_ns": bTime,
		"rmi_avg_ns":    aiTime,
		"speedup":       speedup,
		"winner":        winner,
	})
}
