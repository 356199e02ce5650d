package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridindex/pkg/common"
	"hybridindex/pkg/config"
	"hybridindex/pkg/core"
	"hybridindex/pkg/monitor"
	"hybridindex/pkg/storage"
)

func newTestServer(t *testing.T, dataset storage.Backend) (*Server, *core.HybridIndex) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cfg := config.Default()
	cfg.Index.MinFlushSize = 1000
	cfg.Stable.Fanout = 16

	reg := prometheus.NewRegistry()
	idx, err := core.NewHybridIndex(cfg,
		core.WithLogger(logger),
		core.WithMetrics(monitor.NewMetrics(reg, "api_test")))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return NewServer(idx, dataset, reg, logger), idx
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPutGetAndRange(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/put", `{"key":42,"value":7}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/get?key=42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Key   uint64 `json:"key"`
		Value uint64 `json:"value"`
		Found bool   `json:"found"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(42), got.Key)
	assert.Equal(t, uint64(7), got.Value)
	assert.True(t, got.Found)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/get?key=43", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/get?key=abc", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/put", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/put", `{"key":1,"value":18446744073709551615}`).Code)

	rec = do(t, h, http.MethodGet, "/api/range?low=0&high=100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rng struct {
		Count uint64 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rng))
	assert.Equal(t, uint64(1), rng.Count)
}

func TestBuildFlushAndStats(t *testing.T) {
	s, idx := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/build", `{"records":[{"key":1,"value":10},{"key":2,"value":20}],"workers":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, common.ValueType(20), idx.EqualityLookup(2, 0))

	do(t, h, http.MethodPost, "/api/put", `{"key":3,"value":30}`)
	rec = do(t, h, http.MethodPost, "/api/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats core.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.StableRecords)
	assert.Equal(t, 0, stats.ActiveBuffered)
	assert.Equal(t, uint64(1), stats.Flushes)
	assert.Equal(t, "idle", stats.State)
}

func TestBuildRejectsReservedValue(t *testing.T) {
	s, idx := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/build", `{"records":[{"key":1,"value":10},{"key":2,"value":18446744073709551615}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "value is reserved")
	// the index is left untouched
	assert.Equal(t, common.NotFound, idx.EqualityLookup(1, 0))
	assert.Equal(t, 0, idx.Stats().StableRecords)
}

func TestBuildFromDataset(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ds, err := storage.NewSQLiteBackend(filepath.Join(t.TempDir(), "ds.db"), logger)
	require.NoError(t, err)
	defer ds.Close()
	require.NoError(t, ds.BatchWrite([]common.Record{{Key: 5, Value: 50}, {Key: 6, Value: 60}}))

	s, idx := newTestServer(t, ds)
	rec := do(t, s.Handler(), http.MethodPost, "/api/build?source=dataset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, common.ValueType(60), idx.EqualityLookup(6, 0))

	noDataset, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, noDataset.Handler(), http.MethodPost, "/api/build?source=dataset", "").Code)
}

func TestExportAndBenchmark(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/export", "").Code)

	do(t, h, http.MethodPost, "/api/build", `{"records":[{"key":1,"value":1},{"key":5,"value":1},{"key":9,"value":1}]}`)
	rec := do(t, h, http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Equal(t, "Key,RealPos,PredictedPos,Error", lines[0])
	assert.Len(t, lines, 4)

	rec = do(t, h, http.MethodGet, "/api/benchmark", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rmi_avg_ns")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	do(t, h, http.MethodPost, "/api/put", `{"key":1,"value":1}`)
	do(t, h, http.MethodGet, "/api/get?key=1", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, m := range []string{
		"hybrid_index_operations_total",
		"hybrid_index_flush_state",
	} {
		assert.Contains(t, body, m)
	}
}
