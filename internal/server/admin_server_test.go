package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockCheckpoints struct {
	mock.Mock
}

func (m *mockCheckpoints) Get(ctx context.Context, height uint64) (*model.ProofOfIndex, error) {
	args := m.Called(ctx, height)
	if p := args.Get(0); p != nil {
		return p.(*model.ProofOfIndex), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockRoots struct {
	mock.Mock
}

func (m *mockRoots) Root(ctx context.Context, leafIndex uint64) ([]byte, error) {
	args := m.Called(ctx, leafIndex)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRoots) LeafLength(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func newTestServer(deps Dependencies) http.Handler {
	return NewAdminServer(&AdminServerConfig{Port: 0}, deps, zap.NewNop()).Handler()
}

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdminServer_Health(t *testing.T) {
	rec := serve(t, newTestServer(Dependencies{}), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "alive", status.Status)
}

func TestAdminServer_Ready(t *testing.T) {
	store := &mockStore{}
	store.On("Ping", mock.Anything).Return(nil).Once()
	store.On("Ping", mock.Anything).Return(errors.New("connection refused")).Once()

	h := newTestServer(Dependencies{Store: store})

	rec := serve(t, h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "not_ready", status.Status)
	assert.Contains(t, status.Checks["store"], "connection refused")

	store.AssertExpectations(t)
}

func TestAdminServer_Checkpoint(t *testing.T) {
	checkpoints := &mockCheckpoints{}
	checkpoints.On("Get", mock.Anything, uint64(7)).Return(&model.ProofOfIndex{
		Height:    7,
		ProjectID: "p",
		Hash:      []byte{0xab, 0xcd},
		MMRRoot:   []byte{0x01},
	}, nil)
	checkpoints.On("Get", mock.Anything, uint64(8)).Return(nil, indexerrors.NotFound("checkpoint"))

	h := newTestServer(Dependencies{Checkpoints: checkpoints})

	rec := serve(t, h, "/poi/7")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "0xabcd", body["hash"])
	assert.Equal(t, "0x01", body["mmr_root"])
	assert.Equal(t, float64(7), body["height"])

	rec = serve(t, h, "/poi/8")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "checkpoint not found"))

	rec = serve(t, h, "/poi/abc")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminServer_MMRRoot(t *testing.T) {
	roots := &mockRoots{}
	roots.On("LeafLength", mock.Anything).Return(uint64(3), nil)
	roots.On("Root", mock.Anything, uint64(2)).Return([]byte{0xff, 0x00}, nil)
	roots.On("Root", mock.Anything, uint64(3)).Return(nil, indexerrors.NotFound("mmr leaf 3"))

	h := newTestServer(Dependencies{Roots: roots})

	rec := serve(t, h, "/mmr/root/2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body rootResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "0xff00", body.Root)
	assert.Equal(t, uint64(3), body.LeafCount)

	rec = serve(t, h, "/mmr/root/3")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "indexstore_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := serve(t, newTestServer(Dependencies{Gatherer: reg}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "indexstore_test_total 1")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{indexerrors.NotFound("x"), http.StatusNotFound},
		{indexerrors.InvalidArgument("x", nil), http.StatusBadRequest},
		{indexerrors.MissingInput("x"), http.StatusBadRequest},
		{indexerrors.RootMismatch(1, nil, nil), http.StatusConflict},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), tt.err.Error())
	}
}
