package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *HTTPClient {
	c := NewHTTPClient("agent-token", slog.Default())
	c.maxAttempts = 2
	c.baseDelay = time.Millisecond
	return c
}

func TestStartSendsSpec(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient().Start(context.Background(), StartSpec{
		AgentURL: srv.URL,
		Name:     "perch-acme",
		Port:     9001,
		Env:      map[string]string{"DATABASE_URL": "postgres://..."},
	})
	require.NoError(t, err)
	assert.Equal(t, "/processes/perch-acme/start", gotPath)
	assert.Equal(t, "Bearer agent-token", gotAuth)
	assert.Equal(t, float64(9001), gotBody["port"])
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	err := testClient().Start(context.Background(), StartSpec{Name: "perch-acme"})
	assert.ErrorIs(t, err, ErrStartRejected)
}

func TestStopUnknownInstanceIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	assert.NoError(t, testClient().Stop(context.Background(), srv.URL, "perch-gone"))
	assert.NoError(t, testClient().Restart(context.Background(), srv.URL, "perch-gone"))
}

func TestTransientFailureRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient().Start(context.Background(), StartSpec{
		AgentURL: srv.URL, Name: "perch-acme", Port: 9001,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDefinitiveRejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := testClient().Start(context.Background(), StartSpec{
		AgentURL: srv.URL, Name: "perch-acme", Port: 9001,
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTailLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("lines"))
		_ = json.NewEncoder(w).Encode(map[string]string{"lines": "line1\nline2\n"})
	}))
	defer srv.Close()

	out, err := testClient().TailLogs(context.Background(), srv.URL, "perch-acme", 50)
	require.NoError(t, err)
	assert.Contains(t, out, "line1")
}
