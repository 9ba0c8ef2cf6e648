package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ringkv/internal/cluster"
)

func TestRegister(t *testing.T) {
	var got cluster.Replica
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"key": 3, "capacity": 8, "N": 3, "W": 2, "R": 2,
			"seeds": [{"id": "R1", "host": "10.0.0.1", "port": 8080, "seed": true, "key": 0}]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, zap.NewNop())
	a, err := c.Register(context.Background(), cluster.Replica{ID: "R2", Host: "10.0.0.2", Port: 8080})
	require.NoError(t, err)

	assert.Equal(t, "R2", got.ID)
	assert.Equal(t, 3, a.Slot)
	assert.Equal(t, cluster.Params{Capacity: 8, N: 3, W: 2, R: 2}, a.Params())
	require.Len(t, a.Seeds, 1)
	assert.Equal(t, "10.0.0.1:8080", a.Seeds[0].Address())
	assert.True(t, a.Seeds[0].Seed)
}

func TestRegister_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"ring full", http.StatusBadRequest, `{}`},
		{"slot outside ring", http.StatusOK, `{"key": 9, "capacity": 8, "N": 1, "W": 1, "R": 1}`},
		{"no ring", http.StatusOK, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			_, err := New(srv.URL, time.Second, zap.NewNop()).Register(context.Background(), cluster.Replica{ID: "R2"})
			assert.ErrorIs(t, err, ErrRejected)
		})
	}
}

func TestDeregister(t *testing.T) {
	var got cluster.Replica
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deregister", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	// Bare host:port works as well as a URL.
	c := New(srv.Listener.Addr().String(), time.Second, zap.NewNop())

	var _ cluster.Deregisterer = c
	require.NoError(t, c.Deregister(context.Background(), cluster.Replica{ID: "R3", Slot: 6}))
	assert.Equal(t, "R3", got.ID)
	assert.Equal(t, 6, got.Slot)
}

func TestDeregister_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := New(addr, 100*time.Millisecond, zap.NewNop()).Deregister(context.Background(), cluster.Replica{ID: "R3"})
	assert.Error(t, err)
}
