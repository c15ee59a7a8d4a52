package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_RequestFormat(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"dense":[0.1,0.2],"bm25":{"indices":[3,9],"values":[1.5,0.5]}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", 0, time.Second)
	out, err := client.Embed(context.Background(), "hello", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"text":  "hello",
		"dense": true,
		"bm25":  map[string]any{"avgdl": float64(1000)},
	}, got)
	assert.Equal(t, []float32{0.1, 0.2}, out.Dense)
	require.NotNil(t, out.Sparse)
	assert.Equal(t, []uint32{3, 9}, out.Sparse.Indices)
	assert.Equal(t, []float32{1.5, 0.5}, out.Sparse.Values)
}

func TestHTTPClient_OmitsBM25WhenNotRequested(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"dense":[1]}`))
	}))
	defer server.Close()

	out, err := NewHTTPClient(server.URL, 500, time.Second).Embed(context.Background(), "x", Options{Dense: true})
	require.NoError(t, err)
	assert.NotContains(t, got, "bm25")
	assert.True(t, out.HasDense())
	assert.False(t, out.HasSparse())
}

func TestHTTPClient_ServiceErrors(t *testing.T) {
	testCases := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "model not loaded", wantStatus: 500},
		{name: "bad request", status: http.StatusBadRequest, body: "text too long", wantStatus: 400},
		{name: "unparseable", status: http.StatusOK, body: "<html>", wantStatus: 200},
		{name: "no vectors", status: http.StatusOK, body: `{}`, wantStatus: 200},
		{name: "length mismatch", status: http.StatusOK, body: `{"bm25":{"indices":[1,2],"values":[1]}}`, wantStatus: 200},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := NewHTTPClient(server.URL, 0, time.Second).Embed(context.Background(), "x", DefaultOptions())
			var serviceErr *ServiceError
			require.True(t, errors.As(err, &serviceErr), "got %v", err)
			assert.Equal(t, tc.wantStatus, serviceErr.Status)
			assert.Equal(t, tc.body, serviceErr.Body)
		})
	}
}

func TestHTTPClient_NothingRequested(t *testing.T) {
	_, err := NewHTTPClient("http://127.0.0.1:1", 0, time.Second).Embed(context.Background(), "x", Options{})
	assert.ErrorIs(t, err, ErrNothingRequested)
}

func TestHTTPClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL, 0, 50*time.Millisecond).Embed(context.Background(), "x", DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDenseOnlyProvidersRejectBM25Only(t *testing.T) {
	openaiClient := NewOpenAIClient("sk-test", "http://127.0.0.1:1", "", 0, time.Second)
	_, err := openaiClient.Embed(context.Background(), "x", Options{BM25: true})
	assert.ErrorIs(t, err, ErrUnsupported)

	ollamaClient, err := NewOllamaClient("http://127.0.0.1:1", "", time.Second)
	require.NoError(t, err)
	_, err = ollamaClient.Embed(context.Background(), "x", Options{BM25: true})
	assert.ErrorIs(t, err, ErrUnsupported)
}
