package loki

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lokiStub records every push it receives.
type lokiStub struct {
	mu     sync.Mutex
	pushes []pushRequest
	status int
}

func newLokiStub(t *testing.T, status int) (*lokiStub, *httptest.Server) {
	t.Helper()
	stub := &lokiStub{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/push" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		stub.mu.Lock()
		stub.pushes = append(stub.pushes, req)
		stub.mu.Unlock()
		w.WriteHeader(stub.status)
	}))
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *lokiStub) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.pushes {
		for _, st := range p.Streams {
			for _, v := range st.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func (s *lokiStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushes)
}

func TestNewWriter_Defaults(t *testing.T) {
	w := NewWriter(Config{URL: "http://loki:3100/"})

	assert.Equal(t, 100, w.batchSize)
	assert.Equal(t, 5*time.Second, w.interval)
	assert.Equal(t, 10*time.Second, w.client.Timeout)
	assert.Equal(t, DefaultJob, w.labels["job"])
	assert.Equal(t, "http://loki:3100/loki/api/v1/push", w.pushURL)
}

func TestNewWriter_LabelsCopied(t *testing.T) {
	labels := map[string]string{"pool": "pool-a", "job": "dcache"}
	w := NewWriter(Config{URL: "http://loki:3100", Labels: labels})

	labels["pool"] = "changed"
	assert.Equal(t, "pool-a", w.labels["pool"])
	assert.Equal(t, "dcache", w.labels["job"])
}

func TestWriter_WriteSkipsBlankLines(t *testing.T) {
	w := NewWriter(Config{URL: "http://loki:3100"})

	for _, line := range []string{"", "  ", "\n", `{"message":"Pool ready"}` + "\n"} {
		n, err := w.Write([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, len(line), n)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.pending, 1)
	assert.Equal(t, `{"message":"Pool ready"}`, w.pending[0][1])
}

func TestWriter_FlushPayload(t *testing.T) {
	stub, srv := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, Labels: map[string]string{"pool": "pool-a"}})

	_, _ = w.Write([]byte(`{"message":"Recovery complete"}`))
	_, _ = w.Write([]byte(`{"message":"Pool ready"}`))
	w.Flush()

	require.Equal(t, 1, stub.count())
	push := stub.pushes[0]
	require.Len(t, push.Streams, 1)
	assert.Equal(t, map[string]string{"pool": "pool-a", "job": DefaultJob}, push.Streams[0].Stream)
	require.Len(t, push.Streams[0].Values, 2)
	assert.NotEmpty(t, push.Streams[0].Values[0][0])
	assert.Equal(t, []string{`{"message":"Recovery complete"}`, `{"message":"Pool ready"}`}, stub.lines())
	assert.Zero(t, w.Failures())
}

func TestWriter_FlushEmptyBufferSendsNothing(t *testing.T) {
	stub, srv := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL})

	w.Flush()
	assert.Zero(t, stub.count())
}

func TestWriter_FullBatchTriggersPush(t *testing.T) {
	stub, srv := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, BatchSize: 3, FlushInterval: time.Hour})
	w.Start()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		_, _ = w.Write([]byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	assert.Eventually(t, func() bool { return stub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_PeriodicPush(t *testing.T) {
	stub, srv := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, FlushInterval: 20 * time.Millisecond})
	w.Start()
	defer w.Stop()

	_, _ = w.Write([]byte(`{"message":"tick"}`))

	assert.Eventually(t, func() bool { return len(stub.lines()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_StopFlushesRemainder(t *testing.T) {
	stub, srv := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, FlushInterval: time.Hour})
	w.Start()

	_, _ = w.Write([]byte(`{"message":"Shutting down"}`))
	w.Stop()
	w.Stop()

	assert.Equal(t, []string{`{"message":"Shutting down"}`}, stub.lines())
}

func TestWriter_StopWithoutStart(t *testing.T) {
	stub, srv := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL})

	_, _ = w.Write([]byte(`{"message":"once"}`))
	w.Stop()

	assert.Len(t, stub.lines(), 1)
}

func TestWriter_CountsFailures(t *testing.T) {
	tests := []struct {
		name string
		url  func(t *testing.T) string
	}{
		{
			name: "server error",
			url: func(t *testing.T) string {
				_, srv := newLokiStub(t, http.StatusInternalServerError)
				return srv.URL
			},
		},
		{
			name: "connection refused",
			url: func(t *testing.T) string {
				srv := httptest.NewServer(http.NotFoundHandler())
				srv.Close()
				return srv.URL
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter(Config{URL: tt.url(t), Timeout: time.Second})

			n, err := w.Write([]byte(`{"message":"lost"}`))
			require.NoError(t, err)
			assert.Positive(t, n)

			w.Flush()
			assert.Equal(t, uint64(1), w.Failures())
		})
	}
}

func TestWriter_ZerologOutput(t *testing.T) {
	stub, srv := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL})

	logger := zerolog.New(w).With().Str("component", "repository").Logger()
	logger.Info().Str("id", "000100000000000000001060").Msg("Replica removed")
	w.Flush()

	lines := stub.lines()
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Replica removed", entry["message"])
	assert.Equal(t, "repository", entry["component"])
}

func TestWriter_ConcurrentWrites(t *testing.T) {
	stub, srv := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, BatchSize: 10, FlushInterval: 10 * time.Millisecond})
	w.Start()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, _ = w.Write([]byte(fmt.Sprintf(`{"g":%d,"i":%d}`, g, i)))
			}
		}(g)
	}
	wg.Wait()
	w.Stop()

	assert.Len(t, stub.lines(), 200)
}
