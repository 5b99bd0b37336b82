// Package loki provides a zerolog writer that ships pool logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultJob is the job label attached when the caller sets none.
const DefaultJob = "dcache-pool"

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // stream labels, "job" defaults to DefaultJob
	BatchSize     int               // default 100
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // default 10s
}

// Writer buffers log lines and pushes them to Loki in batches. Write never
// fails: a pool must keep running while Loki is down.
type Writer struct {
	pushURL string
	labels  map[string]string
	client  *http.Client

	mu        sync.Mutex
	pending   [][]string // [unix nanos, line]
	batchSize int

	interval time.Duration
	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once

	started  atomic.Bool
	pushing  atomic.Bool
	failures atomic.Uint64
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a writer. Call Start to begin periodic pushes.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if labels["job"] == "" {
		labels["job"] = DefaultJob
	}

	return &Writer{
		pushURL:   strings.TrimRight(cfg.URL, "/") + "/loki/api/v1/push",
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		pending:   make([][]string, 0, cfg.BatchSize),
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.pending = append(w.pending, []string{strconv.FormatInt(time.Now().UnixNano(), 10), line})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start runs the background push loop.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.Flush()
			case <-w.kick:
				w.Flush()
			}
		}
	}()
}

// Stop ends the push loop and flushes what is left. Stop without Start only
// flushes.
func (w *Writer) Stop() {
	w.once.Do(func() {
		close(w.stop)
	})
	if w.started.Load() {
		<-w.done
	}
	w.Flush()
}

// Flush pushes the buffered lines. Concurrent calls collapse into one.
func (w *Writer) Flush() {
	if !w.pushing.CompareAndSwap(false, true) {
		return
	}
	defer w.pushing.Store(false)

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	values := w.pending
	w.pending = make([][]string, 0, w.batchSize)
	w.mu.Unlock()

	if err := w.push(values); err != nil {
		// stderr only, logging through zerolog would feed back into Write
		if n := w.failures.Add(1); n <= 3 {
			fmt.Fprintf(os.Stderr, "loki: dropped %d log lines: %v\n", len(values), err)
		}
	}
}

func (w *Writer) push(values [][]string) error {
	body, err := json.Marshal(pushRequest{
		Streams: []stream{{Stream: w.labels, Values: values}},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.pushURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push returned status %d", resp.StatusCode)
	}
	return nil
}

// Failures returns the number of batches that could not be delivered.
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}
