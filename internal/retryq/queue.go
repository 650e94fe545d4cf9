// Package retryq is a durable retry queue for failed downstream webhook
// deliveries. Entries live in a JSONL file so they survive restarts; a
// periodic drain replays them with signed headers and drops entries that
// exhaust their retry budget.
package retryq

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	queueFile      = "retry_queue.jsonl"
	requestTimeout = 10 * time.Second
)

// Entry is one failed delivery awaiting replay.
type Entry struct {
	URL       string          `json:"url"`
	Payload   json.RawMessage `json:"payload"`
	Action    string          `json:"action"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue appends failed deliveries to disk and drains them.
type Queue struct {
	mu         sync.Mutex
	path       string
	maxRetries int
	secret     string
	client     *http.Client
	now        func() time.Time
}

// New creates a queue backed by retry_queue.jsonl under dir.
func New(dir string, maxRetries int, hmacSecret string) *Queue {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &Queue{
		path:       filepath.Join(dir, queueFile),
		maxRetries: maxRetries,
		secret:     hmacSecret,
		client:     &http.Client{Timeout: requestTimeout},
		now:        time.Now,
	}
}

// Enqueue appends one entry to the queue file.
func (q *Queue) Enqueue(url, action string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("retry queue dir: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open retry queue: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(Entry{
		URL:       url,
		Payload:   payload,
		Action:    action,
		CreatedAt: q.now(),
	})
	if err != nil {
		return fmt.Errorf("encode retry entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append retry entry: %w", err)
	}
	log.Printf("[RetryQueue] queued %s delivery to %s", action, url)
	return nil
}

// Len reports how many entries are queued.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.read()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Drain replays every queued entry. Successes leave the queue, failures come
// back with an incremented retry count, and entries at the retry cap are
// dropped. The file is rewritten atomically and removed once empty.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.read()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var survivors []Entry
	var delivered, dropped int
	for _, e := range entries {
		if err := q.post(ctx, e); err == nil {
			delivered++
			continue
		} else {
			log.Printf("[RetryQueue] replay %s to %s: %v", e.Action, e.URL, err)
		}
		e.Retries++
		if e.Retries >= q.maxRetries {
			dropped++
			log.Printf("[RetryQueue] dropping %s delivery to %s after %d attempts", e.Action, e.URL, e.Retries)
			continue
		}
		survivors = append(survivors, e)
	}

	if delivered > 0 || dropped > 0 {
		log.Printf("[RetryQueue] drained: %d delivered, %d retried, %d dropped",
			delivered, len(survivors), dropped)
	}
	return q.rewrite(survivors)
}

func (q *Queue) read() ([]Entry, error) {
	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open retry queue: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			log.Printf("[RetryQueue] skipping corrupt entry: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read retry queue: %w", err)
	}
	return entries, nil
}

func (q *Queue) rewrite(entries []Entry) error {
	if len(entries) == 0 {
		if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove drained queue: %w", err)
		}
		return nil
	}

	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("rewrite retry queue: %w", err)
	}
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("encode retry entry: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("rewrite retry queue: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("rewrite retry queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace retry queue: %w", err)
	}
	return nil
}

func (q *Queue) post(ctx context.Context, e Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(e.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range SignedHeaders(q.secret, e.Payload, q.now()) {
		req.Header.Set(k, v)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("downstream returned %d", resp.StatusCode)
	}
	return nil
}

// SignedHeaders produces the timestamped HMAC headers downstream consumers
// verify: X-Signature = HMAC-SHA256(secret, "timestamp.body").
func SignedHeaders(secret string, body []byte, at time.Time) map[string]string {
	if secret == "" {
		return nil
	}
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return map[string]string{
		"X-Timestamp": ts,
		"X-Signature": hex.EncodeToString(mac.Sum(nil)),
	}
}
