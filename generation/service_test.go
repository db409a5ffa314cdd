package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pixelstudio/domain"
	"pixelstudio/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages map[string][]byte
	pingErr  error
	pubErr   error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{messages: make(map[string][]byte)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, requestID string, payload []byte) error {
	if q.pubErr != nil {
		return q.pubErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages[requestID] = payload
	return nil
}

func (q *fakeQueue) Ping(ctx context.Context) error { return q.pingErr }

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// countingStore wraps the in-memory store to observe Create calls.
type countingStore struct {
	*store.InMemoryStatusStore
	mu      sync.Mutex
	creates int
}

func (c *countingStore) Create(st *domain.ProcessingStatus) error {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.InMemoryStatusStore.Create(st)
}

func (c *countingStore) createCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

type intakeEnv struct {
	store    *countingStore
	queue    *fakeQueue
	ledger   *fakeLedger
	notifier *fakeNotifier
	worker   *Worker
	svc      *Service
}

func newIntakeEnv(balance int, gen *fakeGenerator) *intakeEnv {
	st := &countingStore{InMemoryStatusStore: store.NewInMemoryStatusStore(time.Minute)}
	queue := newFakeQueue()
	ledger := newFakeLedger("user-1", balance)
	notifier := newFakeNotifier()
	worker := NewWorker(st, ledger, notifier, gen, nil, testLogger())
	svc := NewService(st, queue, worker, ledger, false, testLogger())
	return &intakeEnv{store: st, queue: queue, ledger: ledger, notifier: notifier, worker: worker, svc: svc}
}

func postGenerate(t *testing.T, svc *Service, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	mux.ServeHTTP(rec, req)
	return rec
}

func TestIntakeHappyPathEndToEnd(t *testing.T) {
	env := newIntakeEnv(10, okGenerator())

	rec := postGenerate(t, env.svc, "/api/generate",
		`{"prompt":"a cat","model":"dall-e-3","numberOfImages":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("intake status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.RequestID == "" {
		t.Fatalf("intake response: %s (err=%v)", rec.Body.String(), err)
	}

	// dall-e-3 costs 6: charged at intake on the async path.
	if bal, _ := env.ledger.Balance(context.Background(), "user-1"); bal != 4 {
		t.Fatalf("balance after intake = %d, want 4", bal)
	}
	st, ok, _ := env.store.Get(resp.RequestID)
	if !ok || st.Status != domain.ProcessingStateQueued {
		t.Fatalf("status after intake: %+v ok=%v", st, ok)
	}
	if env.queue.len() != 1 {
		t.Fatalf("queue length = %d", env.queue.len())
	}

	// Drive the queued payload through the worker, as the consumer would.
	payload := env.queue.messages[resp.RequestID]
	if err := env.worker.HandleQueueMessage(context.Background(), resp.RequestID, payload); err != nil {
		t.Fatal(err)
	}

	final, _, _ := env.store.Get(resp.RequestID)
	if final.Status != domain.ProcessingStateComplete || final.SetID == "" {
		t.Fatalf("final status: %+v", final)
	}
	if n, ok := env.notifier.get(resp.RequestID); !ok || n.Type != domain.NotificationImageCompleted {
		t.Fatalf("notification: %+v ok=%v", n, ok)
	}
	if bal, _ := env.ledger.Balance(context.Background(), "user-1"); bal != 4 {
		t.Fatalf("balance after completion = %d, want 4", bal)
	}
}

func TestIntakeInsufficientCredits(t *testing.T) {
	env := newIntakeEnv(2, okGenerator())

	rec := postGenerate(t, env.svc, "/api/generate",
		`{"prompt":"a cat","model":"dall-e-3","numberOfImages":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "insufficient credits") {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if env.queue.len() != 0 {
		t.Fatal("rejected request was published")
	}
	if env.store.createCount() != 0 {
		t.Fatal("rejected request created a status record")
	}
	if bal, _ := env.ledger.Balance(context.Background(), "user-1"); bal != 2 {
		t.Fatalf("balance touched: %d", bal)
	}
}

func TestIntakeValidation(t *testing.T) {
	env := newIntakeEnv(100, okGenerator())

	cases := []string{
		`{"model":"dall-e-3","numberOfImages":1}`,                   // no prompt
		`{"prompt":"a cat","numberOfImages":1}`,                     // no model
		`{"prompt":"a cat","model":"dall-e-3","numberOfImages":99}`, // count out of range
		`{"prompt":"a cat","model":"no-such-model"}`,                // unknown model
	}
	for _, body := range cases {
		rec := postGenerate(t, env.svc, "/api/generate", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
	if env.queue.len() != 0 || env.store.createCount() != 0 {
		t.Fatal("invalid requests had side effects")
	}
}

func TestIntakeRequiresAuth(t *testing.T) {
	env := newIntakeEnv(100, okGenerator())

	req := httptest.NewRequest(http.MethodPost, "/api/generate",
		strings.NewReader(`{"prompt":"a cat","model":"dall-e-3"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux := http.NewServeMux()
	env.svc.RegisterRoutes(mux)
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestIntakePublishFailureFallsBackToSync(t *testing.T) {
	env := newIntakeEnv(10, okGenerator())
	env.queue.pubErr = errors.New("stream unavailable")

	rec := postGenerate(t, env.svc, "/api/generate",
		`{"prompt":"a cat","model":"dall-e-3","numberOfImages":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	final, ok, _ := env.store.Get(resp.RequestID)
	if !ok || final.Status != domain.ProcessingStateComplete {
		t.Fatalf("sync fallback status: %+v ok=%v", final, ok)
	}
	// Charged exactly once despite the path switch.
	if bal, _ := env.ledger.Balance(context.Background(), "user-1"); bal != 4 {
		t.Fatalf("balance = %d, want 4", bal)
	}
}

func TestIntakeUnhealthyQueueUsesSyncPath(t *testing.T) {
	env := newIntakeEnv(10, okGenerator())
	env.queue.pingErr = errors.New("redis down")

	rec := postGenerate(t, env.svc, "/api/generate",
		`{"prompt":"a cat","model":"dall-e-3","numberOfImages":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if env.queue.len() != 0 {
		t.Fatal("published to an unhealthy queue")
	}
	var resp struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	final, _, _ := env.store.Get(resp.RequestID)
	if final == nil || final.Status != domain.ProcessingStateComplete {
		t.Fatalf("sync status: %+v", final)
	}
	if bal, _ := env.ledger.Balance(context.Background(), "user-1"); bal != 4 {
		t.Fatalf("balance = %d, want 4", bal)
	}
}

func TestCompareIntakeFansOut(t *testing.T) {
	env := newIntakeEnv(20, okGenerator())

	rec := postGenerate(t, env.svc, "/api/generate/compare",
		`{"prompt":"a cat","models":["dall-e-3","stable-image-core"],"numberOfImages":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	parent, ok, _ := env.store.Get(resp.RequestID)
	if !ok || parent.Comparison == nil {
		t.Fatalf("parent record: %+v ok=%v", parent, ok)
	}
	if parent.Comparison.TotalModels != 2 || len(parent.Comparison.Models) != 2 {
		t.Fatalf("comparison shape: %+v", parent.Comparison)
	}
	if env.queue.len() != 2 {
		t.Fatalf("child messages = %d", env.queue.len())
	}
	// dall-e-3 (6) + stable-image-core (3), charged per child.
	if bal, _ := env.ledger.Balance(context.Background(), "user-1"); bal != 11 {
		t.Fatalf("balance = %d, want 11", bal)
	}

	// Drain the children through the worker and confirm the parent settles.
	for requestID, payload := range env.queue.messages {
		if err := env.worker.HandleQueueMessage(context.Background(), requestID, payload); err != nil {
			t.Fatal(err)
		}
	}
	parent, _, _ = env.store.Get(resp.RequestID)
	if parent.Status != domain.ProcessingStateComplete || parent.Comparison.CompletedModels != 2 {
		t.Fatalf("settled parent: %+v", parent)
	}
}

func TestCompareIntakeRejectsSingleModel(t *testing.T) {
	env := newIntakeEnv(100, okGenerator())
	rec := postGenerate(t, env.svc, "/api/generate/compare",
		`{"prompt":"a cat","models":["dall-e-3"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newIntakeEnv(10, okGenerator())
	seedStatus(t, env.store, singleJob("req-known"))

	mux := http.NewServeMux()
	env.svc.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processing/req-known", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("known request: status = %d", rec.Code)
	}
	var st domain.ProcessingStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.RequestID != "req-known" || st.Status != domain.ProcessingStateQueued {
		t.Fatalf("status body: %+v", st)
	}

	// Expired or unknown reads as 404, not an error.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processing/req-unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown request: status = %d, want 404", rec.Code)
	}
}

func TestStatusPage(t *testing.T) {
	env := newIntakeEnv(10, okGenerator())
	seedStatus(t, env.store, singleJob("req-known"))

	mux := http.NewServeMux()
	env.svc.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/processing/req-known", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "req-known") {
		t.Fatal("page missing request id")
	}
	if !strings.Contains(body, "/api/processing/") {
		t.Fatal("page missing polling endpoint")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/processing/req-unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown page: status = %d, want 404", rec.Code)
	}
}
