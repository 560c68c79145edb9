package remote

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/shiftplan/internal/jobtracker"
)

// ============================================================================
// 測試用假遠端服務
// ============================================================================

const (
	testEnv    = "acme/scheduler"
	testSecret = "test-secret"
)

type reply struct {
	status int
	body   string
}

func ok(body string) reply { return reply{status: http.StatusOK, body: body} }

func fail(status int, body string) reply { return reply{status: status, body: body} }

// fakeService answers scripted replies per route; the last reply repeats.
type fakeService struct {
	mu            sync.Mutex
	signer        *Signer
	routes        map[string][]reply
	calls         map[string]int
	bodies        map[string][]byte
	headers       map[string]http.Header
	queries       map[string]string
	badSignatures int
}

func newFakeService() *fakeService {
	return &fakeService{
		signer:  NewSigner(testSecret, nil),
		routes:  make(map[string][]reply),
		calls:   make(map[string]int),
		bodies:  make(map[string][]byte),
		headers: make(map[string]http.Header),
		queries: make(map[string]string),
	}
}

func (f *fakeService) on(method, path string, replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = replies
}

func (f *fakeService) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+path]
}

func (f *fakeService) lastBody(method, path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[method+" "+path]
}

func (f *fakeService) lastHeader(method, path string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[method+" "+path]
}

func (f *fakeService) lastQuery(method, path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[method+" "+path]
}

func (f *fakeService) signatureFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.badSignatures
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.Path

	f.mu.Lock()
	if !f.signer.Verify(r.Header.Get("Environment"), body, r.Header.Get("X-HMAC-Signature")) {
		f.badSignatures++
	}
	f.calls[key]++
	n := f.calls[key]
	f.bodies[key] = body
	f.headers[key] = r.Header.Clone()
	f.queries[key] = r.URL.RawQuery
	replies := f.routes[key]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if len(replies) == 0 {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"Not Found"}`)
		return
	}
	idx := n - 1
	if idx >= len(replies) {
		idx = len(replies) - 1
	}
	w.WriteHeader(replies[idx].status)
	fmt.Fprint(w, replies[idx].body)
}

func startFake(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	f := newFakeService()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:              baseURL,
		DefaultSecret:        testSecret,
		PollInterval:         time.Millisecond,
		MaxPollAttempts:      50,
		TrainingPollInterval: time.Millisecond,
		TrainingMaxAttempts:  20,
	}, append([]Option{WithTracker(jobtracker.New())}, opts...)...)
	require.NoError(t, err)
	return c
}

func jobStatus(status string) string {
	return fmt.Sprintf(`{"job_id":"job-1","status":%q}`, status)
}

func trainingStatus(status, phase string) string {
	return fmt.Sprintf(`{"status":%q,"phase":%q,"progress":0.5,"message":"m","logs":[],"details":{}}`, status, phase)
}
