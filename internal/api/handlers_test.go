package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/zh-he/docqa/internal/answerer"
	"github.com/zh-he/docqa/internal/index"
	"github.com/zh-he/docqa/internal/loader"
	"github.com/zh-he/docqa/internal/session"
)

const testToken = "test-token"

// fakeService records calls and returns canned results.
type fakeService struct {
	mu        sync.Mutex
	sessions  []string
	histories map[string][]session.Turn
	chunks    []index.Chunk
	answer    answerer.Result
	askErr    error
	ingestErr error
	inflight  bool

	askedQuestion string
	askedSession  string
	ingested      []string
	ingestPaths   []string
}

func (f *fakeService) ListSessions() []string { return f.sessions }

func (f *fakeService) CreateSession(id string) error {
	for _, s := range f.sessions {
		if s == id {
			return session.ErrDuplicateSession
		}
	}
	f.sessions = append(f.sessions, id)
	return nil
}

func (f *fakeService) DeleteSession(id string) error { return nil }

func (f *fakeService) History(id string) ([]session.Turn, error) {
	return f.histories[id], nil
}

func (f *fakeService) IngestFile(_ context.Context, sessionID, name, path string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, name)
	f.ingestPaths = append(f.ingestPaths, path)
	if f.ingestErr != nil {
		return 0, f.ingestErr
	}
	return 3, nil
}

func (f *fakeService) Ask(_ context.Context, sessionID, question string) (answerer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.askedSession = sessionID
	f.askedQuestion = question
	return f.answer, f.askErr
}

func (f *fakeService) Cancel(sessionID string) bool { return f.inflight }

func (f *fakeService) Search(_ context.Context, sessionID, query string, k int) ([]index.Chunk, error) {
	return f.chunks, nil
}

func newTestServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewHandler(Deps{Service: svc, Token: testToken}))
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestHealth_NoAuthRequired(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuth_RejectsWrongToken(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestListSessions(t *testing.T) {
	ts := newTestServer(t, &fakeService{sessions: []string{"a", "b"}})

	resp := doJSON(t, http.MethodGet, ts.URL+"/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body := decodeBody[map[string][]string](t, resp)
	if got := body["sessions"]; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("sessions = %v, want [a b]", got)
	}
}

func TestListSessions_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp := doJSON(t, http.MethodGet, ts.URL+"/sessions", nil)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(raw), `"sessions":[]`) {
		t.Errorf("body = %s, want empty array not null", raw)
	}
}

func TestCreateSession(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc)

	resp := doJSON(t, http.MethodPost, ts.URL+"/sessions", map[string]string{"id": "s1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if len(svc.sessions) != 1 || svc.sessions[0] != "s1" {
		t.Errorf("sessions = %v, want [s1]", svc.sessions)
	}
}

func TestCreateSession_Duplicate(t *testing.T) {
	ts := newTestServer(t, &fakeService{sessions: []string{"s1"}})

	resp := doJSON(t, http.MethodPost, ts.URL+"/sessions", map[string]string{"id": "s1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestCreateSession_MissingID(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/sessions", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestHistory(t *testing.T) {
	svc := &fakeService{histories: map[string][]session.Turn{
		"s1": {
			{Role: session.RoleUser, Content: "hi"},
			{Role: session.RoleAssistant, Content: "hello"},
		},
	}}
	ts := newTestServer(t, svc)

	resp := doJSON(t, http.MethodGet, ts.URL+"/sessions/s1/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// History turns marshal as [role, content] pairs on the wire.
	turns := decodeBody[[][2]string](t, resp)
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0] != [2]string{"user", "hi"} {
		t.Errorf("first turn = %v, want [user hi]", turns[0])
	}
}

func TestAsk(t *testing.T) {
	svc := &fakeService{answer: answerer.Result{
		Text:     "the answer",
		Sources:  []index.Chunk{{Document: "doc.txt", Text: "context", Score: 0.9}},
		Grounded: true,
	}}
	ts := newTestServer(t, svc)

	resp := doJSON(t, http.MethodPost, ts.URL+"/sessions/s1/ask", map[string]string{"question": "why?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	result := decodeBody[answerer.Result](t, resp)
	if result.Text != "the answer" || !result.Grounded || len(result.Sources) != 1 {
		t.Errorf("result = %+v, want grounded answer with one source", result)
	}
	if svc.askedSession != "s1" || svc.askedQuestion != "why?" {
		t.Errorf("service called with (%q, %q)", svc.askedSession, svc.askedQuestion)
	}
}

func TestAsk_MissingQuestion(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/sessions/s1/ask", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestAsk_ServiceError(t *testing.T) {
	ts := newTestServer(t, &fakeService{askErr: errors.New("boom")})

	resp := doJSON(t, http.MethodPost, ts.URL+"/sessions/s1/ask", map[string]string{"question": "why?"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	body := decodeBody[map[string]map[string]string](t, resp)
	if body["error"]["type"] != "api_error" {
		t.Errorf("error type = %q, want api_error", body["error"]["type"])
	}
}

func TestCancel(t *testing.T) {
	for _, tc := range []struct {
		name     string
		inflight bool
	}{
		{"in flight", true},
		{"idle", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeService{inflight: tc.inflight})

			resp := doJSON(t, http.MethodPost, ts.URL+"/sessions/s1/cancel", nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			body := decodeBody[map[string]bool](t, resp)
			if body["cancelled"] != tc.inflight {
				t.Errorf("cancelled = %v, want %v", body["cancelled"], tc.inflight)
			}
		})
	}
}

func multipartUpload(t *testing.T, url string, files map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("creating form file: %v", err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatalf("writing form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc)

	resp := multipartUpload(t, ts.URL+"/sessions/s1/documents", map[string]string{
		"a.txt": "alpha content",
		"b.txt": "beta content",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body := decodeBody[map[string][]UploadResult](t, resp)
	results := body["results"]
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Error != "" {
			t.Errorf("file %s failed: %s", r.File, r.Error)
		}
		if r.Chunks != 3 {
			t.Errorf("file %s indexed %d chunks, want 3", r.File, r.Chunks)
		}
	}

	// Spooled temp files must not outlive the request.
	svc.mu.Lock()
	paths := append([]string(nil), svc.ingestPaths...)
	svc.mu.Unlock()
	for _, p := range paths {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("temp file %s was not cleaned up", p)
		}
	}
}

func TestUpload_KeepsExtension(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc)

	multipartUpload(t, ts.URL+"/sessions/s1/documents", map[string]string{"report.pdf": "%PDF-"})

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.ingestPaths) != 1 || !strings.HasSuffix(svc.ingestPaths[0], ".pdf") {
		t.Errorf("spooled path %v does not keep the .pdf extension", svc.ingestPaths)
	}
}

func TestUpload_PerFileErrorDoesNotAbortBatch(t *testing.T) {
	svc := &fakeService{ingestErr: fmt.Errorf("bad document: %w", loader.ErrUnsupportedFormat)}
	ts := newTestServer(t, svc)

	resp := multipartUpload(t, ts.URL+"/sessions/s1/documents", map[string]string{
		"a.doc": "one",
		"b.doc": "two",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body := decodeBody[map[string][]UploadResult](t, resp)
	results := body["results"]
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Error == "" {
			t.Errorf("file %s should have reported an error", r.File)
		}
		if !strings.Contains(r.Error, "unsupported") {
			t.Errorf("error %q should surface the format problem", r.Error)
		}
	}
}

func TestUpload_NoFiles(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/sessions/s1/documents", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestUpload_InternalErrorIsNotLeaked(t *testing.T) {
	svc := &fakeService{ingestErr: errors.New("dsn=user:password@host")}
	ts := newTestServer(t, svc)

	resp := multipartUpload(t, ts.URL+"/sessions/s1/documents", map[string]string{"a.txt": "one"})
	body := decodeBody[map[string][]UploadResult](t, resp)
	if got := body["results"][0].Error; strings.Contains(got, "password") {
		t.Errorf("internal error detail leaked to client: %q", got)
	}
}
