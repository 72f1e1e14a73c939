package api_test

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fetchkit/reqorchestrator/api"
	"github.com/fetchkit/reqorchestrator/handler"
	"github.com/fetchkit/reqorchestrator/logger"
	"github.com/fetchkit/reqorchestrator/model"
)

// fakeStore is a minimal store.Store good enough to exercise the HTTP
// surface without a real database.
type fakeStore struct {
	nextID    int64
	domains   map[string]model.Domain
	urls      map[string]model.URL
	headers   map[string]model.Header
	requests  map[int64]map[int]bool // requestID -> accepted codes
	responses map[int64]model.Response
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		domains:   make(map[string]model.Domain),
		urls:      make(map[string]model.URL),
		headers:   make(map[string]model.Header),
		requests:  make(map[int64]map[int]bool),
		responses: make(map[int64]model.Response),
	}
}

func (f *fakeStore) id() int64 { f.nextID++; return f.nextID }

func (f *fakeStore) UpsertDomain(_ context.Context, scheme, netloc string) (model.Domain, error) {
	key := scheme + netloc
	if d, ok := f.domains[key]; ok {
		return d, nil
	}
	d := model.Domain{ID: f.id(), Scheme: scheme, Netloc: netloc}
	f.domains[key] = d
	return d, nil
}

func (f *fakeStore) UpsertURL(_ context.Context, domainID int64, path, query string) (model.URL, error) {
	key := path + query
	if u, ok := f.urls[key]; ok {
		return u, nil
	}
	u := model.URL{ID: f.id(), DomainID: domainID, Path: path, Query: query}
	f.urls[key] = u
	return u, nil
}

func (f *fakeStore) UpsertHeader(_ context.Context, headerJSON string) (model.Header, error) {
	if h, ok := f.headers[headerJSON]; ok {
		return h, nil
	}
	h := model.Header{ID: f.id(), JSON: headerJSON}
	f.headers[headerJSON] = h
	return h, nil
}

func (f *fakeStore) RegisterRequest(_ context.Context, urlID, headerID int64, _ time.Time, _, _ time.Time, acceptedStatus []int) (int64, bool, error) {
	id := f.id()
	accepted := make(map[int]bool, len(acceptedStatus))
	for _, c := range acceptedStatus {
		accepted[c] = true
	}
	f.requests[id] = accepted
	return id, true, nil
}

func (f *fakeStore) InsertResponse(_ context.Context, requestID int64, requestedAt time.Time, statusCode int, headers string, content []byte) (int64, error) {
	id := f.id()
	f.responses[requestID] = model.Response{ID: id, RequestID: requestID, RequestedAt: requestedAt, StatusCode: statusCode, Headers: headers, Content: content}
	return id, nil
}

func (f *fakeStore) GetAcceptedStatus(_ context.Context, requestID int64) ([]int, error) {
	accepted := f.requests[requestID]
	out := make([]int, 0, len(accepted))
	for c := range accepted {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) GetLatestAcceptedResponse(_ context.Context, requestID int64) (model.Response, bool, error) {
	resp, ok := f.responses[requestID]
	if !ok || !f.requests[requestID][resp.StatusCode] {
		return model.Response{}, false, nil
	}
	return resp, true, nil
}

func (f *fakeStore) GetDomainPolicy(_ context.Context, domainID int64) (model.DomainPolicy, error) {
	return model.DefaultDomainPolicy(domainID), nil
}
func (f *fakeStore) GetDomainStatus(context.Context, int64, int64) (model.DomainStatusRow, bool, error) {
	return model.DomainStatusRow{}, false, nil
}
func (f *fakeStore) UpsertDomainTimeout(context.Context, int64, time.Duration) error { return nil }
func (f *fakeStore) FillDefaultDomainTimeouts(context.Context) (int64, error)        { return 0, nil }
func (f *fakeStore) FillMissingRequestStatuses(context.Context) (int64, error)       { return 0, nil }
func (f *fakeStore) GetPendingRequests(context.Context, int64, int) ([]model.PendingRequest, error) {
	return nil, nil
}
func (f *fakeStore) GetRetryableFailingRequests(context.Context, int64, int) ([]model.PendingRequest, error) {
	return nil, nil
}
func (f *fakeStore) ListActiveDomainIDs(context.Context) ([]int64, error) { return nil, nil }
func (f *fakeStore) Close() error                                        { return nil }

func newTestServer() (*api.Server, *fakeStore) {
	fs := newFakeStore()
	h := handler.New(fs, nil, logger.New(logger.LevelError))
	return api.New(h, logger.New(logger.LevelError)), fs
}

func TestHandleAddRequest_Success(t *testing.T) {
	srv, _ := newTestServer()

	form := url.Values{}
	form.Set("url", hex.EncodeToString([]byte("https://example.com/a")))
	form.Set("status_code", "200,201")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "request_id") {
		t.Errorf("expected a request_id in the response body, got %q", rec.Body.String())
	}
}

func TestHandleAddRequest_RejectsNonHexURL(t *testing.T) {
	srv, _ := newTestServer()

	form := url.Values{}
	form.Set("url", "not-hex!!")
	form.Set("status_code", "200")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400 for non-hex url", rec.Code)
	}
}

func TestHandleAddRequest_DefaultsStatusCodeTo200(t *testing.T) {
	srv, _ := newTestServer()

	form := url.Values{}
	form.Set("url", hex.EncodeToString([]byte("https://example.com/b")))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %q", rec.Code, rec.Body.String())
	}
}

func TestHandleGetResponse_EmptyObjectWhenNoResponseYet(t *testing.T) {
	srv, fs := newTestServer()

	ctx := context.Background()
	requestID, _, err := fs.RegisterRequest(ctx, 1, 1, time.Now().UTC(), time.Time{}, time.Time{}, []int{200})
	if err != nil {
		t.Fatalf("RegisterRequest: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/?request_id="+strconv.FormatInt(requestID, 10), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %q", rec.Code, rec.Body.String())
	}
	if strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Errorf("got body %q, want an empty object when no response has been recorded", rec.Body.String())
	}
}

func TestHandleGetResponse_ReturnsRecordedResponse(t *testing.T) {
	srv, fs := newTestServer()
	ctx := context.Background()

	requestID, _, err := fs.RegisterRequest(ctx, 1, 1, time.Now().UTC(), time.Time{}, time.Time{}, []int{200})
	if err != nil {
		t.Fatalf("RegisterRequest: %v", err)
	}
	if _, err := fs.InsertResponse(ctx, requestID, time.Now().UTC(), 200, "{}", []byte("body")); err != nil {
		t.Fatalf("InsertResponse: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/?request_id="+strconv.FormatInt(requestID, 10), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "StatusCode") {
		t.Errorf("expected a populated response body, got %q", rec.Body.String())
	}
}

func TestHandleGetResponse_RejectsNonIntegerRequestID(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/?request_id=abc", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400 for a non-integer request_id", rec.Code)
	}
}

func TestMetricsEndpoint_Served(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200 from /metrics", rec.Code)
	}
}
