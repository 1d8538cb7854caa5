package api

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

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envalloc/envalloc/pkg/alloc"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeEnv is a mutex-protected Environment.
type fakeEnv struct {
	mu        sync.Mutex
	reqs      map[string]*alloc.Request
	lastSpec  alloc.RequirementSpec
	lastToken string
	lastTTL   time.Duration
	submitErr error
	healthErr error
	panicOn   string
	readOnly  bool
	catalog   []alloc.Resource
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{reqs: make(map[string]*alloc.Request)}
}

func (f *fakeEnv) Submit(_ context.Context, id string, spec alloc.RequirementSpec) (*alloc.Request, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, false, f.submitErr
	}
	f.lastSpec = spec
	if id == "" {
		id = "generated"
	}
	if existing, ok := f.reqs[id]; ok {
		return existing.Clone(), false, nil
	}
	req := &alloc.Request{ID: id, Spec: spec, State: alloc.StateSubmitted, SubmittedAt: epoch, Deadline: epoch.Add(time.Minute)}
	f.reqs[id] = req
	return req.Clone(), true, nil
}

func (f *fakeEnv) Status(_ context.Context, id string) (*alloc.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.panicOn {
		panic("boom")
	}
	req, ok := f.reqs[id]
	if !ok {
		return nil, alloc.NewNotFound("request " + id + " not found")
	}
	return req.Clone(), nil
}

func (f *fakeEnv) Release(_ context.Context, id, token string) (*alloc.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = token
	req, ok := f.reqs[id]
	if !ok {
		return nil, alloc.NewNotFound("request " + id + " not found")
	}
	if req.State == alloc.StateFulfilled {
		if token != req.LeaseToken {
			return nil, alloc.NewInvalidToken("lease token signature mismatch", nil)
		}
		now := epoch.Add(time.Minute)
		req.ReleasedAt = &now
	}
	return req.Clone(), nil
}

func (f *fakeEnv) Renew(_ context.Context, id, token string, ttl time.Duration) (*alloc.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = token
	f.lastTTL = ttl
	req, ok := f.reqs[id]
	if !ok {
		return nil, alloc.NewNotFound("request " + id + " not found")
	}
	deadline := epoch.Add(ttl)
	req.LeaseDeadline = &deadline
	return req.Clone(), nil
}

func (f *fakeEnv) ReleaseReservation(_ context.Context, id, reservationID, token string) (*alloc.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = token
	req, ok := f.reqs[id]
	if !ok || req.ReservationID != reservationID {
		return nil, alloc.NewNotFound("request " + id + " holds no reservation " + reservationID)
	}
	if token != req.LeaseToken {
		return nil, alloc.NewInvalidToken("lease token signature mismatch", nil)
	}
	now := epoch.Add(time.Minute)
	req.ReleasedAt = &now
	return &alloc.Reservation{
		ID:          reservationID,
		RequesterID: id,
		ResourceIDs: []string{"host-a"},
		Deadline:    epoch.Add(5 * time.Minute),
		Status:      alloc.ReservationReleased,
		ReleasedAt:  &now,
	}, nil
}

func (f *fakeEnv) Register(_ context.Context, resources []alloc.Resource) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readOnly {
		return 0, alloc.NewInvalidRequirementSpec("catalog does not accept registrations", nil).
			WithCode(alloc.CodeCatalogReadOnly)
	}
	if len(resources) == 0 {
		return 0, alloc.NewInvalidRequirementSpec("no resources to register", nil).WithCode(alloc.CodeValidation)
	}
	f.catalog = append(f.catalog, resources...)
	return len(resources), nil
}

func (f *fakeEnv) Health(context.Context) error {
	return f.healthErr
}

func (f *fakeEnv) put(req *alloc.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs[req.ID] = req
}

func newTestServer(t *testing.T, env *fakeEnv) *httptest.Server {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	h := NewHandler(env, metrics, "https://envalloc.test/", zerolog.Nop())
	srv := httptest.NewServer(Chain(h.Routes(), Logging(zerolog.Nop()), Recover(zerolog.Nop())))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestPostEnvironment(t *testing.T) {
	env := newFakeEnv()
	srv := newTestServer(t, env)

	resp := do(t, http.MethodPost, srv.URL+"/environment",
		`{"requestId":"R1","type":"X","tags":["ssd"],"quantity":2,"waitTimeoutSeconds":5}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "https://envalloc.test/environment/R1", resp.Header.Get("Location"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	body := decode[SubmitResponse](t, resp)
	assert.Equal(t, "R1", body.RequestID)
	assert.Equal(t, alloc.OutcomePending, body.Status)
	assert.Equal(t, alloc.RequirementSpec{Type: "X", Tags: []string{"ssd"}, Quantity: 2, WaitTimeoutSeconds: 5}, env.lastSpec)

	replay := do(t, http.MethodPost, srv.URL+"/environment", `{"type":"X","quantity":2}`,
		map[string]string{IdempotencyKeyHeader: "R1"})
	assert.Equal(t, http.StatusOK, replay.StatusCode)
}

func TestPostEnvironmentBadBody(t *testing.T) {
	srv := newTestServer(t, newFakeEnv())

	tests := []struct {
		name    string
		body    string
		headers map[string]string
	}{
		{name: "malformed json", body: `{"type":`},
		{name: "empty body", body: ``},
		{name: "unknown field", body: `{"type":"X","colour":"red"}`},
		{name: "conflicting ids", body: `{"requestId":"a","type":"X"}`, headers: map[string]string{IdempotencyKeyHeader: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+"/environment", tt.body, tt.headers)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, alloc.KindInvalidRequirementSpec, body.Reason)
			assert.Equal(t, alloc.CodeValidation, body.Code)
		})
	}
}

func TestPostEnvironmentErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason alloc.Kind
		wantMsg    string
	}{
		{
			name:       "policy denied",
			err:        alloc.NewInvalidRequirementSpec("quantity 9 exceeds the limit of 4", nil).WithCode(alloc.CodePolicyDenied),
			wantStatus: http.StatusBadRequest,
			wantReason: alloc.KindInvalidRequirementSpec,
			wantMsg:    "quantity 9 exceeds the limit of 4",
		},
		{
			name:       "store down",
			err:        alloc.NewStoreUnavailable("lease store unreachable", errors.New("dial tcp: refused")),
			wantStatus: http.StatusServiceUnavailable,
			wantReason: alloc.KindStoreUnavailable,
			wantMsg:    "lease store unreachable",
		},
		{
			name:       "raw error",
			err:        errors.New("sql: connection reset with secrets"),
			wantStatus: http.StatusInternalServerError,
			wantReason: alloc.KindInternal,
			wantMsg:    "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newFakeEnv()
			env.submitErr = tt.err
			srv := newTestServer(t, env)

			resp := do(t, http.MethodPost, srv.URL+"/environment", `{"type":"X"}`, nil)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, tt.wantReason, body.Reason)
			assert.Equal(t, tt.wantMsg, body.Message)
		})
	}
}

func TestGetEnvironment(t *testing.T) {
	env := newFakeEnv()
	srv := newTestServer(t, env)

	deadline := epoch.Add(30 * time.Minute)
	completed := epoch.Add(time.Second)
	env.put(&alloc.Request{
		ID:            "R1",
		Spec:          alloc.RequirementSpec{Type: "X", Quantity: 1},
		State:         alloc.StateFulfilled,
		SubmittedAt:   epoch,
		Deadline:      epoch.Add(time.Minute),
		Attempts:      1,
		ReservationID: "res-1",
		LeaseToken:    "tok-1",
		LeaseDeadline: &deadline,
		Resources:     []alloc.Resource{{ID: "x-1", Type: "X", Status: alloc.ResourceReserved}},
		CompletedAt:   &completed,
	})
	env.put(&alloc.Request{
		ID:          "R2",
		Spec:        alloc.RequirementSpec{Type: "X", Quantity: 1, WaitTimeoutSeconds: 5},
		State:       alloc.StateTimedOut,
		Reason:      alloc.KindNoResourceAvailable,
		Message:     "timed out after 5s and 7 attempts: no_matching_resources: no catalog entry matches",
		SubmittedAt: epoch,
		Deadline:    epoch.Add(5 * time.Second),
		Attempts:    7,
	})

	resp := do(t, http.MethodGet, srv.URL+"/environment/R1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fulfilled := decode[StatusResponse](t, resp)
	assert.Equal(t, alloc.OutcomeFulfilled, fulfilled.Status)
	require.NotNil(t, fulfilled.Lease)
	assert.Equal(t, "tok-1", fulfilled.Lease.Token)
	assert.Equal(t, "x-1", fulfilled.Lease.Resources[0].ID)

	resp = do(t, http.MethodGet, srv.URL+"/environment/R2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	timedOut := decode[StatusResponse](t, resp)
	assert.Equal(t, alloc.OutcomeTimedOut, timedOut.Status)
	assert.Equal(t, alloc.KindNoResourceAvailable, timedOut.Reason)
	assert.Nil(t, timedOut.Lease)

	resp = do(t, http.MethodGet, srv.URL+"/environment/missing", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, alloc.KindNotFound, decode[ErrorResponse](t, resp).Reason)
}

func TestDeleteEnvironment(t *testing.T) {
	env := newFakeEnv()
	srv := newTestServer(t, env)

	env.put(&alloc.Request{ID: "R1", State: alloc.StateFulfilled, LeaseToken: "tok-1", ReservationID: "res-1"})
	env.put(&alloc.Request{ID: "R2", State: alloc.StateAttempting})

	resp := do(t, http.MethodDelete, srv.URL+"/environment/R1", "", map[string]string{LeaseTokenHeader: "wrong"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, alloc.KindInvalidToken, decode[ErrorResponse](t, resp).Reason)

	resp = do(t, http.MethodDelete, srv.URL+"/environment/R1", "", map[string]string{"Authorization": "Bearer tok-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	released := decode[StatusResponse](t, resp)
	assert.NotNil(t, released.ReleasedAt)
	assert.Nil(t, released.Lease, "released request must not expose its token")

	resp = do(t, http.MethodDelete, srv.URL+"/environment/R2", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestDeleteReservation(t *testing.T) {
	env := newFakeEnv()
	srv := newTestServer(t, env)
	env.put(&alloc.Request{ID: "R1", State: alloc.StateFulfilled, LeaseToken: "tok-1", ReservationID: "res-1"})

	resp := do(t, http.MethodDelete, srv.URL+"/environment/R1/reservations/res-1", "",
		map[string]string{LeaseTokenHeader: "wrong"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/environment/R1/reservations/res-9", "",
		map[string]string{LeaseTokenHeader: "tok-1"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/environment/R1/reservations/res-1", "",
		map[string]string{LeaseTokenHeader: "tok-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[ReservationResponse](t, resp)
	assert.Equal(t, "res-1", body.ReservationID)
	assert.Equal(t, "R1", body.RequestID)
	assert.Equal(t, alloc.ReservationReleased, body.Status)
	assert.Equal(t, []string{"host-a"}, body.ResourceIDs)
	assert.NotNil(t, body.ReleasedAt)
}

func TestPostRegister(t *testing.T) {
	env := newFakeEnv()
	srv := newTestServer(t, env)

	resp := do(t, http.MethodPost, srv.URL+"/register",
		`{"resources":[{"id":"host-a","type":"linux","tags":["gpu"]},{"id":"host-b","type":"linux"}]}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 2, decode[RegisterResponse](t, resp).Registered)
	require.Len(t, env.catalog, 2)
	assert.Equal(t, []string{"gpu"}, env.catalog[0].Tags)

	resp = do(t, http.MethodPost, srv.URL+"/register", `{"hosts":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.mu.Lock()
	env.readOnly = true
	env.mu.Unlock()
	resp = do(t, http.MethodPost, srv.URL+"/register", `{"resources":[{"id":"host-c","type":"linux"}]}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, alloc.CodeCatalogReadOnly, decode[ErrorResponse](t, resp).Code)
}

func TestRenewEnvironment(t *testing.T) {
	env := newFakeEnv()
	srv := newTestServer(t, env)
	env.put(&alloc.Request{ID: "R1", State: alloc.StateFulfilled, LeaseToken: "tok-1"})

	resp := do(t, http.MethodPost, srv.URL+"/environment/R1/renew", `{"ttlSeconds":600}`,
		map[string]string{LeaseTokenHeader: "tok-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 10*time.Minute, env.lastTTL)
	assert.Equal(t, "tok-1", env.lastToken)

	resp = do(t, http.MethodPost, srv.URL+"/environment/R1/renew", `{"ttl":600}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newFakeEnv()
	srv := newTestServer(t, env)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.healthErr = errors.New("etcd unreachable")
	resp = do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, newFakeEnv())

	resp := do(t, http.MethodPut, srv.URL+"/environment/R1", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRecoverFromPanic(t *testing.T) {
	env := newFakeEnv()
	env.panicOn = "explode"
	srv := newTestServer(t, env)

	resp := do(t, http.MethodGet, srv.URL+"/environment/explode", "", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, alloc.KindInternal, decode[ErrorResponse](t, resp).Reason)
}
