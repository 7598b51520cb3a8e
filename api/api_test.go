package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glgcapital/gatekeeper/api"
	"github.com/glgcapital/gatekeeper/csrf"
	"github.com/glgcapital/gatekeeper/gatekeeper"
	"github.com/glgcapital/gatekeeper/internal/util"
	"github.com/glgcapital/gatekeeper/ratelimit"
	"github.com/glgcapital/gatekeeper/session"
	"github.com/glgcapital/gatekeeper/storage/memory"
)

const testPassword = "correct horse battery"

type testEnv struct {
	srv  *httptest.Server
	gk   *gatekeeper.Gatekeeper
	api  *api.API
	repo *memory.Repository
}

func setupServer(t *testing.T, mutate func(*gatekeeper.Config), opts ...gatekeeper.Option) *testEnv {
	t.Helper()
	cfg := gatekeeper.DefaultConfig()
	cfg.Session.Params = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.NewRepository()
	base := []gatekeeper.Option{gatekeeper.WithLogger(logger), gatekeeper.WithRegistry(prometheus.NewRegistry())}
	gk, err := gatekeeper.New(cfg, repo, append(base, opts...)...)
	require.NoError(t, err)

	env := &testEnv{gk: gk, repo: repo, api: api.New(gk, repo, api.WithLogger(logger))}
	env.api.Mount(http.MethodPost, "/clients",
		gatekeeper.Route{Action: ratelimit.ActionAPI, CSRF: true, Role: session.RoleUser},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, _ := gatekeeper.SessionFromContext(r.Context())
			w.Header().Set("X-Subject", sess.SubjectID)
			w.WriteHeader(http.StatusCreated)
		}))

	r := chi.NewRouter()
	r.Mount("/api", env.api.Router())
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) addSubject(t *testing.T, id string, role session.Role) {
	t.Helper()
	cred, err := e.gk.Verifier().NewCredential(id, role, testPassword)
	require.NoError(t, err)
	require.NoError(t, e.repo.Put(context.Background(), cred))
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// fetchCSRF gets a token; the client's jar keeps the cookie.
func fetchCSRF(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	resp := doJSON(t, client, http.MethodGet, baseURL+"/api/csrf", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.CSRFResponse](t, resp)
	require.NotEmpty(t, body.Token)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == csrf.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, body.Token, cookie.Value)
	assert.False(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	return body.Token
}

func csrfHeader(tok string) map[string]string {
	return map[string]string{csrf.HeaderName: tok}
}

func login(t *testing.T, env *testEnv, client *http.Client, id string) api.LoginResponse {
	t.Helper()
	tok := fetchCSRF(t, client, env.srv.URL)
	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/login",
		api.LoginRequest{SubjectID: id, Password: testPassword}, csrfHeader(tok))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.LoginResponse](t, resp)
}

func TestRegistrationScenario(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	tok := fetchCSRF(t, client, env.srv.URL)
	reg := api.RegisterRequest{SubjectID: "new-client", Password: testPassword}

	// Header without the cookie fails in strict mode.
	resp := doJSON(t, &http.Client{}, http.MethodPost, env.srv.URL+"/api/auth/register", reg, csrfHeader(tok))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	errResp := decode[gatekeeper.ErrorResponse](t, resp)
	assert.Equal(t, "CSRF validation failed", errResp.Error)
	assert.Equal(t, gatekeeper.CodeTokenMismatch, errResp.Code)

	resp = doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/register", reg, csrfHeader(tok))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[api.RegisterResponse](t, resp)
	assert.Equal(t, session.RoleUser, created.Role)

	resp = doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/register", reg, csrfHeader(tok))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestConcurrentRegistrationSingleWinner(t *testing.T) {
	env := setupServer(t, func(c *gatekeeper.Config) {
		c.RateLimits[ratelimit.ActionRegister] = ratelimit.Policy{Limit: 100, Window: time.Hour}
	})
	client := newClient(t)
	tok := fetchCSRF(t, client, env.srv.URL)

	const racers = 8
	statuses := make([]int, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := json.Marshal(api.RegisterRequest{SubjectID: "contested", Password: fmt.Sprintf("%s %d", testPassword, i)})
			if !assert.NoError(t, err) {
				return
			}
			req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, env.srv.URL+"/api/auth/register", bytes.NewReader(body))
			if !assert.NoError(t, err) {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(csrf.HeaderName, tok)
			resp, err := client.Do(req)
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	counts := map[int]int{}
	for _, code := range statuses {
		counts[code]++
	}
	assert.Equal(t, map[int]int{http.StatusCreated: 1, http.StatusConflict: racers - 1}, counts)

	ids, err := env.repo.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"contested"}, ids)
}

func TestRegistrationScenario_SingleUse(t *testing.T) {
	env := setupServer(t, func(c *gatekeeper.Config) { c.CSRF.SingleUse = true })
	client := newClient(t)
	tok := fetchCSRF(t, client, env.srv.URL)

	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/register",
		api.RegisterRequest{SubjectID: "first", Password: testPassword}, csrfHeader(tok))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/register",
		api.RegisterRequest{SubjectID: "second", Password: testPassword}, csrfHeader(tok))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, gatekeeper.CodeTokenUsed, decode[gatekeeper.ErrorResponse](t, resp).Code)
}

func TestRegisterValidation(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	tok := fetchCSRF(t, client, env.srv.URL)

	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/register",
		api.RegisterRequest{SubjectID: "weak", Password: "short"}, csrfHeader(tok))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/register",
		map[string]string{"subject_id": "x", "password": testPassword, "role": "superadmin"}, csrfHeader(tok))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestLoginSessionLogout(t *testing.T) {
	env := setupServer(t, nil)
	env.addSubject(t, "alice", session.RoleUser)
	client := newClient(t)

	lr := login(t, env, client, "alice")
	assert.Equal(t, "alice", lr.SubjectID)
	assert.Equal(t, session.RoleUser, lr.Role)

	// Session cookie from the jar.
	resp := doJSON(t, client, http.MethodGet, env.srv.URL+"/api/auth/session", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decode[session.Session](t, resp)
	assert.Equal(t, "alice", sess.SubjectID)

	// Bearer token from a client without cookies.
	bearer := map[string]string{"Authorization": "Bearer " + lr.Token}
	resp = doJSON(t, &http.Client{}, http.MethodGet, env.srv.URL+"/api/auth/session", nil, bearer)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tok := fetchCSRF(t, client, env.srv.URL)
	resp = doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/logout", nil, csrfHeader(tok))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, &http.Client{}, http.MethodGet, env.srv.URL+"/api/auth/session", nil, bearer)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errResp := decode[gatekeeper.ErrorResponse](t, resp)
	assert.Equal(t, "Unauthorized", errResp.Error)
	assert.Equal(t, gatekeeper.CodeInvalidSession, errResp.Code)
}

func TestLoginWrongPassword(t *testing.T) {
	env := setupServer(t, nil)
	env.addSubject(t, "alice", session.RoleUser)
	client := newClient(t)
	tok := fetchCSRF(t, client, env.srv.URL)

	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/login",
		api.LoginRequest{SubjectID: "alice", Password: "not the password"}, csrfHeader(tok))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[gatekeeper.ErrorResponse](t, resp).Code)
}

func TestRapidLoginsRateLimited(t *testing.T) {
	env := setupServer(t, func(c *gatekeeper.Config) {
		c.RateLimits[ratelimit.ActionLogin] = ratelimit.Policy{Limit: 5, Window: 15 * time.Minute}
	})
	env.addSubject(t, "alice", session.RoleUser)
	client := newClient(t)
	tok := fetchCSRF(t, client, env.srv.URL)
	body := api.LoginRequest{SubjectID: "alice", Password: "guess"}

	for i := 0; i < 5; i++ {
		resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/login", body, csrfHeader(tok))
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}
	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/login", body, csrfHeader(tok))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	errResp := decode[gatekeeper.ErrorResponse](t, resp)
	assert.Equal(t, gatekeeper.CodeRateLimited, errResp.Code)
	assert.Positive(t, errResp.RetryAfter)
	assert.NotEmpty(t, resp.Header.Get(ratelimit.HeaderRetryAfter))
	assert.Equal(t, "0", resp.Header.Get(ratelimit.HeaderRemaining))
}

func TestAdminEndpoints(t *testing.T) {
	env := setupServer(t, nil)
	env.addSubject(t, "ursula", session.RoleUser)
	env.addSubject(t, "adam", session.RoleAdmin)
	env.addSubject(t, "sam", session.RoleSuperadmin)
	userClient, adminClient, superClient := newClient(t), newClient(t), newClient(t)
	login(t, env, userClient, "ursula")
	login(t, env, adminClient, "adam")
	login(t, env, superClient, "sam")

	resp := doJSON(t, userClient, http.MethodGet, env.srv.URL+"/api/admin/stats", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	errResp := decode[gatekeeper.ErrorResponse](t, resp)
	assert.Equal(t, "Forbidden", errResp.Error)
	assert.Equal(t, gatekeeper.CodeInsufficientRole, errResp.Code)

	resp = doJSON(t, adminClient, http.MethodGet, env.srv.URL+"/api/admin/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[gatekeeper.Stats](t, resp)
	assert.Equal(t, 3, stats.Sessions.Active)
	assert.NotZero(t, stats.CSRF.Issued)

	revokeURL := env.srv.URL + "/api/admin/sessions/ursula/revoke"
	tok := fetchCSRF(t, adminClient, env.srv.URL)
	resp = doJSON(t, adminClient, http.MethodPost, revokeURL, nil, csrfHeader(tok))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "admin cannot revoke sessions")

	tok = fetchCSRF(t, superClient, env.srv.URL)
	resp = doJSON(t, superClient, http.MethodPost, revokeURL, nil, csrfHeader(tok))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[api.RevokeResponse](t, resp).Revoked)

	resp = doJSON(t, userClient, http.MethodGet, env.srv.URL+"/api/auth/session", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestResetRateLimit(t *testing.T) {
	env := setupServer(t, func(c *gatekeeper.Config) {
		c.RateLimits[ratelimit.ActionRegister] = ratelimit.Policy{Limit: 1, Window: time.Hour}
	})
	env.addSubject(t, "adam", session.RoleAdmin)
	admin := newClient(t)
	login(t, env, admin, "adam")

	client := newClient(t)
	tok := fetchCSRF(t, client, env.srv.URL)
	reg := func(id string) int {
		return doJSON(t, client, http.MethodPost, env.srv.URL+"/api/auth/register",
			api.RegisterRequest{SubjectID: id, Password: testPassword}, csrfHeader(tok)).StatusCode
	}
	require.Equal(t, http.StatusCreated, reg("one"))
	require.Equal(t, http.StatusTooManyRequests, reg("two"))

	adminTok := fetchCSRF(t, admin, env.srv.URL)
	resp := doJSON(t, admin, http.MethodPost, env.srv.URL+"/api/admin/rate-limits/reset",
		api.ResetRateLimitRequest{Identifier: "127.0.0.1", Action: "nope"}, csrfHeader(adminTok))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, admin, http.MethodPost, env.srv.URL+"/api/admin/rate-limits/reset",
		api.ResetRateLimitRequest{Identifier: "127.0.0.1", Action: ratelimit.ActionRegister}, csrfHeader(adminTok))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[api.ResetRateLimitResponse](t, resp).Reset)

	assert.Equal(t, http.StatusCreated, reg("two"))
}

func TestServiceTokenAccess(t *testing.T) {
	const token = "svc-admin-token-0123456789abcdef"
	env := setupServer(t, func(c *gatekeeper.Config) {
		c.ServiceTokens = []session.ServiceToken{{Role: session.RoleAdmin, Token: token}}
	})
	resp := doJSON(t, &http.Client{}, http.MethodGet, env.srv.URL+"/api/admin/stats", nil,
		map[string]string{session.ServiceTokenHeader: token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMountedHandlerIsGuarded(t *testing.T) {
	env := setupServer(t, nil)
	env.addSubject(t, "alice", session.RoleUser)
	client := newClient(t)
	tok := fetchCSRF(t, client, env.srv.URL)

	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/clients", map[string]string{}, csrfHeader(tok))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	login(t, env, client, "alice")
	tok = fetchCSRF(t, client, env.srv.URL)
	resp = doJSON(t, client, http.MethodPost, env.srv.URL+"/api/clients", map[string]string{}, csrfHeader(tok))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "alice", resp.Header.Get("X-Subject"))
}

func TestCSRFGeneratorFailure(t *testing.T) {
	env := setupServer(t, nil, gatekeeper.WithCSRFGenerator(csrf.GeneratorFunc(func() (string, error) {
		return "", errors.New("entropy exhausted")
	})))
	resp := doJSON(t, &http.Client{}, http.MethodGet, env.srv.URL+"/api/csrf", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	errResp := decode[gatekeeper.ErrorResponse](t, resp)
	assert.Equal(t, "Internal error", errResp.Error)
	assert.Equal(t, gatekeeper.CodeInternal, errResp.Code)
}

func TestRateLimitHeadersOnSuccess(t *testing.T) {
	env := setupServer(t, nil)
	resp := doJSON(t, &http.Client{}, http.MethodGet, env.srv.URL+"/api/csrf", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "100", resp.Header.Get(ratelimit.HeaderLimit))
	assert.Equal(t, "99", resp.Header.Get(ratelimit.HeaderRemaining))
	assert.NotEmpty(t, resp.Header.Get(ratelimit.HeaderReset))
}

func TestSecurityHeaders(t *testing.T) {
	env := setupServer(t, nil)
	resp := doJSON(t, &http.Client{}, http.MethodGet, env.srv.URL+"/api/openapi.yaml", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))

	resp = doJSON(t, &http.Client{}, http.MethodGet, env.srv.URL+"/api/openapi.yaml", nil,
		map[string]string{"X-Forwarded-Proto": "https"})
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestAdminCredentials(t *testing.T) {
	env := setupServer(t, nil)
	env.addSubject(t, "adam", session.RoleAdmin)
	env.addSubject(t, "sam", session.RoleSuperadmin)
	env.addSubject(t, "ursula", session.RoleUser)
	admin, super, user := newClient(t), newClient(t), newClient(t)
	login(t, env, admin, "adam")
	login(t, env, super, "sam")
	login(t, env, user, "ursula")

	resp := doJSON(t, admin, http.MethodGet, env.srv.URL+"/api/admin/credentials?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.CredentialListResponse](t, resp)
	require.Len(t, list.Credentials, 2)
	assert.Equal(t, "adam", list.Credentials[0].SubjectID)
	assert.Equal(t, "sam", list.Credentials[1].SubjectID)
	assert.Equal(t, 3, list.Total)
	assert.True(t, list.HasMore)

	resp = doJSON(t, admin, http.MethodGet, env.srv.URL+"/api/admin/credentials?offset=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	stateURL := env.srv.URL + "/api/admin/credentials/ursula/state"
	tok := fetchCSRF(t, admin, env.srv.URL)
	resp = doJSON(t, admin, http.MethodPost, stateURL, api.CredentialStateRequest{Disabled: true}, csrfHeader(tok))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "admin cannot change credential state")

	tok = fetchCSRF(t, super, env.srv.URL)
	resp = doJSON(t, super, http.MethodPost, stateURL, api.CredentialStateRequest{Disabled: true}, csrfHeader(tok))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[api.CredentialStateResponse](t, resp)
	assert.True(t, state.Disabled)
	assert.Equal(t, 1, state.RevokedSessions)

	resp = doJSON(t, user, http.MethodGet, env.srv.URL+"/api/auth/session", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A disabled subject cannot log in again.
	utok := fetchCSRF(t, user, env.srv.URL)
	resp = doJSON(t, user, http.MethodPost, env.srv.URL+"/api/auth/login",
		api.LoginRequest{SubjectID: "ursula", Password: testPassword}, csrfHeader(utok))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, super, http.MethodPost, env.srv.URL+"/api/admin/credentials/nobody/state",
		api.CredentialStateRequest{Disabled: true}, csrfHeader(tok))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
