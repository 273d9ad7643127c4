package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyri56xcaesar/accountd/internal/homedir"
	ut "kyri56xcaesar/accountd/internal/utils"
	"kyri56xcaesar/accountd/pkg/accountdir"
)

const (
	testServiceSecret = "e122ea7e"
	testJWTSecret     = "jwt-test-secret"
	testIssuer        = "accountd-test"
)

type testServer struct {
	srv *HTTPService
	cfg accountdir.Config
}

func setupTestServer(t *testing.T, opts ...func(*ut.EnvConfig, *accountdir.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	etc := t.TempDir()
	dcfg := accountdir.DefaultConfig(etc)
	dcfg.PolicyValidator = accountdir.ValidatorNone
	dcfg.LockTimeout = 2 * time.Second

	env := &ut.EnvConfig{
		IP:                 "127.0.0.1",
		API_PORT:           "0",
		API_GIN_MODE:       "test",
		ALLOWED_ORIGINS:    []string{"*"},
		ISSUER:             testIssuer,
		JWT_SECRET_KEY:     []byte(testJWTSecret),
		JWT_VALIDITY_HOURS: 1,
		SERVICE_SECRET_KEY: []byte(testServiceSecret),
		HASH_COST:          4,
		LOCK_TIMEOUT:       2 * time.Second,
	}
	for _, opt := range opts {
		opt(env, &dcfg)
	}

	dir, err := accountdir.New(dcfg)
	require.NoError(t, err)
	require.NoError(t, dir.EnsureLayout())

	var homes *homedir.Provisioner
	if env.HOME_PROVISION {
		homes = homedir.New(dcfg.HomeBase, env.HOME_SKEL_DIR, env.HOME_DRY_RUN, nil)
	}
	srv, err := NewService(env, dir, homes, nil)
	require.NoError(t, err)
	return &testServer{srv: srv, cfg: dir.Config()}
}

// do sends body (marshalled unless it is a string) with the service secret.
func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doWith(t, method, path, body, func(r *http.Request) {
		r.Header.Set(serviceSecretHeader, testServiceSecret)
	})
}

func (ts *testServer) doWith(t *testing.T, method, path string, body any, auth func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		auth(req)
	}
	resp := httptest.NewRecorder()
	ts.srv.Engine.ServeHTTP(resp, req)
	return resp
}

func decodeJSONResponse(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result), resp.Body.String())
	return result
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestNewServiceRequiresASecret(t *testing.T) {
	dir, err := accountdir.New(accountdir.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	_, err = NewService(&ut.EnvConfig{API_GIN_MODE: "test"}, dir, nil, nil)
	assert.Error(t, err)
}

func TestHealthzIsPublic(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.doWith(t, http.MethodGet, "/v1/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "alive", decodeJSONResponse(t, resp)["status"])
	assert.NotEmpty(t, resp.Header().Get(requestIDHeader))
}

func TestAuthentication(t *testing.T) {
	ts := setupTestServer(t)

	admin, err := IssueToken([]byte(testJWTSecret), testIssuer, "root", []string{"user", AdminGroup}, time.Hour)
	require.NoError(t, err)
	plain, err := IssueToken([]byte(testJWTSecret), testIssuer, "alice", []string{"user"}, time.Hour)
	require.NoError(t, err)
	forged, err := IssueToken([]byte("other-secret"), testIssuer, "root", []string{AdminGroup}, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken([]byte(testJWTSecret), testIssuer, "root", []string{AdminGroup}, -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken([]byte(testJWTSecret), "someone-else", "root", []string{AdminGroup}, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name string
		auth func(*http.Request)
		want int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"wrong service secret", func(r *http.Request) { r.Header.Set(serviceSecretHeader, "nope") }, http.StatusUnauthorized},
		{"service secret", func(r *http.Request) { r.Header.Set(serviceSecretHeader, testServiceSecret) }, http.StatusOK},
		{"admin token", bearer(admin), http.StatusOK},
		{"non admin token", bearer(plain), http.StatusForbidden},
		{"forged token", bearer(forged), http.StatusUnauthorized},
		{"expired token", bearer(expired), http.StatusUnauthorized},
		{"foreign issuer", bearer(foreign), http.StatusUnauthorized},
		{"malformed header", func(r *http.Request) { r.Header.Set("Authorization", admin) }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.doWith(t, http.MethodGet, "/v1/users", nil, tc.auth)
			assert.Equal(t, tc.want, resp.Code, resp.Body.String())
		})
	}
}

func TestUserLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/users", map[string]any{
		"name": "alice", "uid": 2001, "gid": 2001, "password": "s3cret", "sudo": true,
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	user := decodeJSONResponse(t, resp)["user"].(map[string]any)
	assert.Equal(t, "/home/alice", user["home"])
	assert.NotContains(t, user, "password")

	assert.Equal(t, []string{"alice:x:2001:2001::/home/alice:/bin/bash"}, fileLines(t, ts.cfg.PasswdPath))
	assert.Equal(t, []string{"alice:x:2001:"}, fileLines(t, ts.cfg.GroupPath))
	shadow := fileLines(t, ts.cfg.ShadowPath)
	require.Len(t, shadow, 1)
	hash := strings.Split(shadow[0], ":")[1]
	assert.True(t, strings.HasPrefix(hash, "$6$"), hash)
	assert.True(t, accountdir.VerifyPassword(hash, "s3cret"))
	_, err := os.Stat(filepath.Join(ts.cfg.PolicyDir, "alice"))
	assert.NoError(t, err)

	resp = ts.do(t, http.MethodGet, "/v1/users/alice", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	info := decodeJSONResponse(t, resp)
	groups := info["groups"].([]any)
	require.Len(t, groups, 1)
	assert.Equal(t, "primary", groups[0].(map[string]any)["role"])

	resp = ts.do(t, http.MethodDelete, "/v1/users/alice", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, []any{"alice"}, decodeJSONResponse(t, resp)["pruned_groups"])
	assert.Empty(t, fileLines(t, ts.cfg.PasswdPath))
	assert.Empty(t, fileLines(t, ts.cfg.GroupPath))
	assert.Empty(t, fileLines(t, ts.cfg.ShadowPath))

	resp = ts.do(t, http.MethodGet, "/v1/users/alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "user", decodeJSONResponse(t, resp)["kind"])
}

func TestCreateUserErrors(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/users",
		map[string]any{"name": "alice", "uid": 2001, "gid": 2001}).Code)

	cases := []struct {
		name   string
		body   any
		want   int
		reason string
	}{
		{"duplicate name", map[string]any{"name": "alice", "uid": 2002, "gid": 2002}, http.StatusConflict, string(accountdir.DuplicateUser)},
		{"duplicate uid", map[string]any{"name": "bob", "uid": 2001, "gid": 2002}, http.StatusConflict, string(accountdir.DuplicateUID)},
		{"missing uid", map[string]any{"name": "bob", "gid": 2002}, http.StatusBadRequest, ""},
		{"hash and password", map[string]any{"name": "bob", "uid": 2002, "gid": 2002, "hash": "$6$x", "password": "p"}, http.StatusBadRequest, ""},
		{"bad name", map[string]any{"name": "bo:b", "uid": 2002, "gid": 2002}, http.StatusBadRequest, ""},
		{"not json", "{", http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/v1/users", tc.body)
			assert.Equal(t, tc.want, resp.Code, resp.Body.String())
			if tc.reason != "" {
				assert.Equal(t, tc.reason, decodeJSONResponse(t, resp)["reason"])
			}
		})
	}
	assert.Len(t, fileLines(t, ts.cfg.PasswdPath), 1)
}

func TestPasswordAndLocking(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/users",
		map[string]any{"name": "alice", "uid": 2001, "gid": 2001, "hash": "$6$old"}).Code)

	hashOf := func() string {
		return strings.Split(fileLines(t, ts.cfg.ShadowPath)[0], ":")[1]
	}

	resp := ts.do(t, http.MethodPut, "/v1/users/alice/password", map[string]any{"hash": "$6$new"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "$6$new", hashOf())

	resp = ts.do(t, http.MethodPut, "/v1/users/alice/password", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/users/alice/lock", nil).Code)
	assert.Equal(t, "!$6$new", hashOf())
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/users/alice/unlock", nil).Code)
	assert.Equal(t, "$6$new", hashOf())

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/users/ghost/lock", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPut, "/v1/users/ghost/password", map[string]any{"hash": "$6$x"}).Code)
}

func TestGroupsAndPeers(t *testing.T) {
	ts := setupTestServer(t)
	for _, u := range []map[string]any{
		{"name": "alice", "uid": 2001, "gid": 2001, "home": "/srv/alice"},
		{"name": "bob", "uid": 2002, "gid": 2002, "home": "/srv/bob"},
	} {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/users", u).Code)
	}

	resp := ts.do(t, http.MethodPost, "/v1/groups", map[string]any{"name": "dev", "gid": 3000, "members": []string{"alice"}})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/v1/groups", map[string]any{"name": "ops", "gid": 3000}).Code)

	resp = ts.do(t, http.MethodPost, "/v1/users/bob/groups", map[string]any{"groups": []string{"dev"}})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/users/bob/groups", map[string]any{"groups": []string{"nope"}}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/v1/users/bob/groups", map[string]any{"groups": []string{}}).Code)

	resp = ts.do(t, http.MethodGet, "/v1/peers?gid=3000&exclude=alice", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, []any{map[string]any{"username": "bob", "home": "/srv/bob"}}, decodeJSONResponse(t, resp)["peers"])

	resp = ts.do(t, http.MethodGet, "/v1/peers?gid=3000,2001", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decodeJSONResponse(t, resp)["peers"], 2)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/peers?gid=abc", nil).Code)

	resp = ts.do(t, http.MethodGet, "/v1/peers", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []any{}, decodeJSONResponse(t, resp)["peers"])

	resp = ts.do(t, http.MethodDelete, "/v1/users/bob/groups", map[string]any{"groups": []string{"dev"}})
	require.Equal(t, http.StatusOK, resp.Code)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodDelete, "/v1/groups/alice", nil).Code, "primary group of alice")
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/v1/groups/dev", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/v1/groups/dev", nil).Code)

	resp = ts.do(t, http.MethodGet, "/v1/groups", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decodeJSONResponse(t, resp)["groups"], 2)
}

func TestLockContentionIsUnavailable(t *testing.T) {
	ts := setupTestServer(t, func(env *ut.EnvConfig, d *accountdir.Config) {
		d.LockTimeout = 100 * time.Millisecond
	})

	var other accountdir.Locker
	guard, err := other.Acquire(context.Background(), ts.cfg.PasswdPath, accountdir.ExclusiveLock)
	require.NoError(t, err)
	defer guard.Release()

	resp := ts.do(t, http.MethodPost, "/v1/users", map[string]any{"name": "alice", "uid": 2001, "gid": 2001})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code, resp.Body.String())
	assert.Equal(t, retryAfter, resp.Header().Get("Retry-After"))
	assert.Empty(t, fileLines(t, ts.cfg.GroupPath))
}

func TestReconcileRoute(t *testing.T) {
	ts := setupTestServer(t)
	require.NoError(t, os.WriteFile(ts.cfg.ShadowPath, []byte("zombie:$6$z:19000:0:99999:7:::\n"), 0o600))

	resp := ts.do(t, http.MethodPost, "/v1/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeJSONResponse(t, resp)
	assert.Equal(t, false, body["clean"])
	assert.Len(t, body["outstanding"], 1)

	resp = ts.do(t, http.MethodPost, "/v1/admin/reconcile?repair=true", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, decodeJSONResponse(t, resp)["outstanding"])
	assert.Empty(t, fileLines(t, ts.cfg.ShadowPath))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/v1/admin/reconcile?repair=maybe", nil).Code)
}

func TestHomeProvisioning(t *testing.T) {
	skel := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(skel, ".profile"), []byte("export PS1='$ '\n"), 0o644))
	base := filepath.Join(t.TempDir(), "home")

	ts := setupTestServer(t, func(env *ut.EnvConfig, d *accountdir.Config) {
		env.HOME_PROVISION = true
		env.HOME_SKEL_DIR = skel
		d.HomeBase = base
	})

	resp := ts.do(t, http.MethodPost, "/v1/users", map[string]any{"name": "alice", "uid": 2001, "gid": 2001})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.NotContains(t, decodeJSONResponse(t, resp), "home_error")
	home := filepath.Join(base, "alice")
	assert.FileExists(t, filepath.Join(home, ".profile"))

	resp = ts.do(t, http.MethodDelete, "/v1/users/alice?remove_home=true", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.NoDirExists(t, home)
}

func TestHomeOutsideBaseRejected(t *testing.T) {
	base := filepath.Join(t.TempDir(), "home")
	ts := setupTestServer(t, func(env *ut.EnvConfig, d *accountdir.Config) {
		env.HOME_PROVISION = true
		env.HOME_SKEL_DIR = t.TempDir()
		d.HomeBase = base
	})

	for _, home := range []string{"/etc", base + "/../etc", base} {
		resp := ts.do(t, http.MethodPost, "/v1/users", map[string]any{"name": "alice", "uid": 2001, "gid": 2001, "home": home})
		assert.Equal(t, http.StatusBadRequest, resp.Code, home)
	}
	assert.Empty(t, fileLines(t, ts.cfg.PasswdPath), "no account is written")
}
