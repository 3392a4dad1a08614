package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"saltvault/internal/server/config"
	"saltvault/internal/server/crypto"
	"saltvault/internal/server/database"
	"saltvault/internal/server/service"
	"saltvault/internal/server/storage"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *echo.Echo {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		DatabaseURL:    "sqlite://" + filepath.Join(dir, "vault.db"),
		StoragePath:    filepath.Join(dir, "files"),
		MaxFileSize:    1024,
		KDFIterations:  1000,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
	for _, m := range mutate {
		m(cfg)
	}

	repo, err := database.Open(context.Background(), cfg.DatabaseURL)
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	blobs := storage.NewFileSystemStore(cfg.StoragePath)
	require.NoError(t, blobs.EnsureDir())

	sessions := service.NewSessionManager(repo)
	vault := service.NewFileVault(repo, blobs,
		service.WithKDF(crypto.KDF{Iterations: cfg.KDFIterations}),
		service.WithMaxFileSize(cfg.MaxFileSize),
	)
	handler := NewHandler(service.NewCredentialStore(repo), sessions, vault, repo, cfg)
	e := SetupRouter(handler, cfg)
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e
}

func do(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func formRequest(method, target string, values url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(values.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return req
}

func register(t *testing.T, e *echo.Echo, username string) *http.Cookie {
	t.Helper()
	rec := do(e, formRequest(http.MethodPost, "/api/register", url.Values{
		"username": {username},
		"password": {"pw-" + username},
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

type part struct {
	field    string
	filename string
	body     string
}

func multipartRequest(t *testing.T, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		var fw interface{ Write([]byte) (int, error) }
		var err error
		if p.filename != "" {
			fw, err = w.CreateFormFile(p.field, p.filename)
		} else {
			fw, err = w.CreateFormField(p.field)
		}
		require.NoError(t, err)
		_, err = fw.Write([]byte(p.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload_file", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func upload(t *testing.T, e *echo.Echo, cookie *http.Cookie, name, pwd, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := multipartRequest(t, part{field: "file", filename: name, body: body}, part{field: "pwd", body: pwd})
	req.AddCookie(cookie)
	return do(e, req)
}

func download(e *echo.Echo, cookie *http.Cookie, name, pwd string) *httptest.ResponseRecorder {
	req := formRequest(http.MethodPost, "/api/download_file", url.Values{"file_name": {name}, "pwd": {pwd}})
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return do(e, req)
}

func TestRegisterAndLogin(t *testing.T) {
	e := newTestServer(t)
	cookie := register(t, e, "alice")

	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, 3600, cookie.MaxAge)

	t.Run("duplicate register", func(t *testing.T) {
		rec := do(e, formRequest(http.MethodPost, "/api/register", url.Values{"username": {"alice"}, "password": {"x"}}))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("legacy auth route registers", func(t *testing.T) {
		rec := do(e, formRequest(http.MethodPost, "/api/auth", url.Values{"username": {"carol"}, "password": {"x"}}))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("login", func(t *testing.T) {
		rec := do(e, formRequest(http.MethodPost, "/api/login", url.Values{"username": {"alice"}, "password": {"pw-alice"}}))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Session   string    `json:"session"`
			ExpiresAt time.Time `json:"expires_at"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body.Session)
		assert.NotEqual(t, cookie.Value, body.Session, "each login issues a new session")
	})

	t.Run("bad login", func(t *testing.T) {
		for _, creds := range []url.Values{
			{"username": {"alice"}, "password": {"wrong"}},
			{"username": {"nobody"}, "password": {"pw-alice"}},
		} {
			rec := do(e, formRequest(http.MethodPost, "/api/login", creds))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, rec.Result().Cookies())
		}
	})

	t.Run("empty fields rejected", func(t *testing.T) {
		rec := do(e, formRequest(http.MethodPost, "/api/register", url.Values{"username": {""}, "password": {"x"}}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadDownload(t *testing.T) {
	e := newTestServer(t)
	cookie := register(t, e, "alice")

	rec := upload(t, e, cookie, "notes.txt", "secret", "hello world")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = download(e, cookie, "notes.txt", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMETextPlain))

	t.Run("wrong password", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, download(e, cookie, "notes.txt", "nope").Code)
	})

	t.Run("missing file", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, download(e, cookie, "other.txt", "secret").Code)
	})

	t.Run("traversal", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, download(e, cookie, "../notes.txt", "secret").Code)
		for _, name := range []string{"../../x", "../secret", "a/b", "/etc/passwd"} {
			rec := upload(t, e, cookie, name, "pw", "x")
			assert.Equal(t, http.StatusBadRequest, rec.Code, "upload %q: %s", name, rec.Body.String())
		}
		for _, name := range []string{"x", "secret", "b", "passwd"} {
			assert.Equal(t, http.StatusNotFound, download(e, cookie, name, "pw").Code, "download %q", name)
		}
	})

	t.Run("bearer header", func(t *testing.T) {
		req := formRequest(http.MethodPost, "/api/download_file", url.Values{"file_name": {"notes.txt"}, "pwd": {"secret"}})
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+cookie.Value)
		rec := do(e, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("other user cannot read", func(t *testing.T) {
		bob := register(t, e, "bob")
		assert.Equal(t, http.StatusNotFound, download(e, bob, "notes.txt", "secret").Code)
	})
}

func TestUploadForm(t *testing.T) {
	e := newTestServer(t)
	cookie := register(t, e, "alice")

	tests := []struct {
		name  string
		parts []part
		want  int
	}{
		{"unknown part", []part{{field: "file", filename: "a.txt", body: "a"}, {field: "pwd", body: "p"}, {field: "extra", body: "x"}}, http.StatusBadRequest},
		{"missing pwd", []part{{field: "file", filename: "a.txt", body: "a"}}, http.StatusBadRequest},
		{"missing file", []part{{field: "pwd", body: "p"}}, http.StatusBadRequest},
		{"file without filename", []part{{field: "file", body: "a"}, {field: "pwd", body: "p"}}, http.StatusBadRequest},
		{"duplicate file", []part{{field: "file", filename: "a.txt", body: "a"}, {field: "file", filename: "b.txt", body: "b"}, {field: "pwd", body: "p"}}, http.StatusBadRequest},
		{"empty password", []part{{field: "file", filename: "a.txt", body: "a"}, {field: "pwd", body: ""}}, http.StatusBadRequest},
		{"binary contents", []part{{field: "file", filename: "a.bin", body: "\xff\xfe"}, {field: "pwd", body: "p"}}, http.StatusBadRequest},
		{"too large", []part{{field: "file", filename: "a.txt", body: strings.Repeat("x", 1025)}, {field: "pwd", body: "p"}}, http.StatusRequestEntityTooLarge},
		{"at limit", []part{{field: "file", filename: "a.txt", body: strings.Repeat("x", 1024)}, {field: "pwd", body: "p"}}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := multipartRequest(t, tt.parts...)
			req.AddCookie(cookie)
			rec := do(e, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	t.Run("not multipart", func(t *testing.T) {
		req := formRequest(http.MethodPost, "/api/upload_file", url.Values{"pwd": {"p"}})
		req.AddCookie(cookie)
		assert.Equal(t, http.StatusBadRequest, do(e, req).Code)
	})
}

func TestSessionRequired(t *testing.T) {
	e := newTestServer(t)
	register(t, e, "alice")

	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{"no session", nil},
		{"garbage token", &http.Cookie{Name: sessionCookie, Value: "not-a-number"}},
		{"zero token", &http.Cookie{Name: sessionCookie, Value: "0"}},
		{"unknown token", &http.Cookie{Name: sessionCookie, Value: "1234567890"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, download(e, tt.cookie, "a.txt", "pw").Code)

			req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			assert.Equal(t, http.StatusUnauthorized, do(e, req).Code)
		})
	}
}

func TestListAndDelete(t *testing.T) {
	e := newTestServer(t)
	cookie := register(t, e, "alice")
	require.Equal(t, http.StatusCreated, upload(t, e, cookie, "b.txt", "pw", "bb").Code)
	require.Equal(t, http.StatusCreated, upload(t, e, cookie, "a.txt", "pw", "a").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.AddCookie(cookie)
	rec := do(e, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Files []service.FileInfo `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Files, 2)
	assert.Equal(t, "a.txt", body.Files[0].Name)
	assert.Equal(t, int64(2), body.Files[1].Size)

	del := func(path string) int {
		req := httptest.NewRequest(http.MethodDelete, path, nil)
		req.AddCookie(cookie)
		return do(e, req).Code
	}
	assert.Equal(t, http.StatusOK, del("/api/files/a.txt"))
	assert.Equal(t, http.StatusNotFound, del("/api/files/a.txt"))
	assert.Equal(t, http.StatusBadRequest, del("/api/files/..%2Fb.txt"))
	assert.Equal(t, http.StatusNotFound, download(e, cookie, "a.txt", "pw").Code)
	assert.Equal(t, http.StatusOK, download(e, cookie, "b.txt", "pw").Code)
}

func TestHealth(t *testing.T) {
	e := newTestServer(t)
	rec := do(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestHealth_DatabaseDown(t *testing.T) {
	repo, err := database.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	repo.Close()

	h := NewHandler(nil, nil, nil, repo, &config.Config{})
	e := echo.New()
	e.GET("/health", h.HandleHealth)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","database":"error"}`, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	e := newTestServer(t, func(c *config.Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := do(e, formRequest(http.MethodPost, "/api/login", url.Values{"username": {"x"}, "password": {"y"}}))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("1.1.1.1"))
	assert.True(t, rl.allow("1.1.1.1"))
	assert.False(t, rl.allow("1.1.1.1"))
	assert.True(t, rl.allow("2.2.2.2"), "buckets are per IP")

	now = now.Add(time.Second)
	assert.True(t, rl.allow("1.1.1.1"), "tokens refill over time")

	now = now.Add(time.Hour)
	rl.sweep()
	assert.Empty(t, rl.buckets)
}
