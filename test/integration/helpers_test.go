package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/inkwell-notes/session-service/internal/domain"
	"github.com/inkwell-notes/session-service/internal/http/handler"
	"github.com/inkwell-notes/session-service/internal/http/router"
	"github.com/inkwell-notes/session-service/internal/repository"
	"github.com/inkwell-notes/session-service/internal/security"
	"github.com/inkwell-notes/session-service/internal/service"
)

const (
	testAccessSecret  = "integration-access-secret-0123456789abcdef"
	testRefreshSecret = "integration-refresh-secret-0123456789abcdef"
	testPepper        = "integration-test-pepper"
	testAccessTTL     = 15 * time.Minute
	testRefreshTTL    = 24 * time.Hour
	testStoreTimeout  = 3 * time.Second
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiErrorBody   `json:"error"`
}

type apiErrorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    uint   `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"user"`
}

// newAuthTestServer wires the full HTTP stack over an in-memory sqlite
// database and returns a client with a cookie jar so browser-style flows
// carry the auth cookies automatically.
func newAuthTestServer(t *testing.T) (string, *http.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.RefreshToken{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	jwtMgr, err := security.NewJWTManager("session-service-test", "session-service", testAccessSecret, testRefreshSecret)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	hasher := security.NewPasswordHasher(4)

	users := repository.NewUserRepository(db)
	tokens := repository.NewRefreshTokenRepository(db)

	tokenSvc := service.NewTokenService(jwtMgr, tokens, testPepper, testAccessTTL, testRefreshTTL, testStoreTimeout)
	authSvc := service.NewAuthService(users, tokenSvc, hasher, service.NewInMemoryNegativeLookupCacheStore(), 5*time.Minute, testStoreTimeout)
	sessionSvc := service.NewSessionService(tokens, jwtMgr, testPepper, testStoreTimeout)
	activity := service.NewActivityRecorder(users, slog.New(slog.NewTextHandler(io.Discard, nil)), 16, time.Second)

	mux := router.NewRouter(router.Dependencies{
		AuthHandler:    handler.NewAuthHandler(authSvc, false, testAccessTTL, testRefreshTTL),
		SessionHandler: handler.NewSessionHandler(sessionSvc),
		Verifier:       authSvc,
		Activity:       activity,
	})

	srv := httptest.NewServer(mux)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}
	closeFn := func() {
		srv.Close()
		activity.Close()
	}
	return srv.URL, client, closeFn
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, apiEnvelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope for %s %s: %v", method, url, err)
	}
	return resp, env
}

func decodeData(t *testing.T, env apiEnvelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data payload: %v", err)
	}
}

func cookieValue(t *testing.T, client *http.Client, baseURL, name string) string {
	t.Helper()
	u, err := url.Parse(baseURL + "/api/v1/auth")
	if err != nil {
		t.Fatalf("parse base url: %v", err)
	}
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func registerUser(t *testing.T, client *http.Client, baseURL, email, password string) tokenPair {
	t.Helper()
	resp, env := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", map[string]string{
		"email":    email,
		"name":     "Integration User",
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusCreated || !env.Success {
		t.Fatalf("register failed: status=%d success=%v error=%+v", resp.StatusCode, env.Success, env.Error)
	}
	var pair tokenPair
	decodeData(t, env, &pair)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("register returned an incomplete token pair")
	}
	return pair
}

func loginUser(t *testing.T, client *http.Client, baseURL, email, password string) tokenPair {
	t.Helper()
	resp, env := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login failed: status=%d success=%v error=%+v", resp.StatusCode, env.Success, env.Error)
	}
	var pair tokenPair
	decodeData(t, env, &pair)
	return pair
}

// refreshWith exchanges an explicit refresh token through the request body,
// bypassing whatever cookie the jar currently holds.
func refreshWith(t *testing.T, client *http.Client, baseURL, refreshToken string) (*http.Response, apiEnvelope) {
	t.Helper()
	return doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, nil)
}
