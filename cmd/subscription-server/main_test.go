package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirsub/internal/config"
	"github.com/ehr/fhirsub/internal/domain/subscription"
	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/db"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Port:                "8000",
		Env:                 env,
		AuthSigningKey:      "0123456789abcdef0123456789abcdef",
		CORSOrigins:         []string{"*"},
		NotifyTimeout:       time.Second,
		ExpirySweepInterval: time.Minute,
		RateLimitRPS:        100,
		RateLimitBurst:      100,
	}
}

func newTestApp(t *testing.T, env string) *app {
	t.Helper()
	a, err := buildApp(context.Background(), testConfig(env), zerolog.Nop(), subscription.NewMemoryRepository(), nil)
	require.NoError(t, err)
	t.Cleanup(a.engine.Wait)
	return a
}

func serve(a *app, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/fhir+json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestApp(t, "development")

	rec := serve(a, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(a, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(a, http.MethodGet, "/health/db", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "db health is only mounted with a pool")
}

func TestMetadataListsChannels(t *testing.T) {
	a := newTestApp(t, "development")

	rec := serve(a, http.MethodGet, "/fhir/metadata", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cs map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	assert.Equal(t, "CapabilityStatement", cs["resourceType"])

	rest := cs["rest"].([]interface{})[0].(map[string]interface{})
	exts := rest["extension"].([]interface{})
	assert.Len(t, exts, 5)
}

func TestDevModeCreateAndRead(t *testing.T) {
	a := newTestApp(t, "development")

	rec := serve(a, http.MethodPost, "/fhir/Subscription", `{
		"resourceType": "Subscription",
		"criteria": "Observation?code=1234",
		"channel": {"type": "email", "endpoint": "mailto:oncall@example.org"}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	rec = serve(a, http.MethodGet, "/fhir/Subscription/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProductionRequiresToken(t *testing.T) {
	a := newTestApp(t, "production")

	rec := serve(a, http.MethodGet, "/fhir/Subscription", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(a, http.MethodGet, "/fhir/metadata", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMigrateCommandTree(t *testing.T) {
	cmd := migrateCmd()
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"up", "status"}, names)

	flag := serveCmd().Flags().Lookup("memory")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "subscription", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "later"},
	})
	out := buf.String()
	assert.Contains(t, out, "2026-01-02 03:04:05")
	assert.Contains(t, out, "pending")
}

func TestUnknownRouteIsNotFoundInProduction(t *testing.T) {
	a := newTestApp(t, "production")
	rec := serve(a, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(a, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func tokenFor(t *testing.T, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testConfig("production").AuthSigningKey))
	require.NoError(t, err)
	return signed
}

func serveWithToken(a *app, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestWebSocketRequiresSubscriptionRole(t *testing.T) {
	a := newTestApp(t, "production")

	rec := serveWithToken(a, http.MethodGet, "/ws", tokenFor(t, "event-publisher"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	for _, role := range []string{"subscription-reader", "subscription-writer", "admin"} {
		rec = serveWithToken(a, http.MethodGet, "/ws", tokenFor(t, role))
		// past the role check the upgrader rejects a plain GET
		assert.NotEqual(t, http.StatusUnauthorized, rec.Code, role)
		assert.NotEqual(t, http.StatusForbidden, rec.Code, role)
	}
}

func TestRouteRoles(t *testing.T) {
	a := newTestApp(t, "production")

	rec := serveWithToken(a, http.MethodGet, "/fhir/Subscription", tokenFor(t, "event-publisher"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveWithToken(a, http.MethodGet, "/fhir/Subscription", tokenFor(t, "subscription-reader"))
	assert.Equal(t, http.StatusOK, rec.Code)
}
