package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"modelgate/internal/ctx"
	"modelgate/internal/shared"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestParseAPIKeys(t *testing.T) {
	keys, err := ParseAPIKeys(" " + testKey + ":alice , ")
	require.NoError(t, err)
	c, err := keys.Lookup(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, Caller{ActorID: "alice"}, *c)

	keys, err = ParseAPIKeys(testKey + ":ops:admin")
	require.NoError(t, err)
	assert.True(t, keys[testKey].Admin)

	for _, bad := range []string{"short:alice", testKey, testKey + ":", testKey + ":ops:root"} {
		_, err := ParseAPIKeys(bad)
		assert.Error(t, err, bad)
	}

	_, err = StaticKeys{}.Lookup(context.Background(), testKey)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestSQLKeysCachesInRedis(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	keys := NewSQLKeys(db, rc, zap.NewNop().Sugar())
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_key")).
		WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"actor_id", "role"}).AddRow("team-a", "admin"))

	c, err := keys.Lookup(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, Caller{ActorID: "team-a", Admin: true}, *c)

	cacheKey := "modelgate:v1:apikey:" + testKey
	require.Eventually(t, func() bool { return mr.Exists(cacheKey) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, shared.APIKeyCacheTTL, mr.TTL(cacheKey))

	// Second lookup is served from redis.
	c, err = keys.Lookup(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "team-a", c.ActorID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLKeysRejectsUnknownKeys(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	keys := NewSQLKeys(db, nil, zap.NewNop().Sugar())

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_key")).WillReturnError(errors.New("connection refused"))
	_, err = keys.Lookup(context.Background(), testKey)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func newTracked(log *zap.SugaredLogger, auth *Auth, h echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	g := e.Group("")
	g.Use(NewTrackMiddleware(log))
	g.Use(NewRecoverMiddleware(log))
	g.GET("/open", h, auth.ExtractCaller)
	g.GET("/closed", h, auth.ExtractCaller, auth.RequireCaller)
	g.GET("/admin", h, auth.ExtractCaller, auth.RequireCaller, auth.RequireAdmin)
	g.GET("/panic", func(echo.Context) error { panic("boom") })
	return e
}

func serve(e *echo.Echo, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTrackLogsEndOfRequest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := zap.New(core).Sugar()

	var seen *ctx.Context
	e := newTracked(log, NewAuth(nil), func(c echo.Context) error {
		seen = c.(*ctx.Context)
		return c.String(http.StatusOK, "ok")
	})

	rec := serve(e, "/open", map[string]string{ExternalIDHeader: "upstream-1", shared.CallerIDHeader: "dev"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "dev", seen.ActorID)
	assert.Equal(t, seen.Reqid, rec.Header().Get(ExternalIDHeader))

	entries := logs.FilterMessage("end_of_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()["request"].(map[string]any)
	assert.Equal(t, "upstream-1", fields["external_id"])
	assert.Equal(t, "dev", fields["actor_id"])
	assert.EqualValues(t, 200, fields["status_code"])
}

func TestAuthRequirements(t *testing.T) {
	keys := StaticKeys{testKey: {ActorID: "alice"}}
	log := zap.NewNop().Sugar()
	e := newTracked(log, NewAuth(keys), func(c echo.Context) error {
		return c.String(http.StatusOK, c.(*ctx.Context).ActorID)
	})
	bearer := map[string]string{"Authorization": "Bearer " + testKey}

	assert.Equal(t, http.StatusOK, serve(e, "/open", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(e, "/closed", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(e, "/closed", map[string]string{shared.CallerIDHeader: "alice"}).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(e, "/closed", map[string]string{"Authorization": "Bearer nope"}).Code)

	rec := serve(e, "/closed", bearer)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
	assert.Equal(t, http.StatusForbidden, serve(e, "/admin", bearer).Code)
}

func TestRecoverAndErrorLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := newTracked(zap.New(core).Sugar(), NewAuth(nil), nil)

	rec := serve(e, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("Api Panic").Len())

	ends := logs.FilterMessage("end_of_request").All()
	require.Len(t, ends, 1)
	assert.Equal(t, zapcore.ErrorLevel, ends[0].Level)

	assert.Equal(t, zapcore.WarnLevel, levelFor(&ctx.ContextLogValues{StatusCode: 404}))
	assert.Equal(t, zapcore.ErrorLevel, levelFor(&ctx.ContextLogValues{StatusCode: 200, LogLevel: "ERROR"}))
}
