package processsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/bus"
	"github.com/dfm-io/dfm/internal/metrics"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := bus.New(rdb, zap.NewNop())
	svc, err := New(context.Background(), b, zap.NewNop(), metrics.New(), "localhost", "test", AuthConfig{Method: "none"})
	require.NoError(t, err)
	return svc
}

func TestStatusAndVersion(t *testing.T) {
	svc := newTestService(t)
	r := svc.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "OK", status["status"])

	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec2.Code)
}

const greetMeProcess = `{
  "api_class": "dfm.api.Process",
  "site": "localhost",
  "execute": {
    "api_class": "dfm.api.dfm.Execute",
    "body": {
      "x": {
        "api_class": "dfm.builtin.GreetMe",
        "provider": "builtin",
        "is_output": true,
        "name": "Test"
      }
    }
  }
}`

func TestProcessIngestAssignsRequestID(t *testing.T) {
	svc := newTestService(t)
	r := svc.Router()

	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewBufferString(greetMeProcess))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["request_id"])
}

func TestProcessRejectsDeadlineWithoutZone(t *testing.T) {
	svc := newTestService(t)
	r := svc.Router()

	body := `{
      "api_class": "dfm.api.Process",
      "deadline": "2026-07-31T10:00:00",
      "execute": {"api_class":"dfm.api.dfm.Execute","body":{}}
    }`
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestResponsesUnknownRequestID(t *testing.T) {
	svc := newTestService(t)
	r := svc.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/request/responses/does-not-exist", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResponsesEmptySlice(t *testing.T) {
	svc := newTestService(t)
	r := svc.Router()

	postRec := httptest.NewRecorder()
	r.ServeHTTP(postRec, httptest.NewRequest(http.MethodPost, "/process", bytes.NewBufferString(greetMeProcess)))
	require.Equal(t, http.StatusOK, postRec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(postRec.Body.Bytes(), &out))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/request/responses/"+out["request_id"], nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := bus.New(rdb, zap.NewNop())
	svc, err := New(context.Background(), b, zap.NewNop(), metrics.New(), "localhost", "test",
		AuthConfig{Method: "header", HeaderName: "X-DFM-Auth", Token: "secret"})
	require.NoError(t, err)
	r := svc.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process", bytes.NewBufferString(greetMeProcess)))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewBufferString(greetMeProcess))
	req.Header.Set("X-DFM-Auth", "secret")
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
}
