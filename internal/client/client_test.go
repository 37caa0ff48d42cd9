package client_test

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/bus"
	"github.com/dfm-io/dfm/internal/client"
	"github.com/dfm-io/dfm/internal/ir"
	"github.com/dfm-io/dfm/internal/job"
	"github.com/dfm-io/dfm/internal/metrics"
	"github.com/dfm-io/dfm/internal/processsvc"
	"github.com/dfm-io/dfm/internal/response"
)

func newTestServer(t *testing.T) (*httptest.Server, *bus.Bus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := bus.New(rdb, zap.NewNop())
	svc, err := processsvc.New(context.Background(), b, zap.NewNop(), metrics.New(), "localhost", "1.2.3",
		processsvc.AuthConfig{Method: "none"})
	require.NoError(t, err)

	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)
	return srv, b
}

func appendResponse(t *testing.T, b *bus.Bus, requestID string, r response.Response) {
	t.Helper()
	r.Timestamp = time.Now()
	err := b.UpdateDocument(context.Background(), bus.RequestKey(requestID),
		func() any { return &job.RequestState{} },
		func(doc any) error {
			doc.(*job.RequestState).Append(r)
			return nil
		})
	require.NoError(t, err)
}

func TestClientVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.New(client.Config{BaseURL: srv.URL})

	name, version, err := c.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, "dfm-process", name)
	require.Equal(t, "1.2.3", version)
}

func TestClientProcessAssignsRequestID(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.New(client.Config{BaseURL: srv.URL})

	builder := ir.NewBuilder()
	proc, err := builder.NewProcess(nil, nil)
	require.NoError(t, err)
	_, err = builder.NewFunctionCall("dfm.builtin.GreetMe", "builtin", map[string]any{"name": "Ada"}, ir.WithOutput())
	require.NoError(t, err)
	require.NoError(t, builder.Finish(proc))

	requestID, err := c.Process(context.Background(), proc, false)
	require.NoError(t, err)
	require.NotEmpty(t, requestID)
}

func TestClientResponsesTerminatesOnStopNode(t *testing.T) {
	srv, b := newTestServer(t)
	c := client.New(client.Config{BaseURL: srv.URL, PollInterval: 10 * time.Millisecond, PageSize: 10})

	requestID := "req-iter"
	require.NoError(t, b.PutDocument(context.Background(), bus.RequestKey(requestID), job.NewRequestState(requestID, nil)))

	appendResponse(t, b, requestID, response.NewHeartbeat("", "localhost"))
	appendResponse(t, b, requestID, response.NewValue("n1", "done"))

	it := c.Responses(requestID, client.Options{StopNodeIDs: []string{"n1"}, ReturnStatuses: false})

	r, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	v, ok := r.Body.(response.Value)
	require.True(t, ok)
	require.Equal(t, "done", v.Data)

	_, err = it.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestClientResponsesYieldsNilOnEmptyPage(t *testing.T) {
	srv, b := newTestServer(t)
	c := client.New(client.Config{BaseURL: srv.URL, PollInterval: 10 * time.Millisecond, PageSize: 10})

	requestID := "req-empty"
	require.NoError(t, b.PutDocument(context.Background(), bus.RequestKey(requestID), job.NewRequestState(requestID, nil)))

	it := c.Responses(requestID, client.Options{})
	r, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestClientResponsesFiltersErrorsUnlessRequested(t *testing.T) {
	srv, b := newTestServer(t)
	c := client.New(client.Config{BaseURL: srv.URL, PollInterval: 10 * time.Millisecond, PageSize: 10})

	requestID := "req-err"
	require.NoError(t, b.PutDocument(context.Background(), bus.RequestKey(requestID), job.NewRequestState(requestID, nil)))
	appendResponse(t, b, requestID, response.FromError("n1", context.Canceled, ""))
	appendResponse(t, b, requestID, response.NewValue("n1", 42))

	it := c.Responses(requestID, client.Options{StopNodeIDs: []string{"n1"}, ReturnErrors: false})
	r, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	_, isValue := r.Body.(response.Value)
	require.True(t, isValue)
}

func TestRaiseOnErrorOnlyTriggersForErrorBody(t *testing.T) {
	require.Nil(t, client.RaiseOnError(response.NewValue("n1", 1)))
	require.Error(t, client.RaiseOnError(response.FromError("n1", context.Canceled, "")))
}
