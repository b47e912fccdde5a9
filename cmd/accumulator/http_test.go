package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"goa.design/accumulator/runtime/accumulator/aggregator"
	"goa.design/accumulator/runtime/accumulator/completion"
	"goa.design/accumulator/runtime/accumulator/runtime"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

type downPinger struct{}

func (downPinger) Name() string               { return "batch-mongo" }
func (downPinger) Ping(context.Context) error { return errors.New("no primary") }

func newTestServer(t *testing.T) (*runtime.Runtime, *httptest.Server) {
	t.Helper()
	rt, err := runtime.New(
		runtime.WithFlusher(logFlusher(telemetry.NewNoopLogger())),
		runtime.WithLoop(aggregator.Options{IdleTimeout: time.Hour}),
	)
	require.NoError(t, err)
	require.NoError(t, rt.RegisterWorker(context.Background()))
	srv := httptest.NewServer(newHandler(log.Context(context.Background()), rt))
	t.Cleanup(srv.Close)
	return rt, srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSubmitAndCloseOverHTTP(t *testing.T) {
	rt, srv := newTestServer(t)

	resp := post(t, srv.URL+"/sessions/blue/items", `{"key":"k1","payload":{"n":1},"async":true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	done := make(chan *http.Response, 1)
	go func() {
		r, err := http.Post(srv.URL+"/sessions/blue/items", "application/json", strings.NewReader(`{"key":"k2"}`))
		if err == nil {
			done <- r
		}
	}()
	require.Eventually(t, func() bool {
		st, err := rt.Status(context.Background(), rt.Session("blue"))
		return err == nil && st.Pending+st.Accepted == 2
	}, 2*time.Second, 5*time.Millisecond)

	resp = post(t, srv.URL+"/sessions/blue/close", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case r := <-done:
		defer r.Body.Close()
		require.Equal(t, http.StatusOK, r.StatusCode)
		var body submitResponse
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "acc-blue", body.Session)
		require.JSONEq(t, `{"count":2}`, string(body.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("synchronous submit did not return")
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	_, srv := newTestServer(t)

	resp := post(t, srv.URL+"/sessions/blue/items", `{"payload":1}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/sessions/blue/items", `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusOfUnknownSession(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/sessions/nobody")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReportsPingers(t *testing.T) {
	rt, err := runtime.New()
	require.NoError(t, err)
	srv := httptest.NewServer(newHandler(log.Context(context.Background()), rt, downPinger{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWriteErrorStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{runtime.ErrInvalidItem, http.StatusBadRequest},
		{completion.ErrRejected, http.StatusConflict},
		{completion.ErrTerminated, http.StatusConflict},
		{completion.ErrDuplicate, http.StatusConflict},
		{completion.ErrCanceled, http.StatusGone},
		{&completion.FlushError{Generation: 1, Message: "boom"}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		writeError(w, c.err)
		require.Equal(t, c.want, w.Code, c.err.Error())
	}
}
