package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/completion"
	"goa.design/accumulator/runtime/accumulator/engine"
	"goa.design/accumulator/runtime/accumulator/runtime"
)

type (
	// submitRequest is the body of POST /sessions/{partition}/items.
	submitRequest struct {
		Key     string          `json:"key"`
		Payload json.RawMessage `json:"payload,omitempty"`
		// Async returns as soon as the item is delivered.
		Async bool `json:"async,omitempty"`
	}

	submitResponse struct {
		Session string          `json:"session_id"`
		Key     string          `json:"key"`
		Result  json.RawMessage `json:"result,omitempty"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}

	server struct {
		rt *runtime.Runtime
	}
)

// newHandler mounts the submission API and the health endpoints.
func newHandler(ctx context.Context, rt *runtime.Runtime, pingers ...health.Pinger) http.Handler {
	s := &server{rt: rt}
	mux := goahttp.NewMuxer()
	mux.Use(log.HTTP(ctx))
	mux.Handle(http.MethodPost, "/sessions/{partition}/items", s.submit(mux))
	mux.Handle(http.MethodPost, "/sessions/{partition}/close", s.close(mux))
	mux.Handle(http.MethodGet, "/sessions/{partition}", s.status(mux))
	check := health.Handler(health.NewChecker(pingers...))
	mux.Handle(http.MethodGet, "/healthz", check)
	mux.Handle(http.MethodGet, "/livez", check)
	return mux
}

func (s *server) submit(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partition := mux.Vars(r)["partition"]
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		sess := s.rt.Session(partition)
		h, err := s.rt.Deliver(r.Context(), sess, api.Item{Key: req.Key, Partition: partition, Payload: req.Payload})
		if err != nil {
			writeError(w, err)
			return
		}
		resp := submitResponse{Session: sess.ID, Key: req.Key}
		if req.Async {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
		res, err := h.Wait(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Result = res
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *server) close(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.rt.Close(r.Context(), s.rt.Session(mux.Vars(r)["partition"])); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) status(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.rt.Status(r.Context(), s.rt.Session(mux.Vars(r)["partition"]))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var ferr *completion.FlushError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, runtime.ErrInvalidItem), errors.Is(err, runtime.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrWorkflowNotFound):
		status = http.StatusNotFound
	case errors.Is(err, completion.ErrRejected), errors.Is(err, completion.ErrTerminated),
		errors.Is(err, completion.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, completion.ErrCanceled):
		status = http.StatusGone
	case errors.As(err, &ferr):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// serveHTTP runs srv until ctx is canceled.
func serveHTTP(ctx context.Context, srv *http.Server, wg *sync.WaitGroup, errc chan<- error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", srv.Addr)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", srv.Addr)
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Errorf(ctx, err, "failed to shutdown HTTP server")
		}
	}()
}
