package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/pkg/protocol"
)

// handleRun executes one call spec and answers with a response or
// error envelope. The worker keeps running past the deadline response;
// its slot frees when it finishes.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	spec, err := s.readSpec(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.runLimiter.acquire(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	sl := &slot{l: s.runLimiter}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	type result struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer sl.release()
		resp, err := s.runner.Run(ctx, spec)
		done <- result{resp, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			s.writeError(w, res.err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"type": "response", "data": res.resp})
	case <-ctx.Done():
		if r.Context().Err() != nil {
			// Client went away; nothing to answer.
			return
		}
		s.writeError(w, protocol.NewError(protocol.ErrTimeout, "request timed out after %dms", s.cfg.RequestTimeoutMs))
	}
}

// handleStream executes one call spec as an SSE stream. Admission and
// validation failures answer as plain JSON; once the stream opens,
// failures become terminal error frames.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	spec, err := s.readSpec(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.streamLimiter.acquire(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	sl := &slot{l: s.streamLimiter}
	defer sl.release()

	ch, err := s.runner.RunStream(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, protocol.NewError(protocol.ErrInternal, "streaming unsupported by connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	idle := time.NewTimer(time.Duration(s.cfg.StreamIdleTimeoutMs) * time.Millisecond)
	defer idle.Stop()
	overall := time.NewTimer(time.Duration(s.cfg.RequestTimeoutMs) * time.Millisecond)
	defer overall.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			idle.Reset(time.Duration(s.cfg.StreamIdleTimeoutMs) * time.Millisecond)
			writeSSE(w, flusher, ev)
		case <-idle.C:
			writeSSE(w, flusher, protocol.ErrorEvent(protocol.ErrStreamIdleTimeout,
				fmt.Sprintf("no stream activity for %dms", s.cfg.StreamIdleTimeoutMs)))
			return
		case <-overall.C:
			writeSSE(w, flusher, protocol.ErrorEvent(protocol.ErrTimeout,
				fmt.Sprintf("stream exceeded %dms", s.cfg.RequestTimeoutMs)))
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readSpec reads, validates and decodes the request body.
func (s *Server) readSpec(w http.ResponseWriter, r *http.Request) (*protocol.CallSpec, error) {
	raw, err := readBody(w, r, s.cfg.MaxRequestBytes, time.Duration(s.cfg.BodyReadTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return decodeCallSpec(raw)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev protocol.StreamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
