package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/pkg/protocol"
)

// readBody enforces the transport contract on the request body:
// media type, size cap, and the partial-body read timeout.
func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64, readTimeout time.Duration) ([]byte, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			return nil, protocol.NewError(protocol.ErrUnsupportedMediaType,
				"unsupported content type %q", ct)
		}
	}

	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	go func() {
		data, err := io.ReadAll(body)
		done <- readResult{data, err}
	}()

	timer := time.NewTimer(readTimeout)
	defer timer.Stop()
	select {
	case result := <-done:
		if result.err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(result.err, &tooLarge) {
				return nil, protocol.NewError(protocol.ErrPayloadTooLarge,
					"request body exceeds %d bytes", maxBytes)
			}
			return nil, protocol.WrapError(protocol.ErrInvalidJSON, result.err, "failed to read request body")
		}
		return result.data, nil
	case <-timer.C:
		return nil, protocol.NewError(protocol.ErrBodyReadTimeout, "timed out reading request body")
	case <-r.Context().Done():
		return nil, protocol.WrapError(protocol.ErrInternal, r.Context().Err(), "client went away")
	}
}
