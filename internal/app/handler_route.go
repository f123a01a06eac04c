package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/router"
)

var routeHTTPClient = &http.Client{Timeout: 120 * time.Second}

type routeRequestBody struct {
	Model string `json:"model"`
}

// routeHandler is the generic proxy submission entry point: it asks the
// routing core (C11) to pick a healthy server for the requested model and
// forwards the original request body to it, retrying across the router's
// failover candidates on transient failure.
func (a *Application) routeHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	var parsed routeRequestBody
	_ = json.Unmarshal(body, &parsed)

	capability := domain.CapabilityOllama
	var rc domain.RoutingContext

	var resp *http.Response
	op := router.Op(func(ctx context.Context, s *domain.Server) error {
		req, buildErr := http.NewRequestWithContext(ctx, r.Method, s.URL+r.URL.Path, bytes.NewReader(body))
		if buildErr != nil {
			return buildErr
		}
		req.Header = r.Header.Clone()

		var doErr error
		resp, doErr = routeHTTPClient.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			defer resp.Body.Close()
			return errors.New("upstream returned server error")
		}
		return nil
	})

	err = a.orchestrator.TryRequestWithFailover(r.Context(), parsed.Model, capability, op, &rc)
	if err != nil {
		writeRouteError(w, err)
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Olla-Server-Id", rc.SelectedServerID)
	w.Header().Set("X-Olla-Correlation-Id", rc.CorrelationID)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeRouteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrModelNotFound), errors.Is(err, domain.ErrServerNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrDeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, domain.ErrAborted):
		http.Error(w, err.Error(), 499)
	case errors.Is(err, domain.ErrNoHealthyServers),
		errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrPermanentlyBanned),
		errors.Is(err, domain.ErrInCooldown),
		errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, domain.ErrQueuePaused):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
