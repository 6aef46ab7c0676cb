package server

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// handleHealth pings every configured store.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := map[string]any{}
	ok := true

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, hc := range s.cfg.HealthChecks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := hc.Pinger.Ping(ctx)

			mu.Lock()
			defer mu.Unlock()
			resp[hc.Name] = err == nil
			if err != nil {
				ok = false
				s.log.Warn().Err(err).Str("store", hc.Name).Msg("health check failed")
			}
		}()
	}
	wg.Wait()

	resp["ok"] = ok
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
