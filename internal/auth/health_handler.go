// health_handler.go -- GET /health.
package auth

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// healthTimeout bounds each dependency check so a hung backend reports as
// down instead of stalling the load balancer.
const healthTimeout = 2 * time.Second

// HealthReport is the /health body. Status is "ok" or "degraded".
type HealthReport struct {
	Status   string `json:"status"`
	Postgres string `json:"postgres"`
	Redis    string `json:"redis"`
}

// CheckHealth pings Postgres and Redis in parallel. 503 when either fails.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checkDep := func(name string, check func(context.Context) error) string {
		start := time.Now()
		if err := check(ctx); err != nil {
			logError(r, "health check failed", "dependency", name, "error", err, "elapsed", time.Since(start))
			return "error"
		}
		return "ok"
	}

	var report HealthReport
	var wg sync.WaitGroup
	wg.Go(func() { report.Postgres = checkDep("postgres", h.PS.CheckHealth) })
	wg.Go(func() { report.Redis = checkDep("redis", h.RS.CheckHealth) })
	wg.Wait()

	status := http.StatusOK
	report.Status = "ok"
	if report.Postgres != "ok" || report.Redis != "ok" {
		status = http.StatusServiceUnavailable
		report.Status = "degraded"
	}
	WriteJSON(w, status, report)
}
