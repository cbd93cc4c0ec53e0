package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type hostStats struct {
	UptimeSeconds uint64  `json:"uptime_seconds"`
	MemoryUsedPct float64 `json:"memory_used_pct"`
}

// health reports store reachability, registered modules and job state.
// The status code is 503 when the store cannot be reached.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	storeState := "ok"
	if err := h.app.Store.Ping(ctx); err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("health: store ping failed")
		status, code = "degraded", http.StatusServiceUnavailable
		storeState = "unreachable"
	}

	body := map[string]interface{}{
		"status":   status,
		"store":    storeState,
		"modules":  h.app.Descriptors(),
		"services": h.app.Services(),
		"jobs":     h.app.Jobs.Runs(),
	}
	if hs, ok := readHostStats(ctx); ok {
		body["host"] = hs
	}
	writeJSON(w, code, body)
}

func readHostStats(ctx context.Context) (hostStats, bool) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return hostStats{}, false
	}
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return hostStats{}, false
	}
	return hostStats{UptimeSeconds: uptime, MemoryUsedPct: vm.UsedPercent}, true
}
