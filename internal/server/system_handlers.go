package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/foresight/internal/database"
	"github.com/aristath/foresight/internal/di"
)

// systemHandlers serves health and host-level operational endpoints.
type systemHandlers struct {
	c         *di.Container
	startedAt time.Time
	log       zerolog.Logger
}

func newSystemHandlers(c *di.Container, log zerolog.Logger) *systemHandlers {
	return &systemHandlers{
		c:         c,
		startedAt: time.Now(),
		log:       log.With().Str("component", "system_handlers").Logger(),
	}
}

type databaseHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (h *systemHandlers) health(w http.ResponseWriter, r *http.Request) {
	databases := []*database.DB{
		h.c.UniverseDB, h.c.ConfigDB, h.c.PipelineDB, h.c.LearningsDB, h.c.ReplayDB,
	}

	allHealthy := true
	dbHealth := make([]databaseHealth, 0, len(databases))
	for _, db := range databases {
		entry := databaseHealth{Name: db.Name(), Healthy: true}
		if err := db.QuickCheck(r.Context()); err != nil {
			entry.Healthy = false
			entry.Error = err.Error()
			allHealthy = false
		}
		dbHealth = append(dbHealth, entry)
	}

	payload := map[string]interface{}{
		"status":            "ok",
		"uptime_seconds":    int64(time.Since(h.startedAt).Seconds()),
		"databases":         dbHealth,
		"event_subscribers": h.c.Bus.SubscriberCount(),
	}
	if !allHealthy {
		payload["status"] = "degraded"
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory_used_percent"] = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["cpu_percent"] = percents[0]
	}
	if usage, err := disk.Usage(h.c.Config.DataDir); err == nil {
		payload["disk_used_percent"] = usage.UsedPercent
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (h *systemHandlers) backup(w http.ResponseWriter, r *http.Request) {
	if h.c.BackupService == nil {
		writeError(w, http.StatusNotImplemented, errors.New("backup is not configured"))
		return
	}
	key, err := h.c.BackupService.Backup(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}
