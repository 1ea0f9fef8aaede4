package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Pinger is anything the health endpoint can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck names one dependency probed by HealthHandler.
type HealthCheck struct {
	Name   string
	Pinger Pinger
	// Pool, when set, adds pool statistics to the report.
	Pool *pgxpool.Pool
	// Optional checks report "degraded" instead of failing the endpoint.
	Optional bool
}

// HealthHandler pings every check and reports 503 if any required check
// fails.
func HealthHandler(version string, checks ...HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status, degraded := http.StatusOK, false
		report := make(map[string]interface{}, len(checks))
		for _, chk := range checks {
			entry := map[string]interface{}{"status": "healthy"}
			if err := chk.Pinger.Ping(ctx); err != nil {
				entry["error"] = err.Error()
				if chk.Optional {
					degraded = true
					entry["status"] = "degraded"
				} else {
					status = http.StatusServiceUnavailable
					entry["status"] = "unhealthy"
				}
			}
			if chk.Pool != nil {
				entry["pool"] = GetPoolStats(chk.Pool)
			}
			report[chk.Name] = entry
		}

		overall := "healthy"
		switch {
		case status != http.StatusOK:
			overall = "unhealthy"
		case degraded:
			overall = "degraded"
		}
		return c.JSON(status, map[string]interface{}{
			"status":  overall,
			"version": version,
			"checks":  report,
		})
	}
}
