package service

import (
	"context"
	"log/slog"
)

// Sweep is one periodic cleanup job. Run reports how many rows it touched.
type Sweep struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Maintenance runs housekeeping sweeps on the maintenance scheduler: lease
// reaping, fingerprint purging, verification and reminder expiry, and stale
// queue recovery.
type Maintenance struct {
	sweeps []Sweep
}

func NewMaintenance(sweeps ...Sweep) *Maintenance {
	return &Maintenance{sweeps: sweeps}
}

// Tick runs every sweep in order. A failing sweep is logged and does not stop
// the others.
func (m *Maintenance) Tick(ctx context.Context) map[string]int64 {
	out := make(map[string]int64, len(m.sweeps))
	for _, s := range m.sweeps {
		if ctx.Err() != nil {
			return out
		}
		n, err := s.Run(ctx)
		if err != nil {
			slog.Error("maintenance sweep failed", "sweep", s.Name, "err", err)
			continue
		}
		out[s.Name] = n
		if n > 0 {
			slog.Info("maintenance sweep", "sweep", s.Name, "rows", n)
		}
	}
	return out
}
