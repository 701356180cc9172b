package analytics

import (
	"context"
	"time"

	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/store"
	"github.com/cachebash/backend/internal/tools"
)

// defaultMetricsWindow is how far back get_operational_metrics looks when
// the caller does not say.
const defaultMetricsWindow = 24 * time.Hour

// RegisterTools adds the metrics read tool to the shared registry.
func RegisterTools(r *tools.Registry, st store.Store) {
	r.Register(tools.Definition{
		Name:        "get_operational_metrics",
		Description: "Aggregate operational counters for the calling tenant",
	}, func(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
		since := time.Now().UTC().Add(-defaultMetricsWindow)
		if t, ok, err := tools.Time(args, "since"); err != nil {
			return nil, err
		} else if ok {
			since = t
		}
		return Aggregate(ctx, st, ac.TenantUID, since)
	})
}
