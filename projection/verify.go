package projection

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
)

// Report is the outcome of verifying one Projection.
type Report struct {
	Projection string `json:"projection"`
	Equal      bool   `json:"equal"`

	// Diff is the difference between the live and the replayed state,
	// (-live +replayed), empty when they are equal.
	Diff string `json:"diff,omitempty"`
}

// Verify replays the whole Event Log into the shadow Projections, which
// must be fresh instances of the live ones, and compares the resulting
// states with the live Projections, matched by name.
//
// Since Projections are derived data, any difference is a bug in a
// Projection or a missed Domain Event. Live Projections can run ahead
// of the replay if Domain Events are being dispatched meanwhile.
func (m *Manager) Verify(ctx context.Context, shadows []Projection) ([]Report, error) {
	live := make(map[string]Projection, len(m.projections))
	for _, p := range m.projections {
		live[p.Name()] = p
	}

	for _, shadow := range shadows {
		if _, ok := live[shadow.Name()]; !ok {
			return nil, fmt.Errorf("projection.Manager: no live projection named %q", shadow.Name())
		}

		if err := shadow.Reset(ctx); err != nil {
			return nil, fmt.Errorf("projection.Manager: failed to reset shadow %s, %w", shadow.Name(), err)
		}
	}

	if _, err := m.replay(ctx, shadows, 1, false); err != nil {
		return nil, err
	}

	reports := make([]Report, 0, len(shadows))

	for _, shadow := range shadows {
		expected, err := live[shadow.Name()].State(ctx)
		if err != nil {
			return nil, fmt.Errorf("projection.Manager: failed to read live %s state, %w", shadow.Name(), err)
		}

		actual, err := shadow.State(ctx)
		if err != nil {
			return nil, fmt.Errorf("projection.Manager: failed to read replayed %s state, %w", shadow.Name(), err)
		}

		diff := cmp.Diff(expected, actual)
		reports = append(reports, Report{
			Projection: shadow.Name(),
			Equal:      diff == "",
			Diff:       diff,
		})
	}

	return reports, nil
}
