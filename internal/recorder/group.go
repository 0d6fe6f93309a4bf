package recorder

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Group runs independent monitors side by side. A failing stream stops
// only itself.
type Group struct {
	monitors []*Monitor
	logger   *zap.Logger
}

func NewGroup(logger *zap.Logger, monitors ...*Monitor) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{monitors: monitors, logger: logger.Named("streams")}
}

// Run blocks until every monitor has returned and joins their errors.
func (g *Group) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range g.monitors {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			if err := m.Run(ctx); err != nil {
				g.logger.Error("Stream stopped", zap.String("camera", m.Camera()), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			g.logger.Info("Stream finished", zap.String("camera", m.Camera()))
		}(m)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Stats returns one snapshot per monitor, in configuration order.
func (g *Group) Stats() []Stats {
	out := make([]Stats, 0, len(g.monitors))
	for _, m := range g.monitors {
		out = append(out, m.Stats())
	}
	return out
}
