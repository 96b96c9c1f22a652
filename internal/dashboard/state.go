package dashboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"fxflow/internal/analysis"
	"fxflow/internal/pipeline"
	"fxflow/logger"
)

// Dashboard data sections. A section that failed keeps serving its last
// recorded error while the healthy sections render normally.
const (
	sectionData     = "data"
	sectionAnalysis = "analysis"
)

var (
	errRefreshInFlight    = errors.New("refresh already running")
	errRefreshUnavailable = errors.New("refresh not wired")
)

// RefreshFunc re-runs the data pipeline on demand. When force is true the
// implementation clears the cache before fetching.
type RefreshFunc func(ctx context.Context, force bool) (*pipeline.Result, error)

// state holds the latest pipeline result and the metrics derived from it.
// Handlers read through view(); refreshes and warm-start seeding write
// through apply().
type state struct {
	mu       sync.RWMutex
	result   *pipeline.Result
	bundle   *analysis.MetricsBundle
	sections map[string]string
	updated  time.Time

	refreshing atomic.Bool
	refresh    RefreshFunc
	log        *logger.Log
}

// stateView is a consistent read of the dashboard state.
type stateView struct {
	result   *pipeline.Result
	bundle   *analysis.MetricsBundle
	sections map[string]string
	updated  time.Time
}

func newState(refresh RefreshFunc, log *logger.Log) *state {
	return &state{
		sections: make(map[string]string),
		refresh:  refresh,
		log:      log,
	}
}

// apply records the outcome of one pipeline run. A failed run keeps the last
// good result and bundle so the dashboard degrades instead of going blank; a
// successful run replaces both and recomputes the metrics bundle.
func (st *state) apply(result *pipeline.Result, runErr error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.updated = time.Now()

	if runErr != nil {
		st.sections[sectionData] = runErr.Error()
		if st.log != nil {
			st.log.WithComponent("dashboard").WithError(runErr).Warn("pipeline run failed, keeping previous data")
		}
		return
	}

	delete(st.sections, sectionData)
	st.result = result

	bundle, err := analysis.Compute(result.Series)
	if err != nil {
		st.sections[sectionAnalysis] = err.Error()
		st.bundle = nil
		if st.log != nil {
			st.log.WithComponent("dashboard").WithError(err).Warn("metrics computation failed")
		}
		return
	}

	delete(st.sections, sectionAnalysis)
	st.bundle = bundle
}

func (st *state) view() stateView {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sections := make(map[string]string, len(st.sections))
	for k, v := range st.sections {
		sections[k] = v
	}

	return stateView{
		result:   st.result,
		bundle:   st.bundle,
		sections: sections,
		updated:  st.updated,
	}
}

// runRefresh executes the wired refresh exactly once at a time. A second
// caller while a refresh is in flight gets errRefreshInFlight instead of a
// queued run.
func (st *state) runRefresh(ctx context.Context, force bool) error {
	if st.refresh == nil {
		return errRefreshUnavailable
	}
	if st.refreshing.Swap(true) {
		return errRefreshInFlight
	}
	defer st.refreshing.Store(false)

	result, err := st.refresh(ctx, force)
	st.apply(result, err)
	return err
}
