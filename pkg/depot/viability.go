package depot

import (
	"context"
	"time"

	"github.com/lancache/cachectl-core/pkg/appstate"
)

// CheckViability exposes the incremental-vs-full decision to the
// periodic scheduler, which needs to know before deciding whether to
// emit AutomaticScanSkipped.
func (e *Engine) CheckViability(ctx context.Context) (needFull bool, err error) {
	return e.checkViability(ctx)
}

// checkViability decides whether an "incremental" request should
// actually run as a full scan: either no scan has ever been committed
// (LastChangeNumber is 0), a prior check flagged it explicitly, or the
// change-number gap since the last committed scan exceeds the
// configured budget.
func (e *Engine) checkViability(ctx context.Context) (needFull bool, err error) {
	changeNumber, err := e.catalog.ChangeNumber(ctx)
	if err != nil {
		return false, err
	}

	st := e.store.Get()
	vc := st.ViabilityCache

	// The gap is measured against the last committed scan, not the last
	// check: checks are cheap and frequent, commits are what actually
	// advance the baseline an incremental scan diffs from.
	var gap uint32
	if base := st.DepotProcessing.LastChangeNumber; changeNumber > base {
		gap = changeNumber - base
	}

	overBudget := gap > e.cfg.IncrementalChangeBudget
	needFull = vc.RequiresFullScan || st.DepotProcessing.LastChangeNumber == 0 || overBudget

	now := time.Now()
	uerr := e.store.Update(func(st *appstate.AppState) {
		st.ViabilityCache.ChangeGap = gap
		st.ViabilityCache.LastCheckUTC = &now
		st.ViabilityCache.LastCheckChangeNumber = changeNumber
		if overBudget {
			st.ViabilityCache.RequiresFullScan = true
		}
	})
	if uerr != nil {
		return needFull, uerr
	}

	return needFull, nil
}
