package aggregate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// RepairReport summarizes a backfill pass.
type RepairReport struct {
	Checked int
	Updated int
}

// RepairConfig wires a repair pass. Publisher is optional.
type RepairConfig struct {
	Store archive.ResultStore
	// Required applies to snapshots whose runs never recorded a required set.
	Required  []string
	Publisher archive.Publisher
	Topic     string
	Clock     archive.Clock
	Logger    *zap.Logger
}

const repairPublishTimeout = 10 * time.Second

// Repair recomputes the cached status of every snapshot from its stored
// results and rewrites the ones that drifted, publishing a status event for
// each change. It stops at the first store error; publish failures are logged.
func Repair(ctx context.Context, cfg RepairConfig) (RepairReport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var report RepairReport
	if cfg.Store == nil || cfg.Clock == nil {
		return report, fmt.Errorf("repair needs a store and a clock")
	}
	snaps, err := cfg.Store.ListSnapshots(ctx)
	if err != nil {
		return report, fmt.Errorf("list snapshots: %w", err)
	}
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("repair interrupted: %w", err)
		}
		results, err := cfg.Store.Load(ctx, snap.ID)
		if err != nil {
			return report, fmt.Errorf("load results for %s: %w", snap.ID, err)
		}
		report.Checked++
		required := cfg.Required
		if snap.Required != nil {
			required = snap.Required
		}
		want := Aggregate(results, required)
		if want == snap.Status {
			continue
		}
		now := cfg.Clock.Now()
		if err := cfg.Store.SaveStatus(ctx, snap.ID, want, now); err != nil {
			return report, fmt.Errorf("save status for %s: %w", snap.ID, err)
		}
		report.Updated++
		logger.Info("repaired snapshot status",
			zap.String("snapshot_id", snap.ID),
			zap.String("from", string(snap.Status)),
			zap.String("to", string(want)),
		)
		publishRepair(ctx, cfg, logger, archive.StatusEvent{
			SnapshotID: snap.ID,
			URL:        snap.URL,
			Status:     want,
			Timestamp:  now.UTC(),
		})
	}
	return report, nil
}

func publishRepair(ctx context.Context, cfg RepairConfig, logger *zap.Logger, evt archive.StatusEvent) {
	if cfg.Publisher == nil || cfg.Topic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), repairPublishTimeout)
	defer cancel()
	if _, err := cfg.Publisher.Publish(pubCtx, cfg.Topic, evt); err != nil {
		logger.Warn("status publish failed",
			zap.String("snapshot_id", evt.SnapshotID),
			zap.String("status", string(evt.Status)),
			zap.Error(err),
		)
	}
}
