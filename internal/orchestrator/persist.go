package orchestrator

import (
	"context"
	"time"
)

// The working store is a cache. Failing to write it is logged and never fails
// the operation that triggered the write.

func (o *Orchestrator) persistSnapshot(ctx context.Context, monitorID string) {
	if o.store == nil || monitorID == "" {
		return
	}
	if err := o.store.SaveSnapshot(ctx, o.rec.Snapshot(monitorID)); err != nil {
		o.log.Warn().Err(err).Str("monitor_id", monitorID).Msg("Failed to cache working copy")
	}
}

func (o *Orchestrator) persistMonitors(ctx context.Context) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveMonitors(ctx, o.Monitors()); err != nil {
		o.log.Warn().Err(err).Msg("Failed to cache monitors")
	}
}

func (o *Orchestrator) persistSetting(ctx context.Context, key, value string) {
	if o.store == nil {
		return
	}
	if err := o.store.SetSetting(ctx, key, value); err != nil {
		o.log.Warn().Err(err).Str("key", key).Msg("Failed to save setting")
	}
}

func (o *Orchestrator) persistMarkers(ctx context.Context, ids []string) {
	if o.store == nil {
		return
	}
	ledger := o.rec.Ledger()
	markers := make(map[string]time.Time, len(ids))
	for _, id := range ids {
		if at, ok := ledger[id]; ok {
			markers[id] = at
		}
	}
	if err := o.store.SaveReadMarkers(ctx, markers); err != nil {
		o.log.Warn().Err(err).Int("count", len(markers)).Msg("Failed to save read markers")
	}
}

// forget drops everything cached under a monitor id
func (o *Orchestrator) forget(ctx context.Context, monitorID string) {
	if o.store == nil {
		return
	}
	if err := o.store.DeleteMonitor(ctx, monitorID); err != nil {
		o.log.Warn().Err(err).Str("monitor_id", monitorID).Msg("Failed to drop cached monitor")
	}
}

func (o *Orchestrator) notifySnapshot(monitorID string) {
	if o.onSnapshot != nil {
		o.onSnapshot(monitorID, o.rec.Snapshot(monitorID))
	}
}
