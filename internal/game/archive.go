package game

import (
	"context"
	"log/slog"
	"time"
)

const (
	archiveQueue   = 512
	archiveTimeout = 2 * time.Second
)

// Archiver writes session snapshots to a SnapshotStore in the background so
// that a slow store never stalls a session goroutine.
type Archiver struct {
	store SnapshotStore
	queue chan Snapshot
	log   *slog.Logger
}

func NewArchiver(store SnapshotStore, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{
		store: store,
		queue: make(chan Snapshot, archiveQueue),
		log:   log,
	}
}

// Submit enqueues snap. When the queue is full the snapshot is dropped.
func (a *Archiver) Submit(snap Snapshot) {
	select {
	case a.queue <- snap:
	default:
		a.log.Warn("snapshot queue full, dropping", "match", snap.MatchID, "phase", snap.Phase)
	}
}

func (a *Archiver) Load(ctx context.Context, matchID string) (Snapshot, bool, error) {
	return a.store.Load(ctx, matchID)
}

// Run drains the queue until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-a.queue:
			a.save(ctx, snap)
		}
	}
}

func (a *Archiver) save(ctx context.Context, snap Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	if err := a.store.Save(ctx, snap); err != nil {
		a.log.Warn("save snapshot", "match", snap.MatchID, "err", err)
	}
}
