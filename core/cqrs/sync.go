package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SyncCursor tracks how much of each side's history a Syncer has already
// reconciled, counted in global append order.
type SyncCursor struct {
	Local  uint64
	Remote uint64
}

// SyncReport summarizes one Sync round.
type SyncReport struct {
	// Pushed is the number of events copied local -> remote.
	Pushed int
	// Pulled is the number of events copied remote -> local.
	Pulled int
	// Conflicts is the number of streams both sides appended to since the
	// last round.
	Conflicts int
}

// ConflictResolver decides the event set a stream converges on when both
// sides appended to it since the last sync. local and remote are each
// side's new events for that stream, in version order.
type ConflictResolver interface {
	Resolve(ctx context.Context, streamID string, local, remote []Event) ([]Event, error)
}

type ConflictResolverFunc func(ctx context.Context, streamID string, local, remote []Event) ([]Event, error)

func (f ConflictResolverFunc) Resolve(ctx context.Context, streamID string, local, remote []Event) ([]Event, error) {
	return f(ctx, streamID, local, remote)
}

// LastWriteWins resolves a conflicted stream by keeping the remote side's
// events and discarding the local ones.
func LastWriteWins() ConflictResolver {
	return ConflictResolverFunc(func(_ context.Context, _ string, _, remote []Event) ([]Event, error) {
		return remote, nil
	})
}

// AppendBoth resolves a conflicted stream by keeping both sides' events,
// local first.
func AppendBoth() ConflictResolver {
	return ConflictResolverFunc(func(_ context.Context, _ string, local, remote []Event) ([]Event, error) {
		out := make([]Event, 0, len(local)+len(remote))
		out = append(out, local...)
		out = append(out, remote...)
		return out, nil
	})
}

// Syncer reconciles two stores, e.g. a device-local store and a shared
// remote one. Each Sync round pushes events the remote has not seen, pulls
// events the local side has not seen and routes streams both sides appended
// to through the conflict resolver. Events are matched by ID, so a round
// that failed halfway is safe to retry.
type Syncer struct {
	log      *slog.Logger
	local    *Store
	remote   *Store
	resolver ConflictResolver

	mu     sync.Mutex
	cursor SyncCursor
}

func NewSyncer(local, remote *Store, opts ...SyncerOption) (*Syncer, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("syncer needs a local and a remote store")
	}

	var options syncerOptions
	for _, opt := range opts {
		opt.applyToSyncer(&options)
	}

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "syncer"))

	resolver := options.resolver
	if resolver == nil {
		resolver = LastWriteWins()
	}

	return &Syncer{
		log:      log,
		local:    local,
		remote:   remote,
		resolver: resolver,
	}, nil
}

// Cursor returns how far each side has been reconciled.
func (s *Syncer) Cursor() SyncCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Sync runs one reconciliation round and reports what moved. Rounds are
// serialized; concurrent callers block.
func (s *Syncer) Sync(ctx context.Context) (*SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	localAll, err := s.local.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: read local: %w", err)
	}
	remoteAll, err := s.remote.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: read remote: %w", err)
	}

	localNew := byStream(tail(localAll, s.cursor.Local))
	remoteNew := byStream(tail(remoteAll, s.cursor.Remote))
	localIDs := idSet(localAll)
	remoteIDs := idSet(remoteAll)

	report := &SyncReport{}

	for streamID, local := range localNew {
		remote, both := remoteNew[streamID]
		if !both {
			n, err := s.copyMissing(ctx, s.remote, streamID, local, remoteIDs)
			if err != nil {
				return nil, fmt.Errorf("sync: push %s: %w", streamID, err)
			}
			report.Pushed += n
			continue
		}

		report.Conflicts++
		resolved, err := s.resolver.Resolve(ctx, streamID, local, remote)
		if err != nil {
			return nil, fmt.Errorf("sync: resolve %s: %w", streamID, err)
		}
		s.log.Debug("conflict resolved",
			slog.String("stream_id", streamID),
			slog.Int("local", len(local)),
			slog.Int("remote", len(remote)),
			slog.Int("resolved", len(resolved)),
		)

		n, err := s.copyMissing(ctx, s.remote, streamID, resolved, remoteIDs)
		if err != nil {
			return nil, fmt.Errorf("sync: push %s: %w", streamID, err)
		}
		report.Pushed += n
		n, err = s.copyMissing(ctx, s.local, streamID, resolved, localIDs)
		if err != nil {
			return nil, fmt.Errorf("sync: pull %s: %w", streamID, err)
		}
		report.Pulled += n
	}

	for streamID, remote := range remoteNew {
		if _, both := localNew[streamID]; both {
			continue
		}
		n, err := s.copyMissing(ctx, s.local, streamID, remote, localIDs)
		if err != nil {
			return nil, fmt.Errorf("sync: pull %s: %w", streamID, err)
		}
		report.Pulled += n
	}

	// Everything present on either side is now reconciled; the next round
	// starts past it.
	localAll, err = s.local.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: read local: %w", err)
	}
	remoteAll, err = s.remote.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: read remote: %w", err)
	}
	s.cursor.Local = uint64(len(localAll))
	s.cursor.Remote = uint64(len(remoteAll))

	s.log.Info("sync round finished",
		slog.Int("pushed", report.Pushed),
		slog.Int("pulled", report.Pulled),
		slog.Int("conflicts", report.Conflicts),
	)
	return report, nil
}

// copyMissing appends the events of one stream that dst does not hold yet.
// seen is dst's ID set and is updated as events are copied.
func (s *Syncer) copyMissing(ctx context.Context, dst *Store, streamID string, events []Event, seen map[string]bool) (int, error) {
	missing := make([]Event, 0, len(events))
	for _, ev := range events {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		missing = append(missing, ev)
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if _, err := dst.Append(ctx, streamID, VersionAny, missing...); err != nil {
		return 0, err
	}
	return len(missing), nil
}

func tail(events []Event, from uint64) []Event {
	if from >= uint64(len(events)) {
		return nil
	}
	return events[from:]
}

func byStream(events []Event) map[string][]Event {
	out := map[string][]Event{}
	for _, ev := range events {
		out[ev.StreamID] = append(out[ev.StreamID], ev)
	}
	return out
}

func idSet(events []Event) map[string]bool {
	out := make(map[string]bool, len(events))
	for _, ev := range events {
		out[ev.ID] = true
	}
	return out
}
