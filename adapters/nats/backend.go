package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

const (
	defaultStreamName     = "CQRS_EVENTS"
	defaultSubjectPrefix  = "cqrs.es"
	defaultSnapshotBucket = "cqrs_snapshots"
)

type Config struct {
	// Connect is used to create the underlying NATS connection. If nil,
	// ConnectDefault() is used.
	Connect Connector
	// Log for diagnostics (optional).
	Log *slog.Logger
	// StreamName of the JetStream stream holding all events.
	StreamName string
	// SubjectPrefix under which per-stream subjects are created.
	SubjectPrefix string
	// SnapshotBucket is the KV bucket holding the latest snapshot per
	// stream.
	SnapshotBucket string
}

// Backend persists events in a JetStream stream, one subject per event
// stream. The optimistic version check reads the subject's last message
// before publishing; appends are serialized in-process, so single-writer
// deployments get exactly-one-winner semantics. Multi-event appends publish
// sequentially and are not atomic across a crash.
type Backend struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	kv            jetstream.KeyValue
	log           *slog.Logger
	streamName    string
	subjectPrefix string

	mu sync.Mutex // serializes check-then-publish appends
}

func New(cfg Config) (*Backend, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	snapshotBucket := cfg.SnapshotBucket
	if snapshotBucket == "" {
		snapshotBucket = defaultSnapshotBucket
	}

	log = log.With(
		slog.String("backend", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nats: ensure stream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  snapshotBucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nats: ensure snapshot bucket: %w", err)
	}

	log.Debug("ready")

	return &Backend{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		stream:        stream,
		kv:            kv,
		log:           log,
		streamName:    streamName,
		subjectPrefix: subjectPrefix,
	}, nil
}

func (b *Backend) Close() error {
	b.js.CleanupPublisher()
	b.closeNc()
	b.log.Debug("closed")
	return nil
}

func (b *Backend) Append(ctx context.Context, streamID string, expected cqrs.Version, events []cqrs.Event) (*cqrs.AppendResult, error) {
	if len(events) == 0 {
		return nil, cqrs.ErrNoEvents
	}
	if streamID == "" {
		return nil, errors.New("stream id is empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	last, err := b.lastEvent(ctx, streamID)
	if err != nil {
		return nil, err
	}
	var cur cqrs.Version
	if last != nil {
		cur = last.Version
	}

	if expected != cqrs.VersionAny && cur != expected {
		return nil, fmt.Errorf("%w: expected version %d, got %d (stream=%s)",
			cqrs.ErrConcurrencyConflict, expected, cur, streamID)
	}

	subject := b.subjectForStream(streamID)
	for i, ev := range events {
		ev.StreamID = streamID
		ev.Version = cur + cqrs.Version(i) + 1
		if err := ev.Validate(); err != nil {
			return nil, err
		}

		msg := natsgo.NewMsg(subject)
		msg.Header.Set("x-event-type", ev.Type)
		msg.Header.Set("x-stream-id", streamID)
		msg.Data, err = json.Marshal(ev)
		if err != nil {
			return nil, err
		}

		if _, err := b.js.PublishMsg(ctx, msg, jetstream.WithMsgID(ev.ID)); err != nil {
			return nil, fmt.Errorf("nats: publish to %s: %w", subject, err)
		}
	}

	return &cqrs.AppendResult{NewVersion: cur + cqrs.Version(len(events))}, nil
}

func (b *Backend) Read(ctx context.Context, streamID string) ([]cqrs.Event, error) {
	return b.ReadFrom(ctx, streamID, 0)
}

func (b *Backend) ReadFrom(ctx context.Context, streamID string, after cqrs.Version) ([]cqrs.Event, error) {
	last, err := b.lastEvent(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}

	events, err := b.consume(ctx, []string{b.subjectForStream(streamID)}, last.seq)
	if err != nil {
		return nil, err
	}

	out := events[:0]
	for _, ev := range events {
		if ev.Version > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (b *Backend) ReadAll(ctx context.Context) ([]cqrs.Event, error) {
	info, err := b.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("nats: stream info: %w", err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}
	return b.consume(ctx, []string{b.subjectPrefix + ".>"}, info.State.LastSeq)
}

func (b *Backend) SaveSnapshot(ctx context.Context, snap *cqrs.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := b.kv.Put(ctx, sanitizeToken(snap.StreamID), data); err != nil {
		return fmt.Errorf("nats: save snapshot: %w", err)
	}
	return nil
}

func (b *Backend) LatestSnapshot(ctx context.Context, streamID string) (*cqrs.Snapshot, error) {
	entry, err := b.kv.Get(ctx, sanitizeToken(streamID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, cqrs.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("nats: load snapshot: %w", err)
	}
	snap := &cqrs.Snapshot{}
	if err := json.Unmarshal(entry.Value(), snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Flush is a no-op: publishes are acknowledged synchronously.
func (b *Backend) Flush(context.Context) error { return nil }

func (b *Backend) Stats(ctx context.Context) (*cqrs.Stats, error) {
	info, err := b.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("nats: stream info: %w", err)
	}

	var snapshots uint64
	keys, err := b.kv.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, fmt.Errorf("nats: snapshot keys: %w", err)
	}
	snapshots = uint64(len(keys))

	return &cqrs.Stats{
		Events:    info.State.Msgs,
		Streams:   uint64(info.State.NumSubjects),
		Snapshots: snapshots,
		Extra: map[string]string{
			"backend": "nats_js",
			"stream":  b.streamName,
		},
	}, nil
}

type seqEvent struct {
	cqrs.Event
	seq uint64
}

// lastEvent returns the most recent event on the stream's subject, nil when
// the subject has no messages.
func (b *Backend) lastEvent(ctx context.Context, streamID string) (*seqEvent, error) {
	lm, err := b.stream.GetLastMsgForSubject(ctx, b.subjectForStream(streamID))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("nats: last message for %s: %w", streamID, err)
	}

	ev := &seqEvent{seq: lm.Sequence}
	if err := json.Unmarshal(lm.Data, &ev.Event); err != nil {
		return nil, fmt.Errorf("nats: decode last message for %s: %w", streamID, err)
	}
	return ev, nil
}

// consume reads messages for the given subjects up to and including endSeq.
func (b *Backend) consume(ctx context.Context, subjects []string, endSeq uint64) ([]cqrs.Event, error) {
	cc, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: subjects,
	})
	if err != nil {
		return nil, fmt.Errorf("nats: create consumer: %w", err)
	}

	var out []cqrs.Event

outer:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false

			md, err := msg.Metadata()
			if err != nil {
				return nil, err
			}

			var ev cqrs.Event
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				return nil, fmt.Errorf("nats: decode message: %w", err)
			}
			out = append(out, ev)

			if md.Sequence.Stream >= endSeq {
				break outer
			}
		}

		if empty {
			break
		}
	}

	return out, nil
}

func (b *Backend) subjectForStream(streamID string) string {
	return b.subjectPrefix + "." + sanitizeToken(streamID)
}

// sanitizeToken makes an arbitrary stream id usable as a NATS subject token
// and KV key.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

var _ cqrs.Backend = (*Backend)(nil)
