package flowstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/metric"
	"github.com/c360/dataplane/natsclient"
)

// Bucket defaults, shared with the configuration defaults
const (
	DefaultBucket  = "DATAPLANE_FLOWS"
	DefaultHistory = 1
)

// KVStore persists entries in a NATS JetStream KV bucket. Every transition is
// a compare-and-set against the bucket revision, so concurrent dispatchers
// sharing a bucket never lose updates.
type KVStore struct {
	kv      *natsclient.KVStore
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
}

var _ Store = (*KVStore)(nil)

// KVOption configures a KVStore
type KVOption func(*kvConfig)

type kvConfig struct {
	bucket  string
	history uint8
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metric.Metrics
}

// WithBucket sets the bucket name
func WithBucket(name string) KVOption {
	return func(c *kvConfig) {
		if name != "" {
			c.bucket = name
		}
	}
}

// WithHistory sets how many revisions per key the bucket keeps
func WithHistory(n uint8) KVOption {
	return func(c *kvConfig) {
		if n > 0 {
			c.history = n
		}
	}
}

// WithTTL expires entries after d. Zero keeps them forever.
func WithTTL(d time.Duration) KVOption {
	return func(c *kvConfig) { c.ttl = d }
}

// WithStoreLogger sets the logger
func WithStoreLogger(logger *slog.Logger) KVOption {
	return func(c *kvConfig) { c.logger = logger }
}

// WithStoreMetrics records store errors
func WithStoreMetrics(m *metric.Metrics) KVOption {
	return func(c *kvConfig) { c.metrics = m }
}

// NewKVStore creates (or opens) the bucket and returns a store over it
func NewKVStore(ctx context.Context, client *natsclient.Client, opts ...KVOption) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "flowstore", "NewKVStore", "check nats client")
	}

	cfg := kvConfig{bucket: DefaultBucket, history: DefaultHistory}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.bucket,
		Description: "Dataplane flow request lifecycle",
		History:     cfg.history,
		TTL:         cfg.ttl,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "NewKVStore", "create KV bucket")
	}

	return newKVStore(natsclient.NewKVStore(bucket, cfg.logger), cfg), nil
}

func newKVStore(kv *natsclient.KVStore, cfg kvConfig) *KVStore {
	return &KVStore{
		kv:      kv,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		now:     time.Now,
	}
}

// key encodes a process id into the KV key alphabet
func key(processID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(processID))
}

func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, errors.WrapFatal(err, "flowstore", "decode", "unmarshal entry")
	}
	return entry, nil
}

func (s *KVStore) storeError(op string, err error) error {
	if err != nil && errors.IsTransient(err) && s.metrics != nil {
		s.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
	return err
}

// mutate applies fn to the entry under processID with CAS retries. fn gets
// nil when the key is absent and returns the entry to write.
func (s *KVStore) mutate(ctx context.Context, method, processID string, fn func(*Entry) (*Entry, error)) (Entry, error) {
	var result Entry
	err := s.kv.UpdateWithRetry(ctx, key(processID), func(current []byte) ([]byte, error) {
		var entry *Entry
		if current != nil {
			decoded, err := decodeEntry(current)
			if err != nil {
				return nil, err
			}
			entry = &decoded
		}
		next, err := fn(entry)
		if err != nil {
			return nil, err
		}
		result = next.clone()
		return json.Marshal(next)
	})
	if err != nil {
		var ce *errors.ClassifiedError
		if stderrors.As(err, &ce) {
			return Entry{}, s.storeError(method, err)
		}
		return Entry{}, s.storeError(method, errors.WrapTransient(err, "flowstore", method, "update KV"))
	}
	return result, nil
}

// existing adapts an update on an entry that must already exist
func existing(method, processID string, fn func(*Entry) error) func(*Entry) (*Entry, error) {
	return func(entry *Entry) (*Entry, error) {
		if entry == nil {
			return nil, notFound(method, processID)
		}
		if err := fn(entry); err != nil {
			return nil, err
		}
		return entry, nil
	}
}

// Enqueue records req as QUEUED
func (s *KVStore) Enqueue(ctx context.Context, req flow.Request) (Entry, error) {
	if err := req.Validate(); err != nil {
		return Entry{}, err
	}

	return s.mutate(ctx, "Enqueue", req.ProcessID(), func(entry *Entry) (*Entry, error) {
		now := s.now()
		if entry == nil {
			created := newEntry(req, now)
			return &created, nil
		}
		if err := entry.resubmit(req, now); err != nil {
			return nil, err
		}
		return entry, nil
	})
}

// Withdraw undoes a QUEUED entry created by Enqueue with token. The write is
// conditional on the revision that was read.
func (s *KVStore) Withdraw(ctx context.Context, processID string, token uint64) error {
	k := key(processID)
	current, err := s.kv.Get(ctx, k)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return notFound("Withdraw", processID)
		}
		return s.storeError("Withdraw", errors.WrapTransient(err, "flowstore", "Withdraw", "read from KV"))
	}
	entry, err := decodeEntry(current.Value)
	if err != nil {
		return err
	}
	restored, err := entry.withdraw(token, s.now())
	if err != nil {
		return err
	}

	if restored == nil {
		err = s.kv.DeleteRevision(ctx, k, current.Revision)
	} else {
		var data []byte
		if data, err = json.Marshal(restored); err == nil {
			_, err = s.kv.Update(ctx, k, data, current.Revision)
		}
	}
	if err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s changed while withdrawing", errors.ErrLeaseConflict, processID),
				"flowstore", "Withdraw", "withdraw entry")
		}
		return s.storeError("Withdraw", errors.WrapTransient(err, "flowstore", "Withdraw", "write to KV"))
	}
	return nil
}

// Lease moves a QUEUED entry to IN_PROCESS
func (s *KVStore) Lease(ctx context.Context, processID, owner string) (Entry, error) {
	return s.mutate(ctx, "Lease", processID, existing("Lease", processID, func(entry *Entry) error {
		return entry.lease(owner, s.now())
	}))
}

// Complete marks a leased entry COMPLETED
func (s *KVStore) Complete(ctx context.Context, processID string, token uint64) error {
	return s.finish(ctx, "Complete", processID, token, StateCompleted, nil)
}

// Fail marks a leased entry FAILED
func (s *KVStore) Fail(ctx context.Context, processID string, token uint64, messages []string) error {
	return s.finish(ctx, "Fail", processID, token, StateFailed, messages)
}

func (s *KVStore) finish(ctx context.Context, method, processID string, token uint64, state State, messages []string) error {
	_, err := s.mutate(ctx, method, processID, existing(method, processID, func(entry *Entry) error {
		return entry.finish(method, token, state, messages, s.now())
	}))
	return err
}

// Get returns the entry for processID
func (s *KVStore) Get(ctx context.Context, processID string) (Entry, error) {
	kvEntry, err := s.kv.Get(ctx, key(processID))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return Entry{}, notFound("Get", processID)
		}
		return Entry{}, s.storeError("Get", errors.WrapTransient(err, "flowstore", "Get", "get from KV"))
	}
	return decodeEntry(kvEntry.Value)
}

// Delete removes an entry
func (s *KVStore) Delete(ctx context.Context, processID string) error {
	if _, err := s.Get(ctx, processID); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key(processID)); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return notFound("Delete", processID)
		}
		return s.storeError("Delete", errors.WrapTransient(err, "flowstore", "Delete", "delete from KV"))
	}
	return nil
}

// List returns entries in any of states, oldest first
func (s *KVStore) List(ctx context.Context, states ...State) ([]Entry, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, s.storeError("List", errors.WrapTransient(err, "flowstore", "List", "list KV keys"))
	}

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		kvEntry, err := s.kv.Get(ctx, k)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, s.storeError("List", errors.WrapTransient(err, "flowstore", "List",
				fmt.Sprintf("get key %s", k)))
		}
		entry, err := decodeEntry(kvEntry.Value)
		if err != nil {
			s.logger.Warn("Skipping undecodable flow entry", "key", k, "error", err)
			continue
		}
		if len(states) == 0 || slices.Contains(states, entry.State) {
			out = append(out, entry)
		}
	}
	sortEntries(out)
	return out, nil
}

// Recover re-queues IN_PROCESS entries and returns all QUEUED ones
func (s *KVStore) Recover(ctx context.Context) ([]Entry, error) {
	pending, err := s.List(ctx, StateQueued, StateInProcess)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(pending))
	for _, entry := range pending {
		if entry.State == StateQueued {
			out = append(out, entry)
			continue
		}
		recovered, err := s.mutate(ctx, "Recover", entry.ProcessID, existing("Recover", entry.ProcessID, func(current *Entry) error {
			if current.State == StateInProcess {
				current.requeue(current.Request, s.now())
			}
			return nil
		}))
		if err != nil {
			if stderrors.Is(err, errors.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		if recovered.State != StateQueued {
			continue
		}
		s.logger.Info("Recovered in-process flow entry",
			"process_id", recovered.ProcessID, "previous_owner", entry.LeaseOwner)
		out = append(out, recovered)
	}
	sortEntries(out)
	return out, nil
}
