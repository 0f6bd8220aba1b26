package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// storedMessage is one ring-buffer entry on a pub/sub channel.
type storedMessage struct {
	Data []byte    `json:"data"`
	Ts   time.Time `json:"ts"`
	Seq  uint64    `json:"seq"`
}

// storedKey is a set() value with optional lazy expiry.
type storedKey struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// fileState is the single JSON document backing the file-mode store,
// matching the schema in spec §4.C2.
type fileState struct {
	Messages      map[string][]storedMessage    `json:"messages"`
	Keys          map[string]storedKey          `json:"keys"`
	Hashes        map[string]map[string][]byte  `json:"hashes"`
	Lists         map[string][][]byte           `json:"lists"`
	Streams       map[string][]StreamEntry      `json:"streams"`
	Subscriptions map[string][]string           `json:"subscriptions"`
	ReadPositions map[string]map[string]uint64  `json:"read_positions"`
	ChannelSeq    map[string]uint64             `json:"channel_seq"`
	StreamSeq     map[string]uint64             `json:"stream_seq"`
	// Expiries holds TTLs set via Expire for hash and list names, which
	// (unlike string keys in Keys) carry no per-value expiry field of
	// their own.
	Expiries    map[string]time.Time `json:"expiries"`
	LastUpdated time.Time            `json:"last_updated"`
}

func newFileState() *fileState {
	return &fileState{
		Messages:      map[string][]storedMessage{},
		Keys:          map[string]storedKey{},
		Hashes:        map[string]map[string][]byte{},
		Lists:         map[string][][]byte{},
		Streams:       map[string][]StreamEntry{},
		Subscriptions: map[string][]string{},
		ReadPositions: map[string]map[string]uint64{},
		ChannelSeq:    map[string]uint64{},
		StreamSeq:     map[string]uint64{},
		Expiries:      map[string]time.Time{},
	}
}

// nameExpired reports whether name has a recorded Expire TTL that has
// elapsed.
func nameExpired(s *fileState, name string, now time.Time) bool {
	exp, ok := s.Expiries[name]
	return ok && now.After(exp)
}

// FileStore is the single-process fallback Store Backend: one JSON
// document guarded by an advisory file lock, with polling subscribers
// (spec §4.C2 "File-based implementation").
type FileStore struct {
	path              string
	lockPath          string
	lockTimeout       time.Duration
	pollInterval      time.Duration
	maxMessages       int
	retention         time.Duration
	orphanLockAge     time.Duration
	logger            *zap.Logger

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
	closed      chan struct{}
	closeOnce   sync.Once
}

// FileStoreOptions configures a FileStore; zero values fall back to
// spec §6.6 defaults.
type FileStoreOptions struct {
	StatePath     string
	LockPath      string
	LockTimeout   time.Duration
	PollInterval  time.Duration
	MaxMessages   int
	Retention     time.Duration
	OrphanLockAge time.Duration
	Logger        *zap.Logger
}

// NewFileStore creates the on-disk directories if needed and starts a
// best-effort fsnotify watch used only to wake subscribers early; the
// poll ticker remains the correctness fallback if the watch cannot be
// established (spec §9 "polling vs true pub/sub").
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.StatePath == "" {
		opts.StatePath = ".popkit/power-mode-state.json"
	}
	if opts.LockPath == "" {
		opts.LockPath = opts.StatePath + ".lock"
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 100
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.OrphanLockAge <= 0 {
		opts.OrphanLockAge = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(opts.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	fs := &FileStore{
		path:          opts.StatePath,
		lockPath:      opts.LockPath,
		lockTimeout:   opts.LockTimeout,
		pollInterval:  opts.PollInterval,
		maxMessages:   opts.MaxMessages,
		retention:     opts.Retention,
		orphanLockAge: opts.OrphanLockAge,
		logger:        logger,
		subscribers:   map[chan struct{}]struct{}{},
		closed:        make(chan struct{}),
	}

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(dir); err == nil {
			fs.watcher = watcher
			go fs.watchLoop()
		} else {
			logger.Warn("file store: fsnotify watch failed, relying on polling only", zap.Error(err))
			watcher.Close()
		}
	} else {
		logger.Warn("file store: fsnotify unavailable, relying on polling only", zap.Error(err))
	}

	return fs, nil
}

func (fs *FileStore) watchLoop() {
	for {
		select {
		case <-fs.closed:
			return
		case ev, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(fs.path) {
				continue
			}
			fs.notifySubscribers()
		case _, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (fs *FileStore) notifySubscribers() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for ch := range fs.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (fs *FileStore) registerSubscriber() chan struct{} {
	ch := make(chan struct{}, 1)
	fs.mu.Lock()
	fs.subscribers[ch] = struct{}{}
	fs.mu.Unlock()
	return ch
}

func (fs *FileStore) unregisterSubscriber(ch chan struct{}) {
	fs.mu.Lock()
	delete(fs.subscribers, ch)
	fs.mu.Unlock()
}

// Close stops the fsnotify watch and any background work. It does not
// delete the state file.
func (fs *FileStore) Close() error {
	fs.closeOnce.Do(func() {
		close(fs.closed)
		if fs.watcher != nil {
			fs.watcher.Close()
		}
	})
	return nil
}

// withLock acquires the advisory lock (reclaiming it if stale), loads
// state (resetting it if corrupt), runs mutate, persists the result if
// changed is true, and releases the lock.
func withLock[T any](ctx context.Context, fs *FileStore, mutate func(*fileState) (T, bool, error)) (T, error) {
	var zero T

	lockCtx, cancel := context.WithTimeout(ctx, fs.lockTimeout)
	defer cancel()

	lk := flock.New(fs.lockPath)
	locked, err := lk.TryLockContext(lockCtx, 20*time.Millisecond)
	if err != nil || !locked {
		if fs.reclaimStaleLock() {
			locked, err = lk.TryLockContext(lockCtx, 20*time.Millisecond)
		}
	}
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrStoreBusy, err)
	}
	if !locked {
		return zero, ErrStoreBusy
	}
	defer lk.Unlock()

	state, wasReset, err := fs.load()
	if err != nil {
		return zero, err
	}
	if wasReset {
		return zero, ErrStoreReset
	}

	result, changed, mutateErr := mutate(state)

	if changed {
		state.LastUpdated = time.Now().UTC()
		if err := fs.persist(state); err != nil {
			return zero, err
		}
		fs.notifySubscribers()
	}
	if mutateErr != nil {
		return zero, mutateErr
	}

	return result, nil
}

// reclaimStaleLock removes the lock file if its mtime is older than
// orphanLockAge, per spec §6.3 "Orphaned-lock recovery".
func (fs *FileStore) reclaimStaleLock() bool {
	info, err := os.Stat(fs.lockPath)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) <= fs.orphanLockAge {
		return false
	}
	if err := os.Remove(fs.lockPath); err != nil {
		return false
	}
	fs.logger.Warn("file store: reclaimed orphaned lock file", zap.String("path", fs.lockPath))
	return true
}

// load reads and unmarshals the state document. If it does not exist,
// an empty state is returned. If it is corrupt, it is renamed aside,
// a fresh document is written, and wasReset is true (spec §4.C2
// "Corrupt file").
func (fs *FileStore) load() (state *fileState, wasReset bool, err error) {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return newFileState(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return newFileState(), false, nil
	}

	state = newFileState()
	if err := json.Unmarshal(data, state); err != nil {
		corruptPath := fmt.Sprintf("%s.corrupt-%d", fs.path, time.Now().UnixNano())
		if renameErr := os.Rename(fs.path, corruptPath); renameErr != nil {
			return nil, false, fmt.Errorf("rename corrupt state file: %w", renameErr)
		}
		fresh := newFileState()
		fresh.LastUpdated = time.Now().UTC()
		if persistErr := fs.persist(fresh); persistErr != nil {
			return nil, false, fmt.Errorf("rewrite fresh state file: %w", persistErr)
		}
		fs.logger.Warn("file store: corrupt state file reset", zap.String("movedTo", corruptPath))
		return fresh, true, nil
	}
	return state, false, nil
}

func (fs *FileStore) persist(state *fileState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

// Publish appends to the channel's ring buffer, trimmed to the last
// maxMessages entries.
func (fs *FileStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return ErrInvalidKey
	}
	_, err := withLock(ctx, fs, func(s *fileState) (struct{}, bool, error) {
		s.ChannelSeq[channel]++
		seq := s.ChannelSeq[channel]
		s.Messages[channel] = append(s.Messages[channel], storedMessage{
			Data: payload,
			Ts:   time.Now().UTC(),
			Seq:  seq,
		})
		if len(s.Messages[channel]) > fs.maxMessages {
			s.Messages[channel] = s.Messages[channel][len(s.Messages[channel])-fs.maxMessages:]
		}
		return struct{}{}, true, nil
	})
	return err
}

type fileSubscription struct {
	fs      *FileStore
	channel string
	client  string
	wake    chan struct{}
	buffer  []Message
	closed  bool
	mu      sync.Mutex
}

// Subscribe returns a polling subscription for clientID on channel,
// resuming from clientID's last recorded read position.
func (fs *FileStore) Subscribe(ctx context.Context, channel, clientID string) (Subscription, error) {
	if channel == "" || clientID == "" {
		return nil, ErrInvalidKey
	}
	_, err := withLock(ctx, fs, func(s *fileState) (struct{}, bool, error) {
		subs := s.Subscriptions[clientID]
		for _, c := range subs {
			if c == channel {
				return struct{}{}, false, nil
			}
		}
		s.Subscriptions[clientID] = append(subs, channel)
		if s.ReadPositions[clientID] == nil {
			s.ReadPositions[clientID] = map[string]uint64{}
		}
		return struct{}{}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return &fileSubscription{
		fs:      fs,
		channel: channel,
		client:  clientID,
		wake:    fs.registerSubscriber(),
	}, nil
}

func (s *fileSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.fs.unregisterSubscriber(s.wake)
	return nil
}

// Next polls the shared state file every pollInterval, or sooner when
// woken by a change notification, returning the oldest buffered message whose seq exceeds the client's
// recorded read position (spec §4.C2, §8 P7).
func (s *fileSubscription) Next(ctx context.Context) (Message, bool, error) {
	ticker := time.NewTicker(s.fs.pollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Message{}, false, nil
		}

		if len(s.buffer) == 0 {
			msgs, err := s.poll(ctx)
			if err != nil && err != ErrStoreBusy {
				return Message{}, false, err
			}
			s.buffer = append(s.buffer, msgs...)
		}

		if len(s.buffer) > 0 {
			m := s.buffer[0]
			s.buffer = s.buffer[1:]
			return m, true, nil
		}

		select {
		case <-ctx.Done():
			return Message{}, false, ctx.Err()
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *fileSubscription) poll(ctx context.Context) ([]Message, error) {
	return withLock(ctx, s.fs, func(st *fileState) ([]Message, bool, error) {
		if st.ReadPositions[s.client] == nil {
			st.ReadPositions[s.client] = map[string]uint64{}
		}
		last := st.ReadPositions[s.client][s.channel]

		var out []Message
		maxSeq := last
		for _, m := range st.Messages[s.channel] {
			if m.Seq > last {
				out = append(out, Message{Channel: s.channel, Data: m.Data, Seq: m.Seq})
				if m.Seq > maxSeq {
					maxSeq = m.Seq
				}
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

		changed := maxSeq != last
		if changed {
			st.ReadPositions[s.client][s.channel] = maxSeq
		}
		return out, changed, nil
	})
}

// Set stores value under key with an optional TTL.
func (fs *FileStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := withLock(ctx, fs, func(s *fileState) (struct{}, bool, error) {
		k := storedKey{Value: value}
		if ttl > 0 {
			exp := time.Now().UTC().Add(ttl)
			k.ExpiresAt = &exp
		}
		s.Keys[key] = k
		return struct{}{}, true, nil
	})
	return err
}

// Get returns the value for key, deleting it first if lazily expired.
func (fs *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	return withLock(ctx, fs, func(s *fileState) ([]byte, bool, error) {
		k, ok := s.Keys[key]
		if !ok {
			return nil, false, ErrNotFound
		}
		if k.ExpiresAt != nil && time.Now().UTC().After(*k.ExpiresAt) {
			delete(s.Keys, key)
			return nil, true, ErrNotFound
		}
		return k.Value, false, nil
	})
}

// CAS implements compare-and-swap; expected == nil requires the key be
// absent (or expired), used for the coordinator lease (spec I1, P6).
func (fs *FileStore) CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	return withLock(ctx, fs, func(s *fileState) (bool, bool, error) {
		cur, exists := s.Keys[key]
		if exists && cur.ExpiresAt != nil && time.Now().UTC().After(*cur.ExpiresAt) {
			exists = false
		}

		matches := false
		switch {
		case expected == nil:
			matches = !exists
		case exists:
			matches = bytesEqual(cur.Value, expected)
		}
		if !matches {
			return false, false, nil
		}

		k := storedKey{Value: newValue}
		if ttl > 0 {
			exp := time.Now().UTC().Add(ttl)
			k.ExpiresAt = &exp
		}
		s.Keys[key] = k
		return true, true, nil
	})
}

// Delete removes key unconditionally.
func (fs *FileStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := withLock(ctx, fs, func(s *fileState) (struct{}, bool, error) {
		if _, ok := s.Keys[key]; !ok {
			return struct{}{}, false, nil
		}
		delete(s.Keys, key)
		return struct{}{}, true, nil
	})
	return err
}

// Expire sets or refreshes a TTL on key. For a plain string key it
// updates the same per-value ExpiresAt Get/CAS already honor; for a
// hash or list name (which carries no per-value expiry field) it
// records the TTL in the Expiries overlay, checked lazily by
// HGet/HGetAll/LRange/RPop and swept by Cleanup.
func (fs *FileStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := withLock(ctx, fs, func(s *fileState) (struct{}, bool, error) {
		if k, ok := s.Keys[key]; ok {
			if ttl <= 0 {
				k.ExpiresAt = nil
			} else {
				exp := time.Now().UTC().Add(ttl)
				k.ExpiresAt = &exp
			}
			s.Keys[key] = k
			return struct{}{}, true, nil
		}
		if ttl <= 0 {
			delete(s.Expiries, key)
		} else {
			s.Expiries[key] = time.Now().UTC().Add(ttl)
		}
		return struct{}{}, true, nil
	})
	return err
}

func (fs *FileStore) HSet(ctx context.Context, name, field string, value []byte) error {
	if name == "" || field == "" {
		return ErrInvalidKey
	}
	_, err := withLock(ctx, fs, func(s *fileState) (struct{}, bool, error) {
		if s.Hashes[name] == nil {
			s.Hashes[name] = map[string][]byte{}
		}
		s.Hashes[name][field] = value
		return struct{}{}, true, nil
	})
	return err
}

func (fs *FileStore) HGet(ctx context.Context, name, field string) ([]byte, error) {
	if name == "" || field == "" {
		return nil, ErrInvalidKey
	}
	return withLock(ctx, fs, func(s *fileState) ([]byte, bool, error) {
		if nameExpired(s, name, time.Now().UTC()) {
			delete(s.Hashes, name)
			delete(s.Expiries, name)
			return nil, true, ErrNotFound
		}
		h, ok := s.Hashes[name]
		if !ok {
			return nil, false, ErrNotFound
		}
		v, ok := h[field]
		if !ok {
			return nil, false, ErrNotFound
		}
		return v, false, nil
	})
}

func (fs *FileStore) HGetAll(ctx context.Context, name string) (map[string][]byte, error) {
	if name == "" {
		return nil, ErrInvalidKey
	}
	return withLock(ctx, fs, func(s *fileState) (map[string][]byte, bool, error) {
		if nameExpired(s, name, time.Now().UTC()) {
			delete(s.Hashes, name)
			delete(s.Expiries, name)
			return map[string][]byte{}, true, nil
		}
		h, ok := s.Hashes[name]
		if !ok {
			return map[string][]byte{}, false, nil
		}
		out := make(map[string][]byte, len(h))
		for k, v := range h {
			out[k] = v
		}
		return out, false, nil
	})
}

func (fs *FileStore) LPush(ctx context.Context, name string, value []byte) error {
	if name == "" {
		return ErrInvalidKey
	}
	_, err := withLock(ctx, fs, func(s *fileState) (struct{}, bool, error) {
		s.Lists[name] = append([][]byte{value}, s.Lists[name]...)
		return struct{}{}, true, nil
	})
	return err
}

func (fs *FileStore) RPop(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, ErrInvalidKey
	}
	return withLock(ctx, fs, func(s *fileState) ([]byte, bool, error) {
		if nameExpired(s, name, time.Now().UTC()) {
			delete(s.Lists, name)
			delete(s.Expiries, name)
			return nil, true, ErrNotFound
		}
		l := s.Lists[name]
		if len(l) == 0 {
			return nil, false, ErrNotFound
		}
		v := l[len(l)-1]
		s.Lists[name] = l[:len(l)-1]
		return v, true, nil
	})
}

func (fs *FileStore) LRange(ctx context.Context, name string, start, stop int64) ([][]byte, error) {
	if name == "" {
		return nil, ErrInvalidKey
	}
	return withLock(ctx, fs, func(s *fileState) ([][]byte, bool, error) {
		if nameExpired(s, name, time.Now().UTC()) {
			delete(s.Lists, name)
			delete(s.Expiries, name)
			return [][]byte{}, true, nil
		}
		l := s.Lists[name]
		n := int64(len(l))
		if n == 0 {
			return [][]byte{}, false, nil
		}
		if stop < 0 || stop >= n {
			stop = n - 1
		}
		if start < 0 {
			start = 0
		}
		if start > stop {
			return [][]byte{}, false, nil
		}
		out := make([][]byte, 0, stop-start+1)
		for i := start; i <= stop; i++ {
			out = append(out, l[i])
		}
		return out, false, nil
	})
}

func (fs *FileStore) XAdd(ctx context.Context, stream string, value []byte) (string, error) {
	if stream == "" {
		return "", ErrInvalidKey
	}
	return withLock(ctx, fs, func(s *fileState) (string, bool, error) {
		s.StreamSeq[stream]++
		id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.StreamSeq[stream])
		s.Streams[stream] = append(s.Streams[stream], StreamEntry{ID: id, Data: value})
		if len(s.Streams[stream]) > fs.maxMessages {
			s.Streams[stream] = s.Streams[stream][len(s.Streams[stream])-fs.maxMessages:]
		}
		return id, true, nil
	})
}

func (fs *FileStore) XRange(ctx context.Context, stream string, count int64) ([]StreamEntry, error) {
	if stream == "" {
		return nil, ErrInvalidKey
	}
	return withLock(ctx, fs, func(s *fileState) ([]StreamEntry, bool, error) {
		entries := s.Streams[stream]
		if count > 0 && int64(len(entries)) > count {
			entries = entries[int64(len(entries))-count:]
		}
		out := make([]StreamEntry, len(entries))
		copy(out, entries)
		return out, false, nil
	})
}

// Cleanup discards channel messages older than retention and deletes
// expired keys, hashes and lists, per spec §6.3 "cleanup tool". Stream
// entries carry no timestamp and are not aged out here; XAdd only trims
// each stream to maxMessages entries.
func (fs *FileStore) Cleanup(ctx context.Context) error {
	_, err := withLock(ctx, fs, func(s *fileState) (struct{}, bool, error) {
		cutoff := time.Now().UTC().Add(-fs.retention)
		changed := false

		for ch, msgs := range s.Messages {
			kept := msgs[:0:0]
			for _, m := range msgs {
				if m.Ts.After(cutoff) {
					kept = append(kept, m)
				} else {
					changed = true
				}
			}
			s.Messages[ch] = kept
		}

		now := time.Now().UTC()
		for k, v := range s.Keys {
			if v.ExpiresAt != nil && now.After(*v.ExpiresAt) {
				delete(s.Keys, k)
				changed = true
			}
		}

		for name, exp := range s.Expiries {
			if now.After(exp) {
				delete(s.Expiries, name)
				delete(s.Hashes, name)
				delete(s.Lists, name)
				changed = true
			}
		}

		return struct{}{}, changed, nil
	})
	return err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
