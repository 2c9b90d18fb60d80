package dismissal

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/safehub/safehub/internal/metrics"
	"github.com/safehub/safehub/internal/models"
)

// persistedRecord is the on-disk form of one dismissal record. Hidden and
// resurface-timer state is deliberately absent.
type persistedRecord struct {
	Key                     string     `json:"key"`
	FirstSeenAt             time.Time  `json:"firstSeenAt"`
	DismissedAt             *time.Time `json:"dismissedAt,omitempty"`
	DismissCount            int        `json:"dismissCount"`
	NotificationDismissedAt *time.Time `json:"notificationDismissedAt,omitempty"`
}

// encodeKey renders an issue key as the opaque string used in the
// snapshot file.
func encodeKey(key models.IssueKey) string {
	raw, _ := json.Marshal(key)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeKey(encoded string) (models.IssueKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return models.IssueKey{}, err
	}
	var key models.IssueKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return models.IssueKey{}, err
	}
	return key, nil
}

// snapshot produces the persisted view of current state. Called by the
// writer while holding the external API lock.
func (s *Store) snapshot() []persistedRecord {
	out := make([]persistedRecord, 0, len(s.records))
	for key, r := range s.records {
		out = append(out, persistedRecord{
			Key:                     encodeKey(key),
			FirstSeenAt:             r.firstSeenAt,
			DismissedAt:             copyTime(r.dismissedAt),
			DismissCount:            r.dismissCount,
			NotificationDismissedAt: copyTime(r.notificationDismissedAt),
		})
	}
	return out
}

// LoadFromFile synchronously loads persisted records, keeping only those
// whose source id the isConfigured predicate accepts. Read or parse
// failures start the store empty; they are never fatal.
func (s *Store) LoadFromFile(isConfigured func(sourceID string) bool) {
	data, err := os.ReadFile(s.writer.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Msg("No dismissal snapshot found, starting fresh")
		} else {
			log.Warn().Err(err).Msg("Failed to read dismissal snapshot, starting fresh")
		}
		return
	}
	var persisted []persistedRecord
	if err := json.Unmarshal(data, &persisted); err != nil {
		log.Warn().Err(err).Msg("Failed to parse dismissal snapshot, starting fresh")
		return
	}
	loaded, skipped := 0, 0
	for _, p := range persisted {
		key, err := decodeKey(p.Key)
		if err != nil {
			log.Warn().Err(err).Str("key", p.Key).Msg("Skipping undecodable dismissal record")
			skipped++
			continue
		}
		if isConfigured != nil && !isConfigured(key.SourceID) {
			skipped++
			continue
		}
		s.records[key] = &record{
			firstSeenAt:             p.FirstSeenAt,
			dismissedAt:             copyTime(p.DismissedAt),
			dismissCount:            p.DismissCount,
			notificationDismissedAt: copyTime(p.NotificationDismissedAt),
		}
		loaded++
	}
	log.Info().Int("loaded", loaded).Int("skipped", skipped).Msg("Loaded dismissal snapshot")
}

// writeDebounce coalesces bursts of mutations into one disk write.
const writeDebounce = 500 * time.Millisecond

// snapshotWriter persists dismissal state with debounced, coalesced
// writes. At most one write is pending at any time; the single background
// goroutine takes snapshots under the API lock and performs I/O outside
// it, so write order follows snapshot order.
type snapshotWriter struct {
	path     string
	lock     sync.Locker
	take     func() []persistedRecord
	delay    time.Duration
	kick     chan struct{}
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

func newSnapshotWriter(path string, lock sync.Locker, take func() []persistedRecord) *snapshotWriter {
	return &snapshotWriter{
		path:     path,
		lock:     lock,
		take:     take,
		delay:    writeDebounce,
		kick:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *snapshotWriter) start() {
	w.started = true
	go w.run()
}

// schedule marks state dirty. Non-blocking; a pending write absorbs any
// number of further schedules.
func (w *snapshotWriter) schedule() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// pending reports whether a write is scheduled but not yet taken.
func (w *snapshotWriter) pending() bool {
	return len(w.kick) > 0
}

func (w *snapshotWriter) stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if w.started {
			<-w.done
		}
	})
}

func (w *snapshotWriter) run() {
	defer close(w.done)
	for {
		select {
		case <-w.kick:
			select {
			case <-time.After(w.delay):
			case <-w.stopChan:
			}
			w.writeOnce()
		case <-w.stopChan:
			// Final flush if a schedule raced with shutdown.
			select {
			case <-w.kick:
				w.writeOnce()
			default:
			}
			return
		}
	}
}

func (w *snapshotWriter) writeOnce() {
	w.lock.Lock()
	// Clear the dirty flag before copying: any mutation that set it is
	// covered by the snapshot taken here, so it must not trigger another
	// write of identical content.
	select {
	case <-w.kick:
	default:
	}
	records := w.take()
	w.lock.Unlock()

	if err := w.write(records); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Failed to write dismissal snapshot")
		return
	}
	metrics.DismissalWritesTotal.Inc()
	log.Debug().Int("count", len(records)).Msg("Wrote dismissal snapshot")
}

func (w *snapshotWriter) write(records []persistedRecord) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dismissal records: %w", err)
	}

	// Write to temporary file first, then rename (atomic operation)
	tmpFile := w.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write dismissal snapshot: %w", err)
	}
	if err := os.Rename(tmpFile, w.path); err != nil {
		return fmt.Errorf("failed to rename dismissal snapshot: %w", err)
	}
	return nil
}
