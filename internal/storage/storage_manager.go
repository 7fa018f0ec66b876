/**
 * Storage Manager for the generals extraction worker
 *
 * Coordinates PostgreSQL (versioned records, batch runs), Qdrant (capture
 * fingerprints) and S3 (screenshots awaiting review). Postgres is the system
 * of record; the other two are optional and their failures only degrade.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/fingerprint"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/processor"
	"github.com/adverant/nexus/generals-worker/internal/record"
)

type recordStore interface {
	SaveRecord(ctx context.Context, rec record.GeneralRecord) (record.GeneralRecord, error)
	LatestRecord(ctx context.Context, key string) (record.GeneralRecord, error)
	RecordHistory(ctx context.Context, key string) ([]record.GeneralRecord, error)
	ReviewQueue(ctx context.Context, limit int) ([]record.GeneralRecord, error)
	SaveBatch(ctx context.Context, source string, batch *processor.BatchResult) error
	Ping(ctx context.Context) error
	Close() error
}

type fingerprintIndex interface {
	Remember(ctx context.Context, points ...FingerprintPoint) error
	Nearest(ctx context.Context, h fingerprint.Hash, threshold int) (*FingerprintMatch, error)
	Close() error
}

type captureArchive interface {
	Put(ctx context.Context, batchID, captureID, mimeType string, data []byte) (string, error)
}

// ManagerConfig wires a StorageManager. Only Records is required.
type ManagerConfig struct {
	Records      *PostgresClient
	Fingerprints *QdrantClient
	Archive      *CaptureArchive
	// SeenThreshold is the Hamming distance under which a capture counts as
	// already processed.
	SeenThreshold int
	Logger        *logging.Logger
}

// StorageManager coordinates the stores
type StorageManager struct {
	records      recordStore
	fingerprints fingerprintIndex
	archive      captureArchive
	threshold    int
	logger       *logging.Logger
}

// NewStorageManager creates a new storage manager
func NewStorageManager(cfg ManagerConfig) (*StorageManager, error) {
	if cfg.Records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	sm := &StorageManager{
		records:   cfg.Records,
		threshold: cfg.SeenThreshold,
		logger:    cfg.Logger,
	}
	if cfg.Fingerprints != nil {
		sm.fingerprints = cfg.Fingerprints
	}
	if cfg.Archive != nil {
		sm.archive = cfg.Archive
	}
	if sm.threshold <= 0 {
		sm.threshold = fingerprint.DefaultThreshold
	}
	if sm.logger == nil {
		sm.logger = logging.NewLogger("Storage")
	}
	return sm, nil
}

// Deliver persists a finished batch. The batch itself is left untouched;
// assigned versions live only in the store.
func (sm *StorageManager) Deliver(ctx context.Context, batch *processor.BatchResult, captures []capture.Capture) error {
	byID := make(map[string]capture.Capture, len(captures))
	source := ""
	for _, cp := range captures {
		byID[cp.ID] = cp
		if source == "" {
			source = cp.Source
		}
	}
	log := sm.logger.With("batch", batch.BatchID)

	var errs []error
	var points []FingerprintPoint
	for _, o := range batch.Outcomes {
		if o.State != processor.StageAssembled || o.Record == nil {
			continue
		}

		saved, err := sm.records.SaveRecord(ctx, *o.Record)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.Debug("Record saved", "key", saved.Key, "version", saved.Version)

		cp, ok := byID[o.CaptureID]
		if !ok {
			continue
		}
		if saved.ReviewNeeded && sm.archive != nil {
			if key, err := sm.archive.Put(ctx, batch.BatchID, cp.ID, cp.MimeType, cp.Encoded); err != nil {
				log.Warn("Failed to archive capture for review", "capture", cp.ID, "error", err)
			} else {
				log.Debug("Archived capture for review", "capture", cp.ID, "object", key)
			}
		}
		points = append(points, FingerprintPoint{
			Hash:      cp.Fingerprint(),
			CaptureID: cp.ID,
			RecordKey: saved.Key,
			BatchID:   batch.BatchID,
			SeenAt:    batch.FinishedAt,
		})
	}

	if err := sm.records.SaveBatch(ctx, source, batch); err != nil {
		errs = append(errs, errors.NewStorageFailedError("", err))
	}

	if sm.fingerprints != nil && len(points) > 0 {
		if err := sm.fingerprints.Remember(ctx, points...); err != nil {
			log.Warn("Failed to index capture fingerprints", "count", len(points), "error", err)
		}
	}

	return errors.Join(errs...)
}

// FilterSeen splits captures into ones not processed before and the IDs of
// ones whose fingerprint is already indexed. Without an index every capture
// is fresh.
func (sm *StorageManager) FilterSeen(ctx context.Context, captures []capture.Capture) ([]capture.Capture, []string, error) {
	if sm.fingerprints == nil {
		return captures, nil, nil
	}
	fresh := make([]capture.Capture, 0, len(captures))
	var seen []string
	for _, cp := range captures {
		match, err := sm.fingerprints.Nearest(ctx, cp.Fingerprint(), sm.threshold)
		if err != nil {
			return nil, nil, err
		}
		if match != nil {
			sm.logger.Debug("Capture already processed", "capture", cp.ID, "previous", match.CaptureID, "distance", match.Distance)
			seen = append(seen, cp.ID)
			continue
		}
		fresh = append(fresh, cp)
	}
	return fresh, seen, nil
}

// SaveRecord stores a new version of a record, for example a corrected one.
func (sm *StorageManager) SaveRecord(ctx context.Context, rec record.GeneralRecord) (record.GeneralRecord, error) {
	return sm.records.SaveRecord(ctx, rec)
}

// LatestRecord returns the newest version of key.
func (sm *StorageManager) LatestRecord(ctx context.Context, key string) (record.GeneralRecord, error) {
	return sm.records.LatestRecord(ctx, key)
}

// RecordHistory returns every version of key.
func (sm *StorageManager) RecordHistory(ctx context.Context, key string) ([]record.GeneralRecord, error) {
	return sm.records.RecordHistory(ctx, key)
}

// ReviewQueue lists records awaiting review.
func (sm *StorageManager) ReviewQueue(ctx context.Context, limit int) ([]record.GeneralRecord, error) {
	return sm.records.ReviewQueue(ctx, limit)
}

// Ping checks the record store.
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.records.Ping(ctx)
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var errs []error
	if err := sm.records.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close PostgreSQL: %w", err))
	}
	if sm.fingerprints != nil {
		if err := sm.fingerprints.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Qdrant: %w", err))
		}
	}
	return errors.Join(errs...)
}
