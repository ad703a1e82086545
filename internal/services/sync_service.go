package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jangji/backend/internal/metrics"
	"github.com/jangji/backend/internal/models"
	"github.com/jangji/backend/internal/reconcile"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized is returned when the request carries no authenticated owner
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidProgress is returned when the client record is malformed or too far in the future
	ErrInvalidProgress = errors.New("invalid progress record")
	// ErrInternal is returned when the store fails. The cause is logged, not exposed.
	ErrInternal = errors.New("internal error")
)

// ProgressRepository is the interface that wraps methods for reading_progress table data access
type ProgressRepository interface {
	// Method Fetch retrieves the progress record of an owner.
	//
	// Returns "nil" without error when the owner has never synced.
	Fetch(ctx context.Context, ownerID string) (*models.ProgressRecord, error)
	// Method Upsert inserts the record of an owner or updates the existing one in a single atomic statement.
	//
	// The owner is always taken from "ownerID", never from the record.
	Upsert(ctx context.Context, ownerID string, record *models.ProgressRecord) error
}

type syncService struct {
	repo         ProgressRepository
	resolver     *reconcile.Resolver
	maxClockSkew time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewSyncService creates a new sync service.
//
// maxClockSkew bounds how far in the future a client lastReadAt may be; zero disables the check.
func NewSyncService(repo ProgressRepository, resolver *reconcile.Resolver, maxClockSkew time.Duration, logger *zap.Logger) *syncService {
	return &syncService{
		repo:         repo,
		resolver:     resolver,
		maxClockSkew: maxClockSkew,
		now:          time.Now,
		logger:       logger,
	}
}

// Sync reconciles the client record with the stored one and returns the authoritative record.
//
// The returned record is nil when neither side has progress.
func (s *syncService) Sync(ctx context.Context, ownerID string, client *models.ProgressRecord) (*models.ProgressRecord, error) {
	start := time.Now()
	defer func() {
		metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}()

	if ownerID == "" || len(ownerID) > models.MaxOwnerIDLength {
		metrics.RecordError(metrics.ReasonUnauthorized)
		return nil, ErrUnauthorized
	}

	if client != nil {
		client = client.Clone()
		client.OwnerID = ownerID
		if err := s.checkClientProgress(client); err != nil {
			return nil, err
		}
	}

	remote, err := s.repo.Fetch(ctx, ownerID)
	if err != nil {
		s.logger.Error("Failed to fetch progress", zap.String("owner_id", ownerID), zap.Error(err))
		metrics.RecordError(metrics.ReasonFetch)
		return nil, fmt.Errorf("%w: failed to fetch progress", ErrInternal)
	}

	decision := s.resolver.Resolve(client, remote)
	metrics.RecordOutcome(string(decision.Outcome))

	if decision.Outcome == reconcile.OutcomeTie {
		s.logger.Warn("Progress records share lastReadAt but differ, nothing written",
			zap.String("owner_id", ownerID),
			zap.Int64("last_read_at", remote.LastReadAt),
		)
	}

	if decision.WriteRemote {
		if err := s.repo.Upsert(ctx, ownerID, decision.Winner); err != nil {
			s.logger.Error("Failed to upsert progress", zap.String("owner_id", ownerID), zap.Error(err))
			metrics.RecordError(metrics.ReasonUpsert)
			return nil, fmt.Errorf("%w: failed to upsert progress", ErrInternal)
		}
	}

	s.logger.Debug("Progress synced",
		zap.String("owner_id", ownerID),
		zap.String("outcome", string(decision.Outcome)),
		zap.Bool("write_remote", decision.WriteRemote),
	)

	return decision.Winner, nil
}

// GetProgress returns the stored record of an owner or nil when there is none
func (s *syncService) GetProgress(ctx context.Context, ownerID string) (*models.ProgressRecord, error) {
	if ownerID == "" || len(ownerID) > models.MaxOwnerIDLength {
		return nil, ErrUnauthorized
	}

	record, err := s.repo.Fetch(ctx, ownerID)
	if err != nil {
		s.logger.Error("Failed to fetch progress", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, fmt.Errorf("%w: failed to fetch progress", ErrInternal)
	}

	return record, nil
}

// checkClientProgress validates the client record and rejects timestamps from the future
func (s *syncService) checkClientProgress(client *models.ProgressRecord) error {
	if err := client.Validate(); err != nil {
		metrics.RecordError(metrics.ReasonInvalid)
		return fmt.Errorf("%w: %v", ErrInvalidProgress, err)
	}

	if s.maxClockSkew > 0 {
		limit := s.now().Add(s.maxClockSkew).UnixMilli()
		if client.LastReadAt > limit {
			metrics.RecordError(metrics.ReasonClockSkew)
			return fmt.Errorf("%w: lastReadAt %d is ahead of server time", ErrInvalidProgress, client.LastReadAt)
		}
	}

	return nil
}
