package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	gosharedmw "github.com/Tesseract-Nexus/go-shared/middleware"

	"ean-import-service/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStatusConflict = errors.New("status conflict - session was modified by another worker")
)

// SessionCacheTTL bounds how long a session read may be served from Redis
const SessionCacheTTL = 2 * time.Minute

const sessionsTable = "import_sessions"

// Transition is one compare-and-set status change. The row is updated only
// while it still has status From and, when ClaimToken is set, that claim.
// The claim is cleared unless NewClaimToken hands the row to a new holder.
type Transition struct {
	ID            int64
	From          models.SessionStatus
	To            models.SessionStatus
	ClaimToken    string
	NewClaimToken string
	Fields        map[string]interface{}
}

// SessionRepositoryInterface defines the row-store operations of the import pipeline
type SessionRepositoryInterface interface {
	Create(ctx context.Context, session *models.ImportSession) error
	GetByID(ctx context.Context, id int64) (*models.ImportSession, error)
	ApplyTransition(ctx context.Context, t Transition) error
	MarkAnalysisStarted(ctx context.Context, id int64, claimToken string) error
	ClaimNextForAnalysis(ctx context.Context, claimToken string, staleAfter time.Duration) (*models.ImportSession, error)
	FindOldestReadyForAnalysis(ctx context.Context) (*models.ImportSession, error)
	FindStuckSessions(ctx context.Context, cutoff time.Time) ([]models.ImportSession, error)
}

// SessionRepository handles database operations for import sessions
type SessionRepository struct {
	db      *gorm.DB
	redis   *redis.Client
	metrics *gosharedmw.Metrics
	now     func() time.Time
}

// NewSessionRepository creates a new SessionRepository. redis and metrics may be nil.
func NewSessionRepository(db *gorm.DB, redis *redis.Client, metrics *gosharedmw.Metrics) *SessionRepository {
	return &SessionRepository{
		db:      db,
		redis:   redis,
		metrics: metrics,
		now:     time.Now,
	}
}

var _ SessionRepositoryInterface = (*SessionRepository)(nil)

func sessionCacheKey(id int64) string {
	return fmt.Sprintf("import_session:%d", id)
}

func (r *SessionRepository) invalidate(ctx context.Context, id int64) {
	if r.redis != nil {
		r.redis.Del(ctx, sessionCacheKey(id))
	}
}

func (r *SessionRepository) record(operation string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.RecordDBQuery(operation, sessionsTable, time.Since(start), err)
	}
}

// Create inserts a new session
func (r *SessionRepository) Create(ctx context.Context, session *models.ImportSession) error {
	start := time.Now()
	err := r.db.WithContext(ctx).Create(session).Error
	r.record("insert", start, err)
	return err
}

// GetByID retrieves a session by ID with caching
func (r *SessionRepository) GetByID(ctx context.Context, id int64) (*models.ImportSession, error) {
	cacheKey := sessionCacheKey(id)

	if r.redis != nil {
		val, err := r.redis.Get(ctx, cacheKey).Result()
		if err == nil {
			var session models.ImportSession
			if err := json.Unmarshal([]byte(val), &session); err == nil {
				if r.metrics != nil {
					r.metrics.RecordCacheHit("redis", "import_session")
				}
				return &session, nil
			}
		}
		if r.metrics != nil {
			r.metrics.RecordCacheMiss("redis", "import_session")
		}
	}

	start := time.Now()
	var session models.ImportSession
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	r.record("select", start, err)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if r.redis != nil {
		if data, err := json.Marshal(session); err == nil {
			r.redis.Set(ctx, cacheKey, data, SessionCacheTTL)
		}
	}

	return &session, nil
}

// ApplyTransition performs a transition as a single conditional UPDATE
func (r *SessionRepository) ApplyTransition(ctx context.Context, t Transition) error {
	now := r.now()
	updates := map[string]interface{}{
		"status":     t.To,
		"updated_at": now,
	}
	for column, value := range t.Fields {
		updates[column] = value
	}
	if t.NewClaimToken != "" {
		updates["claim_token"] = t.NewClaimToken
		updates["claimed_at"] = now
	} else {
		updates["claim_token"] = nil
		updates["claimed_at"] = nil
	}

	query := r.db.WithContext(ctx).Model(&models.ImportSession{}).
		Where("id = ? AND status = ?", t.ID, t.From)
	if t.ClaimToken != "" {
		query = query.Where("claim_token = ?", t.ClaimToken)
	}

	start := time.Now()
	result := query.Updates(updates)
	r.record("update", start, result.Error)
	r.invalidate(ctx, t.ID)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.conflictOrNotFound(ctx, t.ID)
	}
	return nil
}

// MarkAnalysisStarted refreshes ean_analysis_at while the session is analyzing_ean
func (r *SessionRepository) MarkAnalysisStarted(ctx context.Context, id int64, claimToken string) error {
	now := r.now()
	query := r.db.WithContext(ctx).Model(&models.ImportSession{}).
		Where("id = ? AND status = ?", id, models.StatusAnalyzingEAN)
	if claimToken != "" {
		query = query.Where("claim_token = ?", claimToken)
	}

	start := time.Now()
	result := query.Updates(map[string]interface{}{
		"ean_analysis_at": now,
		"updated_at":      now,
	})
	r.record("update", start, result.Error)
	r.invalidate(ctx, id)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (r *SessionRepository) conflictOrNotFound(ctx context.Context, id int64) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.ImportSession{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

// ClaimNextForAnalysis atomically claims the oldest analyzing_ean session
// that is unclaimed or whose claim is older than staleAfter. Uses FOR UPDATE
// SKIP LOCKED so concurrent workers never receive the same row. Returns
// (nil, nil) when nothing is ready.
func (r *SessionRepository) ClaimNextForAnalysis(ctx context.Context, claimToken string, staleAfter time.Duration) (*models.ImportSession, error) {
	now := r.now()
	cutoff := now.Add(-staleAfter)
	var claimed *models.ImportSession

	start := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.ImportSession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND (claim_token IS NULL OR claimed_at < ?)", models.StatusAnalyzingEAN, cutoff).
			Order("created_at ASC, id ASC").
			Limit(1).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		session := candidates[0]

		result := tx.Model(&models.ImportSession{}).
			Where("id = ? AND status = ? AND (claim_token IS NULL OR claimed_at < ?)", session.ID, models.StatusAnalyzingEAN, cutoff).
			Updates(map[string]interface{}{
				"claim_token":     claimToken,
				"claimed_at":      now,
				"ean_analysis_at": now,
				"updated_at":      now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		session.ClaimToken = &claimToken
		session.ClaimedAt = &now
		session.EANAnalysisAt = &now
		session.UpdatedAt = now
		claimed = &session
		return nil
	})
	r.record("claim", start, err)
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		r.invalidate(ctx, claimed.ID)
	}
	return claimed, nil
}

// FindOldestReadyForAnalysis is the unlocked FIFO pick. Two callers may
// receive the same session.
func (r *SessionRepository) FindOldestReadyForAnalysis(ctx context.Context) (*models.ImportSession, error) {
	var sessions []models.ImportSession
	start := time.Now()
	err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusAnalyzingEAN).
		Order("created_at ASC, id ASC").
		Limit(1).
		Find(&sessions).Error
	r.record("select", start, err)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// FindStuckSessions lists analyzing_ean sessions whose analysis began before cutoff
func (r *SessionRepository) FindStuckSessions(ctx context.Context, cutoff time.Time) ([]models.ImportSession, error) {
	var sessions []models.ImportSession
	start := time.Now()
	err := r.db.WithContext(ctx).
		Where("status = ? AND ean_analysis_at IS NOT NULL AND ean_analysis_at < ?", models.StatusAnalyzingEAN, cutoff).
		Order("ean_analysis_at ASC").
		Find(&sessions).Error
	r.record("select", start, err)
	return sessions, err
}
