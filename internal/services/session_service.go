package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/Tesseract-Nexus/go-shared/tracing"

	"ean-import-service/internal/dedup"
	"ean-import-service/internal/detection"
	"ean-import-service/internal/events"
	"ean-import-service/internal/models"
	"ean-import-service/internal/parser"
	"ean-import-service/internal/repository"
	"ean-import-service/internal/storage"
)

// EventPublisher publishes import session events
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, eventType string, session *models.ImportSession, previous models.SessionStatus) error
	PublishStuck(ctx context.Context, session *models.ImportSession, stuckFor time.Duration) error
}

// Options tunes the claim/recovery policy
type Options struct {
	// ClaimEnabled takes an atomic claim before analysis. When false the
	// oldest ready session is picked without any lock.
	ClaimEnabled bool
	StaleAfter   time.Duration
}

// DefaultStaleAfter is how long analysis may run before a session counts as stuck
const DefaultStaleAfter = 10 * time.Minute

// SessionService drives import sessions through their lifecycle
type SessionService struct {
	repo      repository.SessionRepositoryInterface
	store     storage.FileStore
	publisher EventPublisher
	detector  *detection.Detector
	logger    *logrus.Entry
	opts      Options
	now       func() time.Time
}

// NewSessionService creates a new SessionService
func NewSessionService(
	repo repository.SessionRepositoryInterface,
	store storage.FileStore,
	publisher EventPublisher,
	detector *detection.Detector,
	logger *logrus.Logger,
	opts Options,
) *SessionService {
	if logger == nil {
		logger = logrus.New()
	}
	if detector == nil {
		detector = detection.NewDetector(0, 0)
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &SessionService{
		repo:      repo,
		store:     store,
		publisher: publisher,
		detector:  detector,
		logger:    logger.WithField("component", "session-service"),
		opts:      opts,
		now:       time.Now,
	}
}

// AnalysisOutcome reports what BeginAnalysis did with a session.
// Code is empty when a column was resolved.
type AnalysisOutcome struct {
	Session   *models.ImportSession
	Detection detection.Kind
	Code      ErrorCode
	Message   string
}

// Failed reports whether the session ended in failed
func (o *AnalysisOutcome) Failed() bool {
	return o.Session != nil && o.Session.Status == models.StatusFailed
}

// GetSession retrieves a session by ID
func (s *SessionService) GetSession(ctx context.Context, id int64) (*models.ImportSession, error) {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newImportError(CodeSessionNotFound, ErrSessionNotFound, "Import session %d not found", id)
		}
		return nil, err
	}
	return session, nil
}

// BeginAnalysis detects the EAN column of a session in analyzing_ean and
// either records the counts, pauses for a column choice, or fails the
// session. claimToken is empty in unlocked mode.
func (s *SessionService) BeginAnalysis(ctx context.Context, session *models.ImportSession, claimToken string) (outcome *AnalysisOutcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "import.begin_analysis")
	defer span.End()

	log := s.logger.WithFields(logrus.Fields{
		"sessionID": session.ID,
		"tenantID":  session.TenantID,
	})

	if session.Status != models.StatusAnalyzingEAN {
		return nil, newImportError(CodeInvalidStatus, ErrInvalidStatus,
			"Session %d is %s, expected %s", session.ID, session.Status, models.StatusAnalyzingEAN)
	}

	if err := s.repo.MarkAnalysisStarted(ctx, session.ID, claimToken); err != nil {
		return nil, s.mapRepoError(session.ID, err)
	}
	startedAt := s.now()
	session.EANAnalysisAt = &startedAt

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Analysis panicked: %v", r)
			outcome, err = s.fail(ctx, session, claimToken, CodeProcessing, fmt.Sprintf("Failed to analyze file: %v", r))
		}
	}()

	table, loadErr := s.loadTable(ctx, session)
	if loadErr != nil {
		tracing.SetError(span, loadErr)
		return s.fail(ctx, session, claimToken, loadErr.Code, loadErr.Message)
	}

	result := s.detector.Detect(table.Headers, table.Rows)
	report := detectionReport(result)
	log.WithFields(logrus.Fields{
		"detection":  result.Kind.String(),
		"candidates": result.Candidates,
	}).Info("EAN column detection finished")

	switch result.Kind {
	case detection.KindNoColumn:
		outcome, err = s.fail(ctx, session, claimToken, CodeNoCandidateColumn, result.Message(), field{"detection_report", report})
		if outcome != nil {
			outcome.Detection = detection.KindNoColumn
		}
		return outcome, err

	case detection.KindAmbiguous:
		message := result.Message()
		previous := session.Status
		err = s.transition(ctx, session, models.ActionColumnAmbiguous, claimToken, "",
			field{"error_message", &message},
			field{"candidate_columns", pq.StringArray(result.Candidates)},
			field{"detection_report", report},
		)
		if err != nil {
			return nil, err
		}
		s.publish(ctx, events.ImportColumnRequired, session, previous)
		return &AnalysisOutcome{Session: session, Detection: result.Kind, Code: CodeAmbiguousColumn, Message: message}, nil
	}

	values, colErr := table.Column(result.Column)
	if colErr != nil {
		return s.fail(ctx, session, claimToken, CodeProcessing, fmt.Sprintf("Failed to read column %q: %v", result.Column, colErr))
	}
	counts := dedup.Analyze(values)

	column := result.Column
	previous := session.Status
	fields := append(countFields(counts),
		field{"detected_ean_column", &column},
		field{"candidate_columns", pq.StringArray(result.Candidates)},
		field{"detection_report", report},
		field{"error_message", (*string)(nil)},
	)
	if err := s.transition(ctx, session, models.ActionAnalysisResolved, claimToken, "", fields...); err != nil {
		return nil, err
	}
	s.publish(ctx, events.ImportAnalyzed, session, previous)

	log.WithFields(logrus.Fields{
		"column":         column,
		"uniqueCount":    counts.UniqueCount,
		"duplicateCount": counts.DuplicateCount,
		"totalValid":     counts.TotalValidEANs,
	}).Info("EAN analysis completed")

	return &AnalysisOutcome{
		Session:   session,
		Detection: detection.KindResolved,
		Message: fmt.Sprintf("Session %d analyzed: column %q, %d unique, %d duplicate, %d valid EANs",
			session.ID, column, counts.UniqueCount, counts.DuplicateCount, counts.TotalValidEANs),
	}, nil
}

// ResolveColumnSelection analyzes the column a user picked for a session in
// waiting_column_selection. Detection is skipped. The session re-enters
// analyzing_ean under a fresh claim and then moves to approved.
func (s *SessionService) ResolveColumnSelection(ctx context.Context, id int64, columnName string) (*models.ImportSession, error) {
	ctx, span := tracing.StartSpan(ctx, "import.resolve_column_selection")
	defer span.End()

	if strings.TrimSpace(columnName) == "" {
		return nil, newImportError(CodeValidation, ErrEmptyColumnName, "columnName is required")
	}

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanApply(session.Status, models.ActionColumnSelected) {
		return nil, newImportError(CodeInvalidStatus, ErrInvalidStatus,
			"Session %d is %s, expected %s", session.ID, session.Status, models.StatusWaitingColumnSelection)
	}

	table, loadErr := s.loadTable(ctx, session)
	if loadErr != nil {
		tracing.SetError(span, loadErr)
		if _, err := s.fail(ctx, session, "", loadErr.Code, loadErr.Message); err != nil {
			return nil, err
		}
		return session, loadErr
	}

	values, colErr := table.Column(columnName)
	if colErr != nil {
		msg := fmt.Sprintf("Column %q does not exist in %s", columnName, session.FileName)
		if candidates := CandidateColumns(session); len(candidates) > 0 {
			msg += fmt.Sprintf("; candidates are: %s", strings.Join(candidates, ", "))
		}
		return nil, newImportError(CodeValidation, colErr, "%s", msg)
	}

	claimToken := uuid.NewString()
	startedAt := s.now()
	if err := s.transition(ctx, session, models.ActionColumnSelected, "", claimToken,
		field{"ean_analysis_at", &startedAt},
	); err != nil {
		return nil, err
	}

	counts := dedup.Analyze(values)
	if counts.TotalValidEANs == 0 {
		msg := fmt.Sprintf("Selected column %q contains no valid EAN codes", columnName)
		if _, err := s.fail(ctx, session, claimToken, CodeNoCandidateColumn, msg); err != nil {
			return nil, err
		}
		return session, newImportError(CodeNoCandidateColumn, ErrNoCandidateColumn, "%s", msg)
	}

	column := columnName
	previous := session.Status
	fields := append(countFields(counts),
		field{"detected_ean_column", &column},
		field{"error_message", (*string)(nil)},
	)
	if err := s.transition(ctx, session, models.ActionAnalysisResolved, claimToken, "", fields...); err != nil {
		return nil, err
	}
	s.publish(ctx, events.ImportAnalyzed, session, previous)

	s.logger.WithFields(logrus.Fields{
		"sessionID":      session.ID,
		"column":         column,
		"uniqueCount":    counts.UniqueCount,
		"duplicateCount": counts.DuplicateCount,
		"totalValid":     counts.TotalValidEANs,
	}).Info("EAN column selected and analyzed")

	return session, nil
}

// CandidateColumns returns the columns a user can choose from. Rows written
// without the structured list fall back to the list encoded in the message.
func CandidateColumns(session *models.ImportSession) []string {
	if len(session.CandidateColumns) > 0 {
		return session.CandidateColumns
	}
	if session.ErrorMessage == nil {
		return nil
	}
	candidates, ok := detection.ParseAmbiguousMessage(*session.ErrorMessage)
	if !ok {
		return nil
	}
	return candidates
}

// StuckSession is an analyzing_ean session whose analysis outlived the threshold
type StuckSession struct {
	Session  models.ImportSession `json:"session"`
	StuckFor time.Duration        `json:"stuckForNs"`
}

// ListStuckSessions reports stuck sessions without modifying them
func (s *SessionService) ListStuckSessions(ctx context.Context) ([]StuckSession, error) {
	now := s.now()
	sessions, err := s.repo.FindStuckSessions(ctx, now.Add(-s.opts.StaleAfter))
	if err != nil {
		return nil, err
	}

	stuck := make([]StuckSession, 0, len(sessions))
	for i := range sessions {
		if !sessions[i].IsStuck(now, s.opts.StaleAfter) {
			continue
		}
		stuck = append(stuck, StuckSession{
			Session:  sessions[i],
			StuckFor: now.Sub(*sessions[i].EANAnalysisAt),
		})
	}
	return stuck, nil
}

// loadTable fetches and parses the source file of a session
func (s *SessionService) loadTable(ctx context.Context, session *models.ImportSession) (*parser.Table, *ImportError) {
	data, err := s.store.Get(ctx, storage.SourcePath(session.ID, session.Format))
	if err != nil {
		return nil, newImportError(CodeStorage, err, "Failed to read file from storage: %v", err)
	}
	table, err := parser.Parse(session.Format, data)
	if err != nil {
		return nil, newImportError(CodeProcessing, err, "Failed to parse file: %v", err)
	}
	return table, nil
}

// fail moves the session to failed with message. The returned outcome
// carries code; err is set only when the row could not be updated.
func (s *SessionService) fail(ctx context.Context, session *models.ImportSession, claimToken string, code ErrorCode, message string, extra ...field) (*AnalysisOutcome, error) {
	previous := session.Status
	fields := append([]field{{"error_message", &message}}, extra...)
	if err := s.transition(ctx, session, models.ActionFail, claimToken, "", fields...); err != nil {
		s.logger.WithFields(logrus.Fields{
			"sessionID": session.ID,
			"code":      code,
		}).WithError(err).Error("Failed to mark session as failed")
		return nil, err
	}
	s.publish(ctx, events.ImportFailed, session, previous)

	s.logger.WithFields(logrus.Fields{
		"sessionID": session.ID,
		"code":      code,
		"from":      previous,
	}).Warn(message)

	return &AnalysisOutcome{Session: session, Code: code, Message: message}, nil
}

// field is one column written by a transition
type field struct {
	column string
	value  interface{}
}

func countFields(counts dedup.Counts) []field {
	unique, duplicate, total := counts.UniqueCount, counts.DuplicateCount, counts.TotalValidEANs
	return []field{
		{"unique_ean_count", &unique},
		{"duplicate_ean_count", &duplicate},
		{"total_valid_ean_count", &total},
	}
}

// transition validates the move against the transition table, writes it as
// one conditional update and mirrors the written columns onto session
func (s *SessionService) transition(ctx context.Context, session *models.ImportSession, action models.Action, claimToken, newClaimToken string, fields ...field) error {
	next, err := models.NextStatus(session.Status, action)
	if err != nil {
		return newImportError(CodeInvalidStatus, ErrInvalidStatus, "Session %d: %v", session.ID, err)
	}

	columns := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		columns[f.column] = f.value
	}

	err = s.repo.ApplyTransition(ctx, repository.Transition{
		ID:            session.ID,
		From:          session.Status,
		To:            next,
		ClaimToken:    claimToken,
		NewClaimToken: newClaimToken,
		Fields:        columns,
	})
	if err != nil {
		return s.mapRepoError(session.ID, err)
	}

	session.Status = next
	session.UpdatedAt = s.now()
	for _, f := range fields {
		applyField(session, f)
	}
	if newClaimToken != "" {
		session.ClaimToken = &newClaimToken
	} else {
		session.ClaimToken = nil
		session.ClaimedAt = nil
	}
	return nil
}

func applyField(session *models.ImportSession, f field) {
	switch f.column {
	case "error_message":
		session.ErrorMessage, _ = f.value.(*string)
	case "detected_ean_column":
		session.DetectedEANColumn, _ = f.value.(*string)
	case "candidate_columns":
		session.CandidateColumns, _ = f.value.(pq.StringArray)
	case "detection_report":
		session.DetectionReport, _ = f.value.(datatypes.JSON)
	case "unique_ean_count":
		session.UniqueEANCount, _ = f.value.(*int)
	case "duplicate_ean_count":
		session.DuplicateEANCount, _ = f.value.(*int)
	case "total_valid_ean_count":
		session.TotalValidEANCount, _ = f.value.(*int)
	case "ean_analysis_at":
		session.EANAnalysisAt, _ = f.value.(*time.Time)
	case "converted_path":
		session.ConvertedPath, _ = f.value.(*string)
	case "converted_row_count":
		session.ConvertedRowCount, _ = f.value.(*int)
	}
}

func (s *SessionService) mapRepoError(id int64, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newImportError(CodeSessionNotFound, ErrSessionNotFound, "Import session %d not found", id)
	case errors.Is(err, repository.ErrStatusConflict):
		return newImportError(CodeInvalidStatus, ErrInvalidStatus, "Session %d was modified by another worker", id)
	default:
		return newImportError(CodeProcessing, err, "Failed to update session %d: %v", id, err)
	}
}

func (s *SessionService) publish(ctx context.Context, eventType string, session *models.ImportSession, previous models.SessionStatus) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishSessionEvent(ctx, eventType, session, previous); err != nil {
		s.logger.WithError(err).WithField("sessionID", session.ID).Warn("Failed to publish import event")
	}
}

func detectionReport(result detection.Result) datatypes.JSON {
	data, err := json.Marshal(result.Columns)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
