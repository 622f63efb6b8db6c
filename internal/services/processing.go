package services

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ean-import-service/internal/models"
)

// Trigger outcomes
const (
	TriggerSuccess = "success"
	TriggerNoop    = "no-op"
	TriggerError   = "error"
)

// TriggerResult is returned by TriggerAnalysis. Processed is 1 whenever a
// session was picked up; Status tells whether that run succeeded.
type TriggerResult struct {
	Processed     int                  `json:"processed"`
	SessionID     *int64               `json:"sessionId,omitempty"`
	Status        string               `json:"status"`
	Message       string               `json:"message"`
	SessionStatus models.SessionStatus `json:"sessionStatus,omitempty"`
	Code          ErrorCode            `json:"code,omitempty"`
}

// SelectColumnResult is returned by SelectColumn
type SelectColumnResult struct {
	SessionID      int64                `json:"sessionId"`
	Status         models.SessionStatus `json:"status"`
	DetectedColumn string               `json:"detectedColumn"`
	UniqueCount    int                  `json:"uniqueCount"`
	DuplicateCount int                  `json:"duplicateCount"`
	TotalValidEANs int                  `json:"totalValidEans"`
}

// TriggerAnalysis picks the oldest session waiting in analyzing_ean and
// analyzes it. An empty queue is a successful no-op.
func (s *SessionService) TriggerAnalysis(ctx context.Context) TriggerResult {
	session, claimToken, err := s.nextForAnalysis(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to find session ready for analysis")
		return TriggerResult{
			Status:  TriggerError,
			Message: "Failed to find session ready for analysis: " + err.Error(),
			Code:    CodeProcessing,
		}
	}
	if session == nil {
		return TriggerResult{Status: TriggerNoop, Message: "No sessions ready for analysis"}
	}

	id := session.ID
	result := TriggerResult{Processed: 1, SessionID: &id}

	outcome, err := s.BeginAnalysis(ctx, session, claimToken)
	if err != nil {
		result.Status = TriggerError
		result.Code = CodeOf(err)
		result.Message = MessageOf(err)
		result.SessionStatus = session.Status
		return result
	}

	result.SessionStatus = outcome.Session.Status
	result.Code = outcome.Code
	result.Message = outcome.Message
	if outcome.Failed() {
		result.Status = TriggerError
	} else {
		result.Status = TriggerSuccess
	}
	return result
}

func (s *SessionService) nextForAnalysis(ctx context.Context) (*models.ImportSession, string, error) {
	if !s.opts.ClaimEnabled {
		session, err := s.repo.FindOldestReadyForAnalysis(ctx)
		return session, "", err
	}

	claimToken := uuid.NewString()
	session, err := s.repo.ClaimNextForAnalysis(ctx, claimToken, s.opts.StaleAfter)
	if err != nil || session == nil {
		return nil, "", err
	}
	return session, claimToken, nil
}

// SelectColumn parses the caller's session id and resolves the column choice
func (s *SessionService) SelectColumn(ctx context.Context, sessionID string, columnName string) (*SelectColumnResult, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(sessionID), 10, 64)
	if err != nil || id <= 0 {
		return nil, newImportError(CodeValidation, ErrInvalidSessionID, "sessionId must be a positive integer, got %q", sessionID)
	}

	session, err := s.ResolveColumnSelection(ctx, id, columnName)
	if err != nil {
		return nil, err
	}

	result := &SelectColumnResult{
		SessionID: session.ID,
		Status:    session.Status,
	}
	if session.DetectedEANColumn != nil {
		result.DetectedColumn = *session.DetectedEANColumn
	}
	if session.UniqueEANCount != nil {
		result.UniqueCount = *session.UniqueEANCount
	}
	if session.DuplicateEANCount != nil {
		result.DuplicateCount = *session.DuplicateEANCount
	}
	if session.TotalValidEANCount != nil {
		result.TotalValidEANs = *session.TotalValidEANCount
	}
	return result, nil
}
