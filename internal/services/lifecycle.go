package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"ean-import-service/internal/dedup"
	"ean-import-service/internal/events"
	"ean-import-service/internal/gtin"
	"ean-import-service/internal/models"
	"ean-import-service/internal/parser"
	"ean-import-service/internal/storage"
)

// ConvertedDataset is the JSON document written by StartConversion
type ConvertedDataset struct {
	SessionID      int64               `json:"sessionId"`
	FileName       string              `json:"fileName"`
	DetectedColumn string              `json:"detectedColumn"`
	Headers        []string            `json:"headers"`
	Rows           []map[string]string `json:"rows"`
}

// Reserved keys added to every converted row
const (
	ConvertedEANKey = "_ean"
	ConvertedRowKey = "_row"
)

// CreateSession stores an uploaded file and enqueues its session for analysis.
// When a step after the insert fails, the failed session is returned with the error.
func (s *SessionService) CreateSession(ctx context.Context, tenantID, fileName string, data []byte) (*models.ImportSession, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, newImportError(CodeValidation, nil, "tenant_id is required")
	}
	name := filepath.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == "/" {
		return nil, newImportError(CodeValidation, nil, "file name is required")
	}
	format, err := parser.FormatFromFileName(name)
	if err != nil {
		return nil, newImportError(CodeValidation, err, "Unsupported file type %q: upload a .csv or .xlsx file", filepath.Ext(name))
	}
	if len(data) == 0 {
		return nil, newImportError(CodeValidation, nil, "file is empty")
	}

	session := &models.ImportSession{
		TenantID: tenantID,
		FileName: name,
		Format:   format,
		FileSize: int64(len(data)),
		Status:   models.StatusPending,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, newImportError(CodeProcessing, err, "Failed to create import session: %v", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"sessionID": session.ID,
		"tenantID":  tenantID,
		"fileName":  name,
	})

	if err := s.transition(ctx, session, models.ActionStartUpload, "", ""); err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, storage.SourcePath(session.ID, format), data, storage.ContentType(format)); err != nil {
		return s.failWith(ctx, session, newImportError(CodeStorage, err, "Failed to store uploaded file: %v", err))
	}
	if err := s.transition(ctx, session, models.ActionUploadComplete, "", ""); err != nil {
		return nil, err
	}

	table, err := parser.Parse(format, data)
	if err != nil {
		return s.failWith(ctx, session, newImportError(CodeProcessing, err, "Failed to parse file: %v", err))
	}
	if len(table.Rows) == 0 {
		return s.failWith(ctx, session, newImportError(CodeProcessing, nil, "File contains a header row but no data rows"))
	}

	if err := s.transition(ctx, session, models.ActionParseComplete, "", ""); err != nil {
		return nil, err
	}
	s.publish(ctx, events.ImportCreated, session, models.StatusParsing)

	log.WithFields(logrus.Fields{
		"columns": len(table.Headers),
		"rows":    len(table.Rows),
	}).Info("Import session queued for EAN analysis")

	return session, nil
}

func (s *SessionService) failWith(ctx context.Context, session *models.ImportSession, cause *ImportError) (*models.ImportSession, error) {
	if _, err := s.fail(ctx, session, "", cause.Code, cause.Message); err != nil {
		return nil, err
	}
	return session, cause
}

// StartConversion converts an approved session into a JSON dataset keyed by
// header, with the normalized EAN of each row under "_ean"
func (s *SessionService) StartConversion(ctx context.Context, id int64) (*models.ImportSession, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	// A session left in converting by an interrupted run is resumed in place.
	resuming := session.Status == models.StatusConverting
	if !resuming && !models.CanApply(session.Status, models.ActionStartConversion) {
		return nil, newImportError(CodeInvalidStatus, ErrInvalidStatus,
			"Session %d is %s, expected %s", session.ID, session.Status, models.StatusApproved)
	}
	if session.DetectedEANColumn == nil {
		return nil, newImportError(CodeInvalidStatus, ErrInvalidStatus, "Session %d has no detected EAN column", session.ID)
	}

	path := storage.ConvertedPath(session.ID)
	if resuming {
		// The previous run may have died mid-write, so its output is rebuilt.
		if err := s.store.Delete(ctx, path); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return nil, newImportError(CodeStorage, err, "Failed to remove previous converted rows: %v", err)
		}
		s.logger.WithField("sessionID", session.ID).Warn("Resuming interrupted conversion")
	} else if err := s.transition(ctx, session, models.ActionStartConversion, "", ""); err != nil {
		return nil, err
	}

	table, loadErr := s.loadTable(ctx, session)
	if loadErr != nil {
		return s.failWith(ctx, session, loadErr)
	}

	dataset := buildDataset(session, table)
	payload, err := json.Marshal(dataset)
	if err != nil {
		return s.failWith(ctx, session, newImportError(CodeProcessing, err, "Failed to encode converted rows: %v", err))
	}

	if err := s.store.Put(ctx, path, payload, "application/json"); err != nil {
		return s.failWith(ctx, session, newImportError(CodeStorage, err, "Failed to store converted rows: %v", err))
	}

	rowCount := len(dataset.Rows)
	if err := s.transition(ctx, session, models.ActionConversionComplete, "", "",
		field{"converted_path", &path},
		field{"converted_row_count", &rowCount},
	); err != nil {
		return nil, err
	}
	s.publish(ctx, events.ImportConverted, session, models.StatusConverting)

	s.logger.WithFields(logrus.Fields{
		"sessionID": session.ID,
		"rows":      rowCount,
		"path":      path,
	}).Info("Import session converted")

	return session, nil
}

func buildDataset(session *models.ImportSession, table *parser.Table) ConvertedDataset {
	column := *session.DetectedEANColumn
	idx, _ := table.ColumnIndex(column)

	records := table.Records()
	for i, record := range records {
		code := ""
		if idx >= 0 && idx < len(table.Rows[i]) {
			if normalized := dedup.Normalize(table.Rows[i][idx]); gtin.IsValid(normalized) {
				code = normalized
			}
		}
		record[ConvertedEANKey] = code
		record[ConvertedRowKey] = strconv.Itoa(i + 2)
	}

	return ConvertedDataset{
		SessionID:      session.ID,
		FileName:       session.FileName,
		DetectedColumn: column,
		Headers:        table.Headers,
		Rows:           records,
	}
}

// Activate hands a converted session over to the catalog by publishing
// product_import.activated
func (s *SessionService) Activate(ctx context.Context, id int64) (*models.ImportSession, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanApply(session.Status, models.ActionStartActivation) {
		return nil, newImportError(CodeInvalidStatus, ErrInvalidStatus,
			"Session %d is %s, expected %s", session.ID, session.Status, models.StatusReadyForActivation)
	}

	if err := s.transition(ctx, session, models.ActionStartActivation, "", ""); err != nil {
		return nil, err
	}

	path := storage.ConvertedPath(session.ID)
	if session.ConvertedPath != nil {
		path = *session.ConvertedPath
	}
	if _, err := s.store.Get(ctx, path); err != nil {
		return s.failWith(ctx, session, newImportError(CodeStorage, err, "Converted dataset is unavailable: %v", err))
	}

	if err := s.transition(ctx, session, models.ActionActivationComplete, "", ""); err != nil {
		return nil, err
	}
	s.publish(ctx, events.ImportActivated, session, models.StatusActivating)

	s.logger.WithField("sessionID", session.ID).Info("Import session activated")
	return session, nil
}

// Reject cancels a session from any non-terminal status
func (s *SessionService) Reject(ctx context.Context, id int64, reason string) (*models.ImportSession, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanApply(session.Status, models.ActionReject) {
		return nil, newImportError(CodeInvalidStatus, ErrInvalidStatus,
			"Session %d is %s and can no longer be rejected", session.ID, session.Status)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Rejected by reviewer"
	}
	previous := session.Status
	if err := s.transition(ctx, session, models.ActionReject, "", "", field{"error_message", &reason}); err != nil {
		return nil, err
	}
	s.publish(ctx, events.ImportRejected, session, previous)

	s.logger.WithFields(logrus.Fields{
		"sessionID": session.ID,
		"from":      previous,
	}).Infof("Import session rejected: %s", reason)

	return session, nil
}
