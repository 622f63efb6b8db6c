package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Tesseract-Nexus/go-shared/events"
	"github.com/Tesseract-Nexus/go-shared/tracing"

	"ean-import-service/internal/models"
)

// StreamImports is the JetStream stream carrying import session events
const StreamImports = "PRODUCT_IMPORT_EVENTS"

// Import session event types
const (
	ImportCreated        = "product_import.created"
	ImportAnalyzed       = "product_import.analyzed"
	ImportColumnRequired = "product_import.column_required"
	ImportFailed         = "product_import.failed"
	ImportRejected       = "product_import.rejected"
	ImportConverted      = "product_import.converted"
	ImportActivated      = "product_import.activated"
	ImportStuck          = "product_import.stuck"
)

// Subjects lists the subjects bound to StreamImports
var Subjects = []string{"product_import.>"}

// ImportEvent describes a change of an import session
type ImportEvent struct {
	events.BaseEvent

	SessionID      int64  `json:"sessionId"`
	FileName       string `json:"fileName"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`

	DetectedColumn   string   `json:"detectedColumn,omitempty"`
	CandidateColumns []string `json:"candidateColumns,omitempty"`
	UniqueCount      *int     `json:"uniqueCount,omitempty"`
	DuplicateCount   *int     `json:"duplicateCount,omitempty"`
	TotalValidCount  *int     `json:"totalValidCount,omitempty"`

	ConvertedPath     string `json:"convertedPath,omitempty"`
	ConvertedRowCount *int   `json:"convertedRowCount,omitempty"`

	ErrorMessage    string `json:"errorMessage,omitempty"`
	StuckForSeconds int64  `json:"stuckForSeconds,omitempty"`
}

// Validate validates the event
func (e *ImportEvent) Validate() error {
	if err := e.BaseEvent.Validate(); err != nil {
		return err
	}
	if e.SessionID == 0 {
		return fmt.Errorf("session ID is required")
	}
	return nil
}

// GetSubject returns the NATS subject for this event
func (e *ImportEvent) GetSubject() string {
	return e.EventType
}

// GetStream returns the NATS stream name for this event
func (e *ImportEvent) GetStream() string {
	return StreamImports
}

// NewImportEvent builds an event from the current session row
func NewImportEvent(eventType string, session *models.ImportSession) *ImportEvent {
	event := &ImportEvent{
		BaseEvent: events.BaseEvent{
			EventType: eventType,
			TenantID:  session.TenantID,
			SourceID:  uuid.New().String(),
			Timestamp: time.Now().UTC(),
		},
		SessionID:         session.ID,
		FileName:          session.FileName,
		Status:            string(session.Status),
		CandidateColumns:  session.CandidateColumns,
		UniqueCount:       session.UniqueEANCount,
		DuplicateCount:    session.DuplicateEANCount,
		TotalValidCount:   session.TotalValidEANCount,
		ConvertedRowCount: session.ConvertedRowCount,
		ErrorMessage:      session.Message(),
	}
	if session.DetectedEANColumn != nil {
		event.DetectedColumn = *session.DetectedEANColumn
	}
	if session.ConvertedPath != nil {
		event.ConvertedPath = *session.ConvertedPath
	}
	return event
}

// Publisher wraps the go-shared events publisher for import events
type Publisher struct {
	publisher *events.Publisher
	logger    *logrus.Entry
}

// NewPublisher creates an import events publisher. A nil go-shared
// publisher turns every publish into a no-op.
func NewPublisher(publisher *events.Publisher, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Publisher{
		publisher: publisher,
		logger:    logger.WithField("component", "import-events"),
	}
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.publisher != nil {
		p.publisher.Close()
	}
}

// PublishSessionEvent publishes a session lifecycle event
func (p *Publisher) PublishSessionEvent(ctx context.Context, eventType string, session *models.ImportSession, previous models.SessionStatus) error {
	event := NewImportEvent(eventType, session)
	event.PreviousStatus = string(previous)
	event.TraceID = tracing.GetTraceID(ctx)
	return p.publish(event)
}

// PublishStuck publishes a product_import.stuck event
func (p *Publisher) PublishStuck(ctx context.Context, session *models.ImportSession, stuckFor time.Duration) error {
	event := NewImportEvent(ImportStuck, session)
	event.StuckForSeconds = int64(stuckFor.Seconds())
	event.TraceID = tracing.GetTraceID(ctx)
	return p.publish(event)
}

// publish logs and publishes events asynchronously
func (p *Publisher) publish(event *ImportEvent) error {
	if p == nil || p.publisher == nil {
		return nil
	}

	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fields := logrus.Fields{
			"eventType": event.EventType,
			"sessionID": event.SessionID,
			"tenantID":  event.TenantID,
		}
		if err := p.publisher.Publish(pubCtx, event); err != nil {
			p.logger.WithFields(fields).WithError(err).Error("Failed to publish import event")
		} else {
			p.logger.WithFields(fields).Info("Import event published successfully")
		}
	}()

	return nil
}
