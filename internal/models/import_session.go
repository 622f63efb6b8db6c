package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// SessionStatus is the lifecycle state of an ImportSession
type SessionStatus string

const (
	StatusPending                SessionStatus = "pending"
	StatusUploading              SessionStatus = "uploading"
	StatusParsing                SessionStatus = "parsing"
	StatusAnalyzingEAN           SessionStatus = "analyzing_ean"
	StatusWaitingColumnSelection SessionStatus = "waiting_column_selection"
	StatusApproved               SessionStatus = "approved"
	StatusConverting             SessionStatus = "converting"
	StatusReadyForActivation     SessionStatus = "ready_for_activation"
	StatusActivating             SessionStatus = "activating"
	StatusActivated              SessionStatus = "activated"
	StatusFailed                 SessionStatus = "failed"
	StatusRejected               SessionStatus = "rejected"
)

// IsTerminal reports whether no further transition is possible
func (s SessionStatus) IsTerminal() bool {
	return s == StatusActivated || s == StatusFailed || s == StatusRejected
}

// IsValid reports whether s is a known status
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusParsing, StatusAnalyzingEAN,
		StatusWaitingColumnSelection, StatusApproved, StatusConverting,
		StatusReadyForActivation, StatusActivating, StatusActivated,
		StatusFailed, StatusRejected:
		return true
	}
	return false
}

// ImportFormat is the file type of an uploaded supplier file
type ImportFormat string

const (
	ImportFormatCSV  ImportFormat = "csv"
	ImportFormatXLSX ImportFormat = "xlsx"
)

// ImportSession tracks one uploaded supplier file from upload to activation
type ImportSession struct {
	ID       int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID string        `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	FileName string        `gorm:"type:varchar(512);not null" json:"fileName"`
	Format   ImportFormat  `gorm:"type:varchar(10);not null" json:"format"`
	FileSize int64         `gorm:"default:0" json:"fileSize"`
	Status   SessionStatus `gorm:"type:varchar(40);not null;default:'pending';index:idx_import_sessions_status_created,priority:1" json:"status"`

	// Analysis results
	DetectedEANColumn  *string        `gorm:"column:detected_ean_column;type:varchar(255)" json:"detectedEanColumn,omitempty"`
	CandidateColumns   pq.StringArray `gorm:"type:text[]" json:"candidateColumns,omitempty"`
	DetectionReport    datatypes.JSON `gorm:"type:jsonb" json:"detectionReport,omitempty"`
	UniqueEANCount     *int           `gorm:"column:unique_ean_count" json:"uniqueEanCount,omitempty"`
	DuplicateEANCount  *int           `gorm:"column:duplicate_ean_count" json:"duplicateEanCount,omitempty"`
	TotalValidEANCount *int           `gorm:"column:total_valid_ean_count" json:"totalValidEanCount,omitempty"`
	EANAnalysisAt      *time.Time     `gorm:"column:ean_analysis_at;index" json:"eanAnalysisAt,omitempty"`
	ErrorMessage       *string        `gorm:"type:text" json:"errorMessage,omitempty"`

	// Conversion output
	ConvertedRowCount *int    `json:"convertedRowCount,omitempty"`
	ConvertedPath     *string `gorm:"type:varchar(1024)" json:"convertedPath,omitempty"`

	// Worker claim, cleared by every status transition
	ClaimToken *string    `gorm:"type:varchar(64);index" json:"-"`
	ClaimedAt  *time.Time `json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_import_sessions_status_created,priority:2" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for ImportSession
func (ImportSession) TableName() string {
	return "import_sessions"
}

// Message returns the error message or an empty string
func (s *ImportSession) Message() string {
	if s.ErrorMessage == nil {
		return ""
	}
	return *s.ErrorMessage
}

// IsStuck reports whether analysis started more than threshold ago and the
// session is still in analyzing_ean
func (s *ImportSession) IsStuck(now time.Time, threshold time.Duration) bool {
	if s.Status != StatusAnalyzingEAN || s.EANAnalysisAt == nil {
		return false
	}
	return s.EANAnalysisAt.Before(now.Add(-threshold))
}
