// Package storage reads and writes import files in object storage.
package storage

import (
	"context"
	"errors"
	"fmt"

	"ean-import-service/internal/models"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
)

// FileStore is the object storage used by the import pipeline. Objects are
// write-once: Put fails with ErrObjectExists when the path is taken.
type FileStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// SourcePath is where the uploaded file of a session lives
func SourcePath(sessionID int64, format models.ImportFormat) string {
	return fmt.Sprintf("imports/%d/source.%s", sessionID, format)
}

// ConvertedPath is where the converted JSON dataset of a session lives
func ConvertedPath(sessionID int64) string {
	return fmt.Sprintf("imports/%d/converted.json", sessionID)
}

// ContentType returns the MIME type stored with a source file
func ContentType(format models.ImportFormat) string {
	switch format {
	case models.ImportFormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case models.ImportFormatCSV:
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
