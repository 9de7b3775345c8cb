// Package extract resolves a document reference from a tabular attachment.
//
// The attachment is expected to follow a fixed column contract: conventional
// comma-separated encoding with a header row, where the configured column of
// the last data row holds the URL of the document to dispatch.
package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

// DefaultColumn is the column letter read when none is configured.
const DefaultColumn = "C"

// acceptedSchemes are the URL prefixes a resolved reference may carry.
var acceptedSchemes = []string{"http://", "https://"}

// ColumnIndex maps a column letter to its zero-based index (A=0, B=1, ...).
// Only single-letter columns are supported by the column contract.
func ColumnIndex(column string) (int, error) {
	c := strings.ToUpper(strings.TrimSpace(column))
	if len(c) != 1 || c[0] < 'A' || c[0] > 'Z' {
		return 0, fmt.Errorf("invalid column letter %q", column)
	}
	return int(c[0] - 'A'), nil
}

// Extract decodes the CSV data and returns the URL found in the configured
// column of the last data row. Every failure is reported as a
// *models.ExtractionError; a value that does not look like a URL is never
// passed downstream.
func Extract(data []byte, column string) (string, error) {
	idx, err := ColumnIndex(column)
	if err != nil {
		return "", &models.ExtractionError{Reason: models.ExtractEmptyOrMissing, Detail: err.Error()}
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1 // tolerate ragged rows
	rows, err := reader.ReadAll()
	if err != nil {
		return "", &models.ExtractionError{Reason: models.ExtractDecodeError, Detail: err.Error()}
	}

	// First row is the header; at least one data row is required.
	if len(rows) < 2 {
		return "", &models.ExtractionError{Reason: models.ExtractEmptyOrMissing, Detail: "table has no data rows"}
	}

	last := rows[len(rows)-1]
	if idx >= len(last) {
		return "", &models.ExtractionError{
			Reason: models.ExtractEmptyOrMissing,
			Detail: fmt.Sprintf("column %s does not exist (last row has %d columns)", column, len(last)),
		}
	}

	value := strings.TrimSpace(last[idx])
	if value == "" {
		return "", &models.ExtractionError{
			Reason: models.ExtractEmptyOrMissing,
			Detail: fmt.Sprintf("last row cell in column %s is empty", column),
		}
	}

	if !hasAcceptedScheme(value) {
		return "", &models.ExtractionError{
			Reason: models.ExtractInvalidFormat,
			Detail: fmt.Sprintf("value %q does not look like a URL", value),
		}
	}

	slog.Debug("Extracted document reference", "column", column, "reference", value)
	return value, nil
}

func hasAcceptedScheme(value string) bool {
	for _, scheme := range acceptedSchemes {
		if strings.HasPrefix(value, scheme) {
			return true
		}
	}
	return false
}
