package dataset

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validation ceilings for uploaded files.
const (
	MaxFileBytes = 10 << 20
	MaxRows      = 100000
	MaxColumns   = 100
)

// ValidationError is a user-facing rejection of an uploaded file. The reason
// names the violated constraint and, where relevant, the measured value.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func rejectf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks an uploaded file and returns the parsed table on success.
// Checks run in order and short-circuit on the first failure. Validation has
// no side effects; nothing is persisted here.
func Validate(filename string, data []byte) (*Table, error) {
	if strings.ToLower(filepath.Ext(filename)) != ".csv" {
		return nil, rejectf("invalid format: only .csv files are accepted")
	}
	if len(data) == 0 {
		return nil, rejectf("uploaded file is empty")
	}
	if int64(len(data)) > MaxFileBytes {
		return nil, rejectf("file too large: %d bytes (limit %d)", len(data), MaxFileBytes)
	}

	table, err := Parse(data)
	if err != nil {
		if errors.Is(err, ErrNotUTF8) {
			return nil, rejectf("file is not valid UTF-8 text")
		}
		return nil, rejectf("could not parse CSV: %v", err)
	}

	if table.RowCount() == 0 {
		return nil, rejectf("CSV contains no data rows")
	}
	if table.RowCount() > MaxRows {
		return nil, rejectf("too many rows: %d (limit %d)", table.RowCount(), MaxRows)
	}
	if table.ColumnCount() > MaxColumns {
		return nil, rejectf("too many columns: %d (limit %d)", table.ColumnCount(), MaxColumns)
	}
	if len(table.NumericColumns()) == 0 {
		return nil, rejectf("no numeric data found in dataset")
	}
	return table, nil
}
