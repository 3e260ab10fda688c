package types

import (
	"fmt"
	"strings"
)

// MalformedRecordError reports a single unparsable row. It is recoverable:
// the row is skipped and counted, and ingestion continues.
type MalformedRecordError struct {
	Source SourceType
	File   string
	Line   int
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	msg := fmt.Sprintf("malformed %s record at %s:%d: %s", e.Source, e.File, e.Line, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// SchemaMismatchError reports a raw file whose columns do not match the
// expected layout of its source type. It aborts ingestion of that file.
type SchemaMismatchError struct {
	Source  SourceType
	File    string
	Missing []string
	Header  []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch in %s file %s: missing columns [%s] (header: [%s])",
		e.Source, e.File, strings.Join(e.Missing, ", "), strings.Join(e.Header, ", "))
}

// DataQualityWarning is a non-fatal finding about the input data, such as a
// label without a matching feature vector. It is logged and counted.
type DataQualityWarning struct {
	Kind   string
	Detail string
	Count  int
}

func (w *DataQualityWarning) Error() string {
	return fmt.Sprintf("data quality warning (%s, %d occurrences): %s", w.Kind, w.Count, w.Detail)
}

// TrainingFailure reports that no model could be produced.
type TrainingFailure struct {
	Reason    string
	Examples  int
	Positives int
	Err       error
}

func (e *TrainingFailure) Error() string {
	msg := fmt.Sprintf("training failed: %s (examples=%d positives=%d)", e.Reason, e.Examples, e.Positives)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TrainingFailure) Unwrap() error { return e.Err }
