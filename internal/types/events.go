// Package types defines the shared data model of the pipeline: raw and
// normalized log events, entity-day feature vectors, labels, training
// examples, alerts, and the error taxonomy used across stages.
package types

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// SourceType identifies which CERT log family a record came from.
type SourceType string

const (
	SourceLogon  SourceType = "logon"
	SourceDevice SourceType = "device"
	SourceEmail  SourceType = "email"
	SourceFile   SourceType = "file"
	SourceHTTP   SourceType = "http"
)

// AllSources returns every supported source type in canonical order.
func AllSources() []SourceType {
	return []SourceType{SourceLogon, SourceDevice, SourceEmail, SourceFile, SourceHTTP}
}

// ParseSourceType converts a name ("logon", "http", ...) into a SourceType.
// "login" is accepted as an alias of logon.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "logon", "login":
		return SourceLogon, nil
	case "device":
		return SourceDevice, nil
	case "email":
		return SourceEmail, nil
	case "file":
		return SourceFile, nil
	case "http":
		return SourceHTTP, nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// EventType is the normalized activity kind shared by all sources.
type EventType string

const (
	EventLogon            EventType = "logon"
	EventLogoff           EventType = "logoff"
	EventDeviceConnect    EventType = "device_connect"
	EventDeviceDisconnect EventType = "device_disconnect"
	EventEmailSend        EventType = "email_send"
	EventFileCopy         EventType = "file_copy"
	EventFileOpen         EventType = "file_open"
	EventFileWrite        EventType = "file_write"
	EventFileDelete       EventType = "file_delete"
	EventHTTPVisit        EventType = "http_visit"
	EventHTTPDownload     EventType = "http_download"
	EventHTTPUpload       EventType = "http_upload"
)

// Numeric payload keys.
const (
	PayloadBytes              = "bytes"
	PayloadRecipients         = "recipients"
	PayloadExternalRecipients = "external_recipients"
	PayloadAttachments        = "attachments"
)

// Categorical payload keys.
const (
	PayloadDomain    = "domain"
	PayloadURL       = "url"
	PayloadFilename  = "filename"
	PayloadExtension = "extension"
)

// UnknownRole is attached to events whose user is absent from the LDAP directory.
const UnknownRole = "Unknown"

// RawLogRecord is one data row of a source log file, keyed by column name.
type RawLogRecord struct {
	Source SourceType
	File   string
	Line   int
	Fields map[string]string
}

// Field returns the trimmed value of the named column, or "" when absent.
func (r RawLogRecord) Field(name string) string {
	return strings.TrimSpace(r.Fields[name])
}

// NormalizedEvent is the unified representation of an activity across sources.
type NormalizedEvent struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user"`
	Timestamp   time.Time          `json:"timestamp"`
	Source      SourceType         `json:"source"`
	Type        EventType          `json:"type"`
	PC          string             `json:"pc,omitempty"`
	Role        string             `json:"role,omitempty"`
	Numeric     map[string]float64 `json:"numeric,omitempty"`
	Categorical map[string]string  `json:"categorical,omitempty"`
}

// Num returns a numeric payload value, or 0 when absent.
func (e NormalizedEvent) Num(key string) float64 {
	return e.Numeric[key]
}

// Cat returns a categorical payload value, or "" when absent.
func (e NormalizedEvent) Cat(key string) string {
	return e.Categorical[key]
}

// NormalizeUserID maps raw CERT user identifiers ("DTAA/KEE0997", " acm2278")
// onto the canonical form used as join key ("KEE0997", "ACM2278").
func NormalizeUserID(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(s)))
}

// NormalizeHost applies the same canonicalization to machine names.
func NormalizeHost(raw string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(raw)))
}
