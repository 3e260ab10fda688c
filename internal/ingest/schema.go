package ingest

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// Skip reasons reported in FileStats.SkipReasons.
const (
	ReasonColumns     = "column_count"
	ReasonCSV         = "csv_syntax"
	ReasonUser        = "user"
	ReasonTimestamp   = "timestamp"
	ReasonActivity    = "activity"
	ReasonSize        = "size"
	ReasonAttachments = "attachments"
	ReasonURL         = "url"
	ReasonFilename    = "filename"
)

// timestampLayouts are tried in order. CERT releases use the first one.
var timestampLayouts = []string{
	"01/02/2006 15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// rowError is a parse failure of a single row; the reader turns it into a
// *types.MalformedRecordError carrying file and line.
type rowError struct {
	reason string
	err    error
}

func (e *rowError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func malformed(reason string, format string, args ...any) error {
	return &rowError{reason: reason, err: fmt.Errorf(format, args...)}
}

// parseContext carries the per-run settings a row parser needs.
type parseContext struct {
	loc       *time.Location
	orgDomain string
}

// sourceSpec describes the layout of one CERT source file. The set of specs
// is closed: one entry per SourceType in sourceSpecs.
type sourceSpec struct {
	source types.SourceType
	// required columns that the header must carry.
	required []string
	// positional is the column layout assumed when the file has no header
	// row. Nil means a header is mandatory.
	positional []string
	parse      func(pc parseContext, rec types.RawLogRecord, ev *types.NormalizedEvent) error
}

var sourceSpecs = map[types.SourceType]*sourceSpec{
	types.SourceLogon: {
		source:   types.SourceLogon,
		required: []string{"id", "date", "user", "pc", "activity"},
		parse:    parseLogon,
	},
	types.SourceDevice: {
		source:   types.SourceDevice,
		required: []string{"id", "date", "user", "pc", "activity"},
		parse:    parseDevice,
	},
	types.SourceEmail: {
		source:   types.SourceEmail,
		required: []string{"id", "date", "user", "pc", "to", "cc", "bcc", "from", "size", "attachments"},
		parse:    parseEmail,
	},
	types.SourceFile: {
		source:   types.SourceFile,
		required: []string{"id", "date", "user", "pc", "filename"},
		parse:    parseFile,
	},
	types.SourceHTTP: {
		source:     types.SourceHTTP,
		required:   []string{"id", "date", "user", "pc", "url"},
		positional: []string{"id", "date", "user", "pc", "url", "content"},
		parse:      parseHTTP,
	},
}

func specFor(source types.SourceType) (*sourceSpec, error) {
	s, ok := sourceSpecs[source]
	if !ok {
		return nil, fmt.Errorf("no layout for source type %q", source)
	}
	return s, nil
}

// parseCommon fills the fields every source shares.
func parseCommon(pc parseContext, rec types.RawLogRecord, ev *types.NormalizedEvent) error {
	ev.UserID = types.NormalizeUserID(rec.Field("user"))
	if ev.UserID == "" {
		return malformed(ReasonUser, "empty user %q", rec.Field("user"))
	}
	ts, err := parseTimestamp(rec.Field("date"), pc.loc)
	if err != nil {
		return &rowError{reason: ReasonTimestamp, err: err}
	}
	ev.Timestamp = ts
	ev.PC = types.NormalizeHost(rec.Field("pc"))
	ev.ID = rec.Field("id")
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s:%s:%d", rec.Source, rec.File, rec.Line)
	}
	return nil
}

// ParseTimestamp parses a CERT timestamp in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	return parseTimestamp(strings.TrimSpace(s), loc)
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseLogon(_ parseContext, rec types.RawLogRecord, ev *types.NormalizedEvent) error {
	switch strings.ToLower(rec.Field("activity")) {
	case "logon":
		ev.Type = types.EventLogon
	case "logoff":
		ev.Type = types.EventLogoff
	default:
		return malformed(ReasonActivity, "unknown logon activity %q", rec.Field("activity"))
	}
	return nil
}

func parseDevice(_ parseContext, rec types.RawLogRecord, ev *types.NormalizedEvent) error {
	switch strings.ToLower(rec.Field("activity")) {
	case "connect":
		ev.Type = types.EventDeviceConnect
	case "disconnect":
		ev.Type = types.EventDeviceDisconnect
	default:
		return malformed(ReasonActivity, "unknown device activity %q", rec.Field("activity"))
	}
	return nil
}

func parseEmail(pc parseContext, rec types.RawLogRecord, ev *types.NormalizedEvent) error {
	size, err := parseCount(rec.Field("size"))
	if err != nil {
		return &rowError{reason: ReasonSize, err: err}
	}
	attachments, err := parseAttachments(rec.Field("attachments"))
	if err != nil {
		return &rowError{reason: ReasonAttachments, err: err}
	}

	var recipients, external int
	for _, col := range []string{"to", "cc", "bcc"} {
		for _, addr := range splitList(rec.Field(col)) {
			recipients++
			if !isInternal(addr, pc.orgDomain) {
				external++
			}
		}
	}

	ev.Type = types.EventEmailSend
	ev.Numeric = map[string]float64{
		types.PayloadBytes:              float64(size),
		types.PayloadRecipients:         float64(recipients),
		types.PayloadExternalRecipients: float64(external),
		types.PayloadAttachments:        float64(attachments),
	}
	return nil
}

func parseFile(_ parseContext, rec types.RawLogRecord, ev *types.NormalizedEvent) error {
	name := rec.Field("filename")
	if name == "" {
		return malformed(ReasonFilename, "empty filename")
	}
	switch strings.ToLower(rec.Field("activity")) {
	case "", "file copy":
		ev.Type = types.EventFileCopy
	case "file open":
		ev.Type = types.EventFileOpen
	case "file write":
		ev.Type = types.EventFileWrite
	case "file delete":
		ev.Type = types.EventFileDelete
	default:
		return malformed(ReasonActivity, "unknown file activity %q", rec.Field("activity"))
	}
	ev.Numeric = map[string]float64{types.PayloadBytes: float64(len(rec.Field("content")))}
	ev.Categorical = map[string]string{
		types.PayloadFilename:  name,
		types.PayloadExtension: fileExtension(name),
	}
	return nil
}

func parseHTTP(_ parseContext, rec types.RawLogRecord, ev *types.NormalizedEvent) error {
	raw := rec.Field("url")
	domain := urlDomain(raw)
	if domain == "" {
		return malformed(ReasonURL, "no domain in url %q", raw)
	}
	switch strings.ToLower(rec.Field("activity")) {
	case "", "www visit":
		ev.Type = types.EventHTTPVisit
	case "www download":
		ev.Type = types.EventHTTPDownload
	case "www upload":
		ev.Type = types.EventHTTPUpload
	default:
		return malformed(ReasonActivity, "unknown http activity %q", rec.Field("activity"))
	}
	ev.Numeric = map[string]float64{types.PayloadBytes: float64(len(rec.Field("content")))}
	ev.Categorical = map[string]string{
		types.PayloadURL:    raw,
		types.PayloadDomain: domain,
	}
	return nil
}

func parseCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Some exports write integral sizes as floats.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f < 0 || f != float64(int64(f)) {
			return 0, fmt.Errorf("invalid count %q", s)
		}
		return int64(f), nil
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %q", s)
	}
	return n, nil
}

// parseAttachments accepts either a count (r4.x) or a ';' separated list of
// attachment names (r6.x).
func parseAttachments(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := parseCount(s); err == nil {
		return n, nil
	}
	if strings.ContainsAny(s, `.\/;`) {
		return int64(len(splitList(s))), nil
	}
	return 0, fmt.Errorf("invalid attachments %q", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isInternal(addr, orgDomain string) bool {
	if orgDomain == "" {
		return true
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return true
	}
	host := strings.ToLower(addr[at+1:])
	org := strings.ToLower(orgDomain)
	return host == org || strings.HasSuffix(host, "."+org)
}

func fileExtension(name string) string {
	base := name
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 || dot == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[dot+1:])
}

// urlDomain extracts the lower-cased host of a visited URL without port or
// leading "www.". Scheme-less values fall back to splitting on '/'.
func urlDomain(raw string) string {
	if raw == "" {
		return ""
	}
	var host string
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		host = u.Hostname()
	} else {
		s := raw
		if i := strings.Index(s, "//"); i >= 0 {
			s = s[i+2:]
		}
		host, _, _ = strings.Cut(s, "/")
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
	}
	host = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
	if strings.ContainsAny(host, " \t") {
		return ""
	}
	return host
}
