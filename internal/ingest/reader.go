package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// ctxCheckEvery is how many rows are read between context checks.
const ctxCheckEvery = 1024

// Options configures how raw rows are turned into events.
type Options struct {
	Location  *time.Location
	OrgDomain string
	Roles     *RoleDirectory
	Logger    *logrus.Logger
}

// FileStats summarizes the ingestion of one raw file.
// Emitted + Skipped == Total once the file has been read to the end.
type FileStats struct {
	Source      types.SourceType `json:"source"`
	Path        string           `json:"path"`
	Headerless  bool             `json:"headerless,omitempty"`
	Total       int              `json:"total"`
	Emitted     int              `json:"emitted"`
	Skipped     int              `json:"skipped"`
	SkipReasons map[string]int   `json:"skip_reasons,omitempty"`
}

// Reader streams normalized events out of one CERT source file.
type Reader struct {
	spec    *sourceSpec
	name    string
	br      *bufio.Reader
	line    int
	pctx    parseContext
	roles   *RoleDirectory
	log     *logrus.Entry
	columns map[string]int
	width   int

	// first data row of a headerless file
	pending     []string
	pendingLine int

	stats FileStats
	err   error
}

// OpenReader validates the header of r against the layout of source and
// returns a Reader positioned on the first data row. A header lacking
// required columns yields a *types.SchemaMismatchError.
func OpenReader(r io.Reader, name string, source types.SourceType, opts Options) (*Reader, error) {
	spec, err := specFor(source)
	if err != nil {
		return nil, err
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	rd := &Reader{
		spec:  spec,
		name:  name,
		br:    bufio.NewReader(r),
		pctx:  parseContext{loc: opts.Location, orgDomain: opts.OrgDomain},
		roles: opts.Roles,
		log:   logger.WithFields(logrus.Fields{"source": source, "file": name}),
		stats: FileStats{Source: source, Path: name, SkipReasons: map[string]int{}},
	}

	first, _, err := rd.nextRow()
	if errors.Is(err, io.EOF) {
		return nil, &types.SchemaMismatchError{Source: source, File: name, Missing: spec.required}
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", name, err)
	}
	if err := rd.bindColumns(first); err != nil {
		return nil, err
	}
	return rd, nil
}

func (r *Reader) bindColumns(first []string) error {
	header := make([]string, len(first))
	for i, h := range first {
		h = strings.TrimPrefix(h, "\ufeff")
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}

	var missing []string
	for _, req := range r.spec.required {
		if _, ok := cols[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) == 0 {
		r.setColumns(cols)
		return nil
	}

	// A headerless file starts directly with a data row. The row is parsed
	// like any other, so a bad first record is skipped rather than fatal.
	if r.spec.positional != nil && !namesAnyColumn(r.spec.positional, header) {
		pos := make(map[string]int, len(r.spec.positional))
		for i, name := range r.spec.positional {
			pos[name] = i
		}
		r.setColumns(pos)
		r.pending = first
		r.pendingLine = 1
		r.stats.Headerless = true
		r.log.Debug("No header row, using positional layout")
		return nil
	}

	return &types.SchemaMismatchError{Source: r.spec.source, File: r.name, Missing: missing, Header: header}
}

func (r *Reader) setColumns(cols map[string]int) {
	r.columns = cols
	r.width = 0
	for _, req := range r.spec.required {
		if cols[req]+1 > r.width {
			r.width = cols[req] + 1
		}
	}
}

func namesAnyColumn(layout []string, header []string) bool {
	for _, h := range header {
		if slices.Contains(layout, h) {
			return true
		}
	}
	return false
}

// nextRow reads the next non-empty physical line and splits it into fields.
// CERT files never carry quoted line breaks, so every line is parsed on its
// own and an unbalanced quote stays confined to the row it appears in.
func (r *Reader) nextRow() ([]string, int, error) {
	for {
		text, err := r.br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, r.line, err
		}
		if text == "" && err != nil {
			return nil, r.line, io.EOF
		}
		r.line++
		text = strings.TrimRight(text, "\r\n")
		if text == "" {
			continue
		}

		cr := csv.NewReader(strings.NewReader(text))
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		row, perr := cr.Read()
		if errors.Is(perr, io.EOF) {
			continue
		}
		if perr != nil {
			var pe *csv.ParseError
			if errors.As(perr, &pe) {
				pe.StartLine, pe.Line = r.line, r.line
				return nil, r.line, pe
			}
			return nil, r.line, &csv.ParseError{StartLine: r.line, Line: r.line, Err: perr}
		}
		return row, r.line, nil
	}
}

// Events returns a single-use sequence over the events of the file. Rows
// that fail to parse are skipped and counted; read errors and context
// cancellation end the sequence and are reported by Err.
func (r *Reader) Events(ctx context.Context) iter.Seq[types.NormalizedEvent] {
	return func(yield func(types.NormalizedEvent) bool) {
		if r.pending != nil {
			row, line := r.pending, r.pendingLine
			r.pending = nil
			if ev, ok := r.handle(row, line); ok && !yield(ev) {
				return
			}
		}
		for n := 1; ; n++ {
			if n%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					r.err = err
					return
				}
			}
			row, line, err := r.nextRow()
			if errors.Is(err, io.EOF) {
				return
			}
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				r.stats.Total++
				r.skip(&types.MalformedRecordError{
					Source: r.spec.source, File: r.name, Line: perr.StartLine, Reason: ReasonCSV, Err: perr.Err,
				})
				continue
			}
			if err != nil {
				r.err = fmt.Errorf("read %s: %w", r.name, err)
				return
			}
			if ev, ok := r.handle(row, line); ok && !yield(ev) {
				return
			}
		}
	}
}

func (r *Reader) handle(row []string, line int) (types.NormalizedEvent, bool) {
	r.stats.Total++
	ev, err := r.parseRow(row, line)
	if err != nil {
		var mre *types.MalformedRecordError
		if errors.As(err, &mre) {
			r.skip(mre)
			return types.NormalizedEvent{}, false
		}
		r.skip(&types.MalformedRecordError{Source: r.spec.source, File: r.name, Line: line, Reason: "unknown", Err: err})
		return types.NormalizedEvent{}, false
	}
	r.stats.Emitted++
	return ev, true
}

func (r *Reader) parseRow(row []string, line int) (types.NormalizedEvent, error) {
	if isBlank(row) || len(row) < r.width {
		return types.NormalizedEvent{}, &types.MalformedRecordError{
			Source: r.spec.source, File: r.name, Line: line, Reason: ReasonColumns,
			Err: fmt.Errorf("got %d fields, need %d", len(row), r.width),
		}
	}
	rec := types.RawLogRecord{Source: r.spec.source, File: r.name, Line: line, Fields: make(map[string]string, len(r.columns))}
	for name, i := range r.columns {
		if i < len(row) {
			rec.Fields[name] = row[i]
		}
	}

	ev := types.NormalizedEvent{Source: r.spec.source}
	err := parseCommon(r.pctx, rec, &ev)
	if err == nil {
		err = r.spec.parse(r.pctx, rec, &ev)
	}
	if err != nil {
		reason := "unknown"
		var re *rowError
		if errors.As(err, &re) {
			reason, err = re.reason, re.err
		}
		return types.NormalizedEvent{}, &types.MalformedRecordError{
			Source: r.spec.source, File: r.name, Line: line, Reason: reason, Err: err,
		}
	}
	ev.Role = r.roles.Role(ev.UserID)
	return ev, nil
}

func (r *Reader) skip(err *types.MalformedRecordError) {
	r.stats.Skipped++
	r.stats.SkipReasons[err.Reason]++
	r.log.WithError(err).WithField("line", err.Line).Debug("Skipping malformed record")
}

func isBlank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Stats returns the counters accumulated so far.
func (r *Reader) Stats() FileStats {
	s := r.stats
	s.SkipReasons = make(map[string]int, len(r.stats.SkipReasons))
	for k, v := range r.stats.SkipReasons {
		s.SkipReasons[k] = v
	}
	return s
}

// Err reports the error that ended iteration early, if any.
func (r *Reader) Err() error {
	return r.err
}
