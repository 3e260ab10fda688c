package labels

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/invisible-tech/insider-threat-pipeline/internal/ingest"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// Label sources recorded in LabelRecord.Source.
const (
	SourceAnswers = "answers"
	SourceCSV     = "csv"
)

// InsidersFile is the scenario index of the CERT answers directory.
const InsidersFile = "insiders.csv"

func openCSV(path string) (*csv.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr, f, nil
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	return idx
}

func field(row []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func requireColumns(path string, idx map[string]int, header []string, cols ...string) error {
	var missing []string
	for _, c := range cols {
		if _, ok := idx[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &types.SchemaMismatchError{File: path, Missing: missing, Header: header}
	}
	return nil
}

// releaseMatches compares the dataset column of insiders.csv ("4.2") with a
// release name ("r4.2").
func releaseMatches(dataset, release string) bool {
	want := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(release)), "r")
	got := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(dataset)), "r")
	if got == want {
		return true
	}
	a, errA := strconv.ParseFloat(got, 64)
	b, errB := strconv.ParseFloat(want, 64)
	return errA == nil && errB == nil && a == b
}

// LoadInsiders reads the CERT answers directory and returns one malicious
// label per insider day of the given release. Days come from the scenario
// detail file when present, otherwise from the insider's start..end range.
func LoadInsiders(answersDir, release string, loc *time.Location) ([]types.LabelRecord, error) {
	if loc == nil {
		loc = time.UTC
	}
	path := filepath.Join(answersDir, InsidersFile)
	cr, closer, err := openCSV(path)
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	defer closer.Close()

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("labels: read %s: %w", path, err)
	}
	idx := headerIndex(header)
	if err := requireColumns(path, idx, header, "dataset", "scenario", "user", "start", "end"); err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}

	var out []types.LabelRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("labels: read %s: %w", path, err)
		}
		if !releaseMatches(field(row, idx, "dataset"), release) {
			continue
		}
		scenario := field(row, idx, "scenario")
		user := types.NormalizeUserID(field(row, idx, "user"))
		if user == "" {
			return nil, fmt.Errorf("labels: %s:%d: empty user", path, line)
		}

		var days []types.Day
		if details := field(row, idx, "details"); details != "" {
			dir := fmt.Sprintf("r%s-%s", strings.TrimPrefix(field(row, idx, "dataset"), "r"), scenario)
			days, err = detailDays(filepath.Join(answersDir, dir, details), loc)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("labels: %w", err)
			}
		}
		if len(days) == 0 {
			start, err := ingest.ParseTimestamp(field(row, idx, "start"), loc)
			if err != nil {
				return nil, fmt.Errorf("labels: %s:%d: start: %w", path, line, err)
			}
			end, err := ingest.ParseTimestamp(field(row, idx, "end"), loc)
			if err != nil {
				return nil, fmt.Errorf("labels: %s:%d: end: %w", path, line, err)
			}
			days = types.DaysBetween(types.DayOf(start, loc), types.DayOf(end, loc))
		}
		for _, d := range days {
			out = append(out, types.LabelRecord{User: user, Day: d, Scenario: scenario, Malicious: true, Source: SourceAnswers})
		}
	}
	return out, nil
}

// detailDays lists the distinct days of a scenario detail file. Its rows
// are headerless copies of raw log lines prefixed with their source:
// source,id,date,user,pc,...
func detailDays(path string, loc *time.Location) ([]types.Day, error) {
	cr, closer, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	seen := map[types.Day]bool{}
	var days []types.Day
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return days, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if len(row) < 3 {
			continue
		}
		ts, err := ingest.ParseTimestamp(row[2], loc)
		if err != nil {
			continue
		}
		if d := types.DayOf(ts, loc); !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
}

// LoadCSV reads a plain label file with columns user,day,label[,scenario].
// label accepts 1/0, true/false and malicious/benign.
func LoadCSV(path string) ([]types.LabelRecord, error) {
	cr, closer, err := openCSV(path)
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	defer closer.Close()

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("labels: read %s: %w", path, err)
	}
	idx := headerIndex(header)
	if err := requireColumns(path, idx, header, "user", "day", "label"); err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}

	var out []types.LabelRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("labels: read %s: %w", path, err)
		}
		user := types.NormalizeUserID(field(row, idx, "user"))
		if user == "" {
			return nil, fmt.Errorf("labels: %s:%d: empty user", path, line)
		}
		day, err := types.ParseDay(field(row, idx, "day"))
		if err != nil {
			return nil, fmt.Errorf("labels: %s:%d: %w", path, line, err)
		}
		mal, err := parseLabel(field(row, idx, "label"))
		if err != nil {
			return nil, fmt.Errorf("labels: %s:%d: %w", path, line, err)
		}
		out = append(out, types.LabelRecord{
			User: user, Day: day, Scenario: field(row, idx, "scenario"), Malicious: mal, Source: SourceCSV,
		})
	}
}

func parseLabel(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "malicious":
		return true, nil
	case "0", "false", "benign":
		return false, nil
	}
	return false, fmt.Errorf("invalid label %q", s)
}
