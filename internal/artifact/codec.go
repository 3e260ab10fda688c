package artifact

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"

	"github.com/invisible-tech/insider-threat-pipeline/internal/features"
	"github.com/invisible-tech/insider-threat-pipeline/internal/narrative"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// WriteJSON stores v as indented JSON.
func (r *Run) WriteJSON(name string, v any) error {
	return r.writeAtomic(name, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// ReadJSON decodes the named JSON artifact into v.
func (r *Run) ReadJSON(name string, v any) error {
	f, err := r.open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(v); err != nil {
		return fmt.Errorf("artifact: decode %s: %w", name, err)
	}
	return nil
}

func writeLines[T any](r *Run, name string, items iter.Seq[T]) (int, error) {
	n := 0
	err := r.writeAtomic(name, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for it := range items {
			if err := enc.Encode(it); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func scanLines[T any](r *Run, name string, fn func(T) error) error {
	f, err := r.open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<16))
	for line := 1; ; line++ {
		var v T
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("artifact: %s record %d: %w", name, line, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

func readLines[T any](r *Run, name string) ([]T, error) {
	var out []T
	err := scanLines(r, name, func(v T) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// WriteEvents stores normalized events as JSON Lines.
func (r *Run) WriteEvents(events iter.Seq[types.NormalizedEvent]) (int, error) {
	return writeLines(r, FileEvents, events)
}

// ScanEvents streams the stored events through fn in file order.
func (r *Run) ScanEvents(fn func(types.NormalizedEvent) error) error {
	return scanLines(r, FileEvents, fn)
}

// ReadEvents loads every stored event.
func (r *Run) ReadEvents() ([]types.NormalizedEvent, error) {
	return readLines[types.NormalizedEvent](r, FileEvents)
}

// WriteExamples stores labeled examples under name (examples or holdout).
func (r *Run) WriteExamples(name string, examples []types.TrainingExample) error {
	_, err := writeLines(r, name, sliceSeq(examples))
	return err
}

// ReadExamples loads labeled examples stored under name.
func (r *Run) ReadExamples(name string) ([]types.TrainingExample, error) {
	return readLines[types.TrainingExample](r, name)
}

// WriteAlerts stores detection alerts as JSON Lines.
func (r *Run) WriteAlerts(alerts []*types.Alert) error {
	_, err := writeLines(r, FileAlerts, sliceSeq(alerts))
	return err
}

// ReadAlerts loads stored alerts.
func (r *Run) ReadAlerts() ([]types.Alert, error) {
	return readLines[types.Alert](r, FileAlerts)
}

func sliceSeq[T any](s []T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, v := range s {
			if !yield(v) {
				return
			}
		}
	}
}

var featureKeyColumns = []string{"user", "day", "role"}

// WriteFeatures stores the feature table as CSV: user, day, role, then one
// column per feature in schema order.
func (r *Run) WriteFeatures(table *types.FeatureTable) error {
	return r.writeAtomic(FileFeatures, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(append(append([]string(nil), featureKeyColumns...), table.Schema.Names...)); err != nil {
			return err
		}
		row := make([]string, len(featureKeyColumns)+len(table.Schema.Names))
		for _, v := range table.Vectors {
			row[0], row[1], row[2] = v.User, string(v.Day), v.Role
			for i, x := range v.Values {
				row[len(featureKeyColumns)+i] = strconv.FormatFloat(x, 'g', -1, 64)
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// ReadFeatureSchema reads only the header of features.csv.
func (r *Run) ReadFeatureSchema() (types.FeatureSchema, error) {
	f, err := r.open(FileFeatures)
	if err != nil {
		return types.FeatureSchema{}, err
	}
	defer f.Close()
	header, err := csv.NewReader(bufio.NewReader(f)).Read()
	if err != nil {
		return types.FeatureSchema{}, fmt.Errorf("artifact: %s header: %w", FileFeatures, err)
	}
	return featureSchema(header)
}

func featureSchema(header []string) (types.FeatureSchema, error) {
	if len(header) < len(featureKeyColumns) {
		return types.FeatureSchema{}, fmt.Errorf("artifact: %s: %w", FileFeatures, &types.SchemaMismatchError{File: FileFeatures, Missing: featureKeyColumns, Header: header})
	}
	for i, c := range featureKeyColumns {
		if header[i] != c {
			return types.FeatureSchema{}, fmt.Errorf("artifact: %s: %w", FileFeatures, &types.SchemaMismatchError{File: FileFeatures, Missing: []string{c}, Header: header})
		}
	}
	names := append([]string(nil), header[len(featureKeyColumns):]...)
	return types.FeatureSchema{Version: features.SchemaVersion(names), Names: names}, nil
}

// ReadFeatures loads a feature table. The schema version is recomputed from
// the column names.
func (r *Run) ReadFeatures() (*types.FeatureTable, error) {
	f, err := r.open(FileFeatures)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(bufio.NewReaderSize(f, 1<<16))
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("artifact: %s header: %w", FileFeatures, err)
	}
	schema, err := featureSchema(header)
	if err != nil {
		return nil, err
	}
	names := schema.Names
	table := &types.FeatureTable{Schema: schema}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return table, nil
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: %s line %d: %w", FileFeatures, line, err)
		}
		v := types.FeatureVector{User: row[0], Day: types.Day(row[1]), Role: row[2], Values: make([]float64, len(names))}
		for i := range names {
			x, err := strconv.ParseFloat(row[len(featureKeyColumns)+i], 64)
			if err != nil {
				return nil, fmt.Errorf("artifact: %s line %d column %s: %w", FileFeatures, line, names[i], err)
			}
			v.Values[i] = x
		}
		table.Vectors = append(table.Vectors, v)
	}
}

// WriteNarratives stores daily narratives as CSV with date, user and
// narrative columns.
func (r *Run) WriteNarratives(items []narrative.Narrative) error {
	return r.writeAtomic(FileNarratives, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"date", "user", "narrative"}); err != nil {
			return err
		}
		for _, n := range items {
			if err := cw.Write([]string{string(n.Day), n.User, n.Text}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}
