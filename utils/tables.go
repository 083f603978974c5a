package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrInvalidTable = errors.New("invalid table")

type Table struct {
	Header []string
	Rows   [][]string
}

func (t Table) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Header); err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("error writing csv rows: %w", err)
	}
	return nil
}

// TableReader reads a csv table whose first line names the columns. Column lookups ignore case.
type TableReader struct {
	reader *csv.Reader
	cols   map[string]int
	line   int
}

func NewTableReader(r io.Reader, required ...string) (*TableReader, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read header: %v", ErrInvalidTable, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var missing []string
	for _, col := range required {
		if _, ok := cols[strings.ToLower(col)]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %v", ErrInvalidTable, strings.Join(missing, ", "))
	}
	return &TableReader{reader: reader, cols: cols, line: 1}, nil
}

func (t *TableReader) Has(col string) bool {
	_, ok := t.cols[strings.ToLower(col)]
	return ok
}

// Next returns the following record, io.EOF after the last one. A malformed line is returned
// as an error together with its line number so callers can skip it.
func (t *TableReader) Next() (Record, error) {
	values, err := t.reader.Read()
	if err == io.EOF {
		return Record{}, io.EOF
	}
	t.line++
	if err != nil {
		return Record{Line: t.line}, err
	}
	return Record{Line: t.line, values: values, cols: t.cols}, nil
}

type Record struct {
	Line   int
	values []string
	cols   map[string]int
}

func (r Record) Get(col string) string {
	i, ok := r.cols[strings.ToLower(col)]
	if !ok || i >= len(r.values) {
		return ""
	}
	return strings.TrimSpace(r.values[i])
}
