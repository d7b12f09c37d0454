// Package filereader turns input files into typed domain.FileRecords.
package filereader

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"agentfabric/internal/domain"
)

const defaultMaxBytes = 10 << 20

// File types reported in FileRecord.Type.
const (
	TypeText = "text"
	TypeCSV  = "csv"
	TypeJSON = "json"
)

var _ domain.FileReader = (*Reader)(nil)

// Reader reads text, CSV and JSON files. Anything that is not CSV or JSON
// is read as text when it is valid UTF-8.
type Reader struct {
	maxBytes int64
	guard    PathGuard
}

// PathGuard vets a requested path and returns the one to open.
type PathGuard interface {
	ValidatePath(requested string) (string, error)
}

// New creates a Reader that refuses files larger than maxBytes
// (0 selects 10 MiB).
func New(maxBytes int64) *Reader {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Reader{maxBytes: maxBytes}
}

// SetGuard confines reads to the paths g accepts.
func (r *Reader) SetGuard(g PathGuard) { r.guard = g }

// Read implements domain.FileReader.
func (r *Reader) Read(ctx context.Context, path string) (*domain.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.guard != nil {
		resolved, err := r.guard.ValidatePath(path)
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, domain.NewDomainError("filereader.Read", domain.ErrNotFound, path)
	}
	if info.IsDir() {
		return nil, domain.NewDomainError("filereader.Read", domain.ErrInvalidInput, path+" is a directory")
	}
	if info.Size() > r.maxBytes {
		return nil, domain.NewDomainError("filereader.Read", domain.ErrLimitReached,
			fmt.Sprintf("%s is %d bytes, limit %d", path, info.Size(), r.maxBytes))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewDomainError("filereader.Read", domain.ErrIO, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes))
	if err != nil {
		return nil, domain.NewDomainError("filereader.Read", domain.ErrIO, err.Error())
	}

	rec := &domain.FileRecord{Name: filepath.Base(path), Path: path, Size: info.Size()}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		err = readCSV(data, rec)
	case ".json":
		err = readJSON(data, rec)
	default:
		err = readText(data, rec)
	}
	if err != nil {
		return nil, domain.NewDomainError("filereader.Read", domain.ErrInvalidInput, fmt.Sprintf("%s: %v", rec.Name, err))
	}
	return rec, nil
}

func readText(data []byte, rec *domain.FileRecord) error {
	if !utf8.Valid(data) {
		return fmt.Errorf("not a text file")
	}
	text := string(data)
	rec.Type = TypeText
	rec.Content = text
	lines := 0
	if len(text) > 0 {
		lines = strings.Count(text, "\n") + 1
		if strings.HasSuffix(text, "\n") {
			lines--
		}
	}
	rec.Summary = fmt.Sprintf("%d lines, %d characters", lines, utf8.RuneCountInString(text))
	return nil
}

// readCSV yields one map per row keyed by the header. Numeric cells
// become float64 so agents see the same types as JSON input.
func readCSV(data []byte, rec *domain.FileRecord) error {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return err
	}
	rec.Type = TypeCSV
	if len(records) == 0 {
		rec.Content = []map[string]any{}
		rec.Summary = "empty CSV"
		return nil
	}

	header := records[0]
	rows := make([]map[string]any, 0, len(records)-1)
	for _, r := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(r) {
				row[col] = cell(r[i])
			}
		}
		rows = append(rows, row)
	}
	rec.Content = rows
	rec.Summary = fmt.Sprintf("%d rows, %d columns: %s", len(rows), len(header), strings.Join(header, ", "))
	return nil
}

func cell(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func readJSON(data []byte, rec *domain.FileRecord) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	rec.Type = TypeJSON
	rec.Content = v
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rec.Summary = "object with keys: " + strings.Join(keys, ", ")
	case []any:
		rec.Summary = fmt.Sprintf("array of %d items", len(t))
	default:
		rec.Summary = fmt.Sprintf("%T value", v)
	}
	return nil
}
