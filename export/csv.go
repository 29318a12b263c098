package export

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cuprumlab/cuprum/culog"
	"github.com/cuprumlab/cuprum/cutask"
	"github.com/cuprumlab/cuprum/cutime"
)

// CSVExporter writes the contents of a log into a directory, one CSV file
// per section. Unset validity bounds become empty cells and byte fields are
// hex encoded.
type CSVExporter struct {
	dir string
}

// NewCSVExporter creates an exporter writing into dir, creating it if
// needed.
func NewCSVExporter(dir string) (*CSVExporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	return &CSVExporter{dir: dir}, nil
}

// Export dumps every section of the log into its own file.
func (e *CSVExporter) Export(r *culog.Reader) error {
	for _, spec := range r.Sections() {
		if err := e.exportSection(r, spec); err != nil {
			return fmt.Errorf("export: section %q: %w", spec.Name, err)
		}
	}

	return nil
}

func (e *CSVExporter) exportSection(
	r *culog.Reader,
	spec culog.SectionSpec,
) error {
	file, err := os.Create(filepath.Join(e.dir, spec.Name+".csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)

	header := []string{"BatchIndex", "ValidStart", "ValidEnd"}
	for _, f := range spec.Schema.Fields {
		header = append(header, f.Name)
	}

	if err := w.Write(header); err != nil {
		return err
	}

	it := r.Iterate(spec.Name)
	for it.Next() {
		for _, msg := range it.Messages() {
			if err := w.Write(csvRow(it.BatchIndex(), msg)); err != nil {
				return err
			}
		}
	}

	if err := it.Err(); err != nil {
		return err
	}

	w.Flush()

	return w.Error()
}

func csvRow(batch int, msg *cutask.Message) []string {
	validity := msg.Validity()
	start, startSet := validity.Start()
	end, endSet := validity.End()

	row := []string{
		strconv.Itoa(batch),
		csvTime(start, startSet),
		csvTime(end, endSet),
	}

	for _, v := range msg.Values() {
		row = append(row, csvValue(v))
	}

	return row
}

func csvTime(t cutime.CuTime, set bool) string {
	if !set {
		return ""
	}

	return strconv.FormatUint(uint64(t), 10)
}

func csvValue(v cutask.Value) string {
	switch v.Kind() {
	case cutask.FieldUint64:
		return strconv.FormatUint(v.AsUint64(), 10)
	case cutask.FieldInt64:
		return strconv.FormatInt(v.AsInt64(), 10)
	case cutask.FieldFloat64:
		return strconv.FormatFloat(v.AsFloat64(), 'g', -1, 64)
	case cutask.FieldBool:
		return strconv.FormatBool(v.AsBool())
	case cutask.FieldString:
		return v.AsString()
	case cutask.FieldBytes:
		return hex.EncodeToString(v.AsBytes())
	default:
		panic(fmt.Sprintf("unknown field type %d", v.Kind()))
	}
}
