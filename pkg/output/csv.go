package output

import (
	"encoding/csv"
	"io"

	"github.com/runZeroInc/sweeper/pkg/fieldset"
)

// csvSink renders records as one CSV row per response. It is the
// default sink; with a single saddr column the output degenerates to
// the classic one-address-per-line form.
type csvSink struct {
	w   *csv.Writer
	c   io.Closer
	row []string
}

func newCSV(w io.Writer, fields []string, headerRow bool) (Sink, error) {
	s := &csvSink{w: csv.NewWriter(w), row: make([]string, len(fields))}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	if headerRow {
		if err := s.w.Write(fields); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *csvSink) Write(values []fieldset.Value) error {
	for i, v := range values {
		s.row[i] = fieldset.RenderValue(v.Data)
	}
	return s.w.Write(s.row)
}

func (s *csvSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

func init() {
	Register(&Module{
		Name:            "csv",
		SupportsDynamic: false,
		New:             newCSV,
	})
}
