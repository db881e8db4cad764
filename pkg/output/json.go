package output

import (
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/runZeroInc/sweeper/pkg/fieldset"
)

// jsonSink renders one JSON object per line. Null fields are omitted,
// which is what lets dynamic-output probes vary their shape.
type jsonSink struct {
	enc *json.Encoder
	c   io.Closer
}

func newJSON(w io.Writer, _ []string, _ bool) (Sink, error) {
	s := &jsonSink{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s, nil
}

func (s *jsonSink) Write(values []fieldset.Value) error {
	obj := make(map[string]any, len(values))
	for _, v := range values {
		if v.Data == nil {
			continue
		}
		if b, ok := v.Data.([]byte); ok {
			obj[v.Name] = hex.EncodeToString(b)
			continue
		}
		obj[v.Name] = v.Data
	}
	return s.enc.Encode(obj)
}

func (s *jsonSink) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

func init() {
	Register(&Module{
		Name:            "json",
		SupportsDynamic: true,
		New:             newJSON,
	})
}
