// Package fieldset models the typed, ordered field records probe
// modules emit for each response, the catalogue of fields a scan can
// output, and the translation from a module's record to the subset the
// user asked for.
package fieldset

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Field value types. String renderings of these names show up in
// --list-output-fields, so they stay lowercase words.
const (
	TypeInt    = "int"
	TypeBool   = "bool"
	TypeString = "string"
	TypeBinary = "binary"
)

// Def declares one output field a probe or the framework can emit.
type Def struct {
	Name string
	Type string
	Desc string
}

// Value is one emitted field. Nil data means the field is null for this
// record (e.g. NTP fields on an ICMP error response).
type Value struct {
	Name string
	Data any
}

// FieldSet is one response record: ordered named values. Modules append
// in their declared field order; the framework appends system fields
// after processing.
type FieldSet struct {
	values []Value
}

func New() *FieldSet {
	return &FieldSet{values: make([]Value, 0, 24)}
}

func (fs *FieldSet) AddString(name, value string) {
	fs.values = append(fs.values, Value{name, value})
}

func (fs *FieldSet) AddUint64(name string, value uint64) {
	fs.values = append(fs.values, Value{name, value})
}

func (fs *FieldSet) AddBool(name string, value bool) {
	fs.values = append(fs.values, Value{name, value})
}

func (fs *FieldSet) AddBinary(name string, value []byte) {
	fs.values = append(fs.values, Value{name, value})
}

func (fs *FieldSet) AddNull(name string) {
	fs.values = append(fs.values, Value{name, nil})
}

// AddIP renders an IPv4 address in dotted form, the way every address
// field is reported.
func (fs *FieldSet) AddIP(name string, addr uint32) {
	fs.AddString(name, IPString(addr))
}

// Set overwrites an existing field, or appends when absent. The NTP
// module uses this to rewrite saddr from an ICMP error's inner header.
func (fs *FieldSet) Set(name string, value any) {
	for i := range fs.values {
		if fs.values[i].Name == name {
			fs.values[i].Data = value
			return
		}
	}
	fs.values = append(fs.values, Value{name, value})
}

// Get returns the named value and whether it is present.
func (fs *FieldSet) Get(name string) (any, bool) {
	for i := range fs.values {
		if fs.values[i].Name == name {
			return fs.values[i].Data, true
		}
	}
	return nil, false
}

// GetBool returns a bool field, treating absent or null as false.
func (fs *FieldSet) GetBool(name string) bool {
	v, ok := fs.Get(name)
	if !ok || v == nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// GetString returns a string field, or "" when absent or null.
func (fs *FieldSet) GetString(name string) string {
	v, ok := fs.Get(name)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetUint64 returns an int field, or 0 when absent or null.
func (fs *FieldSet) GetUint64(name string) uint64 {
	v, ok := fs.Get(name)
	if !ok || v == nil {
		return 0
	}
	u, _ := v.(uint64)
	return u
}

// Len returns the number of fields in the record.
func (fs *FieldSet) Len() int {
	return len(fs.values)
}

// Values returns the ordered values. Callers must not mutate.
func (fs *FieldSet) Values() []Value {
	return fs.values
}

// IPString renders a host-ordered IPv4 address.
func IPString(addr uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], addr)
	return net.IP(b[:]).String()
}

// Catalogue is the full ordered set of fields available to a scan: IP
// header fields, then the probe module's fields, then system fields.
type Catalogue struct {
	defs  []Def
	index map[string]int
}

// NewCatalogue concatenates field definition groups in order.
func NewCatalogue(groups ...[]Def) (*Catalogue, error) {
	c := &Catalogue{index: make(map[string]int)}
	for _, group := range groups {
		for _, d := range group {
			if _, dup := c.index[d.Name]; dup {
				return nil, errors.Errorf("duplicate output field %q", d.Name)
			}
			c.index[d.Name] = len(c.defs)
			c.defs = append(c.defs, d)
		}
	}
	return c, nil
}

// Defs returns the ordered definitions.
func (c *Catalogue) Defs() []Def {
	return c.defs
}

// Has reports whether a field name exists.
func (c *Catalogue) Has(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Names returns all field names in declaration order.
func (c *Catalogue) Names() []string {
	names := make([]string, len(c.defs))
	for i, d := range c.defs {
		names[i] = d.Name
	}
	return names
}

// Translation maps a full record onto the user's requested field list.
type Translation struct {
	fields []string
}

// NewTranslation validates the requested fields against the catalogue.
// A single "*" selects every field in declaration order.
func NewTranslation(c *Catalogue, requested []string) (*Translation, error) {
	if len(requested) == 1 && requested[0] == "*" {
		return &Translation{fields: c.Names()}, nil
	}
	for _, name := range requested {
		if !c.Has(name) {
			return nil, errors.Errorf("unknown output field %q (use --list-output-fields)", name)
		}
	}
	return &Translation{fields: requested}, nil
}

// Fields returns the output column names in order.
func (t *Translation) Fields() []string {
	return t.fields
}

// Apply projects a record onto the requested fields. Missing fields
// render as null, which dynamic-output probes rely on.
func (t *Translation) Apply(fs *FieldSet) []Value {
	out := make([]Value, len(t.fields))
	for i, name := range t.fields {
		v, _ := fs.Get(name)
		out[i] = Value{Name: name, Data: v}
	}
	return out
}

// RenderValue formats a value for text output sinks.
func RenderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "1"
		}
		return "0"
	case []byte:
		return fmt.Sprintf("%x", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
