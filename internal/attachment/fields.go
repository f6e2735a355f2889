package attachment

import (
	"fmt"
	"strings"
)

// Field describes how a binary field is stored.
type Field struct {
	// Column is set for fields stored in a table column. Other fields live in
	// ir_attachment rows keyed by res_model, res_field and res_id.
	Column bool
	// LogAccess is set when the model's table has write_date
	LogAccess bool
}

// Fields is the allow list of readable binary fields, keyed by model.
type Fields map[string]map[string]Field

// ParseFields parses "model:field[:column][:nolog]" entries, e.g.
// "res.partner:image_1920" or "res.company:logo_web:column".
//
// Fields default to attachment storage on a model that tracks write dates.
// "column" reads the value from the model's table, "nolog" marks a model
// without write_date.
func ParseFields(specs []string) (Fields, error) {
	out := make(Fields)
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || !validName(parts[0], true) || !validName(parts[1], false) {
			return nil, fmt.Errorf("invalid binary field %q (want model:field[:column][:nolog], e.g. res.partner:image_1920)", spec)
		}
		model, name := parts[0], parts[1]
		f := Field{LogAccess: true}
		for _, opt := range parts[2:] {
			switch opt {
			case "column":
				f.Column = true
			case "nolog":
				f.LogAccess = false
			default:
				return nil, fmt.Errorf("invalid binary field %q: unknown option %q", spec, opt)
			}
		}
		if out[model] == nil {
			out[model] = make(map[string]Field)
		}
		out[model][name] = f
	}
	return out, nil
}

// Lookup returns the storage of field on model and whether it may be read.
func (f Fields) Lookup(model, field string) (Field, bool) {
	fd, ok := f[model][field]
	return fd, ok
}

// Allowed reports whether field of model may be read.
func (f Fields) Allowed(model, field string) bool {
	_, ok := f.Lookup(model, field)
	return ok
}

// tableName maps a model name to its table: res.partner -> res_partner
func tableName(model string) string {
	return strings.ReplaceAll(model, ".", "_")
}

// validName accepts lowercase identifiers, with dots for model names
func validName(s string, dots bool) bool {
	if s == "" || s[0] == '.' || s[len(s)-1] == '.' || (s[0] >= '0' && s[0] <= '9') {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
		case c == '.' && dots:
		default:
			return false
		}
	}
	return true
}
