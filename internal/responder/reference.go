package responder

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"carbonbot/internal/roles"
)

//go:embed reference.yaml
var defaultReference []byte

// Table is one block of structured reference data injected into the context.
type Table struct {
	Title   string     `yaml:"title"`
	Columns []string   `yaml:"columns"`
	Rows    [][]string `yaml:"rows"`
}

type rolePolicy struct {
	Audience string  `yaml:"audience"`
	Tables   []Table `yaml:"tables"`
}

// Reference is the fixed, read-only data the registry builds contexts from.
type Reference struct {
	Framing string                    `yaml:"framing"`
	Roles   map[roles.Role]rolePolicy `yaml:"roles"`
}

// DefaultReference returns the built-in reference tables.
func DefaultReference() Reference {
	ref, err := ParseReference(defaultReference)
	if err != nil {
		panic("responder: embedded reference.yaml: " + err.Error())
	}
	return ref
}

// LoadReference reads reference tables from path; an empty path selects the
// built-in tables.
func LoadReference(path string) (Reference, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultReference(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Reference{}, err
	}
	return ParseReference(b)
}

func ParseReference(b []byte) (Reference, error) {
	var ref Reference
	if err := yaml.Unmarshal(b, &ref); err != nil {
		return Reference{}, fmt.Errorf("parse reference: %w", err)
	}
	if strings.TrimSpace(ref.Framing) == "" {
		return Reference{}, errors.New("reference: framing is required")
	}
	for r, p := range ref.Roles {
		if !r.Valid() {
			return Reference{}, fmt.Errorf("reference: %w: %q", roles.ErrInvalidRole, string(r))
		}
		for _, t := range p.Tables {
			for i, row := range t.Rows {
				if len(row) != len(t.Columns) {
					return Reference{}, fmt.Errorf("reference: %s/%s row %d has %d cells, want %d", r, t.Title, i, len(row), len(t.Columns))
				}
			}
		}
	}
	if _, ok := ref.Roles[roles.Default]; !ok {
		return Reference{}, fmt.Errorf("reference: default role %q has no policy", roles.Default)
	}
	return ref, nil
}

// render writes t as a pipe-delimited text table.
func (t Table) render(b *strings.Builder) {
	b.WriteString("### ")
	b.WriteString(t.Title)
	b.WriteString("\n| ")
	b.WriteString(strings.Join(t.Columns, " | "))
	b.WriteString(" |\n")
	for _, row := range t.Rows {
		b.WriteString("| ")
		b.WriteString(strings.Join(row, " | "))
		b.WriteString(" |\n")
	}
}
