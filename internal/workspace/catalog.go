// Package workspace describes the business-record sections an engine run can
// read and mutate, and assembles read-only snapshots of workspace state.
package workspace

import "sort"

// FieldSpec describes one field of a section.
type FieldSpec struct {
	Name      string
	Editable  bool
	Immutable bool
	List      bool
	Required  bool
}

// Section is a named collection of records with a fixed field set.
type Section struct {
	Name       string
	Title      string
	Mutable    bool
	Fields     map[string]FieldSpec
	Searchable []string
}

// Field returns the named field spec.
func (s Section) Field(name string) (FieldSpec, bool) {
	f, ok := s.Fields[name]
	return f, ok
}

// RequiredFields returns the names of fields a new row must carry, sorted.
func (s Section) RequiredFields() []string {
	var out []string
	for name, f := range s.Fields {
		if f.Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Catalog is the set of known sections.
type Catalog struct {
	sections map[string]Section
}

// NewCatalog builds a catalog from section definitions.
func NewCatalog(sections ...Section) *Catalog {
	c := &Catalog{sections: make(map[string]Section, len(sections))}
	for _, s := range sections {
		c.sections[s.Name] = s
	}
	return c
}

// Section looks up a section by name.
func (c *Catalog) Section(name string) (Section, bool) {
	s, ok := c.sections[name]
	return s, ok
}

// Names returns every section name, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.sections))
	for name := range c.sections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func fields(specs ...FieldSpec) map[string]FieldSpec {
	m := make(map[string]FieldSpec, len(specs))
	for _, f := range specs {
		m[f.Name] = f
	}
	return m
}

func system(name string) FieldSpec { return FieldSpec{Name: name, Immutable: true} }
func text(name string) FieldSpec   { return FieldSpec{Name: name, Editable: true} }
func list(name string) FieldSpec   { return FieldSpec{Name: name, Editable: true, List: true} }
func required(name string) FieldSpec {
	return FieldSpec{Name: name, Editable: true, Required: true}
}

// DefaultCatalog returns the sections a marketing workspace carries.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Section{
			Name:    "competitors",
			Title:   "Competitors",
			Mutable: true,
			Fields: fields(
				system("id"), system("workspace_id"), system("created_at"), system("source"),
				required("name"), text("website"), text("category"), text("positioning"),
				text("pricing"), text("notes"), text("tiktok_handle"), text("instagram_handle"),
				list("strengths"), list("weaknesses"), list("tags"),
			),
			Searchable: []string{"name", "website", "category"},
		},
		Section{
			Name:    "products",
			Title:   "Products",
			Mutable: true,
			Fields: fields(
				system("id"), system("workspace_id"), system("created_at"),
				required("name"), text("description"), text("price"), text("url"),
				list("features"), list("tags"),
			),
			Searchable: []string{"name", "description"},
		},
		Section{
			Name:    "audiences",
			Title:   "Audiences",
			Mutable: true,
			Fields: fields(
				system("id"), system("workspace_id"), system("created_at"),
				required("name"), text("description"), text("size"),
				list("pain_points"), list("channels"),
			),
			Searchable: []string{"name"},
		},
		Section{
			Name:    "brand_profile",
			Title:   "Brand profile",
			Mutable: true,
			Fields: fields(
				system("id"), system("workspace_id"), system("created_at"),
				required("name"), text("mission"), text("voice"), text("tagline"),
				list("values"),
			),
		},
		Section{
			Name:    "research_notes",
			Title:   "Research notes",
			Mutable: true,
			Fields: fields(
				system("id"), system("workspace_id"), system("created_at"),
				required("title"), text("body"), text("source_url"), list("tags"),
			),
			Searchable: []string{"title", "body"},
		},
		Section{
			Name:  "library_documents",
			Title: "Library documents",
			Fields: fields(
				system("id"), system("workspace_id"), system("created_at"),
				system("title"), system("url"), system("kind"),
			),
			Searchable: []string{"title"},
		},
	)
}
