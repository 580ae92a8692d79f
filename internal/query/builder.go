package query

// Package query builds the predicate and ordering descriptor consumed by the
// catalog repository. The builder is purely descriptive: it performs no I/O
// and emits parameterized fragments only.

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTenantRequired is returned by Build when no tenant was set. Tenant
// scoping is the mandatory first predicate term and can never be omitted.
var ErrTenantRequired = errors.New("tenant id is required")

// SortBy enumerates the supported sort keys.
type SortBy string

const (
	SortByName      SortBy = "name"
	SortByCreatedAt SortBy = "createdAt"
	SortByUpdatedAt SortBy = "updatedAt"
	// SortBySize ranks by the summed byte size of a model's files across all
	// versions. It is a computed sort key, not a stored column; the
	// repository exposes it as the total_size aggregate.
	SortBySize SortBy = "size"
)

// SortOrder enumerates sort directions.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListFilter is the caller-facing search specification for model listings.
type ListFilter struct {
	TenantID  string    `json:"tenant_id"`
	Search    string    `json:"search,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	SortBy    SortBy    `json:"sort_by,omitempty"`
	SortOrder SortOrder `json:"sort_order,omitempty"`
	Limit     int       `json:"limit"`
	Offset    int       `json:"offset"`
}

// Predicate is the backend-agnostic output of the builder. Where fragments
// compose with AND; Args are numbered $1..$n in fragment order. OrderBy is a
// ready ordering expression over columns the repository exposes.
type Predicate struct {
	Where   []string
	Args    []any
	OrderBy string
}

// WhereClause joins the predicate fragments with AND.
func (p Predicate) WhereClause() string {
	return strings.Join(p.Where, " AND ")
}

// Builder accumulates list-query terms. It is reusable: call Reset between
// unrelated builds. A Builder is not safe for concurrent use.
type Builder struct {
	tenantID string
	search   string
	tags     []string
	sortBy   SortBy
	order    SortOrder
}

// NewBuilder returns an empty Builder with default ordering (createdAt desc).
func NewBuilder() *Builder {
	return &Builder{sortBy: SortByCreatedAt, order: SortDesc}
}

// Reset clears all accumulated terms and restores default ordering.
func (b *Builder) Reset() *Builder {
	b.tenantID = ""
	b.search = ""
	b.tags = nil
	b.sortBy = SortByCreatedAt
	b.order = SortDesc
	return b
}

// Tenant sets the mandatory tenant scope.
func (b *Builder) Tenant(id string) *Builder {
	b.tenantID = id
	return b
}

// Search sets a case-insensitive term matched against name and description.
func (b *Builder) Search(term string) *Builder {
	b.search = term
	return b
}

// Tags restricts results to models carrying all of the given tags.
func (b *Builder) Tags(names []string) *Builder {
	b.tags = names
	return b
}

// Sort sets the sort key and direction. Unknown keys fall back to createdAt
// and unknown directions to desc.
func (b *Builder) Sort(by SortBy, order SortOrder) *Builder {
	switch by {
	case SortByName, SortByCreatedAt, SortByUpdatedAt, SortBySize:
		b.sortBy = by
	default:
		b.sortBy = SortByCreatedAt
	}
	if order == SortAsc {
		b.order = SortAsc
	} else {
		b.order = SortDesc
	}
	return b
}

// Build produces the predicate. The tenant term always comes first, followed
// by the shared tombstone exclusion; every catalog read goes through both.
func (b *Builder) Build() (Predicate, error) {
	if b.tenantID == "" {
		return Predicate{}, ErrTenantRequired
	}

	p := Predicate{
		Where: []string{"m.tenant_id = $1", "m.deleted_at IS NULL"},
		Args:  []any{b.tenantID},
	}

	if b.search != "" {
		n := len(p.Args) + 1
		p.Where = append(p.Where, fmt.Sprintf("(m.name ILIKE $%d OR m.description ILIKE $%d)", n, n))
		p.Args = append(p.Args, "%"+b.search+"%")
	}

	if len(b.tags) > 0 {
		placeholders := make([]string, len(b.tags))
		for i, tag := range b.tags {
			placeholders[i] = fmt.Sprintf("$%d", len(p.Args)+1)
			p.Args = append(p.Args, tag)
		}
		// AND semantics across tags: group matching links per model and
		// require the distinct-tag count to equal the filter length.
		p.Where = append(p.Where, fmt.Sprintf(
			`m.id IN (SELECT mt.model_id FROM model_tags mt JOIN tags t ON t.id = mt.tag_id WHERE t.name IN (%s) GROUP BY mt.model_id HAVING COUNT(DISTINCT t.id) = $%d)`,
			strings.Join(placeholders, ", "), len(p.Args)+1))
		p.Args = append(p.Args, len(b.tags))
	}

	p.OrderBy = b.orderExpr()
	return p, nil
}

func (b *Builder) orderExpr() string {
	var col string
	switch b.sortBy {
	case SortByName:
		col = "m.name"
	case SortByUpdatedAt:
		col = "m.updated_at"
	case SortBySize:
		col = "total_size"
	default:
		col = "m.created_at"
	}
	dir := "DESC"
	if b.order == SortAsc {
		dir = "ASC"
	}
	return col + " " + dir
}
