package indexes

import (
	"fmt"
	"strings"
)

// Kind groups access methods by the queries they serve.
type Kind string

const (
	KindOrdinary Kind = "ordinary"
	KindInverted Kind = "inverted"
	KindSpatial  Kind = "spatial"
	KindANN      Kind = "ann"
	KindHash     Kind = "hash"
	KindBRIN     Kind = "brin"
	KindOther    Kind = "other"
)

// KindForMethod maps a pg_am access method name to its Kind.
func KindForMethod(method string) Kind {
	switch strings.ToLower(method) {
	case "btree":
		return KindOrdinary
	case "gin":
		return KindInverted
	case "gist", "spgist":
		return KindSpatial
	case "hnsw", "ivfflat":
		return KindANN
	case "hash":
		return KindHash
	case "brin":
		return KindBRIN
	default:
		return KindOther
	}
}

// Descriptor is an index joined with its live usage statistics.
type Descriptor struct {
	Schema           string   `json:"schema"`
	Table            string   `json:"table"`
	Name             string   `json:"name"`
	Columns          []string `json:"columns"`
	Kind             Kind     `json:"kind"`
	Method           string   `json:"method"`
	Unique           bool     `json:"unique"`
	Primary          bool     `json:"primary"`
	Valid            bool     `json:"valid"`
	ConstraintBacked bool     `json:"constraint_backed"`
	SizeBytes        int64    `json:"size_bytes"`
	Scans            int64    `json:"scans"`
	TuplesRead       int64    `json:"tuples_read"`
	TuplesFetched    int64    `json:"tuples_fetched"`
	Definition       string   `json:"definition"`
}

// Protected reports whether the index enforces correctness and so must never
// be dropped on usage grounds.
func (d Descriptor) Protected() bool {
	return d.Primary || d.Unique || d.ConstraintBacked
}

// RequiredIndex is an index the workload expects to exist.
type RequiredIndex struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Method  string   `json:"method"`
	Columns []string `json:"columns"` // "column" or "column opclass"
	Impact  string   `json:"impact"`
	Reason  string   `json:"reason"`
}

// DefaultRequired is the index set for the property search workload.
func DefaultRequired() []RequiredIndex {
	return []RequiredIndex{
		{
			Name:    "idx_properties_location",
			Table:   "properties",
			Method:  "gist",
			Columns: []string{"location"},
			Impact:  ImpactHigh,
			Reason:  "radius and bounding-box searches on location",
		},
		{
			Name:    "idx_properties_search_vector",
			Table:   "properties",
			Method:  "gin",
			Columns: []string{"search_vector"},
			Impact:  ImpactHigh,
			Reason:  "full-text search on listing descriptions",
		},
		{
			Name:    "idx_properties_embedding",
			Table:   "properties",
			Method:  "hnsw",
			Columns: []string{"embedding vector_cosine_ops"},
			Impact:  ImpactHigh,
			Reason:  "nearest-neighbour search on listing embeddings",
		},
		{
			Name:    "idx_properties_price",
			Table:   "properties",
			Method:  "btree",
			Columns: []string{"price"},
			Impact:  ImpactHigh,
			Reason:  "price range filters and sorting",
		},
		{
			Name:    "idx_properties_created_at",
			Table:   "properties",
			Method:  "btree",
			Columns: []string{"created_at"},
			Impact:  ImpactHigh,
			Reason:  "newest-first listing pages",
		},
	}
}

// Recommendation impact levels
const (
	ImpactHigh   = "high"
	ImpactMedium = "medium"
	ImpactLow    = "low"
)

// Action is what a recommendation proposes.
type Action string

const (
	ActionCreate Action = "create"
	ActionDrop   Action = "drop"
)

// Recommendation is one advisory catalog change.
type Recommendation struct {
	Action    Action `json:"action"`
	Index     string `json:"index"`
	Table     string `json:"table"`
	Reason    string `json:"reason"`
	Impact    string `json:"impact"`
	Statement string `json:"statement"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Effectiveness is the verdict of ValidateEffectiveness.
type Effectiveness struct {
	Index           string  `json:"index"`
	Used            bool    `json:"used"`
	Selectivity     float64 `json:"selectivity"`
	RowsReturned    int64   `json:"rows_returned"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	Recommendation  string  `json:"recommendation"`
}

// Effectiveness verdicts
const (
	VerdictEffective      = "index effective"
	VerdictUnused         = "index unused - reconsider query shape"
	VerdictLowSelectivity = "index has low selectivity - add more selective predicates"
)

// NotFoundError reports an index that does not exist or is not in the required set.
type NotFoundError struct {
	Name   string
	Reason string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("index '%s' not found: %s", e.Name, e.Reason)
}
