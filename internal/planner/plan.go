// Package planner runs EXPLAIN ANALYZE for a statement and reduces the JSON
// plan to the figures operators compare: timings, rows, scans, indexes and
// buffer usage.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Plan is one element of the array printed by EXPLAIN (FORMAT JSON).
type Plan struct {
	Root          PlanNode `json:"Plan"`
	PlanningTime  float64  `json:"Planning Time"`
	ExecutionTime float64  `json:"Execution Time"`
}

// PlanNode is a plan node. Buffer counters include those of the node's children.
type PlanNode struct {
	NodeType         string     `json:"Node Type"`
	RelationName     string     `json:"Relation Name,omitempty"`
	IndexName        string     `json:"Index Name,omitempty"`
	ActualRows       float64    `json:"Actual Rows"`
	ActualLoops      float64    `json:"Actual Loops"`
	ActualTotalTime  float64    `json:"Actual Total Time"`
	SharedHitBlocks  int64      `json:"Shared Hit Blocks"`
	SharedReadBlocks int64      `json:"Shared Read Blocks"`
	Plans            []PlanNode `json:"Plans,omitempty"`
}

// IsScan reports whether the node reads a relation, index or function result.
func (n *PlanNode) IsScan() bool {
	return strings.HasSuffix(n.NodeType, "Scan")
}

var errEmptyPlan = errors.New("explain returned no plan")

// ParsePlan decodes EXPLAIN (ANALYZE, FORMAT JSON) output.
func ParsePlan(data []byte) (*Plan, error) {
	var plans []Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if len(plans) == 0 {
		return nil, errEmptyPlan
	}
	if plans[0].Root.NodeType == "" {
		return nil, fmt.Errorf("failed to decode plan: root node has no type")
	}
	return &plans[0], nil
}
