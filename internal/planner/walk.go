package planner

// A Visitor's Visit method is invoked for each node encountered by Walk.
// If the result visitor w is not nil, Walk visits each of the children
// of node with the visitor w, followed by a call of w.Visit(nil).
type Visitor interface {
	Visit(node *PlanNode) (w Visitor)
}

// Walk traverses a plan in depth-first order.
func Walk(v Visitor, node *PlanNode) {
	if v = v.Visit(node); v == nil {
		return
	}

	for i := range node.Plans {
		Walk(v, &node.Plans[i])
	}

	v.Visit(nil)
}

type inspector func(*PlanNode) bool

func (f inspector) Visit(node *PlanNode) Visitor {
	if f(node) {
		return f
	}
	return nil
}

// Inspect traverses a plan in depth-first order, calling f for each node.
// If f returns true, Inspect invokes f recursively for each of the children
// of node, followed by a call of f(nil).
func Inspect(node *PlanNode, f func(*PlanNode) bool) {
	Walk(inspector(f), node)
}
