package sql

import (
	"fmt"
	"strings"
)

type NodeType int

const (
	NodeScan NodeType = iota
	NodePointGet
	NodeFilter
	NodeSort
	NodeLimit
	NodeAggregate
	NodeProject
)

type PlanNode interface {
	Type() NodeType
	String() string
	Children() []PlanNode
}

type StmtKind int

const (
	StmtSelect StmtKind = iota
	StmtDelete
)

// Statement is a parsed query ready for execution.
type Statement struct {
	Kind      StmtKind
	Explain   bool
	Namespace string
	Root      PlanNode
}

func (s *Statement) String() string {
	var b strings.Builder
	if s.Explain {
		b.WriteString("Explain ")
	}
	if s.Kind == StmtDelete {
		b.WriteString("Delete ")
	}
	b.WriteString(s.Root.String())
	return b.String()
}

type ScanNode struct {
	Namespace string
}

func (n *ScanNode) Type() NodeType       { return NodeScan }
func (n *ScanNode) String() string       { return fmt.Sprintf("Scan(%s)", n.Namespace) }
func (n *ScanNode) Children() []PlanNode { return nil }

// PointGetNode fetches one document by primary key.
type PointGetNode struct {
	Namespace string
	Field     string
	Key       Value
}

func (n *PointGetNode) Type() NodeType { return NodePointGet }
func (n *PointGetNode) String() string {
	return fmt.Sprintf("PointGet(%s, %s=%s)", n.Namespace, n.Field, n.Key)
}
func (n *PointGetNode) Children() []PlanNode { return nil }

type FilterNode struct {
	Input PlanNode
	Pred  Predicate
}

func (n *FilterNode) Type() NodeType       { return NodeFilter }
func (n *FilterNode) String() string       { return fmt.Sprintf("Filter(%s, %s)", n.Pred, n.Input) }
func (n *FilterNode) Children() []PlanNode { return []PlanNode{n.Input} }

type SortKey struct {
	Field string
	Path  string
	Desc  bool
}

type SortNode struct {
	Input PlanNode
	Keys  []SortKey
}

func (n *SortNode) Type() NodeType { return NodeSort }
func (n *SortNode) String() string {
	parts := make([]string, len(n.Keys))
	for i, k := range n.Keys {
		parts[i] = k.Field
		if k.Desc {
			parts[i] += " desc"
		}
	}
	return fmt.Sprintf("Sort(%s, %s)", strings.Join(parts, ", "), n.Input)
}
func (n *SortNode) Children() []PlanNode { return []PlanNode{n.Input} }

// LimitNode keeps Count rows after skipping Offset. Count < 0 means no limit.
type LimitNode struct {
	Input  PlanNode
	Offset int
	Count  int
}

func (n *LimitNode) Type() NodeType { return NodeLimit }
func (n *LimitNode) String() string {
	return fmt.Sprintf("Limit(%d, %d, %s)", n.Offset, n.Count, n.Input)
}
func (n *LimitNode) Children() []PlanNode { return []PlanNode{n.Input} }

type AggType string

const (
	AggCount AggType = "count"
	AggSum   AggType = "sum"
	AggMin   AggType = "min"
	AggMax   AggType = "max"
	AggAvg   AggType = "avg"
)

type Aggregate struct {
	Type  AggType
	Field string
	Path  string
}

type AggregateNode struct {
	Input PlanNode
	Aggs  []Aggregate
}

func (n *AggregateNode) Type() NodeType { return NodeAggregate }
func (n *AggregateNode) String() string {
	parts := make([]string, len(n.Aggs))
	for i, a := range n.Aggs {
		parts[i] = fmt.Sprintf("%s(%s)", a.Type, a.Field)
	}
	return fmt.Sprintf("Aggregate(%s, %s)", strings.Join(parts, ", "), n.Input)
}
func (n *AggregateNode) Children() []PlanNode { return []PlanNode{n.Input} }

type ProjectNode struct {
	Input   PlanNode
	Columns []string
	Paths   []string
}

func (n *ProjectNode) Type() NodeType       { return NodeProject }
func (n *ProjectNode) String() string       { return fmt.Sprintf("Project(%v, %s)", n.Columns, n.Input) }
func (n *ProjectNode) Children() []PlanNode { return []PlanNode{n.Input} }
