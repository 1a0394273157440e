package store

import (
	"fmt"
	"time"
)

// NodeType is the kind of activity a node was ingested from.
type NodeType string

const (
	TypeBrowser NodeType = "browser"
	TypeCode    NodeType = "code"
	TypeMessage NodeType = "message"
	TypeOther   NodeType = "other"
)

// NodeTypes lists every valid NodeType.
var NodeTypes = []NodeType{TypeBrowser, TypeCode, TypeMessage, TypeOther}

// ParseNodeType validates s as a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	for _, t := range NodeTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// EdgeKind distinguishes temporal from semantic relationships.
type EdgeKind string

const (
	EdgeTemporal EdgeKind = "temporal"
	EdgeSemantic EdgeKind = "semantic"
)

// ParseEdgeKind validates s as an EdgeKind.
func ParseEdgeKind(s string) (EdgeKind, error) {
	switch EdgeKind(s) {
	case EdgeTemporal, EdgeSemantic:
		return EdgeKind(s), nil
	}
	return "", fmt.Errorf("unknown edge kind %q", s)
}

// BrowserActivity is a visited page.
type BrowserActivity struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
}

// CodeActivity is an edit or view of source code.
type CodeActivity struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
}

// MessageActivity is a sent or received message.
type MessageActivity struct {
	Sender  string `json:"sender,omitempty"`
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Content holds exactly one payload variant. Raw is the opaque fallback for
// TypeOther.
type Content struct {
	Browser *BrowserActivity `json:"browser,omitempty"`
	Code    *CodeActivity    `json:"code,omitempty"`
	Message *MessageActivity `json:"message,omitempty"`
	Raw     []byte           `json:"raw,omitempty"`
}

// Kind returns the node type implied by the set variant, or "" if the
// content does not hold exactly one.
func (c Content) Kind() NodeType {
	var kinds []NodeType
	if c.Browser != nil {
		kinds = append(kinds, TypeBrowser)
	}
	if c.Code != nil {
		kinds = append(kinds, TypeCode)
	}
	if c.Message != nil {
		kinds = append(kinds, TypeMessage)
	}
	if c.Raw != nil {
		kinds = append(kinds, TypeOther)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Text returns the indexable text of the payload.
func (c Content) Text() string {
	switch {
	case c.Browser != nil:
		return joinNonEmpty(c.Browser.Title, c.Browser.Text, c.Browser.URL)
	case c.Code != nil:
		return joinNonEmpty(c.Code.Path, c.Code.Snippet)
	case c.Message != nil:
		return c.Message.Text
	default:
		return string(c.Raw)
	}
}

func joinNonEmpty(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}

// Node is one stored memory.
type Node struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Type           NodeType  `json:"type"`
	Content        Content   `json:"content"`
	Embedding      []float64 `json:"-"`
	ClusterID      string    `json:"cluster_id,omitempty"`
	AccessCount    int       `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Relevance      float64   `json:"relevance"`
	Archived       bool      `json:"archived"`
	ArchivedAt     time.Time `json:"archived_at,omitempty"`
}

// clone returns a copy safe to hand to callers. Embedding slices are shared;
// they are never mutated after insert.
func (n *Node) clone() Node {
	return *n
}

// Edge is an unordered relationship between two nodes.
type Edge struct {
	A          string    `json:"a"`
	B          string    `json:"b"`
	Kind       EdgeKind  `json:"kind"`
	Weight     float64   `json:"weight"`
	ComputedAt time.Time `json:"computed_at"`
}

// Other returns the endpoint that is not id.
func (e Edge) Other(id string) string {
	if e.A == id {
		return e.B
	}
	return e.A
}

// NewEdge normalizes the pair so that A < B.
func NewEdge(x, y string, kind EdgeKind, weight float64, at time.Time) Edge {
	if y < x {
		x, y = y, x
	}
	return Edge{A: x, B: y, Kind: kind, Weight: weight, ComputedAt: at}
}

type edgeKey struct {
	kind EdgeKind
	a, b string
}

func (e Edge) key() edgeKey { return edgeKey{kind: e.Kind, a: e.A, b: e.B} }

// Cluster is a time-contiguous session of nodes.
type Cluster struct {
	ID      string    `json:"id"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Members []string  `json:"members"`
}

// Contains reports whether t falls inside the cluster's time range.
func (c *Cluster) Contains(t time.Time) bool {
	return !t.Before(c.Start) && !t.After(c.End)
}

func (c *Cluster) clone() Cluster {
	out := *c
	out.Members = append([]string(nil), c.Members...)
	return out
}

// Stats summarizes the graph.
type Stats struct {
	Live     int `json:"live"`
	Archived int `json:"archived"`
	Temporal int `json:"temporal_edges"`
	Semantic int `json:"semantic_edges"`
	Clusters int `json:"clusters"`
}
