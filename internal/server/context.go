package server

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/memgraph/internal/store"
)

const defaultContextItems = 15

// handleGetContext renders the most relevant live memories as a markdown
// digest grouped by session, for pasting into an assistant prompt. It reads
// only; nothing is marked as accessed.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, defaultContextItems)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(s.buildContext(limit)))
}

// buildContext picks the top nodes by nodeScore and lists them under their
// cluster, newest session first.
func (s *Server) buildContext(limit int) string {
	var (
		nodes    []store.Node
		clusters = map[string]store.Cluster{}
	)
	s.engine.Store.View(func(v *store.View) error {
		nodes = v.Live()
		for _, c := range v.Clusters() {
			clusters[c.ID] = c
		}
		return nil
	})

	sort.Slice(nodes, func(i, j int) bool {
		si, sj := nodeScore(nodes[i]), nodeScore(nodes[j])
		if si != sj {
			return si > sj
		}
		return nodes[i].ID < nodes[j].ID
	})
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}

	bySession := map[string][]store.Node{}
	var order []string
	for _, n := range nodes {
		if _, ok := bySession[n.ClusterID]; !ok {
			order = append(order, n.ClusterID)
		}
		bySession[n.ClusterID] = append(bySession[n.ClusterID], n)
	}
	sort.Slice(order, func(i, j int) bool {
		return clusters[order[i]].Start.After(clusters[order[j]].Start)
	})

	var b strings.Builder
	b.WriteString("<context>\n## Memory Graph\n")
	if len(nodes) == 0 {
		b.WriteString("\nNo memories yet.\n")
	}
	for _, id := range order {
		c := clusters[id]
		fmt.Fprintf(&b, "\n### Session %s (%s)\n", c.Start.Format("2006-01-02 15:04"), sessionLength(c))
		members := bySession[id]
		sort.Slice(members, func(i, j int) bool { return members[i].CreatedAt.Before(members[j].CreatedAt) })
		for _, n := range members {
			fmt.Fprintf(&b, "- [%s] %s\n", n.Type, summarize(n))
		}
	}
	b.WriteString("</context>")
	return b.String()
}

func sessionLength(c store.Cluster) string {
	d := c.End.Sub(c.Start).Round(time.Minute)
	if d == 0 {
		return "single activity"
	}
	return d.String()
}

// summarize returns one line of the node's content.
func summarize(n store.Node) string {
	const maxLine = 160
	var line string
	switch c := n.Content; {
	case c.Browser != nil && c.Browser.Title != "":
		line = c.Browser.Title + " <" + c.Browser.URL + ">"
	case c.Code != nil:
		line = c.Code.Path
		if c.Code.Snippet != "" {
			line += ": " + c.Code.Snippet
		}
	default:
		line = c.Text()
	}
	line = strings.Join(strings.Fields(line), " ")
	if r := []rune(line); len(r) > maxLine {
		line = string(r[:maxLine]) + "..."
	}
	return line
}

// nodeScore ranks a memory for the digest: relevance boosted by
// 1+log2(access count), so memories that keep being recalled stay near the top.
func nodeScore(n store.Node) float64 {
	accessBoost := 1.0
	if n.AccessCount > 0 {
		accessBoost = 1.0 + math.Log2(float64(n.AccessCount))
	}
	return n.Relevance * accessBoost
}
