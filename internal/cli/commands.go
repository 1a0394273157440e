package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

const cmdTimeout = 30 * time.Second

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cmdTimeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- ingest command ---

var (
	ingestType    string
	ingestID      string
	ingestAt      string
	ingestURL     string
	ingestTitle   string
	ingestPath    string
	ingestLang    string
	ingestSender  string
	ingestChannel string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [text]",
	Short: "Record one activity",
	Long: `Record one activity on the running server. The text argument is the page
text, code snippet, message body or raw payload depending on --type.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVarP(&ingestType, "type", "t", "message", "activity type: browser, code, message, other")
	f.StringVar(&ingestID, "id", "", "node id (generated when empty)")
	f.StringVar(&ingestAt, "at", "", "activity time, RFC3339 (default now)")
	f.StringVar(&ingestURL, "url", "", "browser: page URL")
	f.StringVar(&ingestTitle, "title", "", "browser: page title")
	f.StringVar(&ingestPath, "path", "", "code: file path")
	f.StringVar(&ingestLang, "lang", "", "code: language")
	f.StringVar(&ingestSender, "sender", "", "message: sender")
	f.StringVar(&ingestChannel, "channel", "", "message: channel")
}

func buildActivity(text string) (engine.Activity, error) {
	t, err := store.ParseNodeType(ingestType)
	if err != nil {
		return engine.Activity{}, apperr.Wrap(apperr.KindInvalid, "ingest", err)
	}
	at := time.Now().UTC()
	if ingestAt != "" {
		if at, err = time.Parse(time.RFC3339, ingestAt); err != nil {
			return engine.Activity{}, apperr.New(apperr.KindInvalid, "ingest", "--at: %v", err)
		}
	}

	a := engine.Activity{ID: ingestID, Type: t, Timestamp: at}
	switch t {
	case store.TypeBrowser:
		a.Content.Browser = &store.BrowserActivity{URL: ingestURL, Title: ingestTitle, Text: text}
	case store.TypeCode:
		a.Content.Code = &store.CodeActivity{Path: ingestPath, Language: ingestLang, Snippet: text}
	case store.TypeMessage:
		a.Content.Message = &store.MessageActivity{Sender: ingestSender, Channel: ingestChannel, Text: text}
	default:
		a.Content.Raw = []byte(text)
	}
	return a, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	var text string
	if len(args) > 0 {
		text = args[0]
	}
	a, err := buildActivity(text)
	if err != nil {
		return err
	}

	ctx, cancel := cmdContext()
	defer cancel()
	id, err := newClient().Ingest(ctx, a)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// --- query command ---

var (
	queryTypes []string
	queryLimit int
	querySince string
	queryJSON  bool
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Rank memories relevant to a text",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringSliceVarP(&queryTypes, "type", "t", nil, "restrict to activity types")
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "maximum number of results (server default when 0)")
	queryCmd.Flags().StringVar(&querySince, "since", "", "only activities at or after this duration ago (e.g. 2h) or RFC3339 time")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print results as JSON")
}

// parseSince accepts a duration back from now or an absolute time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperr.New(apperr.KindInvalid, "query", "--since %q is neither a duration nor RFC3339", s)
	}
	return t, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	since, err := parseSince(querySince, time.Now())
	if err != nil {
		return err
	}
	q := engine.QueryContext{
		Text:  strings.Join(args, " "),
		Limit: queryLimit,
		Since: since,
	}
	for _, t := range queryTypes {
		q.Types = append(q.Types, store.NodeType(t))
	}

	ctx, cancel := cmdContext()
	defer cancel()
	results, err := newClient().Query(ctx, q)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}

	out := cmd.OutOrStdout()
	if queryJSON {
		return printJSON(out, results)
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s %s (%s)\n", i+1, r.Score, r.Type, r.NodeID, r.CreatedAt.Local().Format("2006-01-02 15:04"))
		fmt.Fprintf(out, "   relevance %.3f  similarity %.3f\n", r.Relevance, r.Similarity)
		text := r.Content.Text()
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		if text != "" {
			fmt.Fprintf(out, "   %s\n", strings.ReplaceAll(text, "\n", " "))
		}
		fmt.Fprintln(out)
	}
	return nil
}

// --- maintenance commands ---

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one decay and prune pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		r, err := newClient().Tick(ctx, time.Time{})
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "decayed %d, archived %d, deleted %d, failed %d\n",
			r.Decayed, r.Archived, r.Deleted, r.Failed)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph counts and server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		h, err := newClient().Health(ctx)
		if err != nil {
			return fmt.Errorf("health: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "status:    %s\n", h.Status)
		if h.Halted != "" {
			fmt.Fprintf(out, "halted:    %s\n", h.Halted)
		}
		fmt.Fprintf(out, "version:   %s\n", h.Version)
		fmt.Fprintf(out, "embedder:  %s\n", h.Embedder)
		fmt.Fprintf(out, "live:      %d\n", h.Stats.Live)
		fmt.Fprintf(out, "archived:  %d\n", h.Stats.Archived)
		fmt.Fprintf(out, "clusters:  %d\n", h.Stats.Clusters)
		fmt.Fprintf(out, "edges:     %d temporal, %d semantic\n", h.Stats.Temporal, h.Stats.Semantic)
		return nil
	},
}

var checkLocal bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify graph invariants",
	Long: `Verify graph invariants on the running server, or with --local by loading
the configured storage directly. Loading fails on the first violation.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkLocal, "local", false, "check the configured storage instead of the server")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := cmdContext()
	defer cancel()

	if !checkLocal {
		if err := newClient().Check(ctx); err != nil {
			return fmt.Errorf("check: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "consistent")
		return nil
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, _, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := engine.New(st, cfg.Engine, engine.WithLogger(log))
	if err != nil {
		return err
	}
	if err := eng.Check(ctx); err != nil {
		return err
	}
	s := eng.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "consistent: %d live, %d archived, %d clusters\n", s.Live, s.Archived, s.Clusters)
	return nil
}

// --- read commands ---

var contextLimit int

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the markdown memory digest",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		md, err := newClient().Context(ctx, contextLimit)
		if err != nil {
			return fmt.Errorf("context: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), md)
		return nil
	},
}

func init() {
	contextCmd.Flags().IntVarP(&contextLimit, "limit", "n", 0, "maximum number of memories")
}

var nodeCmd = &cobra.Command{
	Use:   "node <id>",
	Short: "Show one memory with its score breakdown and edges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		c := newClient()
		n, err := c.Node(ctx, args[0])
		if err != nil {
			return fmt.Errorf("node: %w", err)
		}
		edges, err := c.Neighbors(ctx, args[0], "")
		if err != nil {
			return fmt.Errorf("neighbors: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"node": n, "edges": edges})
	},
}
