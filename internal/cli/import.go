package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/activity"
	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/client"
	"github.com/lazypower/memgraph/internal/engine"
)

const importBatchSize = 200

var importLocal bool

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Bulk-ingest activities from a JSONL file",
	Long: `Bulk-ingest activities from a JSONL file. Each line is either an activity
as the API accepts it or a chat transcript entry, which becomes a message.
Duplicates and invalid activities are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importLocal, "local", false, "write to the configured storage instead of the server")
}

type importSummary struct {
	ingested int
	failed   int
}

func runImport(cmd *cobra.Command, args []string) error {
	res, err := activity.ReadFile(args[0])
	if err != nil {
		return err
	}

	var sum importSummary
	if importLocal {
		sum, err = importDirect(cmd.Context(), res.Activities)
	} else {
		sum, err = importRemote(cmd.Context(), newClient(), res.Activities)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d lines, %d skipped, %d ingested, %d rejected\n",
		res.Lines, res.Skipped, sum.ingested, sum.failed)
	return err
}

func importRemote(ctx context.Context, c *client.Client, acts []engine.Activity) (importSummary, error) {
	var sum importSummary
	for start := 0; start < len(acts); start += importBatchSize {
		end := min(start+importBatchSize, len(acts))
		r, err := c.IngestBatch(ctx, acts[start:end])
		if err != nil {
			return sum, fmt.Errorf("import batch at %d: %w", start, err)
		}
		sum.ingested += r.Ingested
		sum.failed += len(r.Errors)
	}
	return sum, nil
}

func importDirect(ctx context.Context, acts []engine.Activity) (importSummary, error) {
	var sum importSummary
	cfg, _, err := loadConfig()
	if err != nil {
		return sum, err
	}
	log, _, err := newLogger(cfg.Log)
	if err != nil {
		return sum, err
	}
	defer log.Sync()

	st, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return sum, err
	}
	defer st.Close()

	emb, err := buildEmbedder(ctx, cfg.Embedder, st, log)
	if err != nil {
		return sum, err
	}
	eng, err := engine.New(st, cfg.Engine, engine.WithLogger(log), engine.WithEmbedder(emb))
	if err != nil {
		return sum, err
	}

	for i, a := range acts {
		if _, err := eng.Ingest(ctx, a); err != nil {
			if errors.Is(err, apperr.ErrConsistencyViolation) || ctx.Err() != nil {
				return sum, err
			}
			log.Debug("activity rejected", zap.Int("index", i), zap.String("id", a.ID), zap.Error(err))
			sum.failed++
			continue
		}
		sum.ingested++
	}
	return sum, nil
}
