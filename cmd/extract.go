package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/spec-extractor/internal/export"
	"github.com/sells-group/spec-extractor/internal/extract"
	"github.com/sells-group/spec-extractor/internal/model"
)

var extractCmd = &cobra.Command{
	Use:   "extract <file|url>...",
	Short: "Extract specifications from product pages",
	Long: "Loads each page from a local HTML file or URL, matches it against stored templates and " +
		"prints one JSON line per page. Pages are processed concurrently.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
			cfg.Batch.Concurrency = n
		}
		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		hint, _ := cmd.Flags().GetString("hint")
		category, _ := cmd.Flags().GetString("category")
		noGenerate, _ := cmd.Flags().GetBool("no-generate")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")

		rows, err := runBatch(ctx, env, args, batchOptions{
			Hint:        hint,
			Category:    category,
			NoGenerate:  noGenerate,
			Concurrency: cfg.Batch.Concurrency,
		})
		if err != nil {
			return err
		}

		if err := writeRows(os.Stdout, rows); err != nil {
			return err
		}
		if xlsxPath != "" {
			if err := export.WriteXLSX(xlsxPath, rows); err != nil {
				return err
			}
			zap.L().Info("extract: results exported", zap.String("path", xlsxPath))
		}

		if failed := countFailed(rows); failed == len(rows) {
			return eris.Errorf("extract: all %d pages failed", failed)
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().String("hint", "", "component type hint applied to every page")
	extractCmd.Flags().String("category", "", "only match templates in this category")
	extractCmd.Flags().Bool("no-generate", false, "never draft a template when nothing matches")
	extractCmd.Flags().Int("concurrency", 0, "pages processed in parallel (default from config)")
	extractCmd.Flags().String("xlsx", "", "also write results to this Excel file")
	rootCmd.AddCommand(extractCmd)
}

type batchOptions struct {
	Hint        string
	Category    string
	NoGenerate  bool
	Concurrency int
}

// runBatch loads and extracts every ref with bounded concurrency. A failed
// page is recorded in its row and never stops the batch; only cancellation
// does. Rows keep the order of refs.
func runBatch(ctx context.Context, env *appEnv, refs []string, opts batchOptions) ([]export.Row, error) {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	rows := make([]export.Row, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64
	for i, ref := range refs {
		g.Go(func() error {
			log := zap.L().With(zap.String("source", ref))
			rows[i] = extractOne(gctx, env, ref, opts)
			if err := rows[i].Err; err != nil {
				failed.Add(1)
				log.Error("extract: page failed",
					zap.String("kind", string(model.KindOf(err))),
					zap.Error(err),
				)
			} else {
				succeeded.Add(1)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return rows, eris.Wrap(err, "extract: batch interrupted")
	}

	zap.L().Info("extract: batch complete",
		zap.Int("pages", len(refs)),
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return rows, nil
}

func extractOne(ctx context.Context, env *appEnv, ref string, opts batchOptions) export.Row {
	row := export.Row{Source: ref}

	doc, err := env.Source.Load(ctx, ref)
	if err != nil {
		row.Err = err
		return row
	}
	if doc.Truncated {
		zap.L().Warn("extract: page truncated", zap.String("source", ref))
	}

	row.Result, row.Err = env.Orchestrator.Extract(ctx, extract.Request{
		HTML:              doc.HTML,
		URL:               doc.URL,
		ComponentTypeHint: opts.Hint,
		Category:          opts.Category,
		NoGenerate:        opts.NoGenerate,
	})
	return row
}

// rowOutput is one JSON line of extract output.
type rowOutput struct {
	Source string                  `json:"source"`
	Result *model.ExtractionResult `json:"result,omitempty"`
	Kind   model.ErrorKind         `json:"errorKind,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

func writeRows(w io.Writer, rows []export.Row) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		out := rowOutput{Source: r.Source, Result: r.Result}
		if r.Err != nil {
			out.Kind = model.KindOf(r.Err)
			out.Error = r.Err.Error()
		}
		if err := enc.Encode(out); err != nil {
			return eris.Wrap(err, "extract: write output")
		}
	}
	return nil
}

func countFailed(rows []export.Row) int {
	n := 0
	for _, r := range rows {
		if r.Err != nil {
			n++
		}
	}
	return n
}
