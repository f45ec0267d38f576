package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/orchestrator"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl [source...]",
		Short: "Runs one crawl per source in the foreground",
		Long: `Runs a crawl for each named source (steam, metacritic, epic), or for every
enabled source when none is named. Sources run concurrently. An interrupted
run resumes from its checkpoint the next time it is started.`,
		ValidArgs: []string{string(crawler.SourceSteam), string(crawler.SourceMetacritic), string(crawler.SourceEpic)},
		RunE:      runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	sources, err := selectSources(rt, args)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no sources enabled")
	}

	var (
		mu      sync.Mutex
		results = make([]orchestrator.Result, len(sources))
		g       errgroup.Group
	)
	for i, src := range sources {
		g.Go(func() error {
			res, err := rt.app.Crawl(cmd.Context(), src)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			if err != nil {
				zap.L().Error("crawl failed", zap.String("source", string(src)), zap.Error(err))
				return fmt.Errorf("%s: %w", src, err)
			}
			return nil
		})
	}
	runErr := g.Wait()
	renderResults(cmd.OutOrStdout(), results)
	return runErr
}

func selectSources(rt *runtime, args []string) ([]crawler.Source, error) {
	if len(args) == 0 {
		return rt.cfg.EnabledSources(), nil
	}
	seen := make(map[crawler.Source]struct{}, len(args))
	out := make([]crawler.Source, 0, len(args))
	for _, arg := range args {
		src, err := crawler.ParseSource(arg)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[src]; dup {
			continue
		}
		seen[src] = struct{}{}
		out = append(out, src)
	}
	return out, nil
}

func renderResults(w io.Writer, results []orchestrator.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Source", "Run", "State", "Listed", "Succeeded", "Degraded", "Failed", "Skipped", "Created", "Delisted"})
	for _, r := range results {
		state := string(r.State)
		if r.Stopped {
			state += " (stopped)"
		} else if r.Resumed {
			state += " (resumed)"
		}
		c := r.Counters
		t.AppendRow(table.Row{r.Source, r.RunID, state, c.Listed, c.Succeeded, c.Degraded, c.Failed, c.Skipped, c.Created, c.Delisted})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}
