package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/memory"
	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/web"
)

var minionsCmd = &cobra.Command{
	Use:   "minions",
	Short: "List the minions the current config enables",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		reg, err := catalogue(cfg, logger)
		if err != nil {
			return err
		}
		return printCatalogue(os.Stdout, reg)
	},
}

// catalogue registers the default minions without connecting to anything.
// Minions are built lazily, so nothing here dials a provider or database.
func catalogue(cfg *config.Config, logger *slog.Logger) (*minion.Registry, error) {
	images, err := newImageRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	reg := minion.NewRegistry()
	err = minion.RegisterDefaults(reg, minion.Deps{
		Agent:    agent.New(nil, agent.WithLogger(logger)),
		Memory:   memory.NewService(memory.NewInMemoryStore(), memory.NewHashEmbedder(hashEmbeddingDims)),
		Searcher: web.NewSearcher("", cfg.Web.UserAgent),
		Fetcher:  web.NewFetcher(&cfg.Web, logger),
		Images:   images,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if err := reg.SetFallback(cfg.Orchestrator.Fallback()); err != nil {
		return nil, err
	}
	return reg, nil
}

func printCatalogue(w io.Writer, reg *minion.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, info := range reg.Catalogue() {
		name := info.Name
		if name == reg.Fallback() {
			name += " (fallback)"
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, info.Description)
	}
	return tw.Flush()
}
