package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reposcope/internal/pipeline"
	"reposcope/internal/types"
	"reposcope/internal/vector"
)

var indexCmd = &cobra.Command{
	Use:   "index <owner/name> <commit>",
	Short: "Index a repository checkout at a commit",
	Long: `Parses every file of the checkout at <source-root>/<owner>/<name>/<commit>,
extracts symbols, routes and migrations, embeds symbol chunks, and swaps the
new generation in atomically. Re-running for the same commit is idempotent.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args[0])
		if err != nil {
			return err
		}
		commit := args[1]

		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if err := a.store.UpsertRepo(ctx, types.Repository{
			Owner:         repo.Owner,
			Name:          repo.Name,
			DefaultBranch: "main",
		}); err != nil {
			return err
		}

		p := pipeline.New(a.provider, a.store, a.vectors, a.engine, a.sink, pipeline.Config{
			SkipPaths: cfg.Analyzer.SkipPaths,
			Chunker: vector.ChunkerConfig{
				Threshold:    cfg.Vector.ChunkThreshold,
				WindowLines:  cfg.Vector.WindowLines,
				OverlapLines: cfg.Vector.OverlapLines,
			},
		})

		logger.Info("indexing", zap.String("repo", repo.String()), zap.String("commit", commit))
		result, err := p.Index(ctx, repo, commit)
		if err != nil {
			return err
		}

		fmt.Printf("Indexed %s@%s\n", repo, commit[:min(8, len(commit))])
		fmt.Printf("  files:       %d\n", result.Files)
		fmt.Printf("  symbols:     %d\n", result.Symbols)
		fmt.Printf("  routes:      %d\n", result.Routes)
		fmt.Printf("  migrations:  %d\n", result.Migrations)
		fmt.Printf("  chunks:      %d\n", result.Chunks)
		if len(result.ParseErrors) > 0 {
			fmt.Printf("  parse errors (%d):\n", len(result.ParseErrors))
			for _, pe := range result.ParseErrors {
				fmt.Printf("    %s:%d:%d %s\n", pe.File, pe.Line, pe.Column, pe.Message)
			}
		}
		return nil
	},
}
