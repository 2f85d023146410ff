package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"reposcope/internal/analyze"
	"reposcope/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review <owner/name> <pr-id>",
	Short: "Run a security review on a pull-request diff",
	Long: `Runs the six high-precision detectors against the lines the pull request
added, phrases the critical findings through the language model when a key
is configured, and prints the report. The verdict is request_changes iff
any critical finding exists.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args[0])
		if err != nil {
			return err
		}
		prID := args[1]

		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		client, err := newLLMClient()
		if err != nil {
			return err
		}

		analyzer := analyze.New(analyze.Options{SkipPaths: cfg.Analyzer.SkipPaths})
		orchestrator := review.New(analyzer, a.provider, client, a.sink, review.Config{
			MaxCriticalExplanations: cfg.Review.MaxCriticalExplanations,
			DiffOnly:                cfg.Analyzer.DiffOnly,
		})

		report, err := orchestrator.Review(ctx, repo, prID)
		if err != nil {
			return err
		}

		fmt.Print(review.RenderMarkdown(report))
		return nil
	},
}
