package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"reposcope/internal/answer"
	"reposcope/internal/metering"
	"reposcope/internal/retrieve"
	"reposcope/internal/types"
)

var askCmd = &cobra.Command{
	Use:   "ask <owner/name> <question...>",
	Short: "Ask a question about an indexed repository",
	Long: `Runs hybrid retrieval (trigram + vector) against the repository's current
generation, hydrates the winning passages, and has the language model phrase
an answer in which every sentence cites a numbered source. Answers that fail
citation validation degrade to an "insufficient evidence" result.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args[0])
		if err != nil {
			return err
		}
		question := strings.Join(args[1:], " ")

		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		repoRec, err := a.store.GetRepo(ctx, repo)
		if err != nil {
			return err
		}
		if repoRec.Status != types.RepoReady {
			return fmt.Errorf("repository %s is not ready (status: %s)", repo, repoRec.Status)
		}

		retriever := retrieve.New(a.store, a.vectors, a.engine, a.snippets, retrieve.Config{
			TrigramK:   cfg.Retriever.TrigramK,
			VectorK:    cfg.Retriever.VectorK,
			FinalK:     cfg.Retriever.FinalK,
			LegTimeout: cfg.GetLegTimeout(),
		})

		sources, err := retriever.Retrieve(ctx, repo, repoRec.LastIndexedCommit, question)
		if err != nil {
			return err
		}

		client, err := newLLMClient()
		if err != nil {
			return err
		}
		if client == nil {
			return fmt.Errorf("no LLM API key configured (set GEMINI_API_KEY)")
		}

		answerer := answer.New(client, a.sink, answer.Config{
			MaxTokens:           cfg.Answerer.MaxTokens,
			RetryOnParseFailure: cfg.Answerer.RetryOnParseFailure,
		})

		result, err := answerer.Answer(ctx, question, sources)
		if err != nil {
			return err
		}

		fmt.Println(answer.Render(result))
		fmt.Printf("\nconfidence: %s\n", result.ConfidenceTier)
		if len(result.Sources) > 0 {
			fmt.Println("\nSources:")
			for _, s := range result.Sources {
				fmt.Printf("  [%d] %s:%d-%d (%s, score %.3f)\n", s.Index, s.File, s.StartLine, s.EndLine, s.Type, s.Score)
			}
		}
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show aggregated token usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := workspace
		if ws == "" {
			ws = "."
		}
		sink, err := metering.NewFileSink(ws)
		if err != nil {
			return err
		}
		total, byKind := sink.Stats()
		fmt.Printf("total: %d events, input=%d output=%d embedding=%d tokens\n",
			total.Events, total.InputTokens, total.OutputTokens, total.EmbeddingTokens)
		for kind, counts := range byKind {
			fmt.Printf("  %-14s %d events, input=%d output=%d embedding=%d\n",
				kind, counts.Events, counts.InputTokens, counts.OutputTokens, counts.EmbeddingTokens)
		}
		return nil
	},
}
