// Package review orchestrates pull-request security review: it scopes the
// high-precision analyzer to the lines a diff added, optionally has the
// language model phrase the critical findings, and assembles a verdicted
// report. Findings never depend on the model; phrasing is enrichment only.
package review

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"reposcope/internal/analyze"
	"reposcope/internal/llm"
	"reposcope/internal/logging"
	"reposcope/internal/metering"
	"reposcope/internal/source"
	"reposcope/internal/types"
)

// Verdict is the orchestrator's conclusion for a pull request.
type Verdict string

const (
	VerdictRequestChanges Verdict = "request_changes"
	VerdictComment        Verdict = "comment"
)

// Report is the structured result of one PR review.
type Report struct {
	Repo          types.RepoKey
	PRID          string
	BaseCommit    string
	HeadCommit    string
	Findings      []types.Finding
	SkippedFiles  []string
	CountBySev    map[types.Severity]int
	Verdict       Verdict
	FilesReviewed int
}

// Orchestrator runs the review flow for a diff.
type Orchestrator struct {
	analyzer *analyze.Analyzer
	provider source.Provider
	client   llm.Client // optional; nil disables phrasing
	sink     metering.Sink

	maxCriticalExplanations int
	diffOnly                bool
}

// Config configures an Orchestrator.
type Config struct {
	MaxCriticalExplanations int // default 5
	DiffOnly                bool
}

// New creates a review orchestrator. client may be nil to skip the
// phrasing pass entirely.
func New(analyzer *analyze.Analyzer, provider source.Provider, client llm.Client, sink metering.Sink, cfg Config) *Orchestrator {
	if cfg.MaxCriticalExplanations <= 0 {
		cfg.MaxCriticalExplanations = 5
	}
	if sink == nil {
		sink = metering.NopSink{}
	}
	return &Orchestrator{
		analyzer:                analyzer,
		provider:                provider,
		client:                  client,
		sink:                    sink,
		maxCriticalExplanations: cfg.MaxCriticalExplanations,
		diffOnly:                cfg.DiffOnly,
	}
}

// Review analyzes a pull request's changed files and assembles the report.
func (o *Orchestrator) Review(ctx context.Context, repo types.RepoKey, prID string) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryReview, "Review")
	defer timer.Stop()

	diff, err := o.provider.GetDiff(ctx, repo, prID)
	if err != nil {
		return nil, fmt.Errorf("get diff for %s#%s: %w", repo, prID, err)
	}

	logging.Review("Reviewing %s#%s: %d changed files (base=%s head=%s)",
		repo, prID, len(diff.Files), short(diff.BaseCommit), short(diff.HeadCommit))

	report := &Report{
		Repo:       repo,
		PRID:       prID,
		BaseCommit: diff.BaseCommit,
		HeadCommit: diff.HeadCommit,
		CountBySev: make(map[types.Severity]int),
	}

	var inputTokens, outputTokens int

	for _, file := range diff.Files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if file.Status == source.StatusRemoved {
			continue
		}

		content, err := o.provider.GetFile(ctx, repo, diff.HeadCommit, file.Path)
		if err != nil {
			logging.Get(logging.CategoryReview).Warn("Skipping %s: %v", file.Path, err)
			report.SkippedFiles = append(report.SkippedFiles, file.Path)
			continue
		}

		added := o.addedLines(ctx, repo, diff, file, string(content))

		findings := o.analyzer.Analyze(analyze.Input{
			Path:       file.Path,
			Content:    string(content),
			AddedLines: added,
		})
		report.Findings = append(report.Findings, findings...)
		report.FilesReviewed++
	}

	sortFindings(report.Findings)
	for _, f := range report.Findings {
		report.CountBySev[f.Severity]++
	}

	if report.CountBySev[types.SeverityCritical] > 0 {
		report.Verdict = VerdictRequestChanges
	} else {
		report.Verdict = VerdictComment
	}

	o.phraseCriticals(ctx, report, &inputTokens, &outputTokens)

	o.sink.Record(metering.Event{
		Kind:         metering.EventPRReview,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Metadata: map[string]string{
			"repo": repo.String(),
			"pr":   prID,
		},
	})

	logging.Review("Review complete: %s#%s verdict=%s findings=%d",
		repo, prID, report.Verdict, len(report.Findings))
	return report, nil
}

// addedLines resolves the added-line set for a changed file. Added files
// and the diff-only=false mode scan everything; otherwise the patch text
// wins, with a content diff as fallback when no patch came through.
func (o *Orchestrator) addedLines(ctx context.Context, repo types.RepoKey, diff *source.Diff, file source.DiffFile, headContent string) map[int]bool {
	if !o.diffOnly || file.Status == source.StatusAdded {
		return nil
	}
	if file.Patch != "" {
		return AddedLines(file.Patch)
	}

	basePath := file.Path
	if file.Status == source.StatusRenamed && file.PreviousPath != "" {
		basePath = file.PreviousPath
	}
	baseContent, err := o.provider.GetFile(ctx, repo, diff.BaseCommit, basePath)
	if err != nil {
		logging.ReviewDebug("No base content for %s, scanning whole file: %v", file.Path, err)
		return nil
	}
	return AddedLinesFromContents(string(baseContent), headContent)
}

// phrasePrompt asks for a two-sentence explanation and fix; the finding
// stands on its own if the model has nothing to add.
const phrasePrompt = `A security review found this issue in a pull request:

Category: %s
File: %s line %d
Reason: %s
Evidence (redacted): %s

Write at most two sentences explaining the risk, then at most two sentences
suggesting a fix. Format:
EXPLANATION: <text>
FIX: <text>`

// phraseCriticals enriches up to K critical findings with model phrasing.
// Absence of phrasing never invalidates a finding.
func (o *Orchestrator) phraseCriticals(ctx context.Context, report *Report, inputTokens, outputTokens *int) {
	if o.client == nil {
		return
	}

	criticals := lo.Filter(report.Findings, func(f types.Finding, _ int) bool {
		return f.Severity == types.SeverityCritical
	})
	if len(criticals) > o.maxCriticalExplanations {
		criticals = criticals[:o.maxCriticalExplanations]
	}

	byID := make(map[string]int, len(report.Findings))
	for i, f := range report.Findings {
		byID[f.ID] = i
	}

	for _, finding := range criticals {
		if ctx.Err() != nil {
			return
		}
		prompt := fmt.Sprintf(phrasePrompt,
			finding.Category, finding.File, finding.StartLine,
			finding.Evidence.Reason, finding.Evidence.Snippet)

		result, err := o.client.Generate(ctx, prompt, 300)
		if err != nil {
			logging.ReviewDebug("Phrasing failed for %s: %v", finding.Location(), err)
			continue
		}
		*inputTokens += result.InputTokens
		*outputTokens += result.OutputTokens

		explanation, fix := parsePhrasing(result.Text)
		idx := byID[finding.ID]
		report.Findings[idx].Explanation = explanation
		report.Findings[idx].SuggestedFix = fix
	}
}

func parsePhrasing(text string) (explanation, fix string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "EXPLANATION:"); ok {
			explanation = strings.TrimSpace(rest)
		} else if rest, ok := strings.CutPrefix(line, "FIX:"); ok {
			fix = strings.TrimSpace(rest)
		}
	}
	return explanation, fix
}

// sortFindings orders by severity (critical first), then file, then line.
func sortFindings(findings []types.Finding) {
	rank := map[types.Severity]int{
		types.SeverityCritical: 0,
		types.SeverityWarning:  1,
		types.SeverityInfo:     2,
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if rank[findings[i].Severity] != rank[findings[j].Severity] {
			return rank[findings[i].Severity] < rank[findings[j].Severity]
		}
		if findings[i].File != findings[j].File {
			return findings[i].File < findings[j].File
		}
		return findings[i].StartLine < findings[j].StartLine
	})
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// =============================================================================
// TEXT RENDERING
// =============================================================================

// RenderMarkdown produces the CLI/comment-facing summary of a report.
func RenderMarkdown(report *Report) string {
	var b strings.Builder

	if len(report.Findings) == 0 {
		fmt.Fprintf(&b, "## Review of %s#%s\n\nNo high-risk issues detected in %d reviewed files.\n",
			report.Repo, report.PRID, report.FilesReviewed)
		return b.String()
	}

	fmt.Fprintf(&b, "## Review of %s#%s — %s\n\n", report.Repo, report.PRID, report.Verdict)
	fmt.Fprintf(&b, "critical: %d, warning: %d, info: %d\n\n",
		report.CountBySev[types.SeverityCritical],
		report.CountBySev[types.SeverityWarning],
		report.CountBySev[types.SeverityInfo])

	for _, f := range report.Findings {
		fmt.Fprintf(&b, "### [%s] %s — %s\n", f.Severity, f.Category, f.Location())
		fmt.Fprintf(&b, "- reason: %s (confidence: %s)\n", f.Evidence.Reason, f.Evidence.Confidence)
		if f.Evidence.Snippet != "" {
			fmt.Fprintf(&b, "- evidence: `%s`\n", f.Evidence.Snippet)
		}
		if f.Explanation != "" {
			fmt.Fprintf(&b, "- explanation: %s\n", f.Explanation)
		}
		if f.SuggestedFix != "" {
			fmt.Fprintf(&b, "- suggested fix: %s\n", f.SuggestedFix)
		}
		b.WriteString("\n")
	}

	if len(report.SkippedFiles) > 0 {
		fmt.Fprintf(&b, "Skipped (fetch failed): %s\n", strings.Join(report.SkippedFiles, ", "))
	}

	return b.String()
}
