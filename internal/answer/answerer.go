// Package answer implements the constrained answerer: the language model
// receives numbered sources and a closed JSON schema, and its output is
// parsed, validated against the supplied source set, and graded into a
// discrete confidence tier. The model only phrases; it cannot introduce a
// location that was not retrieved.
package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"reposcope/internal/llm"
	"reposcope/internal/logging"
	"reposcope/internal/metering"
	"reposcope/internal/types"
)

// Answerer composes prompts, invokes the model and validates its output.
type Answerer struct {
	client    llm.Client
	sink      metering.Sink
	maxTokens int
	retries   int
}

// Config configures an Answerer.
type Config struct {
	MaxTokens           int // default 1500
	RetryOnParseFailure int // default 1
}

// New creates an answerer over the given model client.
func New(client llm.Client, sink metering.Sink, cfg Config) *Answerer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.RetryOnParseFailure == 0 {
		cfg.RetryOnParseFailure = 1
	} else if cfg.RetryOnParseFailure < 0 {
		cfg.RetryOnParseFailure = 0
	}
	if sink == nil {
		sink = metering.NopSink{}
	}
	return &Answerer{
		client:    client,
		sink:      sink,
		maxTokens: cfg.MaxTokens,
		retries:   cfg.RetryOnParseFailure,
	}
}

// modelOutput is the closed schema the model must emit.
type modelOutput struct {
	Sections []modelSection `json:"sections"`
	Unknowns []string       `json:"unknowns"`
}

type modelSection struct {
	Text      string `json:"text"`
	SourceIDs []int  `json:"source_ids"`
}

// Answer runs the full constrained-generation flow for a question over
// retrieved sources. With zero sources the model is never called.
func (a *Answerer) Answer(ctx context.Context, question string, sources []types.Source) (*types.Answer, error) {
	timer := logging.StartTimer(logging.CategoryAnswer, "Answer")
	defer timer.Stop()

	if len(sources) == 0 {
		logging.Answer("No sources retrieved; skipping model call")
		return noEvidence(question, sources), nil
	}

	prompt := buildPrompt(question, sources)

	var inputTokens, outputTokens int
	defer func() {
		a.sink.Record(metering.Event{
			Kind:         metering.EventQuestion,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		})
	}()

	parsed, errs := a.generateAndParse(ctx, prompt, &inputTokens, &outputTokens)
	if parsed == nil {
		logging.Get(logging.CategoryAnswer).Warn("Model output unusable after retries: %v", errs)
		result := noEvidence(question, sources)
		result.ValidationErrors = errs
		return result, nil
	}

	result := validate(parsed, sources)
	result.ValidationErrors = append(errs, result.ValidationErrors...)
	result.Sources = sources

	if len(result.Sections) == 0 {
		result.ConfidenceTier = types.TierNone
		result.ValidationPassed = false
		if len(result.Unknowns) == 0 {
			result.Unknowns = []string{question}
		}
	}

	logging.Answer("Answer produced: tier=%s sections=%d unknowns=%d validation_errors=%d",
		result.ConfidenceTier, len(result.Sections), len(result.Unknowns), len(result.ValidationErrors))
	return result, nil
}

// generateAndParse calls the model, recovering from malformed JSON by brace
// stripping, then by one full re-call with an appended reminder.
func (a *Answerer) generateAndParse(ctx context.Context, prompt string, inputTokens, outputTokens *int) (*modelOutput, []string) {
	var errs []string

	for attempt := 0; attempt <= a.retries; attempt++ {
		callPrompt := prompt
		if attempt > 0 {
			callPrompt += "\n\nREMINDER: Respond with ONLY the JSON object, no prose, no code fences."
		}

		result, err := a.client.Generate(ctx, callPrompt, a.maxTokens)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation discards the response; no retry.
				return nil, append(errs, ctx.Err().Error())
			}
			errs = append(errs, fmt.Sprintf("model call failed: %v", err))
			continue
		}
		*inputTokens += result.InputTokens
		*outputTokens += result.OutputTokens

		parsed, parseErr := parseModelOutput(result.Text)
		if parseErr == nil {
			return parsed, errs
		}
		errs = append(errs, fmt.Sprintf("attempt %d: %v", attempt+1, parseErr))
	}

	return nil, errs
}

// parseModelOutput parses the model's text as JSON, falling back to the
// first balanced-brace slice.
func parseModelOutput(text string) (*modelOutput, error) {
	text = strings.TrimSpace(text)
	// Models wrap JSON in fences often enough to handle it inline.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out modelOutput
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return &out, nil
	}

	stripped, ok := balancedBraces(text)
	if !ok {
		return nil, fmt.Errorf("no balanced JSON object in output")
	}
	if err := json.Unmarshal([]byte(stripped), &out); err != nil {
		return nil, fmt.Errorf("stripped JSON still invalid: %w", err)
	}
	return &out, nil
}

// balancedBraces extracts the first balanced {...} slice of text.
func balancedBraces(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// validate drops sections with empty text, strips invalid source ids, and
// computes the confidence tier from what survives.
func validate(out *modelOutput, sources []types.Source) *types.Answer {
	valid := make(map[int]bool, len(sources))
	fileOf := make(map[int]string, len(sources))
	for _, s := range sources {
		valid[s.Index] = true
		fileOf[s.Index] = s.File
	}

	answer := &types.Answer{ValidationPassed: true}

	for i, section := range out.Sections {
		if strings.TrimSpace(section.Text) == "" {
			answer.ValidationErrors = append(answer.ValidationErrors, fmt.Sprintf("section %d: empty text", i+1))
			continue
		}
		var ids []int
		seen := make(map[int]bool)
		for _, id := range section.SourceIDs {
			if !valid[id] {
				answer.ValidationErrors = append(answer.ValidationErrors, fmt.Sprintf("section %d: invalid source id %d", i+1, id))
				continue
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			answer.ValidationErrors = append(answer.ValidationErrors, fmt.Sprintf("section %d: no valid source ids", i+1))
			continue
		}
		sort.Ints(ids)
		answer.Sections = append(answer.Sections, types.AnswerSection{
			Text:          strings.TrimSpace(section.Text),
			SourceIndices: ids,
		})
	}

	for _, unknown := range out.Unknowns {
		if strings.TrimSpace(unknown) != "" {
			answer.Unknowns = append(answer.Unknowns, strings.TrimSpace(unknown))
		}
	}

	answer.ConfidenceTier = confidenceTier(answer.Sections, fileOf)
	if len(answer.Sections) == 0 {
		answer.ValidationPassed = false
	}
	return answer
}

// confidenceTier grades an answer from its distinct citations (C) and the
// distinct files they inhabit (F): high iff |C|>=3 and |F|>=2, medium iff
// |C|>=2, low iff |C|=1, none otherwise.
func confidenceTier(sections []types.AnswerSection, fileOf map[int]string) types.ConfidenceTier {
	cited := make(map[int]bool)
	files := make(map[string]bool)
	for _, section := range sections {
		for _, id := range section.SourceIndices {
			cited[id] = true
			files[fileOf[id]] = true
		}
	}

	switch {
	case len(cited) >= 3 && len(files) >= 2:
		return types.TierHigh
	case len(cited) >= 2:
		return types.TierMedium
	case len(cited) == 1:
		return types.TierLow
	default:
		return types.TierNone
	}
}

// noEvidence is the first-class "insufficient evidence" result.
func noEvidence(question string, sources []types.Source) *types.Answer {
	return &types.Answer{
		Unknowns:         []string{question},
		ConfidenceTier:   types.TierNone,
		ValidationPassed: false,
		Sources:          sources,
	}
}

// =============================================================================
// PROMPT AND RENDERING
// =============================================================================

// buildPrompt lays out the numbered sources, the question, and the schema
// instruction.
func buildPrompt(question string, sources []types.Source) string {
	var b strings.Builder

	b.WriteString("You are answering a question about a codebase. Use ONLY the numbered sources below.\n")
	b.WriteString("Every claim must cite at least one source by its number. If the sources do not answer part of the question, list it under unknowns instead of guessing.\n\n")

	for _, s := range sources {
		if s.SymbolName != "" {
			fmt.Fprintf(&b, "[Source %d] %s:%d-%d (%s)\n", s.Index, s.File, s.StartLine, s.EndLine, s.SymbolName)
		} else {
			fmt.Fprintf(&b, "[Source %d] %s:%d-%d\n", s.Index, s.File, s.StartLine, s.EndLine)
		}
		b.WriteString("```\n")
		b.WriteString(s.Content)
		b.WriteString("\n```\n\n")
	}

	fmt.Fprintf(&b, "Question: %s\n\n", question)
	b.WriteString(`Output ONLY a JSON value conforming to this schema:
{ "sections": [ { "text": string, "source_ids": [int, ...] }, ... ],
  "unknowns": [ string, ... ] }`)

	return b.String()
}

// Render produces the user-facing answer text: each section followed by its
// bracketed source references, then the unknowns block when present.
func Render(answer *types.Answer) string {
	var b strings.Builder

	for i, section := range answer.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(section.Text)
		refs := make([]string, len(section.SourceIndices))
		for j, id := range section.SourceIndices {
			refs[j] = fmt.Sprintf("[%d]", id)
		}
		b.WriteString(" " + strings.Join(refs, ", "))
	}

	if len(answer.Unknowns) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Could not determine:\n")
		for _, unknown := range answer.Unknowns {
			b.WriteString("- " + unknown + "\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
