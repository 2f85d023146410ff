package review

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposcope/internal/analyze"
	"reposcope/internal/llm"
	"reposcope/internal/source"
	"reposcope/internal/types"
)

var testRepo = types.RepoKey{Owner: "acme", Name: "shop"}

// fakeProvider serves a scripted diff and head contents.
type fakeProvider struct {
	diff  *source.Diff
	files map[string]string // "commit/path" -> content
}

func (p *fakeProvider) ListFiles(ctx context.Context, repo types.RepoKey, commit string) ([]source.FileInfo, error) {
	return nil, nil
}
func (p *fakeProvider) GetFile(ctx context.Context, repo types.RepoKey, commit, path string) ([]byte, error) {
	content, ok := p.files[commit+"/"+path]
	if !ok {
		return nil, source.NewProviderError(source.KindNotFound, "get_file", path, "missing")
	}
	return []byte(content), nil
}
func (p *fakeProvider) GetDiff(ctx context.Context, repo types.RepoKey, prID string) (*source.Diff, error) {
	return p.diff, nil
}

// fakePhraser returns a fixed explanation.
type fakePhraser struct{ calls int }

func (c *fakePhraser) Generate(ctx context.Context, prompt string, maxTokens int) (*llm.Result, error) {
	c.calls++
	return &llm.Result{
		Text:         "EXPLANATION: The secret is live.\nFIX: Rotate the key and move it to the environment.",
		InputTokens:  80,
		OutputTokens: 40,
	}, nil
}

func newTestOrchestrator(provider source.Provider, client llm.Client) *Orchestrator {
	return New(analyze.New(analyze.Options{}), provider, client, nil, Config{DiffOnly: true})
}

func TestAddedLines(t *testing.T) {
	patch := `@@ -10,3 +10,5 @@ class UserController
 context line
+first added
 another context
+second added
-removed line
+third added`

	added := AddedLines(patch)
	assert.Equal(t, map[int]bool{11: true, 13: true, 14: true}, added)
}

func TestAddedLinesMultipleHunks(t *testing.T) {
	patch := `@@ -1,2 +1,3 @@
 a
+b
 c
@@ -20,2 +21,3 @@
 x
+y
 z`

	added := AddedLines(patch)
	assert.Equal(t, map[int]bool{2: true, 22: true}, added)
}

func TestAddedLinesFromContents(t *testing.T) {
	base := "one\ntwo\nthree\n"
	head := "one\ninserted\ntwo\nthree\n"

	added := AddedLinesFromContents(base, head)
	assert.Equal(t, map[int]bool{2: true}, added)
}

func TestReviewFindsSecretOnAddedLine(t *testing.T) {
	secret := "'stripe' => 'sk_live_" + strings.Repeat("a", 24) + "',"
	provider := &fakeProvider{
		diff: &source.Diff{
			BaseCommit: "base0000",
			HeadCommit: "head0000",
			Files: []source.DiffFile{{
				Path:   "config/services.php",
				Status: source.StatusModified,
				Patch:  "@@ -1,1 +1,2 @@\n context\n+" + secret,
			}},
		},
		files: map[string]string{
			"head0000/config/services.php": "context\n" + secret + "\n",
		},
	}

	report, err := newTestOrchestrator(provider, nil).Review(context.Background(), testRepo, "42")
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, types.CategorySecretExposure, report.Findings[0].Category)
	assert.Equal(t, 2, report.Findings[0].StartLine)
	assert.Equal(t, VerdictRequestChanges, report.Verdict)
	assert.Equal(t, 1, report.CountBySev[types.SeverityCritical])
}

func TestReviewSuppressesUntouchedLines(t *testing.T) {
	secret := "'stripe' => 'sk_live_" + strings.Repeat("a", 24) + "',"
	provider := &fakeProvider{
		diff: &source.Diff{
			HeadCommit: "head0000",
			Files: []source.DiffFile{{
				Path:   "config/services.php",
				Status: source.StatusModified,
				// Only line 3 was added; the secret sits on line 1.
				Patch: "@@ -1,2 +1,3 @@\n context\n context\n+// new comment",
			}},
		},
		files: map[string]string{
			"head0000/config/services.php": secret + "\ncontext\n// new comment\n",
		},
	}

	report, err := newTestOrchestrator(provider, nil).Review(context.Background(), testRepo, "42")
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Equal(t, VerdictComment, report.Verdict)
}

// A lockfile-only change still emits exactly one dependency_changed info
// finding.
func TestComposerLockBoundary(t *testing.T) {
	provider := &fakeProvider{
		diff: &source.Diff{
			HeadCommit: "head0000",
			Files: []source.DiffFile{{
				Path:   "composer.lock",
				Status: source.StatusModified,
				Patch:  "@@ -1,1 +1,1 @@\n-old\n+new",
			}},
		},
		files: map[string]string{
			"head0000/composer.lock": `{"packages": []}`,
		},
	}

	report, err := newTestOrchestrator(provider, nil).Review(context.Background(), testRepo, "7")
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, types.CategoryDependencyChanged, report.Findings[0].Category)
	assert.Equal(t, types.SeverityInfo, report.Findings[0].Severity)
	assert.Equal(t, VerdictComment, report.Verdict)
}

func TestEnvFileAdded(t *testing.T) {
	provider := &fakeProvider{
		diff: &source.Diff{
			HeadCommit: "head0000",
			Files: []source.DiffFile{{
				Path:   ".env",
				Status: source.StatusAdded,
			}},
		},
		files: map[string]string{
			"head0000/.env": "APP_KEY=base64:abc\n",
		},
	}

	report, err := newTestOrchestrator(provider, nil).Review(context.Background(), testRepo, "9")
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, types.CategoryEnvLeaked, report.Findings[0].Category)
	assert.Equal(t, VerdictRequestChanges, report.Verdict)
}

func TestRemovedFilesSkipped(t *testing.T) {
	provider := &fakeProvider{
		diff: &source.Diff{
			HeadCommit: "head0000",
			Files: []source.DiffFile{{
				Path:   ".env",
				Status: source.StatusRemoved,
			}},
		},
		files: map[string]string{},
	}

	report, err := newTestOrchestrator(provider, nil).Review(context.Background(), testRepo, "9")
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Zero(t, report.FilesReviewed)
}

func TestPhrasingEnrichesCriticals(t *testing.T) {
	provider := &fakeProvider{
		diff: &source.Diff{
			HeadCommit: "head0000",
			Files: []source.DiffFile{{
				Path:   ".env",
				Status: source.StatusAdded,
			}},
		},
		files: map[string]string{
			"head0000/.env": "APP_KEY=x\n",
		},
	}
	phraser := &fakePhraser{}

	report, err := newTestOrchestrator(provider, phraser).Review(context.Background(), testRepo, "3")
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, 1, phraser.calls)
	assert.Equal(t, "The secret is live.", report.Findings[0].Explanation)
	assert.Contains(t, report.Findings[0].SuggestedFix, "Rotate")
}

func TestPhrasingCapped(t *testing.T) {
	var files []source.DiffFile
	contents := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		path := "keys/" + name + "/id_rsa"
		files = append(files, source.DiffFile{Path: path, Status: source.StatusAdded})
		contents["head0000/"+path] = "key material\n"
	}
	provider := &fakeProvider{
		diff:  &source.Diff{HeadCommit: "head0000", Files: files},
		files: contents,
	}
	phraser := &fakePhraser{}

	report, err := newTestOrchestrator(provider, phraser).Review(context.Background(), testRepo, "3")
	require.NoError(t, err)

	assert.Len(t, report.Findings, 7)
	assert.Equal(t, 5, phraser.calls, "phrasing is capped at max_critical_explanations")
}

func TestRenderMarkdownCleanReport(t *testing.T) {
	report := &Report{
		Repo:          testRepo,
		PRID:          "12",
		FilesReviewed: 4,
		CountBySev:    map[types.Severity]int{},
		Verdict:       VerdictComment,
	}
	text := RenderMarkdown(report)
	assert.Contains(t, text, "No high-risk issues")
}
