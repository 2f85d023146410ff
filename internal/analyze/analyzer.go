// Package analyze implements the high-precision detectors that back PR
// review: exact secret patterns, private key material, leaked env files,
// destructive migrations, auth middleware removal, and lockfile changes.
// Precision is valued over recall: every rule here is either an exact token
// shape or a rigid structural pattern.
package analyze

import (
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"reposcope/internal/logging"
	"reposcope/internal/types"
)

// Analyzer applies the detector catalog to file content, optionally scoped
// to a set of added line numbers.
type Analyzer struct {
	skipPaths []string
}

// Options configures an Analyzer.
type Options struct {
	// SkipPaths overrides the built-in scan skiplist when non-nil.
	SkipPaths []string
}

// defaultSkipPaths exempts minified, vendored and binary-adjacent paths
// from secret and private-key scanning.
var defaultSkipPaths = []string{
	".lock", ".min.js", ".min.css", ".map",
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".eot",
	"/vendor/", "/node_modules/", "/dist/", "/build/", "__pycache__",
}

// New creates an analyzer with the given options.
func New(opts Options) *Analyzer {
	skip := opts.SkipPaths
	if skip == nil {
		skip = defaultSkipPaths
	}
	return &Analyzer{skipPaths: skip}
}

// Input is one file to analyze. AddedLines, when non-nil, restricts
// line-scoped detectors to those line numbers; file-level detectors
// (env_leaked, dependency_changed) fire regardless.
type Input struct {
	Path       string
	Content    string
	AddedLines map[int]bool
}

// Analyze runs every detector against one file and returns its findings.
func (a *Analyzer) Analyze(in Input) []types.Finding {
	timer := logging.StartTimer(logging.CategoryAnalyze, "Analyze "+in.Path)
	defer timer.Stop()

	var findings []types.Finding

	// File-level detectors run first; they ignore diff scoping.
	findings = append(findings, a.detectEnvLeak(in)...)
	findings = append(findings, a.detectDependencyChange(in)...)

	if !a.skipScan(in.Path) {
		findings = append(findings, a.detectSecrets(in)...)
		findings = append(findings, a.detectPrivateKeys(in)...)
	}
	findings = append(findings, a.detectDestructiveMigration(in)...)
	findings = append(findings, a.detectMiddlewareRemoval(in)...)

	if len(findings) > 0 {
		logging.Analyze("%s: %d findings", in.Path, len(findings))
	}
	return findings
}

// skipScan reports whether secret scanning is exempt for a path.
func (a *Analyzer) skipScan(p string) bool {
	return SkipPath(p, a.skipPaths)
}

// SkipPath reports whether a path matches any skiplist fragment. The
// indexing pipeline shares this rule when enumerating files.
func SkipPath(p string, skipPaths []string) bool {
	if skipPaths == nil {
		skipPaths = defaultSkipPaths
	}
	for _, fragment := range skipPaths {
		if strings.Contains(p, fragment) {
			return true
		}
		// "/vendor/" style fragments also match at the repository root.
		if trimmed := strings.TrimPrefix(fragment, "/"); trimmed != fragment && strings.HasPrefix(p, trimmed) {
			return true
		}
	}
	return false
}

// inScope applies diff scoping for line-scoped detectors.
func inScope(in Input, line int) bool {
	if in.AddedLines == nil {
		return true
	}
	return in.AddedLines[line]
}

func newFinding(severity types.Severity, category types.FindingCategory, file string, start, end int, ev types.Evidence) types.Finding {
	return types.Finding{
		ID:        uuid.NewString(),
		Severity:  severity,
		Category:  category,
		File:      file,
		StartLine: start,
		EndLine:   end,
		Evidence:  ev,
	}
}

// =============================================================================
// SECRET EXPOSURE
// =============================================================================

// secretPattern is one entry of the closed secret catalog.
type secretPattern struct {
	name     string
	re       *regexp.Regexp
	severity types.Severity
}

var secretCatalog = []secretPattern{
	{"GitHub Personal Access Token", regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`), types.SeverityCritical},
	{"GitHub Fine-Grained PAT", regexp.MustCompile(`github_pat_[A-Za-z0-9]{22}_[A-Za-z0-9]{59}`), types.SeverityCritical},
	{"AWS Access Key ID", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), types.SeverityCritical},
	{"Stripe Live Secret Key", regexp.MustCompile(`sk_live_[A-Za-z0-9]{24,}`), types.SeverityCritical},
	{"Stripe Live Publishable Key", regexp.MustCompile(`pk_live_[A-Za-z0-9]{24,}`), types.SeverityWarning},
	{"Slack Bot Token", regexp.MustCompile(`xoxb-\d{11,13}-\d{11,13}-[A-Za-z0-9]{24}`), types.SeverityCritical},
	{"Slack User Token", regexp.MustCompile(`xoxp-\d{11,13}-\d{11,13}-[A-Za-z0-9]{24}`), types.SeverityCritical},
	{"SendGrid API Key", regexp.MustCompile(`SG\.[A-Za-z0-9_-]{22}\.[A-Za-z0-9_-]{43}`), types.SeverityCritical},
	// An account SID alone is not a credential; informational unless paired
	// with an auth token nearby.
	{"Twilio Account SID", regexp.MustCompile(`AC[a-f0-9]{32}`), types.SeverityWarning},
}

func (a *Analyzer) detectSecrets(in Input) []types.Finding {
	var findings []types.Finding
	for i, line := range strings.Split(in.Content, "\n") {
		lineNo := i + 1
		if !inScope(in, lineNo) {
			continue
		}
		for _, pattern := range secretCatalog {
			match := pattern.re.FindString(line)
			if match == "" {
				continue
			}
			redacted := Redact(match)
			findings = append(findings, newFinding(pattern.severity, types.CategorySecretExposure, in.Path, lineNo, lineNo, types.Evidence{
				Snippet:     truncateSnippet(strings.ReplaceAll(line, match, redacted)),
				PatternName: pattern.name,
				Match:       redacted,
				Reason:      pattern.name + " committed to source",
				Confidence:  types.ConfidenceExactMatch,
			}))
		}
	}
	return findings
}

// =============================================================================
// PRIVATE KEYS
// =============================================================================

var privateKeyRe = regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)

func (a *Analyzer) detectPrivateKeys(in Input) []types.Finding {
	var findings []types.Finding
	for i, line := range strings.Split(in.Content, "\n") {
		lineNo := i + 1
		if !inScope(in, lineNo) {
			continue
		}
		match := privateKeyRe.FindString(line)
		if match == "" {
			continue
		}
		redacted := Redact(match)
		findings = append(findings, newFinding(types.SeverityCritical, types.CategoryPrivateKeyExposed, in.Path, lineNo, lineNo, types.Evidence{
			Snippet:     truncateSnippet(strings.ReplaceAll(line, match, redacted)),
			PatternName: "Private Key Block",
			Match:       redacted,
			Reason:      "private key material committed to source",
			Confidence:  types.ConfidenceExactMatch,
		}))
	}
	return findings
}

// =============================================================================
// ENV / KEY FILES
// =============================================================================

var envBasenameRe = regexp.MustCompile(`^\.env$|^\.env\.(local|production|staging)$`)

var keyFileBasenames = map[string]bool{
	"id_rsa":     true,
	"id_ed25519": true,
	"id_ecdsa":   true,
}

func (a *Analyzer) detectEnvLeak(in Input) []types.Finding {
	base := path.Base(in.Path)
	isEnv := envBasenameRe.MatchString(base)
	isKey := keyFileBasenames[base]
	if !isEnv && !isKey {
		return nil
	}

	reason := "environment file committed to the repository"
	if isKey {
		reason = "SSH private key file committed to the repository"
	}
	return []types.Finding{newFinding(types.SeverityCritical, types.CategoryEnvLeaked, in.Path, 1, 1, types.Evidence{
		Snippet:    base,
		Reason:     reason,
		Confidence: types.ConfidenceExactMatch,
	})}
}

// =============================================================================
// DESTRUCTIVE MIGRATIONS
// =============================================================================

type migrationPattern struct {
	name   string
	re     *regexp.Regexp
	reason string
}

var migrationPatterns = []migrationPattern{
	{"schema_drop", regexp.MustCompile(`Schema::drop(?:IfExists)?\(\s*['"]([^'"]+)['"]`), "DROP TABLE"},
	{"drop_column", regexp.MustCompile(`->dropColumn\(\s*(['"][^'"]+['"](?:\s*,\s*['"][^'"]+['"])*|\[[^\]]*\])`), "DROP COLUMN"},
	{"schema_rename", regexp.MustCompile(`Schema::rename\(`), "RENAME TABLE"},
	{"rename_column", regexp.MustCompile(`->renameColumn\(`), "RENAME COLUMN"},
}

var quotedRe = regexp.MustCompile(`['"]([^'"]+)['"]`)

func (a *Analyzer) detectDestructiveMigration(in Input) []types.Finding {
	if !strings.Contains(in.Path, "migrations/") || !strings.HasSuffix(in.Path, ".php") {
		return nil
	}

	var findings []types.Finding
	for i, line := range strings.Split(in.Content, "\n") {
		lineNo := i + 1
		if !inScope(in, lineNo) {
			continue
		}
		for _, pattern := range migrationPatterns {
			match := pattern.re.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			reason := pattern.reason
			if len(match) > 1 {
				var targets []string
				for _, q := range quotedRe.FindAllStringSubmatch(match[1], -1) {
					targets = append(targets, "'"+q[1]+"'")
				}
				if len(targets) > 0 {
					reason += " on " + strings.Join(targets, ", ")
				}
			}
			findings = append(findings, newFinding(types.SeverityCritical, types.CategoryMigrationDestructive, in.Path, lineNo, lineNo, types.Evidence{
				Snippet:     truncateSnippet(line),
				PatternName: pattern.name,
				Reason:      reason,
				Confidence:  types.ConfidenceExactMatch,
			}))
		}
	}
	return findings
}

// =============================================================================
// AUTH MIDDLEWARE REMOVAL
// =============================================================================

var withoutMiddlewareRe = regexp.MustCompile(`(?i)->withoutMiddleware\(\s*['"](auth|verified|can|admin)[^'"]*['"]`)

func (a *Analyzer) detectMiddlewareRemoval(in Input) []types.Finding {
	if !strings.Contains(in.Path, "routes/") || !strings.HasSuffix(in.Path, ".php") {
		return nil
	}

	var findings []types.Finding
	for i, line := range strings.Split(in.Content, "\n") {
		lineNo := i + 1
		if !inScope(in, lineNo) {
			continue
		}
		match := withoutMiddlewareRe.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		findings = append(findings, newFinding(types.SeverityCritical, types.CategoryAuthMiddlewareRemoved, in.Path, lineNo, lineNo, types.Evidence{
			Snippet:     truncateSnippet(line),
			PatternName: "without_middleware",
			Reason:      "route removes '" + match[1] + "' middleware protection",
			Confidence:  types.ConfidenceStructural,
		}))
	}
	return findings
}

// =============================================================================
// DEPENDENCY CHANGES
// =============================================================================

var lockfileBasenames = map[string]bool{
	"composer.lock":     true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"Gemfile.lock":      true,
	"poetry.lock":       true,
}

func (a *Analyzer) detectDependencyChange(in Input) []types.Finding {
	base := path.Base(in.Path)
	if !lockfileBasenames[base] {
		return nil
	}
	return []types.Finding{newFinding(types.SeverityInfo, types.CategoryDependencyChanged, in.Path, 1, 1, types.Evidence{
		Snippet:    base,
		Reason:     "dependency lockfile changed; review transitive updates",
		Confidence: types.ConfidenceExactMatch,
	})}
}

// =============================================================================
// REDACTION
// =============================================================================

const maxSnippetChars = 500

// Redact masks a matched secret: first 4 and last 4 characters survive with
// the interior replaced by asterisks; matches of 12 characters or fewer
// keep only the first 2.
func Redact(match string) string {
	if len(match) <= 12 {
		if len(match) <= 2 {
			return strings.Repeat("*", len(match))
		}
		return match[:2] + strings.Repeat("*", len(match)-2)
	}
	return match[:4] + strings.Repeat("*", len(match)-8) + match[len(match)-4:]
}

func truncateSnippet(s string) string {
	s = strings.TrimRight(s, "\r")
	if len(s) <= maxSnippetChars {
		return s
	}
	return s[:maxSnippetChars] + "..."
}
