// Package types defines the shared data model for reposcope: repositories,
// files, symbols, routes, migrations, findings and answers. Entities carry
// surrogate identifiers; cross references between them are by id, never by
// owning pointer.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// REPOSITORY
// =============================================================================

// RepoStatus is the lifecycle status of a repository in the index.
type RepoStatus string

const (
	RepoPending  RepoStatus = "pending"
	RepoIndexing RepoStatus = "indexing"
	RepoReady    RepoStatus = "ready"
	RepoFailed   RepoStatus = "failed"
)

// Repository identifies an ingested source repository.
// When Status is RepoReady, LastIndexedCommit is non-empty and every
// Symbol/Route/Migration referencing the repo has line numbers valid
// for that commit.
type Repository struct {
	Owner             string
	Name              string
	DefaultBranch     string
	LastIndexedCommit string // 40-hex, or empty before the first successful run
	Status            RepoStatus
	LastError         string
}

// FullName returns the canonical "owner/name" form.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// RepoKey is the natural key used to address a repository in the stores.
type RepoKey struct {
	Owner string
	Name  string
}

func (k RepoKey) String() string {
	return k.Owner + "/" + k.Name
}

// =============================================================================
// FILES AND SYMBOLS
// =============================================================================

// File is one source file observed during an indexing run. No content is
// stored; the blob SHA pins the content at the indexed commit.
type File struct {
	Repo      RepoKey
	Path      string
	BlobSHA   string
	Language  string
	SizeBytes int64
}

// SymbolKind classifies an extracted symbol.
type SymbolKind string

const (
	SymbolClass     SymbolKind = "class"
	SymbolTrait     SymbolKind = "trait"
	SymbolInterface SymbolKind = "interface"
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolConstant  SymbolKind = "constant"
)

// Symbol is any extracted code entity with a location in source.
// ParentSymbol, when set, is the id of the enclosing symbol in the same
// repository.
type Symbol struct {
	ID            string
	Repo          RepoKey
	File          string
	Name          string
	QualifiedName string
	Kind          SymbolKind
	StartLine     int
	EndLine       int
	Signature     string
	Docstring     string
	ParentSymbol  string
	Visibility    string
	IsStatic      bool
}

// SearchText is the concatenated text the search indexes operate on.
func (s Symbol) SearchText() string {
	text := s.Name
	if s.QualifiedName != "" && s.QualifiedName != s.Name {
		text += " " + s.QualifiedName
	}
	if s.Signature != "" {
		text += " " + s.Signature
	}
	if s.Docstring != "" {
		text += " " + s.Docstring
	}
	return text
}

// =============================================================================
// ROUTES
// =============================================================================

// HTTPMethod is the verb a route responds to.
type HTTPMethod string

const (
	MethodGet     HTTPMethod = "GET"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodPatch   HTTPMethod = "PATCH"
	MethodDelete  HTTPMethod = "DELETE"
	MethodOptions HTTPMethod = "OPTIONS"
	MethodAny     HTTPMethod = "ANY"
)

// HandlerType classifies how a route is handled.
type HandlerType string

const (
	HandlerController HandlerType = "controller"
	HandlerInvokable  HandlerType = "invokable"
	HandlerClosure    HandlerType = "closure"
	HandlerUnknown    HandlerType = "unknown"
)

// Route is one HTTP endpoint after applying all inherited group contexts.
// FullURI is the composition of group prefixes with URI; Middleware is the
// inherited group chain extended by the route's own middleware, order and
// duplicates preserved.
type Route struct {
	ID          string
	Repo        RepoKey
	Method      HTTPMethod
	URI         string
	FullURI     string
	Name        string
	HandlerType HandlerType
	Controller  string
	Action      string
	Middleware  []string
	SourceFile  string
	StartLine   int
}

// =============================================================================
// MIGRATIONS
// =============================================================================

// MigrationOp is the dominant operation of a migration file.
type MigrationOp string

const (
	MigrationCreate MigrationOp = "create"
	MigrationAlter  MigrationOp = "alter"
	MigrationDrop   MigrationOp = "drop"
	MigrationRename MigrationOp = "rename"
)

// DestructiveOp is one destructive schema operation found in a migration.
type DestructiveOp struct {
	Op     string // e.g. "drop_table", "drop_column", "rename_table", "rename_column"
	Target string
	Line   int
}

// Migration is one migration file and its classification.
// IsDestructive holds exactly when DestructiveOperations is non-empty.
type Migration struct {
	ID                    string
	Repo                  RepoKey
	FilePath              string
	TableName             string
	Operation             MigrationOp
	IsDestructive         bool
	DestructiveOperations []DestructiveOp
}

// =============================================================================
// FINDINGS
// =============================================================================

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// FindingCategory names the detector that produced a finding.
type FindingCategory string

const (
	CategorySecretExposure        FindingCategory = "secret_exposure"
	CategoryMigrationDestructive  FindingCategory = "migration_destructive"
	CategoryAuthMiddlewareRemoved FindingCategory = "auth_middleware_removed"
	CategoryDependencyChanged     FindingCategory = "dependency_changed"
	CategoryEnvLeaked             FindingCategory = "env_leaked"
	CategoryPrivateKeyExposed     FindingCategory = "private_key_exposed"
)

// FindingConfidence marks how a finding was identified.
type FindingConfidence string

const (
	ConfidenceExactMatch FindingConfidence = "exact_match"
	ConfidenceStructural FindingConfidence = "structural"
	ConfidencePattern    FindingConfidence = "pattern"
)

// Evidence is the verifiable backing of a finding. Snippet and Match are
// redacted before they are set; nothing downstream may carry the raw text.
type Evidence struct {
	Snippet     string
	PatternName string
	Match       string
	Reason      string
	Confidence  FindingConfidence
}

// Finding is one detector hit, computed per request and never persisted.
type Finding struct {
	ID        string
	Severity  Severity
	Category  FindingCategory
	File      string
	StartLine int
	EndLine   int
	Evidence  Evidence

	// Optional LLM enrichment filled by the review orchestrator.
	Explanation  string
	SuggestedFix string
}

// Location renders the finding's position as file:line.
func (f Finding) Location() string {
	return fmt.Sprintf("%s:%d", f.File, f.StartLine)
}

// =============================================================================
// RETRIEVAL AND ANSWERS
// =============================================================================

// SourceType records which retrieval leg produced a source.
type SourceType string

const (
	SourceTrigram SourceType = "trigram"
	SourceVector  SourceType = "vector"
	SourceBoth    SourceType = "both"
)

// Source is one retrieved, hydrated passage. Index is the 1-based number
// cited by the model's structured output.
type Source struct {
	Index      int
	File       string
	StartLine  int
	EndLine    int
	Content    string
	SymbolName string
	Score      float64
	Type       SourceType
}

// ConfidenceTier is the discrete confidence label of an answer.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "high"
	TierMedium ConfidenceTier = "medium"
	TierLow    ConfidenceTier = "low"
	TierNone   ConfidenceTier = "none"
)

// AnswerSection is one validated section of an answer; SourceIndices are
// guaranteed to reference sources that were supplied to the model.
type AnswerSection struct {
	Text          string
	SourceIndices []int
}

// Answer is the validated, citation-bound result of a Q&A request.
type Answer struct {
	Sections         []AnswerSection
	Unknowns         []string
	ConfidenceTier   ConfidenceTier
	ValidationPassed bool
	ValidationErrors []string
	Sources          []Source
}

// =============================================================================
// ERRORS
// =============================================================================

// ParseError records a file the extractor could not fully parse. It is
// reported and skipped, never fatal to an indexing run.
type ParseError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parse error in %s at %d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// =============================================================================
// SNIPPETS
// =============================================================================

// SnippetKey addresses a cached snippet. Commit is part of the key so the
// cached content is stable.
type SnippetKey struct {
	Repo      RepoKey
	Commit    string
	Path      string
	StartLine int
	EndLine   int
}

// SnippetEntry is one cache entry; entries past ExpiresAt are never returned.
type SnippetEntry struct {
	Key       SnippetKey
	Text      string
	Truncated bool
	CachedAt  time.Time
	ExpiresAt time.Time
}
