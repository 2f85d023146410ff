package phpast

import (
	"regexp"
	"strings"

	"reposcope/internal/types"
)

// Migration classification is pattern-driven: the schema-builder calls that
// matter have rigid textual shapes, and line numbers must survive for
// evidence. When a file mixes operations the most severe one wins
// (drop > rename > alter > create).

var (
	schemaCreateRe = regexp.MustCompile(`Schema::create\(\s*['"]([^'"]+)['"]`)
	schemaTableRe  = regexp.MustCompile(`Schema::table\(\s*['"]([^'"]+)['"]`)
	schemaDropRe   = regexp.MustCompile(`Schema::drop(?:IfExists)?\(\s*['"]([^'"]+)['"]`)
	schemaRenameRe = regexp.MustCompile(`Schema::rename\(\s*['"]([^'"]+)['"]\s*,\s*['"]([^'"]+)['"]`)
	dropColumnRe   = regexp.MustCompile(`->dropColumn\(\s*(['"][^'"]+['"](?:\s*,\s*['"][^'"]+['"])*|\[[^\]]*\])`)
	renameColumnRe = regexp.MustCompile(`->renameColumn\(\s*['"]([^'"]+)['"]\s*,\s*['"]([^'"]+)['"]`)
	quotedStringRe = regexp.MustCompile(`['"]([^'"]+)['"]`)
)

// extractMigration classifies one migration file.
func extractMigration(repo types.RepoKey, path string, content []byte) *types.Migration {
	m := &types.Migration{
		Repo:     repo,
		FilePath: path,
	}

	var hasCreate, hasAlter, hasDrop, hasRename bool

	for i, line := range strings.Split(string(content), "\n") {
		lineNo := i + 1

		if match := schemaCreateRe.FindStringSubmatch(line); match != nil {
			hasCreate = true
			if m.TableName == "" {
				m.TableName = match[1]
			}
		}
		if match := schemaTableRe.FindStringSubmatch(line); match != nil {
			hasAlter = true
			if m.TableName == "" {
				m.TableName = match[1]
			}
		}
		if match := schemaDropRe.FindStringSubmatch(line); match != nil {
			hasDrop = true
			if m.TableName == "" {
				m.TableName = match[1]
			}
			m.DestructiveOperations = append(m.DestructiveOperations, types.DestructiveOp{
				Op:     "drop_table",
				Target: match[1],
				Line:   lineNo,
			})
		}
		if match := schemaRenameRe.FindStringSubmatch(line); match != nil {
			hasRename = true
			if m.TableName == "" {
				m.TableName = match[1]
			}
			m.DestructiveOperations = append(m.DestructiveOperations, types.DestructiveOp{
				Op:     "rename_table",
				Target: match[1] + " -> " + match[2],
				Line:   lineNo,
			})
		}
		if match := dropColumnRe.FindStringSubmatch(line); match != nil {
			hasDrop = true
			for _, col := range quotedStringRe.FindAllStringSubmatch(match[1], -1) {
				m.DestructiveOperations = append(m.DestructiveOperations, types.DestructiveOp{
					Op:     "drop_column",
					Target: col[1],
					Line:   lineNo,
				})
			}
		}
		if match := renameColumnRe.FindStringSubmatch(line); match != nil {
			hasRename = true
			m.DestructiveOperations = append(m.DestructiveOperations, types.DestructiveOp{
				Op:     "rename_column",
				Target: match[1] + " -> " + match[2],
				Line:   lineNo,
			})
		}
	}

	switch {
	case hasDrop:
		m.Operation = types.MigrationDrop
	case hasRename:
		m.Operation = types.MigrationRename
	case hasAlter:
		m.Operation = types.MigrationAlter
	case hasCreate:
		m.Operation = types.MigrationCreate
	default:
		m.Operation = types.MigrationAlter
	}

	m.IsDestructive = len(m.DestructiveOperations) > 0
	m.ID = symbolID(path, "migration", string(m.Operation)+" "+m.TableName, 1)

	return m
}
