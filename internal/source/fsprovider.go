package source

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"reposcope/internal/types"
)

// FSProvider serves repository content from commit-addressed checkout
// directories on the local filesystem. The layout is
// <root>/<owner>/<name>/<commit>/... — the shape the indexing scheduler
// materializes before enqueueing a run. It is also the provider used by the
// CLI and by tests.
type FSProvider struct {
	root string
}

// NewFSProvider creates a provider rooted at the given directory.
func NewFSProvider(root string) *FSProvider {
	return &FSProvider{root: root}
}

func (p *FSProvider) checkoutDir(repo types.RepoKey, commit string) string {
	return filepath.Join(p.root, repo.Owner, repo.Name, commit)
}

// ListFiles enumerates the tree at a commit.
func (p *FSProvider) ListFiles(ctx context.Context, repo types.RepoKey, commit string) ([]FileInfo, error) {
	dir := p.checkoutDir(repo, commit)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, NewProviderError(KindNotFound, "list_files", dir, "checkout not found")
		}
		return nil, NewProviderError(KindUnauthorized, "list_files", dir, err.Error())
	}

	var infos []FileInfo
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		infos = append(infos, FileInfo{
			Path:    filepath.ToSlash(rel),
			BlobSHA: blobSHA(data),
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("walk checkout: %w", err)
	}
	return infos, nil
}

// GetFile returns the raw bytes of one file at a commit.
func (p *FSProvider) GetFile(ctx context.Context, repo types.RepoKey, commit, path string) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	full := filepath.Join(p.checkoutDir(repo, commit), filepath.FromSlash(path))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewProviderError(KindNotFound, "get_file", path, "file not found at commit "+commit)
		}
		return nil, NewProviderError(KindUnauthorized, "get_file", path, err.Error())
	}
	return data, nil
}

// GetDiff reads a stored diff manifest for a pull request. The manifest
// lives at <root>/<owner>/<name>/pulls/<pr>/diff and lists, per file, a
// status line followed by the patch body, files separated by a NUL-free
// "=== " sentinel. Hosted providers replace this with their diff API.
func (p *FSProvider) GetDiff(ctx context.Context, repo types.RepoKey, prID string) (*Diff, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	dir := filepath.Join(p.root, repo.Owner, repo.Name, "pulls", prID)
	data, err := os.ReadFile(filepath.Join(dir, "diff"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewProviderError(KindNotFound, "get_diff", prID, "pull request diff not found")
		}
		return nil, NewProviderError(KindUnauthorized, "get_diff", prID, err.Error())
	}

	diff := &Diff{}
	if meta, err := os.ReadFile(filepath.Join(dir, "commits")); err == nil {
		fields := strings.Fields(string(meta))
		if len(fields) >= 2 {
			diff.BaseCommit = fields[0]
			diff.HeadCommit = fields[1]
		}
	}

	for _, block := range strings.Split(string(data), "\n=== ") {
		block = strings.TrimPrefix(block, "=== ")
		if strings.TrimSpace(block) == "" {
			continue
		}
		header, patch, _ := strings.Cut(block, "\n")
		fields := strings.Fields(header)
		if len(fields) < 2 {
			continue
		}
		df := DiffFile{
			Status: DiffFileStatus(fields[0]),
			Path:   fields[1],
			Patch:  patch,
		}
		if df.Status == StatusRenamed && len(fields) >= 3 {
			df.PreviousPath = fields[1]
			df.Path = fields[2]
		}
		diff.Files = append(diff.Files, df)
	}

	return diff, nil
}

// blobSHA computes the git blob sha1 of content.
func blobSHA(data []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
