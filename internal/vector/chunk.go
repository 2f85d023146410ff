package vector

import (
	"github.com/google/uuid"

	"reposcope/internal/types"
)

// ChunkerConfig controls how symbols become embeddable chunks.
type ChunkerConfig struct {
	// Threshold is the minimum symbol span, in lines, that gets a chunk.
	Threshold int
	// WindowLines / OverlapLines split very large symbols into sliding
	// windows.
	WindowLines  int
	OverlapLines int
}

// DefaultChunkerConfig returns the standard chunking parameters.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		Threshold:    12,
		WindowLines:  40,
		OverlapLines: 10,
	}
}

// ChunkSymbols turns symbols into chunks. Symbols spanning fewer lines than
// the threshold are skipped; symbols wider than a window are split into
// overlapping line windows so each chunk key stays unique.
func ChunkSymbols(symbols []types.Symbol, cfg ChunkerConfig) []Chunk {
	if cfg.Threshold <= 0 {
		cfg = DefaultChunkerConfig()
	}

	var chunks []Chunk
	seen := make(map[Key]bool)

	for _, sym := range symbols {
		span := sym.EndLine - sym.StartLine + 1
		if span < cfg.Threshold {
			continue
		}

		text := sym.SearchText()
		if span <= cfg.WindowLines {
			key := Key{Repo: sym.Repo, File: sym.File, StartLine: sym.StartLine, EndLine: sym.EndLine}
			if seen[key] {
				continue
			}
			seen[key] = true
			chunks = append(chunks, Chunk{
				Key:           key,
				Kind:          sym.Kind,
				QualifiedName: sym.QualifiedName,
				Text:          text,
			})
			continue
		}

		step := cfg.WindowLines - cfg.OverlapLines
		if step <= 0 {
			step = cfg.WindowLines
		}
		for start := sym.StartLine; start <= sym.EndLine; start += step {
			end := start + cfg.WindowLines - 1
			if end > sym.EndLine {
				end = sym.EndLine
			}
			key := Key{Repo: sym.Repo, File: sym.File, StartLine: start, EndLine: end}
			if seen[key] {
				continue
			}
			seen[key] = true
			chunks = append(chunks, Chunk{
				Key:           key,
				Kind:          sym.Kind,
				QualifiedName: sym.QualifiedName,
				Text:          text,
			})
			if end == sym.EndLine {
				break
			}
		}
	}

	return chunks
}

// pointID derives a deterministic UUID for a chunk key, so re-indexing the
// same commit overwrites rather than duplicates points.
func pointID(key Key) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key.String())).String()
}
