package model

import (
	"slices"
	"time"
)

// MemoryArtifact is one confidence-scored fact held by the Codex.
type MemoryArtifact struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Tags         []string  `json:"tags"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	// RelatedIDs are back-references only. The Codex never follows them for
	// ownership or cascading eviction.
	RelatedIDs []string `json:"related_ids,omitempty"`
	// Source names the writer (agent or plugin) when known.
	Source string `json:"source,omitempty"`
}

// Clone returns a deep copy of a.
func (a MemoryArtifact) Clone() MemoryArtifact {
	out := a
	out.Tags = slices.Clone(a.Tags)
	out.RelatedIDs = slices.Clone(a.RelatedIDs)
	return out
}

// HasTag reports whether the artifact carries tag.
func (a MemoryArtifact) HasTag(tag string) bool {
	return slices.Contains(a.Tags, tag)
}
