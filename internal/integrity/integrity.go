// Package integrity provides tamper-evident hashing and Merkle root
// construction for persisted plugin manifests. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/guardianos/guardian/internal/model"
)

// Hash version prefix. A future encoding change gets a new prefix so old
// manifests stay verifiable.
const hashV1Prefix = "v1:"

// ComputeEntryHash produces a versioned SHA-256 hex digest over the durable
// fields of a manifest entry. LastHealth is excluded: it changes on every
// health sweep and carries no operator intent.
func ComputeEntryHash(e model.PluginManifestEntry) string {
	return hashV1Prefix + computeV1Hash(e)
}

// VerifyEntryHash reports whether e.ContentHash matches the recomputed hash.
// Entries without a hash fail verification.
func VerifyEntryHash(e model.PluginManifestEntry) bool {
	if !strings.HasPrefix(e.ContentHash, hashV1Prefix) {
		return false
	}
	return e.ContentHash == hashV1Prefix+computeV1Hash(e)
}

// computeV1Hash encodes each field as a 4-byte big-endian length prefix
// followed by the field bytes, so free-form text can never collide with a
// field boundary.
func computeV1Hash(e model.PluginManifestEntry) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // manifest fields are far below 4 GiB
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeList := func(items []string) {
		sorted := slices.Clone(items)
		slices.Sort(sorted)
		writeField(strconv.Itoa(len(sorted)))
		for _, s := range sorted {
			writeField(s)
		}
	}

	writeField(e.Name)
	writeField(e.Version)
	writeField(e.Description)
	writeField(e.Author)
	writeList(e.Dependencies)
	writeList(e.Capabilities)
	writeField(canonicalConfig(e.Config))
	writeField(string(e.Status))
	writeField(strconv.FormatBool(e.Hooks.Cleanup))
	writeField(strconv.FormatBool(e.Hooks.Health))
	writeField(strconv.FormatBool(e.Hooks.Loop))
	writeField(e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalConfig renders config as JSON. encoding/json sorts map keys, so the
// output is stable for equal maps.
func canonicalConfig(cfg map[string]any) string {
	if len(cfg) == 0 {
		return "{}"
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "!" + err.Error()
	}
	return string(b)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted by the caller for determinism.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := slices.Clone(leaves)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// ManifestRoot returns the Merkle root over the content hashes of entries,
// ordered by plugin name.
func ManifestRoot(entries []model.PluginManifestEntry) string {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b model.PluginManifestEntry) int { return strings.Compare(a.Name, b.Name) })
	leaves := make([]string, 0, len(sorted))
	for _, e := range sorted {
		leaves = append(leaves, e.ContentHash)
	}
	return BuildMerkleRoot(leaves)
}
