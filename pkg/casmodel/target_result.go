package casmodel

import (
	"encoding/json"

	"github.com/justcached/justcached/pkg/digest"
)

// TargetCacheKey identifies one TargetCache entry (spec.md §3,
// "TargetCache Key"): the repository a target lives in, its
// (module, name) pair, and the canonical string form of the effective
// configuration it was built under.
type TargetCacheKey struct {
	RepositoryContentID string `json:"repositoryContentId"`
	Module              string `json:"module"`
	Name                string `json:"name"`
	EffectiveConfig     string `json:"effectiveConfig"`
}

// MarshalCanonical serializes the key document; its digest (under the
// ambient protocol) becomes the TargetCache entry identity.
func (k *TargetCacheKey) MarshalCanonical() ([]byte, error) {
	return json.Marshal(k)
}

// ArtifactReference names one artifact produced by a target build,
// referenced by a concrete digest. Per spec.md §4.5's decoding
// invariant, every artifact in a stored TargetResult must already have
// been replaced by its result digest; there is deliberately no
// "pending action" representation here.
type ArtifactReference struct {
	Hash      string            `json:"hash"`
	SizeBytes int64             `json:"sizeBytes"`
	Type      digest.ObjectType `json:"type"`
}

// Known reports whether this reference carries a concrete digest, as
// required by spec.md §4.5's decoding invariant.
func (a ArtifactReference) Known() bool {
	return a.Hash != ""
}

// TargetResult is the JSON payload referenced by a TargetCache entry's
// indirection file.
type TargetResult struct {
	Artifacts map[string]ArtifactReference `json:"artifacts"`
	Provides  json.RawMessage              `json:"provides,omitempty"`
}

// MarshalCanonical serializes the TargetResult.
func (r *TargetResult) MarshalCanonical() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalTargetResult parses a TargetResult and validates the
// decoding invariant: every referenced artifact must be Known. Entries
// that fail this check are reported as corrupt so the caller can treat
// them as absent (spec.md §4.5).
func UnmarshalTargetResult(data []byte) (*TargetResult, error) {
	var r TargetResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	for name, a := range r.Artifacts {
		if !a.Known() {
			return nil, errCorruptArtifact{name: name}
		}
	}
	return &r, nil
}

type errCorruptArtifact struct {
	name string
}

func (e errCorruptArtifact) Error() string {
	return "target result references an unknown (actionless) artifact: " + e.name
}

// ArtifactDigests returns the digests of every artifact named by this
// TargetResult, for use by TargetCache.Store's pre-store remote pull.
func (r *TargetResult) ArtifactDigests(protocol digest.Protocol) ([]digest.ObjectInfo, error) {
	var infos []digest.ObjectInfo
	for _, a := range r.Artifacts {
		kind := a.Type
		digestKind := digest.File
		if kind == digest.Tree {
			digestKind = digest.Tree
		}
		d, err := digest.New(protocol, digestKind, a.Hash, a.SizeBytes)
		if err != nil {
			return nil, err
		}
		infos = append(infos, digest.ObjectInfo{Digest: d, Type: kind})
	}
	return infos, nil
}
