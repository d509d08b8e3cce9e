// Package casmodel defines the small set of value types exchanged
// between the ActionCache, TargetCache and their CAS-backed payloads.
//
// These mirror fields of the Remote Execution API's ActionResult
// message closely enough to stay familiar to anyone who has used
// REv2, but are expressed as plain structs with canonical JSON
// serialization rather than generated protobuf types, since this
// repository does not run a protobuf code generator (see DESIGN.md).
package casmodel

import (
	"encoding/json"

	"github.com/justcached/justcached/pkg/digest"
)

// OutputFile describes one regular or executable file produced by an
// action.
type OutputFile struct {
	Path       string `json:"path"`
	Hash       string `json:"hash"`
	SizeBytes  int64  `json:"sizeBytes"`
	Executable bool   `json:"executable"`
}

// OutputDirectory describes one directory produced by an action,
// referenced by the digest of its Tree object.
type OutputDirectory struct {
	Path      string `json:"path"`
	TreeHash  string `json:"treeHash"`
	SizeBytes int64  `json:"sizeBytes"`
}

// OutputSymlink describes one symbolic link produced by an action. Its
// target is stored inline, never as a CAS entry.
type OutputSymlink struct {
	Path   string `json:"path"`
	Target string `json:"target"`
}

// ActionResult is the payload stored as a CAS blob and indirectly
// referenced by an ActionCache entry (spec.md §3, "AC entry").
type ActionResult struct {
	ExitCode          int32             `json:"exitCode"`
	OutputFiles       []OutputFile      `json:"outputFiles,omitempty"`
	OutputDirectories []OutputDirectory `json:"outputDirectories,omitempty"`
	OutputSymlinks    []OutputSymlink   `json:"outputSymlinks,omitempty"`
}

// MarshalCanonical serializes the ActionResult in a stable, field-order
// form. Fields and slices keep their declaration order, and
// encoding/json never inserts optional whitespace, which is all
// spec.md §6 requires for "a canonical serialization of a digest value".
func (r *ActionResult) MarshalCanonical() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalActionResult parses bytes previously produced by
// MarshalCanonical. A parse failure maps to Corrupt at the caller
// (pkg/ac).
func UnmarshalActionResult(data []byte) (*ActionResult, error) {
	var r ActionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Artifacts returns every digest referenced by this ActionResult,
// tagged with the ObjectType needed to resolve it in the CAS.
func (r *ActionResult) Artifacts(protocol digest.Protocol) ([]digest.ObjectInfo, error) {
	var infos []digest.ObjectInfo
	for _, f := range r.OutputFiles {
		kind := digest.File
		if f.Executable {
			kind = digest.Executable
		}
		d, err := digest.New(protocol, digest.File, f.Hash, f.SizeBytes)
		if err != nil {
			return nil, err
		}
		infos = append(infos, digest.ObjectInfo{Digest: d, Type: kind})
	}
	for _, dir := range r.OutputDirectories {
		d, err := digest.New(protocol, digest.Tree, dir.TreeHash, dir.SizeBytes)
		if err != nil {
			return nil, err
		}
		infos = append(infos, digest.ObjectInfo{Digest: d, Type: digest.Tree})
	}
	return infos, nil
}
