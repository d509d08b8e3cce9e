package casmodel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/justcached/justcached/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TreeEntry is one child of a directory tree, in protocol-agnostic
// form. It is the shared currency LocalCAS.StoreTree and
// ReadTreeDirect/ReadTreeRecursive operate on; NativeTree and
// CompatibleTree translate to and from their wire encodings.
type TreeEntry struct {
	Name   string
	Type   digest.ObjectType
	Digest digest.Digest // meaningful for File/Executable/Tree
	Target string        // meaningful for Symlink only
}

// Tree is the ordered set of entries making up one directory level.
type Tree struct {
	Entries []TreeEntry
}

func sortedEntries(entries []TreeEntry) []TreeEntry {
	sorted := append([]TreeEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return gitSortKey(sorted[i]) < gitSortKey(sorted[j])
	})
	return sorted
}

// gitSortKey implements Git's tree entry ordering: subtrees sort as if
// their name had a trailing slash, so that "foo" (a file) sorts before
// "foo" (a directory containing further entries named "foo.c" etc).
func gitSortKey(e TreeEntry) string {
	if e.Type == digest.Tree {
		return e.Name + "/"
	}
	return e.Name
}

func modeString(t digest.ObjectType) string {
	switch t {
	case digest.Executable:
		return "100755"
	case digest.Tree:
		return "40000"
	case digest.Symlink:
		return "120000"
	default:
		return "100644"
	}
}

func modeToType(mode string) (digest.ObjectType, error) {
	switch mode {
	case "100644", "644":
		return digest.File, nil
	case "100755", "755":
		return digest.Executable, nil
	case "40000", "040000":
		return digest.Tree, nil
	case "120000":
		return digest.Symlink, nil
	default:
		return digest.File, status.Errorf(codes.InvalidArgument, "Unsupported tree entry mode %q", mode)
	}
}

// EncodeNative renders the tree using the Git tree object encoding:
// a sequence of "<mode> <name>\0<20-byte-hash>" records, sorted by
// Git's name-comparison rule. Symlink entries embed the hash of a
// plain-text blob (stored separately in the file lane) holding the
// link target, exactly as Git stores symlinks.
func (t Tree) EncodeNative() ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range sortedEntries(t.Entries) {
		if strings.ContainsAny(e.Name, "/\x00") {
			return nil, status.Errorf(codes.InvalidArgument, "Tree entry name %q is not a valid path component", e.Name)
		}
		fmt.Fprintf(&buf, "%s %s\x00", modeString(e.Type), e.Name)
		buf.Write(e.Digest.GetHashBytes())
	}
	return buf.Bytes(), nil
}

// DecodeNative parses bytes produced by EncodeNative. protocol is the
// protocol under which child digests should be reconstructed (always
// equal to the tree's own protocol).
func DecodeNative(protocol digest.Protocol, data []byte) (Tree, error) {
	var entries []TreeEntry
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			return Tree{}, status.Error(codes.InvalidArgument, "Malformed tree entry: missing mode separator")
		}
		mode := string(data[:sp])
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul < 0 {
			return Tree{}, status.Error(codes.InvalidArgument, "Malformed tree entry: missing name terminator")
		}
		name := string(data[:nul])
		data = data[nul+1:]

		objType, err := modeToType(mode)
		if err != nil {
			return Tree{}, err
		}

		hashLen := 20
		if protocol == digest.Compatible {
			hashLen = 32
		}
		if len(data) < hashLen {
			return Tree{}, status.Error(codes.InvalidArgument, "Malformed tree entry: truncated hash")
		}
		hash := fmt.Sprintf("%x", data[:hashLen])
		data = data[hashLen:]

		digestKind := digest.File
		if objType == digest.Tree {
			digestKind = digest.Tree
		}
		// Native (Git-style) tree entries do not carry the child's
		// size inline, so the decoded digest carries size 0. LocalCAS
		// looks children up by hash only and does not fill the size
		// in.
		d, err := digest.New(protocol, digestKind, hash, 0)
		if err != nil {
			return Tree{}, err
		}
		entries = append(entries, TreeEntry{Name: name, Type: objType, Digest: d})
	}
	return Tree{Entries: entries}, nil
}

// compatibleTreeEntry is the JSON-visible shape of one entry in a
// Compatible-protocol directory descriptor.
type compatibleTreeEntry struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Hash      string `json:"hash,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	Target    string `json:"target,omitempty"`
}

type compatibleTreeDoc struct {
	Entries []compatibleTreeEntry `json:"entries"`
}

// EncodeCompatible renders the tree as the flat JSON directory message
// used by the Compatible protocol (spec.md §3).
func (t Tree) EncodeCompatible() ([]byte, error) {
	doc := compatibleTreeDoc{}
	for _, e := range sortedEntries(t.Entries) {
		ce := compatibleTreeEntry{Name: e.Name, Type: string(e.Type.Char())}
		if e.Type == digest.Symlink {
			ce.Target = e.Target
		} else {
			ce.Hash = e.Digest.GetHashString()
			ce.SizeBytes = e.Digest.GetSizeBytes()
		}
		doc.Entries = append(doc.Entries, ce)
	}
	return json.Marshal(doc)
}

// DecodeCompatible parses bytes produced by EncodeCompatible.
func DecodeCompatible(data []byte) (Tree, error) {
	var doc compatibleTreeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Tree{}, status.Error(codes.InvalidArgument, "Malformed compatible tree document: "+err.Error())
	}
	var entries []TreeEntry
	for _, ce := range doc.Entries {
		objType := digest.ObjectTypeFromChar(ce.Type[0])
		entry := TreeEntry{Name: ce.Name, Type: objType}
		if objType == digest.Symlink {
			entry.Target = ce.Target
		} else {
			digestKind := digest.File
			if objType == digest.Tree {
				digestKind = digest.Tree
			}
			d, err := digest.New(Compatible(), digestKind, ce.Hash, ce.SizeBytes)
			if err != nil {
				return Tree{}, err
			}
			entry.Digest = d
		}
		entries = append(entries, entry)
	}
	return Tree{Entries: entries}, nil
}

// Compatible is a tiny accessor so DecodeCompatible does not need to
// import digest.Compatible directly as a value (it is a const, this
// just keeps the call site above readable as a function call).
func Compatible() digest.Protocol { return digest.Compatible }

// IsNonUpward reports whether a symlink target is a relative path that
// never escapes the tree root: no leading "..", and no ".." component
// anywhere after normalization (spec.md §4.3).
func IsNonUpward(target string) bool {
	if target == "" || strings.HasPrefix(target, "/") {
		return false
	}
	depth := 0
	for _, component := range strings.Split(target, "/") {
		switch component {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return false
			}
		default:
			depth++
		}
	}
	return true
}
