package digest

// ObjectType identifies the role an object plays in a directory tree.
// File and Executable share identical content and identical hashes;
// they are distinguished only by the POSIX execute bit, which is
// carried by the CAS lane (directory) an object is stored under, not
// by the digest itself.
type ObjectType int

const (
	// File is a regular, non-executable blob.
	File ObjectType = iota
	// Executable is a regular blob with the execute bit set. Its
	// digest is identical to the File digest of the same content.
	Executable
	// Tree is a serialized directory descriptor: a Git tree object
	// under the Native protocol, or a flat directory message under
	// the Compatible protocol.
	Tree
	// Symlink is a symbolic link; its "content" for hashing purposes
	// is never stored as a standalone CAS entry, only referenced
	// inline from a Tree.
	Symlink
)

// Char returns the single-character tag used in the canonical
// ObjectInfo string representation ("[<hash>:<size>:<char>]").
func (t ObjectType) Char() byte {
	switch t {
	case File:
		return 'f'
	case Executable:
		return 'x'
	case Tree:
		return 't'
	case Symlink:
		return 'l'
	default:
		return 'f'
	}
}

// ObjectTypeFromChar is the inverse of Char. Unknown characters
// default to File, matching the liberal parser mandated for the
// human-facing boundary.
func ObjectTypeFromChar(c byte) ObjectType {
	switch c {
	case 'x':
		return Executable
	case 't':
		return Tree
	case 'l':
		return Symlink
	default:
		return File
	}
}

// IsBlobLike reports whether the object is stored as a plain file in
// one of the file/executable CAS lanes (as opposed to a tree or an
// inline symlink target).
func (t ObjectType) IsBlobLike() bool {
	return t == File || t == Executable
}
