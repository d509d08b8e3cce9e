package digest

import (
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ObjectInfo is the in-memory handle used throughout the storage core
// to refer to an object together with the role it plays (File,
// Executable, Tree or Symlink).
//
// Failed is an in-process-only annotation set by executionapi action
// adapters to remember that an artifact corresponds to a failed
// action. It MUST NOT be persisted, MUST NOT participate in hashing,
// and MUST NOT affect equality with a persisted representation; it is
// therefore deliberately excluded from Digest and from the canonical
// string form below.
type ObjectInfo struct {
	Digest Digest
	Type   ObjectType
	Failed bool
}

// NewObjectInfo constructs an ObjectInfo for a non-failed object.
func NewObjectInfo(d Digest, t ObjectType) ObjectInfo {
	return ObjectInfo{Digest: d, Type: t}
}

// String renders the canonical ObjectInfo form mandated by spec.md §6:
// "[<hex-hash>:<size>:<type-char>]".
func (i ObjectInfo) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	sb.WriteString(i.Digest.GetHashString())
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatInt(i.Digest.GetSizeBytes(), 10))
	sb.WriteByte(':')
	sb.WriteByte(i.Type.Char())
	sb.WriteByte(']')
	return sb.String()
}

// ParseObjectInfo parses the strict canonical form produced by String.
func ParseObjectInfo(protocol Protocol, s string) (ObjectInfo, error) {
	return parseObjectInfo(protocol, s, false)
}

// ParseObjectInfoLiberal parses an ObjectInfo string the way the
// human-facing boundary (e.g. a CLI flag, or a TC entry decoded for
// display) must: brackets are optional, the size field may be omitted
// (defaulting to zero, to be filled in by the caller once the object is
// looked up), and an unrecognized or missing type suffix defaults to
// File, per spec.md §6.
func ParseObjectInfoLiberal(protocol Protocol, s string) (ObjectInfo, error) {
	return parseObjectInfo(protocol, s, true)
}

func parseObjectInfo(protocol Protocol, s string, liberal bool) (ObjectInfo, error) {
	trimmed := s
	if liberal {
		trimmed = strings.TrimPrefix(trimmed, "[")
		trimmed = strings.TrimSuffix(trimmed, "]")
	} else {
		if len(trimmed) < 2 || trimmed[0] != '[' || trimmed[len(trimmed)-1] != ']' {
			return ObjectInfo{}, status.Error(codes.InvalidArgument, "ObjectInfo string must be enclosed in brackets")
		}
		trimmed = trimmed[1 : len(trimmed)-1]
	}

	fields := strings.Split(trimmed, ":")
	if len(fields) < 1 || fields[0] == "" {
		return ObjectInfo{}, status.Error(codes.InvalidArgument, "ObjectInfo string is missing a hash")
	}
	hash := fields[0]

	var sizeBytes int64
	if len(fields) >= 2 && fields[1] != "" {
		var err error
		sizeBytes, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			if !liberal {
				return ObjectInfo{}, status.Errorf(codes.InvalidArgument, "Invalid size field in ObjectInfo string: %s", fields[1])
			}
			sizeBytes = 0
		}
	} else if !liberal {
		return ObjectInfo{}, status.Error(codes.InvalidArgument, "ObjectInfo string is missing a size")
	}

	objectType := File
	if len(fields) >= 3 && fields[2] != "" {
		if !liberal && len(fields[2]) != 1 {
			return ObjectInfo{}, status.Errorf(codes.InvalidArgument, "Invalid type field in ObjectInfo string: %s", fields[2])
		}
		objectType = ObjectTypeFromChar(fields[2][0])
	} else if !liberal {
		return ObjectInfo{}, status.Error(codes.InvalidArgument, "ObjectInfo string is missing a type")
	}

	kind := objectType
	if kind == Executable || kind == Symlink {
		kind = File
	}
	d, err := New(protocol, kind, hash, sizeBytes)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Digest: d, Type: objectType}, nil
}
