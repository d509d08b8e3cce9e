package global

// ApplyUmask sets the process umask so that every file and directory
// this program creates ends up with the permissions its own Chmod/
// WriteFile calls declare, regardless of the umask inherited from
// whatever launched it. A storage daemon that hands out tightly
// specified file modes (0o444/0o555 entries in pkg/filestore,
// 0o644/0o755 in pkg/executionapi) should not have them silently narrowed by an
// inherited umask of e.g. 0o077.
func ApplyUmask(umask uint32) error {
	return setUmask(umask)
}
