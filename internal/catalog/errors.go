package catalog

import "errors"

// Error taxonomy shared by the catalog and the layers above it. The
// gateways map these onto protocol-native codes; nothing here is fatal to
// the process.
var (
	// ErrNotFound: a path component, file UUID, user, or node id does not
	// resolve.
	ErrNotFound = errors.New("not found")

	// ErrNameConflict: a unique-name constraint was violated, either
	// detected up front or at commit time when two operations race.
	ErrNameConflict = errors.New("name already exists")

	// ErrNotEmpty: directory deletion was refused because the directory
	// still has children.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrRootDirectory: the operation would delete or orphan the root.
	ErrRootDirectory = errors.New("operation not permitted on root directory")
)
