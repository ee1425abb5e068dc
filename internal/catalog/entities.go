// Package catalog is the relational source of truth for the namespace:
// storage nodes, the directory tree, files, and users. All writes to the
// directory and file tables go through the namespace orchestrator; node rows
// are written by the registry and user rows by the admin CLI.
package catalog

import (
	"database/sql"

	"github.com/google/uuid"
)

// RootDirectoryID is the fixed id of the namespace root. The root row is
// inserted idempotently by Init and is never deletable.
const RootDirectoryID int64 = 0

// Node identifies a machine capable of hosting file bytes. Rows are
// append-only: a node removed from configuration stays in the table so files
// stored on it remain resolvable.
type Node struct {
	ID   int64
	Name string
}

// Directory is one level of the namespace tree. Exactly one directory (the
// root) has a NULL parent.
type Directory struct {
	ID       int64
	Name     string
	ParentID sql.NullInt64
}

// File maps a name within a directory to the storage node holding its bytes.
// Name is an uninterpreted byte string: clients may use any filename
// encoding, and comparisons are byte-wise. UUID and StoredOnNodeID never
// change after creation; rename and move only touch Name and DirectoryID.
type File struct {
	UUID           uuid.UUID
	Name           []byte
	DirectoryID    int64
	StoredOnNodeID int64
}

// User authenticates SFTP sessions. HomeDirectory is the session root for
// path resolution.
type User struct {
	Username      string
	SSHPubkey     string
	HomeDirectory int64
}
