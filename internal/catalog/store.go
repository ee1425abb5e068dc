package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"bnuystore/internal/catalog/migrations"
)

// Store provides transactional operations over the catalog tables. Every
// mutating operation that touches more than one row runs inside a single
// transaction, so a crash or concurrent conflict leaves no partially
// applied state. Unique-name violations surface as ErrNameConflict at
// commit time.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// txRetries bounds transparent retries of lock/deadlock conflicts before
// the error surfaces to the caller.
const txRetries = 3

// NewStore wraps an already-opened connection pool. Use the factory
// functions in factory.go in normal operation.
func NewStore(db *sql.DB, dialectName string) (*Store, error) {
	var d dialect
	switch dialectName {
	case "sqlite":
		d = sqliteDialect{}
	case "mysql":
		d = mysqlDialect{}
	default:
		return nil, fmt.Errorf("unknown catalog dialect: %q", dialectName)
	}
	return &Store{db: db, dialect: d}, nil
}

// DB exposes the underlying pool for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// MigrateUp brings the schema to the latest version.
func (s *Store) MigrateUp() error {
	return migrations.MigrateUp(s.db, s.dialect.name())
}

// CheckMigrations verifies the schema is up-to-date without changing it.
func (s *Store) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db, s.dialect.name())
}

// Init bootstraps the root directory and its marker row. It is idempotent:
// both rows are inserted only if absent. Runs on a dedicated connection so
// the dialect's session statements (NO_AUTO_VALUE_ON_ZERO for MySQL) apply
// to the insert of the fixed root id.
func (s *Store) Init(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	for _, stmt := range s.dialect.initStatements() {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("preparing session: %w", err)
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT count(*) FROM directories WHERE id = ?", RootDirectoryID,
	).Scan(&count); err != nil {
		return fmt.Errorf("checking for root directory: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO directories (id, name, parent_id) VALUES (?, '', NULL)",
			RootDirectoryID,
		); err != nil {
			return fmt.Errorf("inserting root directory: %w", err)
		}
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT count(*) FROM root_directory",
	).Scan(&count); err != nil {
		return fmt.Errorf("checking for root marker: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO root_directory (directory_id) VALUES (?)", RootDirectoryID,
		); err != nil {
			return fmt.Errorf("inserting root marker: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing root bootstrap: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction, retrying bounded times on lock and
// deadlock errors. Domain errors (ErrNameConflict etc.) are never retried.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if s.dialect.isRetryable(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if s.dialect.isRetryable(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("transaction conflict persisted after %d attempts: %w", txRetries, lastErr)
}

// classify maps driver constraint errors onto the domain taxonomy.
func (s *Store) classify(err error) error {
	switch {
	case s.dialect.isUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrNameConflict, err)
	case s.dialect.isForeignKeyViolation(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return err
	}
}

// Node operations

// EnsureNode registers a node name if it is not already present and returns
// its row. Existing rows are never updated: registration is append-only.
func (s *Store) EnsureNode(ctx context.Context, name string) (Node, error) {
	var node Node
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"SELECT id, name FROM nodes WHERE name = ?", name,
		).Scan(&node.ID, &node.Name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("looking up node: %w", err)
		}

		res, err := tx.ExecContext(ctx, "INSERT INTO nodes (name) VALUES (?)", name)
		if err != nil {
			return fmt.Errorf("inserting node: %w", s.classify(err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading node id: %w", err)
		}
		node = Node{ID: id, Name: name}
		return nil
	})
	return node, err
}

// Nodes returns all registered nodes ordered by id.
func (s *Store) Nodes(ctx context.Context) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM nodes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Name); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Directory operations

// RootDirectory returns the id recorded in the single-row root marker.
func (s *Store) RootDirectory(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT directory_id FROM root_directory").Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("root_directory table is empty: %w", ErrNotFound)
		}
		return 0, fmt.Errorf("reading root marker: %w", err)
	}
	return id, nil
}

// DirectoryByID loads one directory row.
func (s *Store) DirectoryByID(ctx context.Context, id int64) (*Directory, error) {
	var d Directory
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, parent_id FROM directories WHERE id = ?", id,
	).Scan(&d.ID, &d.Name, &d.ParentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("directory %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("loading directory: %w", err)
	}
	return &d, nil
}

// ChildDirectory resolves one path segment under a parent.
func (s *Store) ChildDirectory(ctx context.Context, parentID int64, name string) (*Directory, error) {
	var d Directory
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, parent_id FROM directories WHERE parent_id = ? AND name = ?",
		parentID, name,
	).Scan(&d.ID, &d.Name, &d.ParentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("directory %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("resolving directory: %w", err)
	}
	return &d, nil
}

// CreateDirectory inserts a directory under parentID and returns its id.
// Fails ErrNameConflict when a sibling with that name exists and
// ErrNotFound when the parent does not.
func (s *Store) CreateDirectory(ctx context.Context, parentID int64, name string) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM directories WHERE id = ?", parentID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking parent directory: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("parent directory %d: %w", parentID, ErrNotFound)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO directories (name, parent_id) VALUES (?, ?)", name, parentID,
		)
		if err != nil {
			return fmt.Errorf("inserting directory: %w", s.classify(err))
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading directory id: %w", err)
		}
		return nil
	})
	return id, err
}

// DeleteDirectory removes an empty directory. Fails ErrRootDirectory for
// the root, ErrNotEmpty when children or files remain, ErrNotFound when
// the id does not resolve. The emptiness check and the delete share one
// transaction so a concurrent upload cannot slip a file into a directory
// that is being removed.
func (s *Store) DeleteDirectory(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var rootID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT directory_id FROM root_directory",
		).Scan(&rootID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading root marker: %w", err)
		}
		if id == rootID {
			return ErrRootDirectory
		}

		var children int
		if err := tx.QueryRowContext(ctx,
			`SELECT (SELECT count(*) FROM directories WHERE parent_id = ?)
			      + (SELECT count(*) FROM files WHERE directory_id = ?)`,
			id, id,
		).Scan(&children); err != nil {
			return fmt.Errorf("counting directory contents: %w", err)
		}
		if children > 0 {
			return fmt.Errorf("directory %d has %d entries: %w", id, children, ErrNotEmpty)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM directories WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting directory: %w", s.classify(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking delete result: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("directory %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// File operations

// CreateFile inserts a file row. Fails ErrNameConflict when the
// (directory, name) slot is taken - this is the commit-time loser path for
// racing uploads - and ErrNotFound when the directory or node id is
// dangling.
func (s *Store) CreateFile(ctx context.Context, f File) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO files (uuid, name, directory_id, stored_on_node_id) VALUES (?, ?, ?, ?)",
		f.UUID[:], f.Name, f.DirectoryID, f.StoredOnNodeID,
	)
	if err != nil {
		return fmt.Errorf("inserting file: %w", s.classify(err))
	}
	return nil
}

// FileByUUID loads one file row by its identifier.
func (s *Store) FileByUUID(ctx context.Context, id uuid.UUID) (*File, error) {
	return s.scanFile(s.db.QueryRowContext(ctx,
		"SELECT uuid, name, directory_id, stored_on_node_id FROM files WHERE uuid = ?",
		id[:],
	))
}

// FileByName loads one file row by its location. Name comparison is
// byte-wise.
func (s *Store) FileByName(ctx context.Context, directoryID int64, name []byte) (*File, error) {
	return s.scanFile(s.db.QueryRowContext(ctx,
		"SELECT uuid, name, directory_id, stored_on_node_id FROM files WHERE directory_id = ? AND name = ?",
		directoryID, name,
	))
}

func (s *Store) scanFile(row *sql.Row) (*File, error) {
	var f File
	var rawUUID []byte
	if err := row.Scan(&rawUUID, &f.Name, &f.DirectoryID, &f.StoredOnNodeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("loading file: %w", err)
	}
	id, err := uuid.FromBytes(rawUUID)
	if err != nil {
		return nil, fmt.Errorf("parsing stored uuid: %w", err)
	}
	f.UUID = id
	return &f, nil
}

// MoveFile updates a file's directory and name in one statement. The bytes
// and the storing node are never touched. Fails ErrNameConflict when the
// target slot is occupied, ErrNotFound when the file or target directory
// does not exist.
func (s *Store) MoveFile(ctx context.Context, id uuid.UUID, newDirectoryID int64, newName []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE files SET directory_id = ?, name = ? WHERE uuid = ?",
		newDirectoryID, newName, id[:],
	)
	if err != nil {
		return fmt.Errorf("moving file: %w", s.classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking move result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteFile removes a file row and returns it, so the caller can issue
// the storage node delete after the transaction has committed.
func (s *Store) DeleteFile(ctx context.Context, id uuid.UUID) (*File, error) {
	var f *File
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		got, err := s.scanFile(tx.QueryRowContext(ctx,
			"SELECT uuid, name, directory_id, stored_on_node_id FROM files WHERE uuid = ?",
			id[:],
		))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE uuid = ?", id[:]); err != nil {
			return fmt.Errorf("deleting file: %w", err)
		}
		f = got
		return nil
	})
	return f, err
}

// ListDirectory returns the child directories and files of one directory.
// Fails ErrNotFound when the directory does not exist.
func (s *Store) ListDirectory(ctx context.Context, id int64) ([]Directory, []File, error) {
	if _, err := s.DirectoryByID(ctx, id); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, parent_id FROM directories WHERE parent_id = ? ORDER BY name", id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("listing directories: %w", err)
	}
	defer rows.Close()

	var dirs []Directory
	for rows.Next() {
		var d Directory
		if err := rows.Scan(&d.ID, &d.Name, &d.ParentID); err != nil {
			return nil, nil, fmt.Errorf("scanning directory: %w", err)
		}
		dirs = append(dirs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	frows, err := s.db.QueryContext(ctx,
		"SELECT uuid, name, directory_id, stored_on_node_id FROM files WHERE directory_id = ? ORDER BY name", id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("listing files: %w", err)
	}
	defer frows.Close()

	var files []File
	for frows.Next() {
		var f File
		var rawUUID []byte
		if err := frows.Scan(&rawUUID, &f.Name, &f.DirectoryID, &f.StoredOnNodeID); err != nil {
			return nil, nil, fmt.Errorf("scanning file: %w", err)
		}
		fid, err := uuid.FromBytes(rawUUID)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing stored uuid: %w", err)
		}
		f.UUID = fid
		files = append(files, f)
	}
	return dirs, files, frows.Err()
}

// User operations

// UserByName loads one user row for SFTP authentication.
func (s *Store) UserByName(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT username, ssh_pubkey, home_directory FROM users WHERE username = ?",
		username,
	).Scan(&u.Username, &u.SSHPubkey, &u.HomeDirectory)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a user row. Administrative path only.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, ssh_pubkey, home_directory) VALUES (?, ?, ?)",
		u.Username, u.SSHPubkey, u.HomeDirectory,
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", s.classify(err))
	}
	return nil
}
