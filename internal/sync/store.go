package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Store is the shadow database: a persistent mapping of normalized paths to
// last-synced metadata. A path present here means the engine has previously
// observed it synchronized with the remote side; absence means "never synced
// by us". The database file is created lazily on first open.
//
// Error policy follows the pass-is-idempotent contract: write failures are
// logged and swallowed (the next cycle re-attempts), read failures are logged
// and answered with a conservative default (nil / false).
type Store struct {
	db     *sql.DB
	norm   *Normalizer
	logger *slog.Logger

	stmts storeStatements
}

// storeStatements groups the prepared statements for repeated queries.
type storeStatements struct {
	upsertFile, upsertFolder            *sql.Stmt
	deleteFile, deleteFolder            *sql.Stmt
	getFileModTime, setFileModTime      *sql.Stmt
	getFileChecksum                     *sql.Stmt
	containsFile, containsFolder        *sql.Stmt
	countFiles, countFolders            *sql.Stmt
	cascadeFolders, cascadeFiles        *sql.Stmt
}

const (
	sqlUpsertFile = `INSERT INTO files (path, serverSideModificationDate, checksum)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			serverSideModificationDate = excluded.serverSideModificationDate,
			checksum                   = excluded.checksum`

	sqlUpsertFolder = `INSERT INTO folders (path, serverSideModificationDate)
		VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET
			serverSideModificationDate = excluded.serverSideModificationDate`

	sqlDeleteFile   = `DELETE FROM files WHERE path = ?`
	sqlDeleteFolder = `DELETE FROM folders WHERE path = ?`

	sqlGetFileModTime = `SELECT serverSideModificationDate FROM files WHERE path = ?`
	sqlSetFileModTime = `UPDATE files SET serverSideModificationDate = ? WHERE path = ?`

	sqlGetFileChecksum = `SELECT checksum FROM files WHERE path = ?`

	sqlContainsFile   = `SELECT 1 FROM files WHERE path = ?`
	sqlContainsFolder = `SELECT 1 FROM folders WHERE path = ?`

	sqlCountFiles   = `SELECT COUNT(*) FROM files`
	sqlCountFolders = `SELECT COUNT(*) FROM folders`

	// Cascade deletes for RemoveFolder: every record whose key begins with
	// the folder path plus "/" goes in the same logical operation.
	// Compared byte-exact: LIKE would fold ASCII case and treat "_" and "%"
	// in folder names as wildcards.
	sqlCascadeFolders = `DELETE FROM folders WHERE substr(path, 1, length(?1)) = ?1`
	sqlCascadeFiles   = `DELETE FROM files WHERE substr(path, 1, length(?1)) = ?1`
)

// NewStore opens (creating if necessary) the shadow database at dbPath for
// the tree rooted at localRoot, applies migrations, and prepares statements.
// Use a file under t.TempDir() in tests.
func NewStore(dbPath, localRoot string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("component", "cmisdb"))
	logger.Info("opening shadow database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, norm: NewNormalizer(localRoot), logger: logger}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

// walJournalSizeLimit caps the WAL file at 64 MiB.
const walJournalSizeLimit = 67108864

// setPragmas configures SQLite for WAL mode and safety. The store is
// single-process single-worker, so WAL is about crash durability, not
// concurrency.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	return nil
}

// stmtDef maps a SQL string to the prepared statement pointer it populates.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func (s *Store) prepareStatements(ctx context.Context) error {
	defs := []stmtDef{
		{&s.stmts.upsertFile, sqlUpsertFile, "upsertFile"},
		{&s.stmts.upsertFolder, sqlUpsertFolder, "upsertFolder"},
		{&s.stmts.deleteFile, sqlDeleteFile, "deleteFile"},
		{&s.stmts.deleteFolder, sqlDeleteFolder, "deleteFolder"},
		{&s.stmts.getFileModTime, sqlGetFileModTime, "getFileModTime"},
		{&s.stmts.setFileModTime, sqlSetFileModTime, "setFileModTime"},
		{&s.stmts.getFileChecksum, sqlGetFileChecksum, "getFileChecksum"},
		{&s.stmts.containsFile, sqlContainsFile, "containsFile"},
		{&s.stmts.containsFolder, sqlContainsFolder, "containsFolder"},
		{&s.stmts.countFiles, sqlCountFiles, "countFiles"},
		{&s.stmts.countFolders, sqlCountFolders, "countFolders"},
		{&s.stmts.cascadeFolders, sqlCascadeFolders, "cascadeFolders"},
		{&s.stmts.cascadeFiles, sqlCascadeFiles, "cascadeFiles"},
	}

	for i := range defs {
		stmt, err := s.db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// key normalizes an absolute local path into a shadow DB key. A failure is a
// programmer error (path outside the sync root); it is logged and the empty
// string returned so the calling operation degrades to a no-op.
func (s *Store) key(absPath string) (string, bool) {
	k, err := s.norm.Normalize(absPath)
	if err != nil {
		s.logger.Error("cannot normalize path", "path", absPath, "error", err)
		return "", false
	}

	return k, true
}

// AddFile computes the checksum of the file at absPath and upserts its
// record with the given server modification time. A checksum failure means
// the file vanished or is unreadable; the record is left untouched so the
// next cycle re-attempts.
func (s *Store) AddFile(ctx context.Context, absPath string, serverModTime *time.Time) {
	k, ok := s.key(absPath)
	if !ok {
		return
	}

	sum, err := Checksum(absPath)
	if err != nil {
		s.logger.Warn("cannot checksum file, not recording", "path", absPath, "error", err)
		return
	}

	if _, err := s.stmts.upsertFile.ExecContext(ctx, k, nullTime(serverModTime), sum); err != nil {
		s.logger.Error("cannot record file", "path", k, "error", err)
	}
}

// AddFolder upserts the folder record for absPath.
func (s *Store) AddFolder(ctx context.Context, absPath string, serverModTime *time.Time) {
	k, ok := s.key(absPath)
	if !ok {
		return
	}

	if _, err := s.stmts.upsertFolder.ExecContext(ctx, k, nullTime(serverModTime)); err != nil {
		s.logger.Error("cannot record folder", "path", k, "error", err)
	}
}

// RemoveFile deletes the file record for absPath. No-op if absent.
func (s *Store) RemoveFile(ctx context.Context, absPath string) {
	k, ok := s.key(absPath)
	if !ok {
		return
	}

	if _, err := s.stmts.deleteFile.ExecContext(ctx, k); err != nil {
		s.logger.Error("cannot remove file record", "path", k, "error", err)
	}
}

// RemoveFolder deletes the folder record for absPath and cascades: every
// folder and file record whose key begins with the folder key plus "/" is
// removed in the same transaction, so concurrent readers in this process
// never observe a partial cascade.
func (s *Store) RemoveFolder(ctx context.Context, absPath string) {
	k, ok := s.key(absPath)
	if !ok {
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("cannot begin folder cascade", "path", k, "error", err)
		return
	}

	prefix := k + "/"

	for _, step := range []struct {
		stmt *sql.Stmt
		args []any
	}{
		{s.stmts.deleteFolder, []any{k}},
		{s.stmts.cascadeFolders, []any{prefix}},
		{s.stmts.cascadeFiles, []any{prefix}},
	} {
		if _, execErr := tx.StmtContext(ctx, step.stmt).ExecContext(ctx, step.args...); execErr != nil {
			s.logger.Error("folder cascade failed", "path", k, "error", execErr)

			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("folder cascade rollback failed", "path", k, "error", rbErr)
			}

			return
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("cannot commit folder cascade", "path", k, "error", err)
	}
}

// GetServerModTime returns the recorded server modification time for the
// file at absPath, or nil when no record exists.
func (s *Store) GetServerModTime(ctx context.Context, absPath string) *time.Time {
	k, ok := s.key(absPath)
	if !ok {
		return nil
	}

	var t sql.NullTime

	err := s.stmts.getFileModTime.QueryRowContext(ctx, k).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}

	if err != nil {
		s.logger.Error("cannot read server mod time", "path", k, "error", err)
		return nil
	}

	if !t.Valid {
		return nil
	}

	return &t.Time
}

// SetFileServerModTime updates the recorded server modification time of an
// existing file record. No-op if absent.
func (s *Store) SetFileServerModTime(ctx context.Context, absPath string, serverModTime *time.Time) {
	k, ok := s.key(absPath)
	if !ok {
		return
	}

	if _, err := s.stmts.setFileModTime.ExecContext(ctx, nullTime(serverModTime), k); err != nil {
		s.logger.Error("cannot update server mod time", "path", k, "error", err)
	}
}

// ContainsFile reports whether a file record exists for absPath.
func (s *Store) ContainsFile(ctx context.Context, absPath string) bool {
	return s.contains(ctx, s.stmts.containsFile, absPath)
}

// ContainsFolder reports whether a folder record exists for absPath.
func (s *Store) ContainsFolder(ctx context.Context, absPath string) bool {
	return s.contains(ctx, s.stmts.containsFolder, absPath)
}

func (s *Store) contains(ctx context.Context, stmt *sql.Stmt, absPath string) bool {
	k, ok := s.key(absPath)
	if !ok {
		return false
	}

	var one int

	err := stmt.QueryRowContext(ctx, k).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}

	if err != nil {
		s.logger.Error("cannot read shadow record", "path", k, "error", err)
		return false
	}

	return true
}

// LocalFileHasChanged hashes the current content of absPath and compares it
// to the stored checksum. Returns true when they differ or when no record
// exists. An unreadable file answers false — the upload paths must not push
// content they cannot hash.
func (s *Store) LocalFileHasChanged(ctx context.Context, absPath string) bool {
	k, ok := s.key(absPath)
	if !ok {
		return false
	}

	var stored sql.NullString

	err := s.stmts.getFileChecksum.QueryRowContext(ctx, k).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}

	if err != nil {
		s.logger.Error("cannot read checksum", "path", k, "error", err)
		return false
	}

	current, err := Checksum(absPath)
	if err != nil {
		s.logger.Warn("cannot checksum file for change detection", "path", absPath, "error", err)
		return false
	}

	return !stored.Valid || stored.String != current
}

// CountRecords returns the number of file and folder records. Used by the
// status command.
func (s *Store) CountRecords(ctx context.Context) (files, folders int, err error) {
	if err := s.stmts.countFiles.QueryRowContext(ctx).Scan(&files); err != nil {
		return 0, 0, fmt.Errorf("count files: %w", err)
	}

	if err := s.stmts.countFolders.QueryRowContext(ctx).Scan(&folders); err != nil {
		return 0, 0, fmt.Errorf("count folders: %w", err)
	}

	return files, folders, nil
}

// Close closes all prepared statements and the database connection.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.stmts.upsertFile, s.stmts.upsertFolder,
		s.stmts.deleteFile, s.stmts.deleteFolder,
		s.stmts.getFileModTime, s.stmts.setFileModTime,
		s.stmts.getFileChecksum,
		s.stmts.containsFile, s.stmts.containsFolder,
		s.stmts.countFiles, s.stmts.countFolders,
		s.stmts.cascadeFolders, s.stmts.cascadeFiles,
	}

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				s.logger.Error("error closing statement", "error", err)
			}
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// nullTime converts an optional timestamp to its SQL representation.
// Timestamps are stored in UTC so comparisons are stable across restarts.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}
