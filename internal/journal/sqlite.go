package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path"

	"github.com/dmitrijs2005/bulksync/internal/dbx"
	"github.com/dmitrijs2005/bulksync/internal/journal/migrations"
	"github.com/dmitrijs2005/bulksync/internal/logging"
	"github.com/pressly/goose/v3"
)

// SQLiteJournal implements Journal on a local SQLite database. Writes go
// into a transaction opened lazily on the first mutation and held until
// Commit, mirroring the explicit checkpointing the sync state machine needs:
// "UploadInfo set -> request -> UploadInfo clear" must hit disk in order.
type SQLiteJournal struct {
	db  *sql.DB
	tx  *sql.Tx
	log logging.Logger
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Fatal("failed to set goose dialect:", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if needed) the journal database at dsn and applies
// migrations. Use ":memory:" in tests.
func Open(ctx context.Context, dsn string, logger logging.Logger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// The journal is accessed from one goroutine and holds an open
	// transaction between checkpoints; one connection also keeps
	// ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal migrations: %w", err)
	}

	return &SQLiteJournal{db: db, log: logger}, nil
}

// handle returns the current transaction if one is open, the plain DB
// otherwise, so reads observe uncommitted writes.
func (j *SQLiteJournal) handle() dbx.DBTX {
	if j.tx != nil {
		return j.tx
	}
	return j.db
}

func (j *SQLiteJournal) begin(ctx context.Context) (dbx.DBTX, error) {
	if j.tx != nil {
		return j.tx, nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin journal transaction: %w", err)
	}
	j.tx = tx
	return j.tx, nil
}

// Commit flushes buffered writes under a named checkpoint.
func (j *SQLiteJournal) Commit(ctx context.Context, tag string) error {
	if j.tx == nil {
		return nil
	}
	err := j.tx.Commit()
	j.tx = nil
	if err != nil {
		return fmt.Errorf("journal commit %q: %w", tag, err)
	}
	j.log.Debug(ctx, "journal committed", "tag", tag)
	return nil
}

// Close commits any pending writes and closes the database.
func (j *SQLiteJournal) Close() error {
	if j.tx != nil {
		if err := j.tx.Commit(); err != nil {
			_ = j.db.Close()
			return err
		}
		j.tx = nil
	}
	return j.db.Close()
}

func (j *SQLiteJournal) SetUploadInfo(ctx context.Context, file string, info UploadInfo) error {
	tx, err := j.begin(ctx)
	if err != nil {
		return err
	}

	if !info.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM uploadinfo WHERE path=?`, file); err != nil {
			return fmt.Errorf("failed to clear upload info: %w", err)
		}
		return nil
	}

	query := `INSERT INTO uploadinfo (path, chunk, transferid, errorcount, size, modtime, contentchecksum)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET chunk = excluded.chunk,
				transferid = excluded.transferid,
				errorcount = excluded.errorcount,
				size = excluded.size,
				modtime = excluded.modtime,
				contentchecksum = excluded.contentchecksum
	`
	_, err = tx.ExecContext(ctx, query,
		file, info.Chunk, info.TransferID, info.ErrorCount, info.Size, info.Modtime, info.ContentChecksum)
	if err != nil {
		return fmt.Errorf("failed to upsert upload info: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) GetUploadInfo(ctx context.Context, file string) (UploadInfo, error) {
	query := `SELECT chunk, transferid, errorcount, size, modtime, contentchecksum
			FROM uploadinfo WHERE path=?`
	row := j.handle().QueryRowContext(ctx, query, file)

	info := UploadInfo{Valid: true}
	err := row.Scan(&info.Chunk, &info.TransferID, &info.ErrorCount, &info.Size, &info.Modtime, &info.ContentChecksum)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadInfo{}, nil
	}
	if err != nil {
		return UploadInfo{}, fmt.Errorf("query row scan failed: %w", err)
	}
	return info, nil
}

func (j *SQLiteJournal) SetPollInfo(ctx context.Context, info PollInfo) error {
	tx, err := j.begin(ctx)
	if err != nil {
		return err
	}
	query := `INSERT INTO async_poll (path, modtime, filesize, pollpath)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET modtime = excluded.modtime,
				filesize = excluded.filesize,
				pollpath = excluded.pollpath
	`
	if _, err := tx.ExecContext(ctx, query, info.File, info.Modtime, info.FileSize, info.URL); err != nil {
		return fmt.Errorf("failed to upsert poll info: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) GetPollInfos(ctx context.Context) ([]PollInfo, error) {
	rows, err := j.handle().QueryContext(ctx, `SELECT path, modtime, filesize, pollpath FROM async_poll`)
	if err != nil {
		return nil, fmt.Errorf("failed to select poll infos: %w", err)
	}
	defer rows.Close()

	var result []PollInfo
	for rows.Next() {
		var item PollInfo
		if err := rows.Scan(&item.File, &item.Modtime, &item.FileSize, &item.URL); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (j *SQLiteJournal) DeletePollInfo(ctx context.Context, file string) error {
	tx, err := j.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM async_poll WHERE path=?`, file); err != nil {
		return fmt.Errorf("failed to delete poll info: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) ConflictRecord(ctx context.Context, p string) (ConflictRecord, error) {
	query := `SELECT baseFileId, baseEtag, baseModtime, initialBasePath FROM conflicts WHERE path=?`
	row := j.handle().QueryRowContext(ctx, query, p)

	record := ConflictRecord{Path: p}
	err := row.Scan(&record.BaseFileID, &record.BaseEtag, &record.BaseModtime, &record.InitialBasePath)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRecord{}, nil
	}
	if err != nil {
		return ConflictRecord{}, fmt.Errorf("query row scan failed: %w", err)
	}
	return record, nil
}

func (j *SQLiteJournal) SetConflictRecord(ctx context.Context, record ConflictRecord) error {
	tx, err := j.begin(ctx)
	if err != nil {
		return err
	}
	query := `INSERT INTO conflicts (path, baseFileId, baseEtag, baseModtime, initialBasePath)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET baseFileId = excluded.baseFileId,
				baseEtag = excluded.baseEtag,
				baseModtime = excluded.baseModtime,
				initialBasePath = excluded.initialBasePath
	`
	_, err = tx.ExecContext(ctx, query,
		record.Path, record.BaseFileID, record.BaseEtag, record.BaseModtime, record.InitialBasePath)
	if err != nil {
		return fmt.Errorf("failed to upsert conflict record: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) ErrorBlacklistEntry(ctx context.Context, file string) (BlacklistEntry, error) {
	query := `SELECT lastTryEtag, lastTryModtime, lastTryTime, ignoreDuration, retrycount, errorstring
			FROM blacklist WHERE path=?`
	row := j.handle().QueryRowContext(ctx, query, file)

	entry := BlacklistEntry{File: file}
	err := row.Scan(&entry.LastTryEtag, &entry.LastTryModtime, &entry.LastTryTime,
		&entry.IgnoreDuration, &entry.RetryCount, &entry.ErrorString)
	if errors.Is(err, sql.ErrNoRows) {
		return BlacklistEntry{}, nil
	}
	if err != nil {
		return BlacklistEntry{}, fmt.Errorf("query row scan failed: %w", err)
	}
	return entry, nil
}

func (j *SQLiteJournal) SetErrorBlacklistEntry(ctx context.Context, entry BlacklistEntry) error {
	tx, err := j.begin(ctx)
	if err != nil {
		return err
	}
	query := `INSERT INTO blacklist (path, lastTryEtag, lastTryModtime, lastTryTime, ignoreDuration, retrycount, errorstring)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET lastTryEtag = excluded.lastTryEtag,
				lastTryModtime = excluded.lastTryModtime,
				lastTryTime = excluded.lastTryTime,
				ignoreDuration = excluded.ignoreDuration,
				retrycount = excluded.retrycount,
				errorstring = excluded.errorstring
	`
	_, err = tx.ExecContext(ctx, query,
		entry.File, entry.LastTryEtag, entry.LastTryModtime, entry.LastTryTime,
		entry.IgnoreDuration, entry.RetryCount, entry.ErrorString)
	if err != nil {
		return fmt.Errorf("failed to upsert blacklist entry: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) WipeErrorBlacklistEntry(ctx context.Context, file string) error {
	tx, err := j.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blacklist WHERE path=?`, file); err != nil {
		return fmt.Errorf("failed to wipe blacklist entry: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) SchedulePathForRemoteDiscovery(ctx context.Context, p string) error {
	tx, err := j.begin(ctx)
	if err != nil {
		return err
	}
	parent := path.Dir(p)
	query := `INSERT INTO remote_discovery (path) VALUES (?) ON CONFLICT(path) DO NOTHING`
	if _, err := tx.ExecContext(ctx, query, parent); err != nil {
		return fmt.Errorf("failed to schedule remote discovery: %w", err)
	}
	return nil
}

// PathsForRemoteDiscovery lists folders whose cached etags were invalidated.
// The discovery phase drains this table at the start of the next sync.
func (j *SQLiteJournal) PathsForRemoteDiscovery(ctx context.Context) ([]string, error) {
	rows, err := j.handle().QueryContext(ctx, `SELECT path FROM remote_discovery ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to select remote discovery paths: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
