// pkg/store/sql.go

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"AveCache/pkg/codec"
	"AveCache/pkg/store/migrations"
	"AveCache/pkg/utils"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	putRecordSQL = `INSERT OR REPLACE INTO records
	   (dialog_id, item_id, expires_at, notification_id, codec, data)
	   VALUES (?, ?, ?, ?, ?, ?)`
	deleteRecordSQL = `DELETE FROM records WHERE dialog_id = ? AND item_id = ?`
	getRecordSQL    = `SELECT codec, data FROM records WHERE dialog_id = ? AND item_id = ?`
	expiringSQL     = `SELECT codec, data FROM records
	   WHERE expires_at < ?
	   ORDER BY expires_at, dialog_id, item_id
	   LIMIT ?`
	notificationSQL = `SELECT codec, data FROM records
	   WHERE dialog_id = ? AND notification_id < ?
	   ORDER BY notification_id DESC
	   LIMIT ?`
)

type sqlStore struct {
	conf       *Config
	path       string
	db         *sql.DB
	tx         *sql.Tx
	stmts      map[string]*sql.Stmt
	codec      *codec.Codec
	migrations []migration
	closed     bool
}

var _ Store = &sqlStore{}

func init() {
	Register("sqlite3", newSQLStore)
}

// newSQLStore opens a SQLite database file. The store keeps a single connection,
// so it is the only writer of the file within this process.
func newSQLStore(driver, addr string, conf *Config) (engine, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	ms, err := loadMigrations(migrations.FS)
	if err != nil {
		return nil, err
	}
	path := addr
	if path != ":memory:" {
		path = filepath.Clean(addr)
		if conf.ReadOnly && !utils.Exists(path) {
			return nil, fmt.Errorf("database %s does not exist", path)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db %s: %w", path, err)
	}
	return &sqlStore{
		conf:       conf,
		path:       path,
		db:         db,
		stmts:      make(map[string]*sql.Stmt),
		codec:      codec.Plain,
		migrations: ms,
	}, nil
}

func (s *sqlStore) Name() string {
	return "sqlite3"
}

func (s *sqlStore) setCodec(c *codec.Codec) {
	s.codec = c
}

func (s *sqlStore) check(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// stmt returns a prepared statement, bound to the open transaction if there is one.
func (s *sqlStore) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	st, ok := s.stmts[query]
	if !ok && s.tx != nil {
		return s.tx.PrepareContext(ctx, query)
	}
	if !ok {
		var err error
		if st, err = s.db.PrepareContext(ctx, query); err != nil {
			return nil, err
		}
		s.stmts[query] = st
	}
	if s.tx != nil {
		return s.tx.StmtContext(ctx, st), nil
	}
	return st, nil
}

// resetStmts drops prepared statements before the schema changes.
func (s *sqlStore) resetStmts() {
	for q, st := range s.stmts {
		_ = st.Close()
		delete(s.stmts, q)
	}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// conn returns the open transaction if any; the pool has a single connection
// which the transaction holds.
func (s *sqlStore) conn() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *sqlStore) hasTable(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.conn().QueryRowContext(ctx, "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqlStore) Init(ctx context.Context, version int) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := checkWritable(s.conf); err != nil {
		return err
	}
	if s.tx != nil {
		return ErrTxInProgress
	}
	has, err := s.hasTable(ctx, "records")
	if err != nil {
		return storageError("init", "", err)
	}
	if !has {
		version = 0
	}
	if version > CurrentVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", version, CurrentVersion)
	}
	s.resetStmts()
	if version < VersionRecords {
		if err := s.dropRecords(ctx); err != nil {
			return err
		}
	}
	if err := applyMigrations(ctx, s.db, s.migrations, version); err != nil {
		return storageError("init", "", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", CurrentVersion))
	return storageError("init", "", err)
}

func (s *sqlStore) Drop(ctx context.Context, version int) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if version < VersionRecords {
		return nil
	}
	if err := checkWritable(s.conf); err != nil {
		return err
	}
	if s.tx != nil {
		return ErrTxInProgress
	}
	s.resetStmts()
	return s.dropRecords(ctx)
}

func (s *sqlStore) dropRecords(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS records; PRAGMA user_version = 0;")
	return storageError("drop", "", err)
}

func (s *sqlStore) Version(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var v int
	err := s.conn().QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, storageError("version", "", err)
}

func (s *sqlStore) Load(ctx context.Context) (*Format, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	has, err := s.hasTable(ctx, "settings")
	if err != nil {
		return nil, storageError("load", "setting", err)
	}
	if !has {
		return nil, ErrNotFormatted
	}
	var body []byte
	err = s.conn().QueryRowContext(ctx, "SELECT value FROM settings WHERE name = 'format'").Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFormatted
	}
	if err != nil {
		return nil, storageError("load", "setting", err)
	}
	var f Format
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	return &f, nil
}

func (s *sqlStore) SaveFormat(ctx context.Context, format Format, force bool) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := checkWritable(s.conf); err != nil {
		return err
	}
	if s.tx != nil {
		return ErrTxInProgress
	}
	old, err := s.Load(ctx)
	if err != nil && !errors.Is(err, ErrNotFormatted) {
		return err
	}
	if err := mergeFormat(old, &format, force); err != nil {
		return err
	}
	data, err := json.MarshalIndent(format, "", "")
	if err != nil {
		return fmt.Errorf("json: %s", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	INSERT OR REPLACE INTO settings (name, value) VALUES ('format', ?)`, data)
	if err != nil {
		return storageError("save", "setting", err)
	}
	c, err := newCodec(ctx, s, s.conf)
	if err != nil {
		return err
	}
	s.codec = c
	return nil
}

func nullable(v int32) sql.NullInt32 {
	return sql.NullInt32{Int32: v, Valid: v != 0}
}

func (s *sqlStore) Put(ctx context.Context, rec Record) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := checkWritable(s.conf); err != nil {
		return err
	}
	key := rec.Key.String()
	id, blob, err := s.codec.Encode(rec.Data)
	if err != nil {
		return storageError("put", key, err)
	}
	st, err := s.stmt(ctx, putRecordSQL)
	if err != nil {
		return storageError("put", key, err)
	}
	_, err = st.ExecContext(ctx, int64(rec.Key.Dialog), int32(rec.Key.Item),
		nullable(rec.ExpiresAt), nullable(int32(rec.NotificationID)), int(id), blob)
	return storageError("put", key, err)
}

func (s *sqlStore) Delete(ctx context.Context, key RecordKey) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := checkWritable(s.conf); err != nil {
		return err
	}
	st, err := s.stmt(ctx, deleteRecordSQL)
	if err != nil {
		return storageError("delete", key.String(), err)
	}
	_, err = st.ExecContext(ctx, int64(key.Dialog), int32(key.Item))
	return storageError("delete", key.String(), err)
}

func (s *sqlStore) Get(ctx context.Context, key RecordKey) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	st, err := s.stmt(ctx, getRecordSQL)
	if err != nil {
		return nil, storageError("get", key.String(), err)
	}
	var id int
	var blob []byte
	err = st.QueryRowContext(ctx, int64(key.Dialog), int32(key.Item)).Scan(&id, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("get", key.String(), err)
	}
	data, err := s.codec.Decode(uint8(id), blob)
	return data, storageError("get", key.String(), err)
}

func (s *sqlStore) GetExpiring(ctx context.Context, expiresBefore int32, limit int) ([][]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	return s.queryPayloads(ctx, "get expiring", expiringSQL, expiresBefore, limit)
}

func (s *sqlStore) GetFromNotificationID(ctx context.Context, dialog DialogID, from NotificationID, limit int) ([][]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	return s.queryPayloads(ctx, "get from notification", notificationSQL, int64(dialog), int32(from), limit)
}

func (s *sqlStore) queryPayloads(ctx context.Context, op, query string, args ...interface{}) ([][]byte, error) {
	st, err := s.stmt(ctx, query)
	if err != nil {
		return nil, storageError(op, "", err)
	}
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, storageError(op, "", err)
	}
	defer rows.Close()
	var res [][]byte
	for rows.Next() {
		var id int
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, storageError(op, "", err)
		}
		data, err := s.codec.Decode(uint8(id), blob)
		if err != nil {
			return nil, storageError(op, "", err)
		}
		res = append(res, data)
	}
	return res, storageError(op, "", rows.Err())
}

func (s *sqlStore) BeginTransaction(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := checkWritable(s.conf); err != nil {
		return err
	}
	if s.tx != nil {
		return ErrTxInProgress
	}
	// the transaction outlives ctx, which only bounds the begin itself
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return storageError("begin", "", err)
	}
	s.tx = tx
	return nil
}

func (s *sqlStore) CommitTransaction() error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	return storageError("commit", "", tx.Commit())
}

func (s *sqlStore) RollbackTransaction() error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	return storageError("rollback", "", tx.Rollback())
}

func (s *sqlStore) Flush(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.tx != nil {
		return ErrTxInProgress
	}
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return storageError("flush", "", err)
}

func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.check(ctx); err != nil {
		return st, err
	}
	has, err := s.hasTable(ctx, "records")
	if err != nil || !has {
		return st, storageError("stats", "", err)
	}
	err = s.conn().QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM records").Scan(&st.Records, &st.Bytes)
	return st, storageError("stats", "", err)
}

func (s *sqlStore) Dump(ctx context.Context, w io.Writer, progress func()) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	rows, err := s.conn().QueryContext(ctx, `SELECT dialog_id, item_id, COALESCE(expires_at, 0),
	   COALESCE(notification_id, 0), codec, data FROM records ORDER BY dialog_id, item_id`)
	if err != nil {
		return storageError("dump", "", err)
	}
	defer rows.Close()
	enc := json.NewEncoder(w)
	for rows.Next() {
		var rec Record
		var id int
		var blob []byte
		if err := rows.Scan(&rec.Key.Dialog, &rec.Key.Item, &rec.ExpiresAt, &rec.NotificationID, &id, &blob); err != nil {
			return storageError("dump", "", err)
		}
		if rec.Data, err = s.codec.Decode(uint8(id), blob); err != nil {
			return storageError("dump", rec.Key.String(), err)
		}
		if err := enc.Encode(&rec); err != nil {
			return err
		}
		if progress != nil {
			progress()
		}
	}
	return storageError("dump", "", rows.Err())
}

func (s *sqlStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx != nil {
		logger.Warnf("close %s with an open transaction, roll it back", s.path)
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.resetStmts()
	return s.db.Close()
}
