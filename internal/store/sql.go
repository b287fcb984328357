package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Dialect はSQLプレースホルダーの方言を表す。
type Dialect string

const (
	// DialectPostgres は$1形式のプレースホルダーを使う。
	DialectPostgres Dialect = "postgres"
	// DialectSQLite は?形式のプレースホルダーを使う。
	DialectSQLite Dialect = "sqlite"
)

// SQLStore はkv_entriesテーブルを使用したStore実装。
// PostgreSQLとSQLiteの両方で同じテーブル定義を使用する。
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore はSQLStoreを生成する。
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// bind はn番目（1始まり）のプレースホルダーを返す。
func (s *SQLStore) bind(n int) string {
	if s.dialect == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Get は値を取得する。存在しない場合はErrNotFoundを返す。
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = `+s.bind(1),
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return []byte(value), nil
}

// Set は値をUPSERTする。
func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, updated_at)
		 VALUES (`+s.bind(1)+`, `+s.bind(2)+`, `+s.bind(3)+`)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete はキーを削除する。
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE key = `+s.bind(1),
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Exists はキーの存在を確認する。
func (s *SQLStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_entries WHERE key = `+s.bind(1),
		key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys はプレフィックスに一致するキーを昇順で返す。
// LIKEのワイルドカードを避けるためsubstrで比較する。
func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries
		 WHERE substr(key, 1, `+s.bind(1)+`) = `+s.bind(2)+`
		 ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return keys, nil
}

// Ping はデータベース接続を確認する。
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// compile-time interface check
var _ Store = (*SQLStore)(nil)
