package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gaohao-creator/turbocore/errors"
)

const (
	ActionGet      = "kv_get"
	ActionKeys     = "kv_keys"
	ActionSet      = "kv_set"
	ActionDelete   = "kv_delete"
	ActionMaintain = "maintain"
)

func registerBuiltins(d *DB) {
	d.RegisterRead(ActionGet, kvGet)
	d.RegisterRead(ActionKeys, kvKeys)
	d.RegisterWrite(ActionSet, kvSet)
	d.RegisterWrite(ActionDelete, kvDelete)
	d.RegisterWrite(ActionMaintain, maintain)
}

// kv_get(key) -> string
func kvGet(ctx context.Context, tx *sql.Tx, args ...any) (any, error) {
	key, err := StringArg(args, 0)
	if err != nil {
		return nil, err
	}
	var value string
	err = tx.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errors.ErrorKeyNotFound, key)
	}
	return value, err
}

// kv_keys(prefix) -> []string, sorted
func kvKeys(ctx context.Context, tx *sql.Tx, args ...any) (any, error) {
	prefix, err := StringArg(args, 0)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, "SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key", len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// kv_set(key, value)
func kvSet(ctx context.Context, tx *sql.Tx, args ...any) (any, error) {
	key, err := StringArg(args, 0)
	if err != nil {
		return nil, err
	}
	value, err := StringArg(args, 1)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, value)
	return nil, err
}

// kv_delete(key) -> bool, whether the key existed
func kvDelete(ctx context.Context, tx *sql.Tx, args ...any) (any, error) {
	key, err := StringArg(args, 0)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func maintain(ctx context.Context, tx *sql.Tx, args ...any) (any, error) {
	_, err := tx.ExecContext(ctx, "PRAGMA optimize")
	return nil, err
}

// StringArg returns args[i] as a string.
func StringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d is %T, want string", i, args[i])
	}
	return s, nil
}
