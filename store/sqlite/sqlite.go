// Package sqlite 单机部署用的嵌入式频道/消息存储。
package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oh0123/prim/store"
	"github.com/oh0123/prim/tools/errs"
)

type Store struct {
	conn *sql.DB
}

func New(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errs.WrapMsg(err, "open sqlite", "path", path)
	}
	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS channel_msg (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			typ INTEGER NOT NULL,
			sender INTEGER NOT NULL,
			receiver INTEGER NOT NULL,
			seq_num INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			payload BLOB,
			arrival INTEGER NOT NULL,
			UNIQUE(channel_id, sender, seq_num)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_arrival ON channel_msg(channel_id, arrival)`,
	}
	for _, q := range queries {
		if _, err := s.conn.Exec(q); err != nil {
			return errs.WrapMsg(err, "init sqlite schema")
		}
	}
	return nil
}

// Append 幂等：唯一键冲突直接忽略
func (s *Store) Append(ctx context.Context, rec store.Record) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO channel_msg
		 (channel_id, typ, sender, receiver, seq_num, timestamp, payload, arrival)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ChannelID, rec.Typ, rec.Sender, rec.Receiver, rec.SeqNum,
		rec.Timestamp, rec.Payload, time.Now().UnixNano())
	return errs.WrapMsg(err, "append channel_msg", "channel", rec.ChannelID)
}

func (s *Store) Range(ctx context.Context, channelID string, afterSeq uint64, limit int) ([]store.Record, error) {
	q := `SELECT channel_id, typ, sender, receiver, seq_num, timestamp, payload
	      FROM channel_msg WHERE channel_id = ? AND seq_num > ? ORDER BY arrival`
	args := []any{channelID, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.WrapMsg(err, "range channel_msg", "channel", channelID)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var rec store.Record
		if err := rows.Scan(&rec.ChannelID, &rec.Typ, &rec.Sender, &rec.Receiver,
			&rec.SeqNum, &rec.Timestamp, &rec.Payload); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LastSeq(ctx context.Context, channelID string, sender uint64) (uint64, error) {
	var seq sql.NullInt64
	err := s.conn.QueryRowContext(ctx,
		`SELECT MAX(seq_num) FROM channel_msg WHERE channel_id = ? AND sender = ?`,
		channelID, sender).Scan(&seq)
	if err != nil {
		return 0, errs.WrapMsg(err, "last seq", "channel", channelID)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (s *Store) Save(ctx context.Context, rec store.Record) error { return s.Append(ctx, rec) }

func (s *Store) History(ctx context.Context, channelID string, afterSeq uint64, limit int) ([]store.Record, error) {
	return s.Range(ctx, channelID, afterSeq, limit)
}
