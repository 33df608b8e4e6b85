package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oh0123/prim/tools/errs"
)

// PG 生产仓库：pgx 连接池
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.WrapMsg(err, "pgx pool", "dsn", dsn)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "pg ping")
	}
	p := &PG{pool: pool}
	if err := p.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PG) Close() { p.pool.Close() }

func (p *PG) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGINT PRIMARY KEY,
			nickname TEXT NOT NULL DEFAULT '',
			credential TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id BIGINT NOT NULL,
			account BIGINT NOT NULL,
			is_owner BOOLEAN NOT NULL DEFAULT false,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (group_id, account)
		)`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return errs.WrapMsg(err, "init pg schema")
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PG) Create(ctx context.Context, a Account) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO accounts (id, nickname, credential) VALUES ($1, $2, $3)`,
		int64(a.ID), a.Nickname, a.Credential)
	if isUniqueViolation(err) {
		return errs.ErrRecordExists.WrapMsg("account", "id", a.ID)
	}
	return errs.WrapMsg(err, "create account", "id", a.ID)
}

func (p *PG) Get(ctx context.Context, id uint64) (Account, error) {
	var a Account
	var raw int64
	err := p.pool.QueryRow(ctx,
		`SELECT id, nickname, credential, created_at FROM accounts WHERE id = $1`,
		int64(id)).Scan(&raw, &a.Nickname, &a.Credential, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, errs.ErrRecordNotFound.WrapMsg("account", "id", id)
	}
	if err != nil {
		return Account{}, errs.WrapMsg(err, "get account", "id", id)
	}
	a.ID = uint64(raw)
	return a, nil
}

func (p *PG) UpdateNickname(ctx context.Context, id uint64, nickname string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE accounts SET nickname = $2 WHERE id = $1`, int64(id), nickname)
	if err != nil {
		return errs.WrapMsg(err, "update nickname", "id", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrRecordNotFound.WrapMsg("account", "id", id)
	}
	return nil
}

func (p *PG) CreateGroup(ctx context.Context, groupID, owner uint64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO group_members (group_id, account, is_owner) VALUES ($1, $2, true)`,
		int64(groupID), int64(owner))
	if isUniqueViolation(err) {
		return errs.ErrRecordExists.WrapMsg("group", "id", groupID)
	}
	return errs.WrapMsg(err, "create group", "id", groupID)
}

func (p *PG) AddMember(ctx context.Context, groupID, account uint64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO group_members (group_id, account) VALUES ($1, $2)
		 ON CONFLICT (group_id, account) DO NOTHING`,
		int64(groupID), int64(account))
	return errs.WrapMsg(err, "add member", "group", groupID, "account", account)
}

func (p *PG) RemoveMember(ctx context.Context, groupID, account uint64) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM group_members WHERE group_id = $1 AND account = $2`,
		int64(groupID), int64(account))
	return errs.WrapMsg(err, "remove member", "group", groupID, "account", account)
}

func (p *PG) Members(ctx context.Context, groupID uint64) ([]uint64, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT account FROM group_members WHERE group_id = $1`, int64(groupID))
	if err != nil {
		return nil, errs.WrapMsg(err, "list members", "group", groupID)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var a int64
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, uint64(a))
	}
	return out, rows.Err()
}

func (p *PG) Size(ctx context.Context, groupID uint64) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM group_members WHERE group_id = $1`, int64(groupID)).Scan(&n)
	return n, errs.WrapMsg(err, "group size", "group", groupID)
}
