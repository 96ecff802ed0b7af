package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/socialverify/internal/model"
)

const linkColumns = `link_id, session_id, twitter_user_id, telegram_user_id,
	twitter_handle_last, telegram_username_last, verified_at, status, revoked_at`

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// PostgresLinkRepo はPostgreSQLを使用したIdentityLinkリポジトリ。
type PostgresLinkRepo struct {
	db *sql.DB
}

// NewPostgresLinkRepo はPostgresLinkRepoを生成する。
func NewPostgresLinkRepo(db *sql.DB) *PostgresLinkRepo {
	return &PostgresLinkRepo{db: db}
}

// FindByID は指定IDのリンクを取得する。見つからない場合はnilを返す。
func (r *PostgresLinkRepo) FindByID(ctx context.Context, linkID string) (*model.IdentityLink, error) {
	link, err := scanLink(r.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM identity_links WHERE link_id = $1`,
		linkID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity link: %w", err)
	}
	return link, nil
}

// FindBySessionID はセッションから作成済みのリンクを取得する。見つからない場合はnilを返す。
func (r *PostgresLinkRepo) FindBySessionID(ctx context.Context, sessionID string) (*model.IdentityLink, error) {
	link, err := scanLink(r.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM identity_links WHERE session_id = $1`,
		sessionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity link by session: %w", err)
	}
	return link, nil
}

// CreateForSession はセッションのリンクを1トランザクションで作成する。
//  1. sessions行をFOR UPDATEでロックし、同一セッションのfinalizeを直列化する
//  2. 作成済みのリンクがあればそれを返す
//  3. 同じtwitter_user_idのactiveなリンクをrevokedにする
//  4. 新しいリンクをINSERTする
func (r *PostgresLinkRepo) CreateForSession(ctx context.Context, link *model.IdentityLink) (*model.IdentityLink, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE session_id = $1 FOR UPDATE`,
		link.SessionID,
	).Scan(&locked)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock session: %w", err)
	}

	existing, err := scanLink(tx.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM identity_links WHERE session_id = $1`,
		link.SessionID,
	))
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to find identity link by session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE identity_links SET status = 'revoked', revoked_at = $2
		 WHERE twitter_user_id = $1 AND status = 'active'`,
		link.TwitterUserID, link.VerifiedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to revoke previous identity links: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identity_links
		    (link_id, session_id, twitter_user_id, telegram_user_id,
		     twitter_handle_last, telegram_username_last, verified_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		link.LinkID, link.SessionID, link.TwitterUserID, link.TelegramUserID,
		link.TwitterHandleLast, link.TelegramUsernameLast, link.VerifiedAt, string(link.Status),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, false, ErrActiveLinkConflict
		}
		return nil, false, fmt.Errorf("failed to create identity link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return link, true, nil
}

// ExistsActiveByTwitterUserID はtwitter_user_idにactiveなリンクが存在するかを返す。
func (r *PostgresLinkRepo) ExistsActiveByTwitterUserID(ctx context.Context, twitterUserID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM identity_links WHERE twitter_user_id = $1 AND status = 'active'
		 )`,
		twitterUserID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query active identity link: %w", err)
	}
	return exists, nil
}

// Revoke はリンクをrevokedにする。既にrevokedの場合はrevoked_atを維持する。
func (r *PostgresLinkRepo) Revoke(ctx context.Context, linkID string, at time.Time) (*model.IdentityLink, error) {
	link, err := scanLink(r.db.QueryRowContext(ctx,
		`UPDATE identity_links SET
		    status = 'revoked',
		    revoked_at = COALESCE(revoked_at, $2)
		 WHERE link_id = $1
		 RETURNING `+linkColumns,
		linkID, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revoke identity link: %w", err)
	}
	return link, nil
}

func scanLink(row rowScanner) (*model.IdentityLink, error) {
	l := &model.IdentityLink{}
	var status string
	var revokedAt sql.NullTime

	err := row.Scan(
		&l.LinkID, &l.SessionID, &l.TwitterUserID, &l.TelegramUserID,
		&l.TwitterHandleLast, &l.TelegramUsernameLast, &l.VerifiedAt, &status, &revokedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Status = model.LinkStatus(status)
	if revokedAt.Valid {
		l.RevokedAt = &revokedAt.Time
	}
	return l, nil
}

// compile-time interface check
var _ LinkRepository = (*PostgresLinkRepo)(nil)
