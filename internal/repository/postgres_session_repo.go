package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/socialverify/internal/model"
)

const sessionColumns = `session_id, code, created_at, expires_at, status,
	twitter_user_id, twitter_username, telegram_user_id, telegram_username, updated_at`

// confirmQueries はプラットフォームごとの確認UPDATE文。
// 状態遷移は1文で旧状態から計算するため、並行する確認の間でも更新が失われない。
//   - complete はそのまま
//   - もう一方が確認済みなら complete
//   - それ以外は自分の確認済み状態
var confirmQueries = map[model.Platform]string{
	model.PlatformTwitter: `UPDATE sessions SET
		    status = CASE
		        WHEN status IN ('complete', 'telegram_ok') THEN 'complete'
		        ELSE 'twitter_ok'
		    END,
		    twitter_user_id = COALESCE(twitter_user_id, NULLIF($2, '')),
		    twitter_username = CASE
		        WHEN twitter_user_id IS NULL THEN NULLIF($3, '')
		        ELSE twitter_username
		    END,
		    updated_at = now()
		 WHERE session_id = $1
		 RETURNING ` + sessionColumns,
	model.PlatformTelegram: `UPDATE sessions SET
		    status = CASE
		        WHEN status IN ('complete', 'twitter_ok') THEN 'complete'
		        ELSE 'telegram_ok'
		    END,
		    telegram_user_id = COALESCE(telegram_user_id, NULLIF($2, '')),
		    telegram_username = CASE
		        WHEN telegram_user_id IS NULL THEN NULLIF($3, '')
		        ELSE telegram_username
		    END,
		    updated_at = now()
		 WHERE session_id = $1
		 RETURNING ` + sessionColumns,
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, code, created_at, expires_at, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $3)`,
		session.ID, session.Code, session.CreatedAt, session.ExpiresAt, string(session.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れでも返す。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`,
		id,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// Confirm は指定プラットフォームの確認をアトミックに適用する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) Confirm(ctx context.Context, id string, platform model.Platform, identity model.PlatformIdentity) (*model.Session, error) {
	query, ok := confirmQueries[platform]
	if !ok {
		return nil, fmt.Errorf("unknown platform: %q", platform)
	}

	row := r.db.QueryRowContext(ctx, query, id, identity.UserID, identity.Username)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to confirm %s for session: %w", platform, err)
	}
	return session, nil
}

func scanSession(row rowScanner) (*model.Session, error) {
	s := &model.Session{}
	var status string
	var twitterUserID, twitterUsername, telegramUserID, telegramUsername sql.NullString

	err := row.Scan(
		&s.ID, &s.Code, &s.CreatedAt, &s.ExpiresAt, &status,
		&twitterUserID, &twitterUsername, &telegramUserID, &telegramUsername,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = model.SessionStatus(status)
	s.TwitterUserID = twitterUserID.String
	s.TwitterUsername = twitterUsername.String
	s.TelegramUserID = telegramUserID.String
	s.TelegramUsername = telegramUsername.String
	return s, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
