// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/socialverify/internal/model"
)

// ErrActiveLinkConflict は同じtwitter_user_idのactiveなリンクが並行して作成された場合に返る。
var ErrActiveLinkConflict = errors.New("active identity link already exists for twitter user")

// SessionRepository は検証セッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。期限切れでも返す。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// Confirm は指定プラットフォームの確認を1回のアトミックな更新で適用し、更新後のセッションを返す。
	// 新しい状態は旧状態からmodel.SessionStatus.Confirmと同じ規則で計算する。
	// 識別情報は未記録の場合のみ書き込む。見つからない場合はnilを返す。
	Confirm(ctx context.Context, id string, platform model.Platform, identity model.PlatformIdentity) (*model.Session, error)
}

// LinkRepository はIdentityLinkの永続化インターフェース。
type LinkRepository interface {
	// FindByID は指定IDのリンクを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, linkID string) (*model.IdentityLink, error)

	// FindBySessionID はセッションから作成済みのリンクを取得する。見つからない場合はnilを返す。
	FindBySessionID(ctx context.Context, sessionID string) (*model.IdentityLink, error)

	// CreateForSession はセッションのリンクを作成する。
	// セッション行をロックして直列化し、作成済みの場合は既存のリンクとcreated=falseを返す。
	// 同じtwitter_user_idのactiveなリンクは同一トランザクション内でrevokedにする。
	CreateForSession(ctx context.Context, link *model.IdentityLink) (result *model.IdentityLink, created bool, err error)

	// ExistsActiveByTwitterUserID はtwitter_user_idにactiveなリンクが存在するかを返す。
	ExistsActiveByTwitterUserID(ctx context.Context, twitterUserID string) (bool, error)

	// Revoke はリンクをrevokedにして更新後のリンクを返す。既にrevokedの場合はそのまま返す。
	// 見つからない場合はnilを返す。
	Revoke(ctx context.Context, linkID string, at time.Time) (*model.IdentityLink, error)
}
