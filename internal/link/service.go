// Package link はIdentityLinkの作成と検証済み問い合わせを提供する。
package link

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/socialverify/internal/metrics"
	"github.com/hitoshi/socialverify/internal/model"
	"github.com/hitoshi/socialverify/internal/repository"
)

// DefaultCacheTTL は検証済み問い合わせの結果をキャッシュする期間。
const DefaultCacheTTL = 30 * time.Second

// SessionReader はfinalizeでセッションを取得するためのインターフェース。
type SessionReader interface {
	Get(ctx context.Context, id string) (*model.Session, error)
}

// FinalizeResult はfinalizeの結果。Createdは今回新しく作成した場合true。
type FinalizeResult struct {
	Link    *model.IdentityLink
	Created bool
}

// Service はIdentityLinkのサービス層。
// 検証済み問い合わせはtrueの結果のみ短時間キャッシュする。
type Service struct {
	sessions SessionReader
	repo     repository.LinkRepository
	cache    *ttlcache.Cache[string, bool]
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。cacheTTLが0以下の場合はDefaultCacheTTLを使用する。
// 期限切れエントリの削除のためにgoroutineを起動するので、不要になったらCloseを呼ぶこと。
func NewService(
	sessions SessionReader,
	repo repository.LinkRepository,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	cacheTTL time.Duration,
) *Service {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	cache := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go cache.Start()

	return &Service{
		sessions: sessions,
		repo:     repo,
		cache:    cache,
		metrics:  mc,
		logger:   logger,
		now:      time.Now,
	}
}

// Close はキャッシュの期限切れ削除を停止する。
func (s *Service) Close() {
	s.cache.Stop()
}

// Finalize はcompleteのセッションからIdentityLinkを作成する。
// 作成済みのセッションには既存のリンクを返す（期限切れ後も同様）。
// 同じtwitter_user_idのactiveなリンクは新しいリンクの作成時にrevokedになる。
func (s *Service) Finalize(ctx context.Context, sessionID string) (*FinalizeResult, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindBySessionID(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("リンクの取得に失敗しました: %w", err)
	}
	if existing != nil {
		return &FinalizeResult{Link: existing}, nil
	}

	if sess.Status != model.StatusComplete {
		return nil, model.NewSessionNotCompleteError(sess.Status)
	}
	now := s.now().UTC()
	if sess.IsExpired(now) {
		return nil, model.NewSessionExpiredError(sess.ID, sess.ExpiresAt)
	}
	if sess.TwitterUserID == "" {
		return nil, model.NewIdentityMissingError(model.PlatformTwitter)
	}
	if sess.TelegramUserID == "" {
		return nil, model.NewIdentityMissingError(model.PlatformTelegram)
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("リンクIDの生成に失敗しました: %w", err)
	}
	link := &model.IdentityLink{
		LinkID:               id.String(),
		SessionID:            sess.ID,
		TwitterUserID:        sess.TwitterUserID,
		TelegramUserID:       sess.TelegramUserID,
		TwitterHandleLast:    sess.TwitterUsername,
		TelegramUsernameLast: sess.TelegramUsername,
		VerifiedAt:           now,
		Status:               model.LinkStatusActive,
	}

	result, created, err := s.repo.CreateForSession(ctx, link)
	if errors.Is(err, repository.ErrActiveLinkConflict) {
		return nil, model.NewLinkConflictError(sess.TwitterUserID)
	}
	if err != nil {
		return nil, fmt.Errorf("リンクの作成に失敗しました: %w", err)
	}

	if created {
		s.metrics.RecordLinkCreated()
		s.cache.Set(result.TwitterUserID, true, ttlcache.DefaultTTL)
		s.logger.Info("リンクを作成しました",
			slog.String("link_id", result.LinkID),
			slog.String("session_id", result.SessionID),
		)
	}
	return &FinalizeResult{Link: result, Created: created}, nil
}

// IsVerified はtwitter_user_idにactiveなリンクが存在するかを返す。
func (s *Service) IsVerified(ctx context.Context, twitterUserID string) (bool, error) {
	if twitterUserID == "" {
		return false, model.NewInvalidRequestError("twitter user id is required")
	}

	if item := s.cache.Get(twitterUserID); item != nil && item.Value() {
		s.metrics.RecordVerifyQuery(true)
		return true, nil
	}

	verified, err := s.repo.ExistsActiveByTwitterUserID(ctx, twitterUserID)
	if err != nil {
		return false, fmt.Errorf("検証状態の取得に失敗しました: %w", err)
	}
	if verified {
		s.cache.Set(twitterUserID, true, ttlcache.DefaultTTL)
	}
	s.metrics.RecordVerifyQuery(verified)
	return verified, nil
}

// GetLink はリンクを取得する。
func (s *Service) GetLink(ctx context.Context, linkID string) (*model.IdentityLink, error) {
	link, err := s.repo.FindByID(ctx, linkID)
	if err != nil {
		return nil, fmt.Errorf("リンクの取得に失敗しました: %w", err)
	}
	if link == nil {
		return nil, model.NewLinkNotFoundError(linkID)
	}
	return link, nil
}

// Revoke はリンクをrevokedにする。既にrevokedの場合はそのまま返す。
func (s *Service) Revoke(ctx context.Context, linkID string) (*model.IdentityLink, error) {
	link, err := s.repo.Revoke(ctx, linkID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("リンクのrevokeに失敗しました: %w", err)
	}
	if link == nil {
		return nil, model.NewLinkNotFoundError(linkID)
	}

	s.cache.Delete(link.TwitterUserID)
	s.metrics.RecordLinkRevoked()
	s.logger.Info("リンクをrevokeしました",
		slog.String("link_id", link.LinkID),
	)
	return link, nil
}
