// Package session は検証セッションのドメインロジックを提供する。
// セッションの発行、状態取得、各プラットフォームの確認、リプライによるTwitter確認を含む。
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/socialverify/internal/code"
	"github.com/hitoshi/socialverify/internal/metrics"
	"github.com/hitoshi/socialverify/internal/model"
	"github.com/hitoshi/socialverify/internal/repository"
)

// mockIDPrefixLen はモック識別情報に使うセッションIDの先頭文字数。
const mockIDPrefixLen = 8

// Created は発行したセッションと投稿用のマーカー文字列。
type Created struct {
	Session   *model.Session
	TweetText string
}

// Service は検証セッションのサービス層。
type Service struct {
	repo      repository.SessionRepository
	generator *code.Generator
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	namespace string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.SessionRepository,
	generator *code.Generator,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	namespace string,
) *Service {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Service{
		repo:      repo,
		generator: generator,
		metrics:   mc,
		logger:    logger,
		namespace: namespace,
	}
}

// Namespace はマーカー文字列の名前空間を返す。
func (s *Service) Namespace() string {
	return s.namespace
}

// Create は新しいセッションを発行する。状態はpending。
func (s *Service) Create(ctx context.Context) (*Created, error) {
	c, err := s.generator.Generate()
	if err != nil {
		return nil, fmt.Errorf("検証コードの生成に失敗しました: %w", err)
	}

	sess := &model.Session{
		ID:        uuid.NewString(),
		Code:      c.Value,
		CreatedAt: c.IssuedAt,
		ExpiresAt: c.ExpiresAt,
		Status:    model.StatusPending,
		UpdatedAt: c.IssuedAt,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	s.metrics.RecordSessionCreated()
	s.logger.Info("セッションを発行しました",
		slog.String("session_id", sess.ID),
		slog.Time("expires_at", sess.ExpiresAt),
	)

	return &Created{
		Session:   sess,
		TweetText: Marker(s.namespace, sess.ID, sess.Code),
	}, nil
}

// Get はセッションを取得する。期限切れでも現在の状態を返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Session, error) {
	if !validSessionID(id) {
		return nil, model.NewSessionNotFoundError(id)
	}

	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if sess == nil {
		return nil, model.NewSessionNotFoundError(id)
	}
	return sess, nil
}

// Confirm は指定プラットフォームの確認を適用し、更新後のセッションを返す。
// 識別情報は最初に記録されたものが維持される。同じ確認を繰り返しても状態は変わらない。
func (s *Service) Confirm(ctx context.Context, id string, platform model.Platform, identity model.PlatformIdentity) (*model.Session, error) {
	if !validSessionID(id) {
		return nil, model.NewSessionNotFoundError(id)
	}

	sess, err := s.repo.Confirm(ctx, id, platform, identity)
	if err != nil {
		return nil, fmt.Errorf("セッションの確認に失敗しました: %w", err)
	}
	if sess == nil {
		return nil, model.NewSessionNotFoundError(id)
	}

	s.metrics.RecordConfirmation(string(platform), string(sess.Status))
	s.logger.Info("セッションを確認しました",
		slog.String("session_id", sess.ID),
		slog.String("platform", string(platform)),
		slog.String("status", string(sess.Status)),
	)
	return sess, nil
}

// MockIdentity はモック確認で使用する識別情報を返す。
// セッションごとに決まった値になる。
func MockIdentity(platform model.Platform, sessionID string) model.PlatformIdentity {
	prefix := sessionID
	if len(prefix) > mockIDPrefixLen {
		prefix = prefix[:mockIDPrefixLen]
	}
	return model.PlatformIdentity{
		UserID:   fmt.Sprintf("mock_%s_%s", platform, prefix),
		Username: fmt.Sprintf("mock_%s_user", platform),
	}
}

// validSessionID はセッションIDがUUID形式かを返す。
func validSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
