package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/socialverify/internal/metrics"
	"github.com/hitoshi/socialverify/internal/model"
	"github.com/hitoshi/socialverify/internal/replysearch"
	"github.com/hitoshi/socialverify/internal/security"
)

const (
	// DefaultMaxCandidates は1ページあたりに照合するリプライの最大件数。
	DefaultMaxCandidates = 50
	// DefaultPreviewLength は一致した本文のプレビュー文字数。
	DefaultPreviewLength = 80
	// DefaultRetryAfter は上流がRetry-Afterを返さない場合の待機時間。
	DefaultRetryAfter = 30 * time.Second
)

// ReconcilerConfig はReplyReconcilerの設定。
type ReconcilerConfig struct {
	Namespace string
	// ReferenceTweetID はユーザーが返信する告知ツイートのID。
	ReferenceTweetID string
	// MaxPages は1回の照合で取得する最大ページ数。1未満は1として扱う。
	MaxPages      int
	MaxCandidates int
	PreviewLength int
	RetryAfter    time.Duration
}

// ReconcileResult はリプライ照合の結果。
type ReconcileResult struct {
	Verified bool
	// AlreadyConfirmed はAPIを呼ばずに確認済みとして返した場合true。
	AlreadyConfirmed   bool
	Session            *model.Session
	TwitterUserID      string
	TwitterUsername    string
	MatchedTextPreview string
}

// ReplyReconciler は告知ツイートへの返信からマーカー文字列を探し、Twitterの確認を行う。
// 上流APIの呼び出しは内部でリトライしない。
type ReplyReconciler struct {
	sessions  *Service
	searcher  replysearch.Searcher
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       ReconcilerConfig
	now       func() time.Time
}

// NewReplyReconciler はReplyReconcilerの新しいインスタンスを生成する。
func NewReplyReconciler(
	sessions *Service,
	searcher replysearch.Searcher,
	sanitizer security.TextSanitizer,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	cfg ReconcilerConfig,
) *ReplyReconciler {
	if cfg.Namespace == "" {
		cfg.Namespace = sessions.Namespace()
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = DefaultPreviewLength
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	return &ReplyReconciler{
		sessions:  sessions,
		searcher:  searcher,
		sanitizer: sanitizer,
		metrics:   mc,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Reconcile はセッションのマーカー文字列を含む返信を探す。
// 見つかった場合は投稿者の識別情報でTwitterを確認済みにする。
// 見つからない場合はVerified=falseを返し、状態は変更しない。
//
// 次の返信は一致として扱わない:
//   - 投稿日時がセッション作成より前のもの（日時が解釈できない場合は制約なし）
//   - 本文にマーカー文字列を含まないもの
//
// 候補は上流の返した新しい順に調べ、最初に一致したものを採用する。
func (r *ReplyReconciler) Reconcile(ctx context.Context, sessionID string) (*ReconcileResult, error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.IsExpired(r.now()) {
		r.metrics.RecordReconcileOutcome(metrics.OutcomeExpired)
		return nil, model.NewSessionExpiredError(sess.ID, sess.ExpiresAt)
	}

	if sess.Status.Confirmed(model.PlatformTwitter) {
		r.metrics.RecordReconcileOutcome(metrics.OutcomeAlreadyConfirmed)
		return &ReconcileResult{
			Verified:         true,
			AlreadyConfirmed: true,
			Session:          sess,
			TwitterUserID:    sess.TwitterUserID,
			TwitterUsername:  sess.TwitterUsername,
		}, nil
	}

	marker := Marker(r.cfg.Namespace, sess.ID, sess.Code)
	cursor := ""
	for page := 0; page < r.cfg.MaxPages; page++ {
		p, err := r.searcher.FetchReplies(ctx, r.cfg.ReferenceTweetID, cursor)
		if err != nil {
			return nil, r.upstreamError(sess.ID, err)
		}

		candidates := p.Replies
		if len(candidates) > r.cfg.MaxCandidates {
			candidates = candidates[:r.cfg.MaxCandidates]
		}

		for _, reply := range candidates {
			if at, ok := reply.CreatedAt(); ok && at.Before(sess.CreatedAt) {
				continue
			}
			text := reply.Text()
			if !strings.Contains(text, marker) {
				continue
			}
			return r.accept(ctx, sess, reply, text)
		}

		if !p.HasNextPage || p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}

	r.metrics.RecordReconcileOutcome(metrics.OutcomeNotYet)
	r.logger.Info("一致する返信が見つかりませんでした",
		slog.String("session_id", sess.ID),
	)
	return &ReconcileResult{Verified: false, Session: sess}, nil
}

// accept は一致した返信の投稿者でTwitterを確認済みにする。
func (r *ReplyReconciler) accept(ctx context.Context, sess *model.Session, reply replysearch.Reply, text string) (*ReconcileResult, error) {
	preview := r.sanitizer.Preview(text, r.cfg.PreviewLength)

	authorID, ok := reply.AuthorID()
	if !ok {
		r.metrics.RecordReconcileOutcome(metrics.OutcomeUnidentifiable)
		r.logger.Error("一致した返信の投稿者IDを取得できません",
			slog.String("session_id", sess.ID),
			slog.String("preview", preview),
		)
		return nil, model.NewMatchedButUnidentifiableError(preview)
	}

	identity := model.PlatformIdentity{
		UserID:   authorID,
		Username: r.sanitizer.Sanitize(reply.AuthorUsername()),
	}
	updated, err := r.sessions.Confirm(ctx, sess.ID, model.PlatformTwitter, identity)
	if err != nil {
		return nil, err
	}

	r.metrics.RecordReconcileOutcome(metrics.OutcomeVerified)
	return &ReconcileResult{
		Verified:           true,
		Session:            updated,
		TwitterUserID:      updated.TwitterUserID,
		TwitterUsername:    updated.TwitterUsername,
		MatchedTextPreview: preview,
	}, nil
}

// upstreamError は検索クライアントのエラーを呼び出し元向けのエラーに変換する。
func (r *ReplyReconciler) upstreamError(sessionID string, err error) error {
	var rl *replysearch.RateLimitedError
	if errors.As(err, &rl) {
		r.metrics.RecordReconcileOutcome(metrics.OutcomeRateLimited)
		retryAfter := rl.RetryAfter
		if retryAfter <= 0 {
			retryAfter = r.cfg.RetryAfter
		}
		return model.NewUpstreamRateLimitedError(retryAfter, rl.Body)
	}

	r.metrics.RecordReconcileOutcome(metrics.OutcomeUpstreamError)
	r.logger.Error("リプライ検索に失敗しました",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)

	var ue *replysearch.UpstreamError
	if errors.As(err, &ue) {
		return model.NewUpstreamError(ue.StatusCode, ue.Body, ue.Error())
	}
	return model.NewUpstreamError(0, "", err.Error())
}
