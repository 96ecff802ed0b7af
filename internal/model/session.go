// Package model はドメインモデルを定義する。
package model

import "time"

// SessionStatus は検証セッションの状態を表す。
// pending → {twitter_ok, telegram_ok} → complete の束構造で単調に進み、後退しない。
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusTwitterOK  SessionStatus = "twitter_ok"
	StatusTelegramOK SessionStatus = "telegram_ok"
	StatusComplete   SessionStatus = "complete"
)

// Valid は定義済みの状態かを返す。
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusTwitterOK, StatusTelegramOK, StatusComplete:
		return true
	}
	return false
}

// Confirmed は指定プラットフォームの確認が済んでいるかを返す。
func (s SessionStatus) Confirmed(p Platform) bool {
	return s == StatusComplete || s == p.confirmedStatus()
}

// Confirm は指定プラットフォームの確認を適用した後の状態を返す。
// もう一方のプラットフォームが確認済みの場合のみcompleteに遷移する（2-of-2結合）。
// 同じ確認を繰り返しても状態は変わらず、適用順序にも依存しない。
func (s SessionStatus) Confirm(p Platform) SessionStatus {
	if s == StatusComplete {
		return StatusComplete
	}
	if s == p.Other().confirmedStatus() {
		return StatusComplete
	}
	return p.confirmedStatus()
}

// Platform は確認対象の外部プラットフォームを表す。
type Platform string

const (
	PlatformTwitter  Platform = "twitter"
	PlatformTelegram Platform = "telegram"
)

// Other はもう一方のプラットフォームを返す。
func (p Platform) Other() Platform {
	if p == PlatformTwitter {
		return PlatformTelegram
	}
	return PlatformTwitter
}

func (p Platform) confirmedStatus() SessionStatus {
	if p == PlatformTwitter {
		return StatusTwitterOK
	}
	return StatusTelegramOK
}

// PlatformIdentity は確認時に記録する外部アカウントの識別情報。
type PlatformIdentity struct {
	UserID   string
	Username string
}

// Session は検証コードを保持する有効期限付きの検証セッションを表す。
// 未設定の識別情報は空文字列で表す。
type Session struct {
	ID               string
	Code             string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Status           SessionStatus
	TwitterUserID    string
	TwitterUsername  string
	TelegramUserID   string
	TelegramUsername string
	UpdatedAt        time.Time
}

// IsExpired は指定時刻時点でセッションが期限切れかを返す。
// 期限切れは読み取り側で判定し、状態は変更しない。
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Identity は指定プラットフォームについて記録済みの識別情報を返す。
func (s *Session) Identity(p Platform) PlatformIdentity {
	if p == PlatformTwitter {
		return PlatformIdentity{UserID: s.TwitterUserID, Username: s.TwitterUsername}
	}
	return PlatformIdentity{UserID: s.TelegramUserID, Username: s.TelegramUsername}
}
