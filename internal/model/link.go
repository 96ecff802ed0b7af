package model

import "time"

// LinkStatus はIdentityLinkの状態を表す。
type LinkStatus string

const (
	LinkStatusActive  LinkStatus = "active"
	LinkStatusRevoked LinkStatus = "revoked"
)

// IdentityLink は2つの外部アカウントが同一ユーザーに属することを示す永続的な紐付け。
// 作成後に変更されるのはStatusとRevokedAtのみ。
type IdentityLink struct {
	LinkID               string
	SessionID            string
	TwitterUserID        string
	TelegramUserID       string
	TwitterHandleLast    string
	TelegramUsernameLast string
	VerifiedAt           time.Time
	Status               LinkStatus
	RevokedAt            *time.Time
}
