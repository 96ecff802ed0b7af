package session

import "fmt"

// DefaultNamespace はマーカー文字列の既定の名前空間。
const DefaultNamespace = "kazar"

// Marker はユーザーが返信として投稿する文字列を返す。
// 形式は "verify:<namespace>:<session_id>:<code>"。
func Marker(namespace, sessionID, code string) string {
	return fmt.Sprintf("verify:%s:%s:%s", namespace, sessionID, code)
}
