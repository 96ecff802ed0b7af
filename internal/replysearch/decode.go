package replysearch

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// 各フィールドのフォールバック順。プロバイダのバージョンによってフィールド名が異なるため、
// 先頭から順に探し、最初に空でない値を採用する。
var (
	// repliesPaths はレスポンス中のリプライ配列の位置。
	repliesPaths = []string{"tweets", "replies", "data"}
	// cursorPaths は次ページカーソルの位置。
	cursorPaths = []string{"cursor", "next_cursor", "nextCursor"}
	// hasNextPaths は次ページ有無フラグの位置。
	hasNextPaths = []string{"has_next_page", "hasNextPage"}

	// textPaths はリプライ本文の位置。
	textPaths = []string{"text", "full_text", "content"}
	// createdAtPaths は投稿日時の位置。
	createdAtPaths = []string{"created_at", "createdAt"}
	// authorIDPaths は投稿者IDの位置。
	authorIDPaths = []string{"author.id", "user.id", "author_id", "user_id", "author.id_str", "user.id_str"}
	// authorUsernamePaths は投稿者のユーザー名の位置。
	authorUsernamePaths = []string{"author.userName", "author.username", "user.username", "user.screen_name", "screen_name"}
)

// timeLayouts は文字列の投稿日時として受け付けるレイアウト。
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RubyDate, // "Mon Jan 02 15:04:05 -0700 2006"
	time.RFC1123Z,
	time.RFC1123,
}

// epochMillisThreshold 未満の数値の日時は秒、それ以上はミリ秒として扱う。
const epochMillisThreshold = 1e11

// Reply は緩く型付けされた1件のリプライ。フィールドは各メソッドでフォールバック順に読む。
type Reply struct {
	raw gjson.Result
}

// NewReply はJSONテキストからReplyを生成する。
func NewReply(raw string) Reply {
	return Reply{raw: gjson.Parse(raw)}
}

// Raw は元のJSONテキストを返す。
func (r Reply) Raw() string {
	return r.raw.Raw
}

// Text は本文を返す。見つからない場合は空文字列。
func (r Reply) Text() string {
	v, _ := firstString(r.raw, textPaths)
	return v
}

// CreatedAt は投稿日時を返す。見つからないか解釈できない場合はfalse。
// null・空文字列・0は値がないものとして次の候補を探す。
// 空でない値が解釈できない場合は次の候補を探さない。
func (r Reply) CreatedAt() (time.Time, bool) {
	for _, p := range createdAtPaths {
		v := r.raw.Get(p)
		if isBlank(v) {
			continue
		}
		if t, ok := parseTimestamp(v); ok {
			return t, true
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// AuthorID は投稿者IDを返す。見つからない場合はfalse。
// 数値のIDはfloat64を経由せずに元の桁をそのまま返す。
func (r Reply) AuthorID() (string, bool) {
	return firstString(r.raw, authorIDPaths)
}

// AuthorUsername は投稿者のユーザー名を返す。見つからない場合は空文字列。
func (r Reply) AuthorUsername() string {
	v, _ := firstString(r.raw, authorUsernamePaths)
	return strings.TrimPrefix(v, "@")
}

// decodePage はレスポンスボディをPageに変換する。
func decodePage(body []byte) (*Page, error) {
	if !gjson.ValidBytes(body) {
		return nil, errInvalidJSON
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, errInvalidJSON
	}

	page := &Page{}
	for _, p := range repliesPaths {
		v := root.Get(p)
		if !v.IsArray() {
			continue
		}
		v.ForEach(func(_, item gjson.Result) bool {
			if item.IsObject() {
				page.Replies = append(page.Replies, Reply{raw: item})
			}
			return true
		})
		break
	}

	page.NextCursor, _ = firstString(root, cursorPaths)
	// フラグがない場合はカーソルの有無で判断する
	page.HasNextPage = page.NextCursor != ""
	for _, p := range hasNextPaths {
		if v := root.Get(p); v.Exists() {
			page.HasNextPage = v.Bool()
			break
		}
	}
	return page, nil
}

// firstString はpathsを順に探し、最初に空でない文字列か数値を返す。
func firstString(root gjson.Result, paths []string) (string, bool) {
	for _, p := range paths {
		v := root.Get(p)
		var s string
		switch v.Type {
		case gjson.String:
			s = strings.TrimSpace(v.Str)
		case gjson.Number:
			s = v.Raw
		default:
			continue
		}
		if s != "" {
			return s, true
		}
	}
	return "", false
}

// isBlank は値が存在しないか、null・false・空白のみの文字列・0の場合にtrueを返す。
func isBlank(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.String:
		return strings.TrimSpace(v.Str) == ""
	case gjson.Number:
		return v.Float() == 0
	}
	return false
}

func parseTimestamp(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return fromEpoch(v.Float()), true
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f), true
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) time.Time {
	if f < epochMillisThreshold {
		return time.Unix(0, int64(f*float64(time.Second))).UTC()
	}
	return time.UnixMilli(int64(f)).UTC()
}
