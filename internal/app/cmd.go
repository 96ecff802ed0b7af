package app

// Command はsocialverifyバイナリのサブコマンド。
type Command string

const (
	// CommandServe は検証APIを起動する。
	// セッション発行、リプライ照合、リンク作成と検証問い合わせを提供する。
	CommandServe Command = "serve"
	// CommandMigrate はsessionsとidentity_linksのスキーマを最新版まで適用して終了する。
	// composeではapiより先に一度だけ実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のAPIの /health を呼び、DBに到達できなければ失敗する。
	// distrolessイメージにはシェルがないため、DockerのHEALTHCHECKから直接呼び出す。
	// 設定の読み込みは行わず、SERVER_PORTのみ参照する。
	CommandHealthcheck Command = "healthcheck"
)

// commandDescriptions は起動ログに出す各サブコマンドの説明。
var commandDescriptions = map[Command]string{
	CommandServe:       "verification API server",
	CommandMigrate:     "apply session and identity link migrations",
	CommandHealthcheck: "probe /health of the running API",
}

// Description はサブコマンドの説明を返す。
func (c Command) Description() string {
	return commandDescriptions[c]
}

// ParseCommand はos.Args[1:]の先頭からサブコマンドを決める。
// 2番目以降の引数は無視する。空またはサポート外の場合はCommandServe。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	cmd := Command(args[0])
	if _, ok := commandDescriptions[cmd]; ok {
		return cmd
	}
	return CommandServe
}
