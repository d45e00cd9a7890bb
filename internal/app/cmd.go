package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandCount はユーザー数を表示して終了することを示す。
	CommandCount Command = "count"
	// CommandEmails はemail一覧を表示して終了することを示す。
	CommandEmails Command = "emails"
	// CommandFind は検索条件に一致するユーザーを表示して終了することを示す。
	CommandFind Command = "find"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "count":
		return CommandCount
	case "emails":
		return CommandEmails
	case "find":
		return CommandFind
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
