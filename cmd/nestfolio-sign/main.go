// nestfolio-sign 用开发账户的派生密钥为一次 API 请求签名，输出可直接用于 curl 的请求头。
//
//	nestfolio-sign -config config.yaml -account alice -path /api/portfolios/1/lock -body lock.json
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/nestfolio/nestfolio/pkg/config"
	"github.com/nestfolio/nestfolio/pkg/keyring"
	"github.com/nestfolio/nestfolio/pkg/reqsign"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "配置文件路径（读取 accounts）")
	account := flag.String("account", "", "开发账户名")
	method := flag.String("method", "POST", "HTTP 方法")
	path := flag.String("path", "", "请求路径，例如 /api/portfolios")
	bodyFile := flag.String("body", "-", "请求体文件；- 表示 stdin")
	nonce := flag.Uint64("nonce", 0, "nonce（毫秒时间戳）；0 表示当前时间")
	flag.Parse()

	if err := run(*configPath, *account, *method, *path, *bodyFile, *nonce); err != nil {
		fmt.Fprintf(os.Stderr, "nestfolio-sign: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, account, method, path, bodyFile string, nonce uint64) error {
	if account == "" || path == "" {
		return fmt.Errorf("-account 与 -path 必填")
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	keys, err := keyring.FromMnemonic(cfg.Accounts.Mnemonic, cfg.Accounts.Names)
	if err != nil {
		return err
	}
	key, ok := keys.Key(account)
	if !ok {
		return fmt.Errorf("未知的开发账户: %s", account)
	}

	body, err := readBody(bodyFile)
	if err != nil {
		return err
	}
	if nonce == 0 {
		nonce = uint64(time.Now().UnixMilli())
	}
	sig, err := reqsign.Sign(key, method, path, nonce, body)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d\n%s: %s\n", reqsign.HeaderNonce, nonce, reqsign.HeaderSignature, sig)
	return nil
}

func readBody(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}
