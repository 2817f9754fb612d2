package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/nestfolio/nestfolio/pkg/logger"
)

// 环境变量前缀
const envPrefix = "NESTFOLIO_"

// TokenConfig 执行环境中注册的代币
type TokenConfig struct {
	Symbol         string `yaml:"symbol" json:"symbol"`
	Address        string `yaml:"address" json:"address"` // 0x 地址；为空时由 symbol 派生
	Decimals       uint8  `yaml:"decimals" json:"decimals"`
	TransferFeeBps uint16 `yaml:"transfer_fee_bps" json:"transfer_fee_bps"` // 转账扣费（万分比），默认 0
}

// ShareholderConfig 手续费股东
type ShareholderConfig struct {
	Account string `yaml:"account" json:"account"`
	Weight  uint64 `yaml:"weight" json:"weight"`
}

// FeesConfig 手续费与 VIP 折扣
type FeesConfig struct {
	Shareholders    []ShareholderConfig `yaml:"shareholders" json:"shareholders"`
	RoyaltiesWeight uint64              `yaml:"royalties_weight" json:"royalties_weight"`
	VIPDiscount     uint64              `yaml:"vip_discount" json:"vip_discount"`       // 千分比，必须 < 1000
	VIPMinAmount    string              `yaml:"vip_min_amount" json:"vip_min_amount"` // 十进制数量（质押代币单位）
}

// StakingConfig 质押数量来源
type StakingConfig struct {
	Oracle      string        `yaml:"oracle" json:"oracle"` // pool（默认）或 http
	Token       string        `yaml:"token" json:"token"`   // pool 模式下的质押代币 symbol
	HTTPHost    string        `yaml:"http_host" json:"http_host"`
	HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl" json:"cache_ttl"` // http 模式下质押数量的缓存时间
}

// RateConfig 固定汇率路由的一条兑换对
type RateConfig struct {
	Sell string `yaml:"sell" json:"sell"`
	Buy  string `yaml:"buy" json:"buy"`
	Rate string `yaml:"rate" json:"rate"` // 十进制汇率，例如 "1.5"
}

// RouterConfig 开发环境流动性路由
type RouterConfig struct {
	Rates     []RateConfig      `yaml:"rates" json:"rates"`
	Liquidity map[string]string `yaml:"liquidity" json:"liquidity"` // symbol -> 十进制库存
}

// OperatorConfig 预先导入的 operator
type OperatorConfig struct {
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind" json:"kind"` // flat | swap
}

// FaucetConfig 启动时为账户铸造余额（开发用）
type FaucetConfig struct {
	Account string `yaml:"account" json:"account"`
	Token   string `yaml:"token" json:"token"` // symbol；ETH 表示原生币
	Amount  string `yaml:"amount" json:"amount"`
}

// NodeConfig 节点存储
type NodeConfig struct {
	Owner              string        `yaml:"owner" json:"owner"`
	StateDir           string        `yaml:"state_dir" json:"state_dir"`
	EncryptionKey      string        `yaml:"encryption_key" json:"encryption_key"`
	EventDB            string        `yaml:"event_db" json:"event_db"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	MaxHoldings        uint64        `yaml:"max_holdings" json:"max_holdings"`
}

// RateLimitConfig 修改状态的 API 请求按客户端限流；Requests 为 0 表示不限流
type RateLimitConfig struct {
	Requests int           `yaml:"requests" json:"requests"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// AccountsConfig 开发账户：Names[i] 的密钥从助记词按 m/44'/60'/0'/0/i 派生。
// 配置中的账户标签（owner、股东、faucet）若出现在 Names 中，解析为派生地址。
type AccountsConfig struct {
	Mnemonic string   `yaml:"mnemonic" json:"mnemonic"`
	Names    []string `yaml:"names" json:"names"`
}

// AuthConfig API 请求签名；nonce 为毫秒时间戳，与服务器时间相差不得超过 NonceWindow
type AuthConfig struct {
	NonceWindow time.Duration `yaml:"nonce_window" json:"nonce_window"`
}

// Config 应用配置
type Config struct {
	Log       logger.Config    `yaml:"log" json:"log"`
	Node      NodeConfig       `yaml:"node" json:"node"`
	APIListen string           `yaml:"api_listen" json:"api_listen"`
	Debug     string           `yaml:"debug_listen" json:"debug_listen"` // 为空则不启动 expvar/pprof
	RateLimit RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Auth      AuthConfig       `yaml:"auth" json:"auth"`
	Accounts  AccountsConfig   `yaml:"accounts" json:"accounts"`
	WETH      string           `yaml:"weth" json:"weth"`                 // WETH 代币的 symbol
	Tokens    []TokenConfig    `yaml:"tokens" json:"tokens"`
	Fees      FeesConfig       `yaml:"fees" json:"fees"`
	Staking   StakingConfig    `yaml:"staking" json:"staking"`
	Router    RouterConfig     `yaml:"router" json:"router"`
	Operators []OperatorConfig `yaml:"operators" json:"operators"`
	Faucet    []FaucetConfig   `yaml:"faucet" json:"faucet"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Log: logger.Config{
			Level:      "info",
			OutputFile: "logs/nestfolio.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Node: NodeConfig{
			Owner:              "admin",
			StateDir:           "data/state",
			EventDB:            "data/events.db",
			CheckpointInterval: 30 * time.Second,
		},
		APIListen: ":8080",
		RateLimit: RateLimitConfig{Requests: 120, Window: time.Minute},
		Auth:      AuthConfig{NonceWindow: 5 * time.Minute},
		WETH:      "WETH",
		Fees: FeesConfig{
			RoyaltiesWeight: 2000,
			VIPMinAmount:    "0",
		},
		Staking: StakingConfig{
			Oracle:      "pool",
			HTTPTimeout: 5 * time.Second,
			CacheTTL:    15 * time.Second,
		},
		Operators: []OperatorConfig{
			{Name: "Flat", Kind: "flat"},
			{Name: "Swap", Kind: "swap"},
		},
	}
}

// LoadFromFile 读取配置文件（.yaml/.yml/.json），再应用环境变量覆盖。
// filePath 为空时只使用默认值与环境变量。
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 环境变量覆盖（优先级：环境变量 > 配置文件 > 默认值）
func (c *Config) applyEnv() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.OutputFile = getEnv("LOG_FILE", c.Log.OutputFile)
	c.Node.Owner = getEnv("OWNER", c.Node.Owner)
	c.Node.StateDir = getEnv("STATE_DIR", c.Node.StateDir)
	c.Node.EncryptionKey = getEnv("ENCRYPTION_KEY", c.Node.EncryptionKey)
	c.Node.EventDB = getEnv("EVENT_DB", c.Node.EventDB)
	c.Node.CheckpointInterval = parseDurationEnv("CHECKPOINT_INTERVAL", c.Node.CheckpointInterval)
	c.Node.MaxHoldings = uint64(parseIntEnv("MAX_HOLDINGS", int(c.Node.MaxHoldings)))
	c.APIListen = getEnv("API_LISTEN", c.APIListen)
	c.Debug = getEnv("DEBUG_LISTEN", c.Debug)
	c.RateLimit.Requests = parseIntEnv("RATE_LIMIT_REQUESTS", c.RateLimit.Requests)
	c.RateLimit.Window = parseDurationEnv("RATE_LIMIT_WINDOW", c.RateLimit.Window)
	c.Auth.NonceWindow = parseDurationEnv("NONCE_WINDOW", c.Auth.NonceWindow)
	c.Accounts.Mnemonic = getEnv("MNEMONIC", c.Accounts.Mnemonic)
	c.Fees.VIPDiscount = uint64(parseIntEnv("VIP_DISCOUNT", int(c.Fees.VIPDiscount)))
	c.Fees.VIPMinAmount = getEnv("VIP_MIN_AMOUNT", c.Fees.VIPMinAmount)
	c.Staking.Oracle = getEnv("STAKING_ORACLE", c.Staking.Oracle)
	c.Staking.HTTPHost = getEnv("STAKING_HTTP_HOST", c.Staking.HTTPHost)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Node.Owner == "" {
		return fmt.Errorf("node.owner 未配置")
	}
	if c.APIListen == "" {
		return fmt.Errorf("api_listen 未配置")
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window 必须大于 0")
	}
	if c.Auth.NonceWindow <= 0 {
		return fmt.Errorf("auth.nonce_window 必须大于 0")
	}
	if len(c.Accounts.Names) > 0 && strings.TrimSpace(c.Accounts.Mnemonic) == "" {
		return fmt.Errorf("accounts.names 已配置但缺少 accounts.mnemonic")
	}

	symbols := make(map[string]bool, len(c.Tokens))
	for _, t := range c.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("代币 symbol 不能为空")
		}
		if symbols[t.Symbol] {
			return fmt.Errorf("重复的代币: %s", t.Symbol)
		}
		if t.TransferFeeBps >= 10_000 {
			return fmt.Errorf("代币 %s transfer_fee_bps 必须小于 10000", t.Symbol)
		}
		symbols[t.Symbol] = true
	}
	if !symbols[c.WETH] {
		return fmt.Errorf("weth 代币 %q 不在 tokens 中", c.WETH)
	}

	if len(c.Fees.Shareholders) == 0 {
		return fmt.Errorf("至少需要一个手续费股东")
	}
	for _, s := range c.Fees.Shareholders {
		if s.Account == "" || s.Weight == 0 {
			return fmt.Errorf("股东配置无效: %+v", s)
		}
	}
	if c.Fees.VIPDiscount >= 1000 {
		return fmt.Errorf("VIP_DISCOUNT 必须小于 1000")
	}
	if err := checkAmount("fees.vip_min_amount", c.Fees.VIPMinAmount); err != nil {
		return err
	}

	switch c.Staking.Oracle {
	case "pool":
		if c.Fees.VIPDiscount > 0 && !symbols[c.Staking.Token] {
			return fmt.Errorf("质押代币 %q 不在 tokens 中", c.Staking.Token)
		}
	case "http":
		if c.Staking.HTTPHost == "" {
			return fmt.Errorf("STAKING_HTTP_HOST 未配置")
		}
	default:
		return fmt.Errorf("未知的质押来源: %s", c.Staking.Oracle)
	}

	for _, r := range c.Router.Rates {
		if !symbols[r.Sell] || !symbols[r.Buy] {
			return fmt.Errorf("路由兑换对 %s->%s 含未知代币", r.Sell, r.Buy)
		}
		d, err := decimal.NewFromString(r.Rate)
		if err != nil || !d.IsPositive() {
			return fmt.Errorf("路由汇率无效 %s->%s: %q", r.Sell, r.Buy, r.Rate)
		}
	}
	for symbol, amount := range c.Router.Liquidity {
		if !symbols[symbol] {
			return fmt.Errorf("路由库存含未知代币: %s", symbol)
		}
		if err := checkAmount("router.liquidity."+symbol, amount); err != nil {
			return err
		}
	}

	names := make(map[string]bool, len(c.Operators))
	for _, op := range c.Operators {
		if op.Name == "" || len(op.Name) > 32 {
			return fmt.Errorf("operator 名称无效: %q", op.Name)
		}
		if names[op.Name] {
			return fmt.Errorf("重复的 operator: %s", op.Name)
		}
		names[op.Name] = true
		switch op.Kind {
		case "flat", "swap":
		default:
			return fmt.Errorf("未知的 operator 类型: %s", op.Kind)
		}
	}

	for _, f := range c.Faucet {
		if f.Account == "" || (f.Token != "ETH" && !symbols[f.Token]) {
			return fmt.Errorf("faucet 配置无效: %+v", f)
		}
		if err := checkAmount("faucet.amount", f.Amount); err != nil {
			return err
		}
	}
	return nil
}

func checkAmount(field, s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("%s 不是有效的十进制数: %q", field, s)
	}
	if d.IsNegative() {
		return fmt.Errorf("%s 不能为负数", field)
	}
	return nil
}

// Token 按 symbol 查找代币配置
func (c *Config) Token(symbol string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return TokenConfig{}, false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
