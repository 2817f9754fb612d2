// Package node 组装执行环境与全部合约组件，串行执行调用并发布已提交的事件。
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nestfolio/nestfolio/internal/asset"
	"github.com/nestfolio/nestfolio/internal/chain"
	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/internal/factory"
	"github.com/nestfolio/nestfolio/internal/feesplitter"
	"github.com/nestfolio/nestfolio/internal/metrics"
	"github.com/nestfolio/nestfolio/internal/operator"
	"github.com/nestfolio/nestfolio/internal/records"
	"github.com/nestfolio/nestfolio/internal/reserve"
	"github.com/nestfolio/nestfolio/internal/staking"
	"github.com/nestfolio/nestfolio/internal/store"
	"github.com/nestfolio/nestfolio/pkg/config"
	"github.com/nestfolio/nestfolio/pkg/keyring"
	"github.com/nestfolio/nestfolio/pkg/logger"
	"github.com/nestfolio/nestfolio/pkg/units"
)

// 组件账户
var (
	FactoryAddress     = chain.Address("nestfolio:factory")
	ReserveAddress     = chain.Address("nestfolio:reserve")
	FeeSplitterAddress = chain.Address("nestfolio:feesplitter")
	RouterAddress      = chain.Address("nestfolio:router")
	StakingAddress     = chain.Address("nestfolio:staking")
)

// Options 构造 Node 的依赖
type Options struct {
	Config *config.Config
	// Store 为 nil 时不做检查点
	Store *store.Store
	Sinks []events.Sink
	// LastSeq 事件序号起点（通常来自事件日志）
	LastSeq uint64
}

// Node 执行环境。所有修改状态的调用经 Do 串行执行。
type Node struct {
	Owner common.Address

	Bank        *chain.Bank
	State       *chain.State
	Log         *events.Log
	Records     *records.Records
	Reserve     *reserve.Reserve
	Asset       *asset.Registry
	FeeSplitter *feesplitter.FeeSplitter
	Resolver    *operator.Resolver
	Directory   *operator.Directory
	Router      *operator.StaticRouter
	Pool        *staking.Pool
	Factory     *factory.Factory

	cfg    *config.Config
	keys   *keyring.Keyring
	store  *store.Store
	tokens map[string]chain.TokenInfo

	mu    sync.RWMutex
	seq   uint64
	sinks []events.Sink
	sinkM sync.Mutex

	log *logrus.Entry
}

// New 按配置组装组件；有检查点时从检查点恢复状态
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("node: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}

	var keys *keyring.Keyring
	if cfg.Accounts.Mnemonic != "" {
		var err error
		keys, err = keyring.FromMnemonic(cfg.Accounts.Mnemonic, cfg.Accounts.Names)
		if err != nil {
			return nil, fmt.Errorf("node: accounts: %w", err)
		}
	}

	n := &Node{
		cfg:    cfg,
		keys:   keys,
		store:  opts.Store,
		tokens: make(map[string]chain.TokenInfo, len(cfg.Tokens)),
		seq:    opts.LastSeq,
		sinks:  append([]events.Sink{}, opts.Sinks...),
		log:    logger.WithField("component", "node"),
	}
	n.Owner = n.Account(cfg.Node.Owner)
	if err := n.assemble(); err != nil {
		return nil, err
	}
	if err := n.genesis(); err != nil {
		return nil, fmt.Errorf("node: genesis: %w", err)
	}
	n.Log.Drain()

	if n.store != nil {
		height, err := n.store.Load(n.persistent()...)
		switch {
		case err == nil:
			n.log.Infof("state restored from checkpoint %d", height)
		case errors.Is(err, store.ErrNoCheckpoint):
			n.log.Infof("no checkpoint found, starting from genesis")
		default:
			return nil, fmt.Errorf("node: load checkpoint: %w", err)
		}
	}
	metrics.Gauge("portfolios", func() any { return len(n.Records.NftIDs()) })
	metrics.Gauge("event_seq", func() any {
		n.mu.RLock()
		defer n.mu.RUnlock()
		return n.seq
	})
	return n, nil
}

func (n *Node) assemble() error {
	cfg := n.cfg
	for _, t := range cfg.Tokens {
		addr := chain.Address("token:" + t.Symbol)
		if t.Address != "" {
			addr = chain.ResolveAddress(t.Address)
		}
		n.tokens[t.Symbol] = chain.TokenInfo{Address: addr, Symbol: t.Symbol, Decimals: t.Decimals, TransferFeeBps: t.TransferFeeBps}
	}

	n.Bank = chain.NewBank(n.tokens[cfg.WETH].Address)
	n.Log = events.NewLog()
	n.State = chain.NewState(n.Bank, n.Log)

	n.Records = records.New(n.Owner, cfg.Node.MaxHoldings, n.Log)
	n.Reserve = reserve.New(n.Owner, ReserveAddress, n.Bank)
	n.Asset = asset.New(n.Owner)

	var err error
	n.FeeSplitter, err = feesplitter.New(n.Owner, FeeSplitterAddress, n.Bank, cfg.Fees.RoyaltiesWeight, n.State, n.Log)
	if err != nil {
		return err
	}
	n.Resolver = operator.NewResolver(n.Owner, n.Log)
	n.Directory = operator.NewDirectory()
	n.Router = operator.NewStaticRouter(RouterAddress, n.Bank)
	n.Pool = staking.NewPool(StakingAddress, n.tokens[cfg.Staking.Token].Address, n.Bank, n.Log)

	var oracle staking.Oracle = n.Pool
	if cfg.Staking.Oracle == "http" {
		oracle = staking.NewHTTPOracle(cfg.Staking.HTTPHost, cfg.Staking.HTTPTimeout, cfg.Staking.CacheTTL)
	}
	minAmount, err := units.ParseWei(cfg.Fees.VIPMinAmount, n.decimalsOf(cfg.Staking.Token))
	if err != nil {
		return err
	}
	n.Factory, err = factory.New(factory.Options{
		Address:      FactoryAddress,
		Owner:        n.Owner,
		Bank:         n.Bank,
		Runner:       n.State,
		Records:      n.Records,
		Reserve:      n.Reserve,
		Asset:        n.Asset,
		FeeSplitter:  n.FeeSplitter,
		Resolver:     n.Resolver,
		Directory:    n.Directory,
		Staking:      oracle,
		Emitter:      n.Log,
		VIPDiscount:  cfg.Fees.VIPDiscount,
		VIPMinAmount: minAmount,
	})
	if err != nil {
		return err
	}
	n.State.Register(n.Records, n.Asset, n.FeeSplitter, n.Resolver, n.Pool, n.Factory)
	return nil
}

// genesis 注册代币、授权、股东、路由与 operator，并执行 faucet。
// 有检查点时这些状态随后会被检查点覆盖；路由汇率与 operator 实现不在检查点中，总是来自配置。
func (n *Node) genesis() error {
	cfg := n.cfg
	for _, t := range cfg.Tokens {
		if err := n.Bank.RegisterToken(n.tokens[t.Symbol]); err != nil {
			return err
		}
	}
	if err := n.Reserve.AddFactory(n.Owner, FactoryAddress); err != nil {
		return err
	}
	if err := n.Asset.AddFactory(n.Owner, FactoryAddress); err != nil {
		return err
	}

	accounts := make([]common.Address, 0, len(cfg.Fees.Shareholders))
	weights := make([]uint64, 0, len(cfg.Fees.Shareholders))
	for _, s := range cfg.Fees.Shareholders {
		accounts = append(accounts, n.Account(s.Account))
		weights = append(weights, s.Weight)
	}
	if err := n.FeeSplitter.SetShareholders(n.Owner, accounts, weights); err != nil {
		return err
	}

	for _, r := range cfg.Router.Rates {
		num, den, err := parseRate(r.Rate)
		if err != nil {
			return fmt.Errorf("router rate %s->%s: %w", r.Sell, r.Buy, err)
		}
		if err := n.Router.SetRate(n.tokens[r.Sell].Address, n.tokens[r.Buy].Address, num, den); err != nil {
			return err
		}
	}
	for symbol, amount := range cfg.Router.Liquidity {
		wei, err := units.ParseWei(amount, n.decimalsOf(symbol))
		if err != nil {
			return err
		}
		if err := n.Bank.Mint(n.tokens[symbol].Address, RouterAddress, wei); err != nil {
			return err
		}
	}

	names := make([]domain.OperatorName, 0, len(cfg.Operators))
	defs := make([]operator.Definition, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		name := domain.NameOf(op.Name)
		impl := chain.Address("operator:" + op.Name)
		def := operator.Definition{Implementation: impl}
		switch op.Kind {
		case "flat":
			def.Selector = operator.FlatTransferSelector
			if err := n.Directory.Deploy(impl, operator.FlatOperator{}); err != nil {
				return err
			}
		case "swap":
			def.Selector = operator.PerformSwapSelector
			if err := n.Directory.Deploy(impl, operator.NewSwapOperator(n.Router)); err != nil {
				return err
			}
		}
		if err := n.Factory.AddOperator(n.Owner, name); err != nil {
			return err
		}
		names = append(names, name)
		defs = append(defs, def)
	}
	if len(names) > 0 {
		if err := n.Resolver.ImportOperators(n.Owner, names, defs, []operator.CacheDependent{n.Factory}); err != nil {
			return err
		}
	}

	for _, f := range cfg.Faucet {
		account := n.Account(f.Account)
		if f.Token == "ETH" {
			wei, err := units.ParseWei(f.Amount, 18)
			if err != nil {
				return err
			}
			if err := n.Bank.MintNative(account, wei); err != nil {
				return err
			}
			continue
		}
		wei, err := units.ParseWei(f.Amount, n.decimalsOf(f.Token))
		if err != nil {
			return err
		}
		if err := n.Bank.Mint(n.tokens[f.Token].Address, account, wei); err != nil {
			return err
		}
	}
	n.log.Infof("genesis: tokens=%d operators=%d shareholders=%d", len(cfg.Tokens), len(names), len(accounts))
	return nil
}

// parseRate 十进制汇率转为 num/den，den 固定为 1e18
func parseRate(s string) (*big.Int, *big.Int, error) {
	rate, err := decimal.NewFromString(s)
	if err != nil {
		return nil, nil, err
	}
	if !rate.IsPositive() {
		return nil, nil, fmt.Errorf("rate must be positive: %s", s)
	}
	den := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return units.ToWei(rate, 18), den, nil
}

func (n *Node) decimalsOf(symbol string) int32 {
	if info, ok := n.tokens[symbol]; ok {
		return int32(info.Decimals)
	}
	return 18
}

func (n *Node) persistent() []chain.Persistent {
	return []chain.Persistent{n.Bank, n.Records, n.Asset, n.FeeSplitter, n.Resolver, n.Pool, n.Factory}
}

// TokenAddress 解析代币：symbol、"ETH" 或地址
func (n *Node) TokenAddress(s string) common.Address {
	if s == "ETH" {
		return domain.ETH
	}
	if info, ok := n.tokens[s]; ok {
		return info.Address
	}
	return chain.ResolveAddress(s)
}

// Account 解析账户：开发账户名解析为派生地址，其余按 chain.ResolveAddress
func (n *Node) Account(s string) common.Address {
	if addr, ok := n.keys.Address(s); ok {
		return addr
	}
	return chain.ResolveAddress(s)
}

// Keyring 开发账户；未配置助记词时为 nil
func (n *Node) Keyring() *keyring.Keyring { return n.keys }

// Tokens 已配置的代币
func (n *Node) Tokens() []chain.TokenInfo {
	out := make([]chain.TokenInfo, 0, len(n.cfg.Tokens))
	for _, t := range n.cfg.Tokens {
		out = append(out, n.tokens[t.Symbol])
	}
	return out
}

// AddSink 追加事件接收方
func (n *Node) AddSink(s events.Sink) {
	n.sinkM.Lock()
	n.sinks = append(n.sinks, s)
	n.sinkM.Unlock()
}

// CallResult 一次已提交调用的结果
type CallResult struct {
	CallID string          `json:"call_id"`
	Events []events.Record `json:"events"`
}

// Do 串行执行一次修改状态的调用。fn 失败时全部状态恢复、不发出事件；
// 成功时事件按顺序编号并发布给所有接收方。
func (n *Node) Do(ctx context.Context, fn func() error) (*CallResult, error) {
	n.mu.Lock()
	callID := uuid.NewString()
	err := n.State.Atomic(fn)
	pending := n.Log.Drain()
	if err != nil {
		n.mu.Unlock()
		metrics.CallsReverted.Add(1)
		n.log.WithFields(logrus.Fields{"call_id": callID, "reason": domain.ReasonOf(err)}).Debugf("call reverted: %v", err)
		return nil, err
	}
	now := time.Now()
	recs := make([]events.Record, 0, len(pending))
	for _, ev := range pending {
		data, mErr := json.Marshal(ev)
		if mErr != nil {
			data = []byte("{}")
		}
		n.seq++
		recs = append(recs, events.Record{Seq: n.seq, CallID: callID, Name: ev.EventName(), Time: now, Data: data, Event: ev})
	}
	n.mu.Unlock()

	metrics.CallsCommitted.Add(1)
	n.publish(ctx, recs)
	return &CallResult{CallID: callID, Events: recs}, nil
}

// View 在读锁下执行只读访问
func (n *Node) View(fn func() error) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fn()
}

func (n *Node) publish(ctx context.Context, recs []events.Record) {
	if len(recs) == 0 {
		return
	}
	n.sinkM.Lock()
	sinks := append([]events.Sink{}, n.sinks...)
	n.sinkM.Unlock()
	for _, s := range sinks {
		if err := s.Publish(ctx, recs); err != nil {
			n.log.Errorf("publish %d events failed: %v", len(recs), err)
			continue
		}
	}
	metrics.EventsPublished.Add(int64(len(recs)))
}

// Checkpoint 把当前状态写入检查点存储
func (n *Node) Checkpoint() (uint64, error) {
	if n.store == nil {
		return 0, nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.store.Save(n.persistent()...)
}

// RunCheckpoints 周期性保存检查点，直到 ctx 结束；结束时再保存一次
func (n *Node) RunCheckpoints(ctx context.Context, interval time.Duration) {
	if n.store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if height, err := n.Checkpoint(); err != nil {
				n.log.Errorf("final checkpoint failed: %v", err)
			} else {
				n.log.Infof("final checkpoint saved: height=%d", height)
			}
			return
		case <-ticker.C:
			if _, err := n.Checkpoint(); err != nil {
				n.log.Errorf("checkpoint failed: %v", err)
			}
		}
	}
}
