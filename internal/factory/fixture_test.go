package factory

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/nestfolio/nestfolio/internal/asset"
	"github.com/nestfolio/nestfolio/internal/chain"
	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/internal/feesplitter"
	"github.com/nestfolio/nestfolio/internal/operator"
	"github.com/nestfolio/nestfolio/internal/records"
	"github.com/nestfolio/nestfolio/internal/reserve"
	"github.com/nestfolio/nestfolio/internal/staking"
	"github.com/nestfolio/nestfolio/pkg/units"
)

var (
	admin       = chain.Address("admin")
	alice       = chain.Address("alice")
	bob         = chain.Address("bob")
	shareholder = chain.Address("shareholder")

	factoryAddr  = chain.Address("factory")
	reserveAddr  = chain.Address("reserve")
	splitterAddr = chain.Address("feesplitter")
	routerAddr   = chain.Address("router")
	poolAddr     = chain.Address("staking")
	flatImpl     = chain.Address("operator:flat")
	swapImpl     = chain.Address("operator:swap")

	weth = chain.Address("token:WETH")
	uni  = chain.Address("token:UNI")
	knc  = chain.Address("token:KNC")
	nst  = chain.Address("token:NST")

	flatName = domain.NameOf("Flat")
	swapName = domain.NameOf("Swap")
)

func ether(s string) *big.Int { return units.MustParseWei(s, 18) }

type env struct {
	bank     *chain.Bank
	state    *chain.State
	log      *events.Log
	records  *records.Records
	reserve  *reserve.Reserve
	asset    *asset.Registry
	splitter *feesplitter.FeeSplitter
	resolver *operator.Resolver
	dir      *operator.Directory
	router   *operator.StaticRouter
	pool     *staking.Pool
	factory  *Factory
}

// testContext stands in for t.Context (Go 1.24+): a context canceled when the test ends.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{}
	e.bank = chain.NewBank(weth)
	for _, info := range []chain.TokenInfo{
		{Address: weth, Symbol: "WETH", Decimals: 18},
		{Address: uni, Symbol: "UNI", Decimals: 18},
		{Address: knc, Symbol: "KNC", Decimals: 18},
		{Address: nst, Symbol: "NST", Decimals: 18},
	} {
		require.NoError(t, e.bank.RegisterToken(info))
	}

	e.log = events.NewLog()
	e.state = chain.NewState(e.bank, e.log)
	e.records = records.New(admin, 0, e.log)
	e.reserve = reserve.New(admin, reserveAddr, e.bank)
	e.asset = asset.New(admin)

	var err error
	e.splitter, err = feesplitter.New(admin, splitterAddr, e.bank, 2000, e.state, e.log)
	require.NoError(t, err)
	require.NoError(t, e.splitter.SetShareholders(admin, []common.Address{shareholder}, []uint64{10000}))

	e.resolver = operator.NewResolver(admin, e.log)
	e.dir = operator.NewDirectory()
	e.router = operator.NewStaticRouter(routerAddr, e.bank)
	require.NoError(t, e.dir.Deploy(flatImpl, operator.FlatOperator{}))
	require.NoError(t, e.dir.Deploy(swapImpl, operator.NewSwapOperator(e.router)))
	e.pool = staking.NewPool(poolAddr, nst, e.bank, e.log)

	e.factory, err = New(Options{
		Address:     factoryAddr,
		Owner:       admin,
		Bank:        e.bank,
		Runner:      e.state,
		Records:     e.records,
		Reserve:     e.reserve,
		Asset:       e.asset,
		FeeSplitter: e.splitter,
		Resolver:    e.resolver,
		Directory:   e.dir,
		Staking:     e.pool,
		Emitter:     e.log,
	})
	require.NoError(t, err)
	e.state.Register(e.records, e.asset, e.splitter, e.resolver, e.pool, e.factory)

	require.NoError(t, e.reserve.AddFactory(admin, factoryAddr))
	require.NoError(t, e.asset.AddFactory(admin, factoryAddr))
	require.NoError(t, e.factory.AddOperator(admin, flatName))
	require.NoError(t, e.factory.AddOperator(admin, swapName))
	require.NoError(t, e.resolver.ImportOperators(admin,
		[]domain.OperatorName{flatName, swapName},
		[]operator.Definition{
			{Implementation: flatImpl, Selector: operator.FlatTransferSelector},
			{Implementation: swapImpl, Selector: operator.PerformSwapSelector},
		},
		[]operator.CacheDependent{e.factory},
	))

	one := big.NewInt(1)
	for _, p := range [][2]common.Address{{weth, uni}, {weth, knc}, {uni, weth}, {knc, weth}, {uni, knc}} {
		require.NoError(t, e.router.SetRate(p[0], p[1], one, one))
	}
	for _, token := range []common.Address{weth, uni, knc} {
		require.NoError(t, e.bank.Mint(token, routerAddr, ether("1000")))
	}
	require.NoError(t, e.bank.Mint(weth, alice, ether("100")))
	require.NoError(t, e.bank.Mint(weth, bob, ether("100")))
	require.NoError(t, e.bank.Mint(nst, bob, ether("100")))
	require.NoError(t, e.bank.MintNative(alice, ether("100")))

	e.log.Drain()
	return e
}

// buyOrder 买入指令：Token 为输出代币
func buyOrder(sell, buy common.Address, amount *big.Int) domain.Order {
	return domain.Order{
		Operator: swapName,
		Token:    buy,
		CallData: operator.EncodeSwap(sell, buy, operator.EncodeRouterSwap(sell, buy, amount)),
	}
}

// sellOrder 卖出指令：Token 为被卖出的代币
func sellOrder(sell, buy common.Address, amount *big.Int) domain.Order {
	o := buyOrder(sell, buy, amount)
	o.Token = sell
	return o
}

func flatOrder(token common.Address, amount *big.Int) domain.Order {
	return domain.Order{Operator: flatName, Token: token, CallData: operator.EncodeFlat(token, amount)}
}

// createUniKnc alice 用 10.1 WETH 买入 4 UNI + 6 KNC
func (e *env) createUniKnc(t *testing.T) uint64 {
	t.Helper()
	id, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth,
		Amount:     ether("10.1"),
		Orders: []domain.Order{
			buyOrder(weth, uni, ether("4")),
			buyOrder(weth, knc, ether("6")),
		},
	}})
	require.NoError(t, err)
	return id
}

func (e *env) eventNames() []string {
	var names []string
	for _, ev := range e.log.Drain() {
		names = append(names, ev.EventName())
	}
	return names
}

// requireConserved 每种代币：所有组合持仓之和等于托管余额
func (e *env) requireConserved(t *testing.T) {
	t.Helper()
	for _, token := range []common.Address{weth, uni, knc} {
		require.Equal(t, e.reserve.BalanceOf(token).String(), e.records.TotalHeld(token).String(), "token %s", token.Hex())
	}
	require.Zero(t, e.bank.BalanceOf(weth, factoryAddr).Sign(), "engine must not retain WETH")
	require.Zero(t, e.bank.BalanceOf(uni, factoryAddr).Sign(), "engine must not retain UNI")
	require.Zero(t, e.bank.BalanceOf(knc, factoryAddr).Sign(), "engine must not retain KNC")
}
