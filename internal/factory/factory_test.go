package factory

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/nestfolio/nestfolio/internal/access"
	"github.com/nestfolio/nestfolio/internal/chain"
	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/internal/operator"
	"github.com/nestfolio/nestfolio/internal/records"
)

func TestCreateBuysIntoReserve(t *testing.T) {
	e := newEnv(t)
	id := e.createUniKnc(t)
	require.Equal(t, uint64(1), id)

	owner, err := e.asset.OwnerOf(id)
	require.NoError(t, err)
	require.Equal(t, alice, owner)

	require.Equal(t, ether("4").String(), e.reserve.BalanceOf(uni).String())
	require.Equal(t, ether("6").String(), e.reserve.BalanceOf(knc).String())
	require.Equal(t, ether("0.1").String(), e.bank.BalanceOf(weth, splitterAddr).String())
	require.Equal(t, ether("0.1").String(), e.splitter.GetAmountDue(shareholder, weth).String())
	require.Equal(t, ether("89.9").String(), e.bank.BalanceOf(weth, alice).String())

	holdings := e.records.Holdings(id)
	require.Len(t, holdings, 2)
	require.Equal(t, []common.Address{uni, knc}, e.records.GetAssetTokens(id))
	require.Equal(t, ether("4").String(), e.records.GetAssetHolding(id, uni).String())
	require.Equal(t, ether("6").String(), e.records.GetAssetHolding(id, knc).String())
	require.Equal(t, reserveAddr, e.records.GetAssetReserve(id))

	require.Contains(t, e.eventNames(), "NftCreated")
	e.requireConserved(t)
}

func TestCreateRefundsUnderSpend(t *testing.T) {
	e := newEnv(t)
	_, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth,
		Amount:     ether("20"),
		Orders:     []domain.Order{buyOrder(weth, uni, ether("10"))},
	}})
	require.NoError(t, err)
	// 花费 10 + 手续费 0.1，其余 9.9 退回
	require.Equal(t, ether("89.9").String(), e.bank.BalanceOf(weth, alice).String())
	e.requireConserved(t)
}

func TestCreateOverspendFails(t *testing.T) {
	e := newEnv(t)
	_, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth,
		Amount:     ether("10"),
		Orders:     []domain.Order{buyOrder(weth, uni, ether("10"))},
	}})
	require.ErrorIs(t, err, ErrOverspent)
	require.Equal(t, ether("100").String(), e.bank.BalanceOf(weth, alice).String())
	require.False(t, e.asset.Exists(1))
}

func TestCreateFlatOrder(t *testing.T) {
	e := newEnv(t)
	id, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth,
		Amount:     ether("5.05"),
		Orders:     []domain.Order{flatOrder(weth, ether("5"))},
	}})
	require.NoError(t, err)
	require.Equal(t, ether("5").String(), e.records.GetAssetHolding(id, weth).String())
	require.Equal(t, ether("0.05").String(), e.bank.BalanceOf(weth, splitterAddr).String())
	e.requireConserved(t)
}

func TestCreateWithETH(t *testing.T) {
	e := newEnv(t)
	id, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice, Value: ether("10.1")}, 0, []domain.BatchedInputOrders{{
		InputToken: domain.ETH,
		Amount:     ether("10.1"),
		Orders:     []domain.Order{buyOrder(weth, uni, ether("10"))},
	}})
	require.NoError(t, err)
	require.Equal(t, ether("89.9").String(), e.bank.NativeBalanceOf(alice).String())
	require.Equal(t, ether("10").String(), e.records.GetAssetHolding(id, uni).String())
	require.Equal(t, ether("0.1").String(), e.bank.BalanceOf(weth, splitterAddr).String())
	require.Zero(t, e.bank.NativeBalanceOf(factoryAddr).Sign())
	e.requireConserved(t)
}

func TestCreateWrongMsgValue(t *testing.T) {
	e := newEnv(t)
	_, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice, Value: ether("1")}, 0, []domain.BatchedInputOrders{{
		InputToken: weth,
		Amount:     ether("10.1"),
		Orders:     []domain.Order{buyOrder(weth, uni, ether("10"))},
	}})
	require.ErrorIs(t, err, ErrWrongMsgValue)
	require.Equal(t, ether("100").String(), e.bank.NativeBalanceOf(alice).String())

	_, err = e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, nil)
	require.ErrorIs(t, err, ErrInvalidMultiOrders)
}

func TestTooManyTokensRollsBack(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.records.SetMaxHoldingsCount(admin, 1))
	e.log.Drain()

	_, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth,
		Amount:     ether("10.1"),
		Orders: []domain.Order{
			buyOrder(weth, uni, ether("4")),
			buyOrder(weth, knc, ether("6")),
		},
	}})
	require.ErrorIs(t, err, records.ErrTooManyTokens)
	require.Equal(t, "NRC: TOO_MANY_TOKENS", domain.ReasonOf(err))

	require.False(t, e.asset.Exists(1))
	require.Equal(t, 0, e.records.GetAssetTokensLength(1))
	require.Equal(t, ether("100").String(), e.bank.BalanceOf(weth, alice).String())
	require.Equal(t, ether("1000").String(), e.bank.BalanceOf(uni, routerAddr).String())
	require.Zero(t, e.bank.BalanceOf(weth, splitterAddr).Sign())
	require.Zero(t, e.log.Len(), "reverted call must not emit events")

	// 回滚后 id 计数同样恢复
	require.NoError(t, e.records.SetMaxHoldingsCount(admin, 2))
	require.Equal(t, uint64(1), e.createUniKnc(t))
}

func TestMissingOperator(t *testing.T) {
	e := newEnv(t)
	order := buyOrder(weth, uni, ether("1"))
	order.Operator = domain.NameOf("Ghost")
	_, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth, Amount: ether("1.01"), Orders: []domain.Order{order},
	}})
	require.Error(t, err)
	require.Equal(t, "MOR: MISSING_OPERATOR: Ghost", domain.ReasonOf(err))

	// 从 factory 移除后同样无法使用
	require.NoError(t, e.factory.RemoveOperator(admin, swapName))
	_, err = e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth, Amount: ether("1.01"), Orders: []domain.Order{buyOrder(weth, uni, ether("1"))},
	}})
	require.Equal(t, "MOR: MISSING_OPERATOR: Swap", domain.ReasonOf(err))
}

func TestInvalidOutputToken(t *testing.T) {
	e := newEnv(t)
	order := buyOrder(weth, uni, ether("1"))
	order.Token = knc
	_, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth, Amount: ether("1.01"), Orders: []domain.Order{order},
	}})
	require.ErrorIs(t, err, ErrInvalidOutputToken)
}

type reentrantOperator struct {
	f *Factory
}

func (r reentrantOperator) Handle(ctx *operator.Context, _ operator.Selector, _ []byte) (*operator.Result, error) {
	_, err := r.f.Create(ctx.Ctx, domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth, Amount: ether("1.01"), Orders: []domain.Order{buyOrder(weth, uni, ether("1"))},
	}})
	return nil, err
}

func TestReentrantCallFails(t *testing.T) {
	e := newEnv(t)
	impl := chain.Address("operator:reentrant")
	name := domain.NameOf("Reenter")
	require.NoError(t, e.dir.Deploy(impl, reentrantOperator{f: e.factory}))
	require.NoError(t, e.factory.AddOperator(admin, name))
	require.NoError(t, e.resolver.ImportOperators(admin,
		[]domain.OperatorName{name},
		[]operator.Definition{{Implementation: impl, Selector: operator.SelectorOf("reenter()")}},
		[]operator.CacheDependent{e.factory},
	))

	_, err := e.factory.Create(testContext(t), domain.Msg{Sender: alice}, 0, []domain.BatchedInputOrders{{
		InputToken: weth, Amount: ether("1"), Orders: []domain.Order{{Operator: name, Token: uni}},
	}})
	require.ErrorIs(t, err, ErrOperatorCallFailed)
	require.True(t, errors.Is(err, ErrReentrantCall))
	require.False(t, e.asset.Exists(1))

	// 保护在调用结束后释放
	e.createUniKnc(t)
}

func TestRoyaltyOnReplica(t *testing.T) {
	e := newEnv(t)
	original := e.createUniKnc(t)
	e.log.Drain()

	replica, err := e.factory.Create(testContext(t), domain.Msg{Sender: bob}, original, []domain.BatchedInputOrders{{
		InputToken: weth,
		Amount:     ether("10.1"),
		Orders:     []domain.Order{buyOrder(weth, uni, ether("10"))},
	}})
	require.NoError(t, err)
	require.Equal(t, original, e.asset.OriginalAsset(replica))
	require.Equal(t, alice, e.asset.OriginalOwner(replica))

	// 0.1 WETH 按 10000 / (10000 + 2000) 分配
	require.Equal(t, "16666666666666666", e.splitter.GetAmountDue(alice, weth).String())
	due := new(big.Int).Add(ether("0.1"), big.NewInt(83333333333333333))
	require.Equal(t, due.String(), e.splitter.GetAmountDue(shareholder, weth).String())

	var royalty *events.RoyaltiesReceivedEvent
	for _, ev := range e.log.Drain() {
		if r, ok := ev.(events.RoyaltiesReceivedEvent); ok {
			royalty = &r
		}
	}
	require.NotNil(t, royalty)
	require.Equal(t, alice, royalty.Recipient)

	_, err = e.factory.Create(testContext(t), domain.Msg{Sender: bob}, 42, []domain.BatchedInputOrders{{
		InputToken: weth, Amount: ether("1.01"), Orders: []domain.Order{buyOrder(weth, uni, ether("1"))},
	}})
	require.Error(t, err)
}

func TestVIPDiscount(t *testing.T) {
	e := newEnv(t)
	require.ErrorIs(t, e.factory.UpdateVIPDiscount(admin, 1000, ether("10")), ErrDiscountTooHigh)
	require.NoError(t, e.factory.UpdateVIPDiscount(admin, 500, ether("10")))
	_, err := e.pool.Stake(bob, ether("10"))
	require.NoError(t, err)

	_, err = e.factory.Create(testContext(t), domain.Msg{Sender: bob}, 0, []domain.BatchedInputOrders{{
		InputToken: weth,
		Amount:     ether("10.1"),
		Orders:     []domain.Order{buyOrder(weth, uni, ether("10"))},
	}})
	require.NoError(t, err)
	// 手续费 0.1 打五折，剩余 0.05 退回
	require.Equal(t, ether("0.05").String(), e.bank.BalanceOf(weth, splitterAddr).String())
	require.Equal(t, ether("89.95").String(), e.bank.BalanceOf(weth, bob).String())

	// 未达门槛按全价
	e.createUniKnc(t)
	require.Equal(t, ether("0.15").String(), e.bank.BalanceOf(weth, splitterAddr).String())
}

func TestSellTokensToWalletUnwrapsETH(t *testing.T) {
	e := newEnv(t)
	id := e.createUniKnc(t)

	err := e.factory.SellTokensToWallet(testContext(t), domain.Msg{Sender: alice}, id, domain.ETH,
		[]*big.Int{ether("2")}, []domain.Order{sellOrder(uni, weth, ether("2"))})
	require.NoError(t, err)

	require.Equal(t, ether("101.98").String(), e.bank.NativeBalanceOf(alice).String())
	require.Equal(t, ether("2").String(), e.records.GetAssetHolding(id, uni).String())
	require.Equal(t, ether("0.12").String(), e.bank.BalanceOf(weth, splitterAddr).String())
	e.requireConserved(t)

	err = e.factory.SellTokensToWallet(testContext(t), domain.Msg{Sender: alice}, id, weth,
		[]*big.Int{ether("5")}, []domain.Order{sellOrder(uni, weth, ether("5"))})
	require.ErrorIs(t, err, ErrInsufficientAmount)
}

func TestSellTokensToNft(t *testing.T) {
	e := newEnv(t)
	id := e.createUniKnc(t)

	err := e.factory.SellTokensToNft(testContext(t), domain.Msg{Sender: alice}, id, weth,
		[]*big.Int{ether("4"), ether("1")},
		[]domain.Order{sellOrder(uni, weth, ether("4")), sellOrder(knc, weth, ether("1"))})
	require.NoError(t, err)

	require.Equal(t, []common.Address{knc, weth}, e.records.GetAssetTokens(id))
	require.Equal(t, ether("4.95").String(), e.records.GetAssetHolding(id, weth).String())
	require.Equal(t, ether("5").String(), e.records.GetAssetHolding(id, knc).String())
	e.requireConserved(t)
}

func TestSwapTokenForTokensFromReserve(t *testing.T) {
	e := newEnv(t)
	id := e.createUniKnc(t)

	err := e.factory.SwapTokenForTokens(testContext(t), domain.Msg{Sender: alice}, id, uni, ether("2.02"),
		[]domain.Order{buyOrder(uni, knc, ether("2"))})
	require.NoError(t, err)

	require.Equal(t, ether("1.98").String(), e.records.GetAssetHolding(id, uni).String())
	require.Equal(t, ether("8").String(), e.records.GetAssetHolding(id, knc).String())
	require.Equal(t, ether("0.02").String(), e.bank.BalanceOf(uni, splitterAddr).String())
	e.requireConserved(t)

	err = e.factory.ProcessInputOrders(testContext(t), domain.Msg{Sender: alice}, id, []domain.BatchedInputOrders{{
		InputToken: domain.ETH, Amount: ether("1"), Orders: []domain.Order{buyOrder(weth, uni, ether("1"))}, FromReserve: true,
	}})
	require.Error(t, err)
}

func TestProcessInputAndOutputOrders(t *testing.T) {
	e := newEnv(t)
	id := e.createUniKnc(t)

	err := e.factory.ProcessInputAndOutputOrders(testContext(t), domain.Msg{Sender: alice}, id,
		[]domain.BatchedInputOrders{{
			InputToken: weth, Amount: ether("1.01"), Orders: []domain.Order{buyOrder(weth, knc, ether("1"))},
		}},
		[]domain.BatchedOutputOrders{{
			OutputToken: weth, Amounts: []*big.Int{ether("1")}, Orders: []domain.Order{sellOrder(uni, weth, ether("1"))}, ToReserve: true,
		}},
	)
	require.NoError(t, err)
	require.Equal(t, ether("3").String(), e.records.GetAssetHolding(id, uni).String())
	require.Equal(t, ether("7").String(), e.records.GetAssetHolding(id, knc).String())
	require.Equal(t, ether("0.99").String(), e.records.GetAssetHolding(id, weth).String())
	e.requireConserved(t)

	err = e.factory.ProcessInputAndOutputOrders(testContext(t), domain.Msg{Sender: alice}, id, nil, nil)
	require.ErrorIs(t, err, ErrInvalidMultiOrders)
}

func TestOnlyOwnerMayTrade(t *testing.T) {
	e := newEnv(t)
	id := e.createUniKnc(t)

	err := e.factory.AddTokens(testContext(t), domain.Msg{Sender: bob}, id, weth, ether("1.01"),
		[]domain.Order{buyOrder(weth, uni, ether("1"))})
	require.ErrorIs(t, err, ErrCallerNotOwner)
	require.Equal(t, domain.KindAuthorization, domain.KindOf(err))

	err = e.factory.AddTokens(testContext(t), domain.Msg{Sender: alice}, id, weth, ether("1.01"),
		[]domain.Order{buyOrder(weth, uni, ether("1"))})
	require.NoError(t, err)
	require.Equal(t, ether("5").String(), e.records.GetAssetHolding(id, uni).String())
}

func TestLockTimestamp(t *testing.T) {
	e := newEnv(t)
	id := e.createUniKnc(t)
	until := time.Now().Add(time.Hour).Unix()

	require.NoError(t, e.factory.UpdateLockTimestamp(testContext(t), domain.Msg{Sender: alice}, id, until))
	require.Equal(t, until, e.records.GetLockTimestamp(id))
	require.Contains(t, e.eventNames(), "LockTimestampIncreased")

	err := e.factory.UpdateLockTimestamp(testContext(t), domain.Msg{Sender: alice}, id, until-1)
	require.ErrorIs(t, err, records.ErrLockPeriodDecrease)

	err = e.factory.AddTokens(testContext(t), domain.Msg{Sender: alice}, id, weth, ether("1.01"),
		[]domain.Order{buyOrder(weth, uni, ether("1"))})
	require.ErrorIs(t, err, ErrLockedNft)

	_, err = e.factory.Destroy(testContext(t), domain.Msg{Sender: alice}, id, weth, nil)
	require.ErrorIs(t, err, ErrLockedNft)

	err = e.factory.UpdateLockTimestamp(testContext(t), domain.Msg{Sender: bob}, id, until+1)
	require.ErrorIs(t, err, ErrCallerNotOwner)
}

func TestAdminOperations(t *testing.T) {
	e := newEnv(t)

	require.ErrorIs(t, e.factory.AddOperator(bob, domain.NameOf("X")), access.ErrNotOwner)
	require.ErrorIs(t, e.factory.AddOperator(admin, flatName), ErrExistentOperator)
	require.ErrorIs(t, e.factory.AddOperator(admin, domain.OperatorName{}), ErrInvalidOperatorName)
	require.ErrorIs(t, e.factory.RemoveOperator(admin, domain.NameOf("X")), ErrNonExistentOperator)
	require.ErrorIs(t, e.factory.UpdateVIPDiscount(bob, 1, ether("1")), access.ErrNotOwner)

	require.True(t, e.factory.IsResolverCached())
	require.NoError(t, e.factory.AddOperator(admin, domain.NameOf("Pending")))
	require.False(t, e.factory.IsResolverCached())
	require.NoError(t, e.factory.RemoveOperator(admin, domain.NameOf("Pending")))
	require.True(t, e.factory.IsResolverCached())
	require.ElementsMatch(t, []domain.OperatorName{flatName, swapName}, e.factory.Operators())

	// resolver 更新实现后，缓存随依赖方一起重建
	newImpl := chain.Address("operator:flat:v2")
	require.NoError(t, e.dir.Deploy(newImpl, operator.FlatOperator{}))
	require.NoError(t, e.resolver.ImportOperators(admin,
		[]domain.OperatorName{flatName},
		[]operator.Definition{{Implementation: newImpl, Selector: operator.FlatTransferSelector}},
		[]operator.CacheDependent{e.factory},
	))
	require.True(t, e.factory.IsResolverCached())
}

func TestUnlockTokens(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.bank.Mint(uni, factoryAddr, ether("1")))

	_, err := e.factory.UnlockTokens(bob, uni)
	require.ErrorIs(t, err, access.ErrNotOwner)

	amount, err := e.factory.UnlockTokens(admin, uni)
	require.NoError(t, err)
	require.Equal(t, ether("1").String(), amount.String())
	require.Equal(t, ether("1").String(), e.bank.BalanceOf(uni, admin).String())

	amount, err = e.factory.UnlockTokens(admin, uni)
	require.NoError(t, err)
	require.Zero(t, amount.Sign())
}

func TestUnlockTokensRevertedWithEnclosingCall(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.bank.Mint(uni, factoryAddr, ether("1")))
	e.log.Drain()

	outer := errors.New("later step failed")
	err := e.state.Atomic(func() error {
		if _, err := e.factory.UnlockTokens(admin, uni); err != nil {
			return err
		}
		return outer
	})
	require.ErrorIs(t, err, outer)
	require.Zero(t, e.log.Len(), "TokensUnlocked must not survive the rollback")
	require.Equal(t, ether("1").String(), e.bank.BalanceOf(uni, factoryAddr).String())
	require.Zero(t, e.bank.BalanceOf(uni, admin).Sign())

	_, err = e.factory.UnlockTokens(admin, uni)
	require.NoError(t, err)
	evs := e.log.Drain()
	require.Len(t, evs, 1)
	ev, ok := evs[0].(events.TokensUnlockedEvent)
	require.True(t, ok, "got %T", evs[0])
	require.Equal(t, uni, ev.Token)
	require.Equal(t, ether("1").String(), ev.Amount.String())
}

func TestFactoryStateRoundTrip(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.factory.UpdateVIPDiscount(admin, 250, ether("3")))
	data, err := e.factory.MarshalState()
	require.NoError(t, err)

	restored, err := New(Options{
		Address: factoryAddr, Owner: admin, Bank: e.bank, Runner: e.state, Records: e.records,
		Reserve: e.reserve, Asset: e.asset, FeeSplitter: e.splitter, Resolver: e.resolver, Directory: e.dir,
	})
	require.NoError(t, err)
	require.NoError(t, restored.UnmarshalState(data))

	discount, minAmount := restored.VIPDiscount()
	require.Equal(t, uint64(250), discount)
	require.Equal(t, ether("3").String(), minAmount.String())
	require.True(t, restored.IsResolverCached())
}
