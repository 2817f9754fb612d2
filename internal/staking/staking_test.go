package staking

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nestfolio/nestfolio/internal/chain"
	"github.com/nestfolio/nestfolio/internal/events"
)

func TestPool_StakeUnstake(t *testing.T) {
	var (
		nst   = chain.Address("token:NST")
		pool  = chain.Address("staking")
		alice = chain.Address("alice")
	)
	bank := chain.NewBank(chain.Address("token:WETH"))
	require.NoError(t, bank.RegisterToken(chain.TokenInfo{Address: nst, Symbol: "NST", Decimals: 18}))
	require.NoError(t, bank.Mint(nst, alice, big.NewInt(100)))

	log := events.NewLog()
	p := NewPool(pool, nst, bank, log)

	got, err := p.Stake(alice, big.NewInt(60))
	require.NoError(t, err)
	require.Equal(t, int64(60), got.Int64())

	staked, err := p.StakedAmount(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, int64(60), staked.Int64())

	err = p.Unstake(alice, big.NewInt(61))
	require.True(t, errors.Is(err, ErrInsufficientStake), "got %v", err)

	require.NoError(t, p.Unstake(alice, big.NewInt(20)))
	require.Equal(t, int64(60), bank.BalanceOf(nst, alice).Int64())
	require.Len(t, log.Drain(), 2)
}

func TestHTTPOracle_StakedAmount(t *testing.T) {
	alice := chain.Address("alice")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/stakes/"+alice.Hex() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"account":"` + alice.Hex() + `","amount":"5000000000000000000"}`))
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL+"/", time.Second, time.Minute)
	amount, err := o.StakedAmount(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, "5000000000000000000", amount.String())

	// 第二次读取命中缓存
	amount, err = o.StakedAmount(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, "5000000000000000000", amount.String())
	require.Equal(t, int32(1), hits.Load())

	_, err = o.StakedAmount(context.Background(), chain.Address("bob"))
	require.Error(t, err)
}
