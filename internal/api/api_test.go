package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nestfolio/nestfolio/internal/eventlog"
	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/internal/node"
	"github.com/nestfolio/nestfolio/pkg/config"
	"github.com/nestfolio/nestfolio/pkg/keyring"
	"github.com/nestfolio/nestfolio/pkg/ratelimit"
	"github.com/nestfolio/nestfolio/pkg/reqsign"
	"github.com/nestfolio/nestfolio/pkg/units"
)

func ether(s string) string { return units.MustParseWei(s, 18).String() }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Log.OutputFile = ""
	cfg.Tokens = []config.TokenConfig{
		{Symbol: "WETH", Decimals: 18},
		{Symbol: "UNI", Decimals: 18},
		{Symbol: "NST", Decimals: 18},
	}
	cfg.Fees.Shareholders = []config.ShareholderConfig{{Account: "treasury", Weight: 10000}}
	cfg.Staking.Token = "NST"
	cfg.Router.Rates = []config.RateConfig{{Sell: "WETH", Buy: "UNI", Rate: "2"}}
	cfg.Router.Liquidity = map[string]string{"UNI": "1000"}
	cfg.Faucet = []config.FaucetConfig{
		{Account: "alice", Token: "WETH", Amount: "50"},
		{Account: "bob", Token: "NST", Amount: "10"},
	}
	cfg.Accounts = config.AccountsConfig{Mnemonic: testMnemonic, Names: []string{"admin", "treasury", "alice", "bob"}}
	return cfg
}

const testMnemonic = "test test test test test test test test test test test junk"

type testServer struct {
	srv   *Server
	h     http.Handler
	keys  *keyring.Keyring
	base  uint64
	nonce uint64
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	evlog, err := eventlog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = evlog.Close() })

	n, err := node.New(node.Options{Config: testConfig(), Sinks: []events.Sink{evlog}})
	require.NoError(t, err)
	srv := New(n, evlog, limiter, time.Minute)
	return &testServer{srv: srv, h: srv.Router(), keys: n.Keyring(), base: uint64(time.Now().UnixMilli())}
}

// sign 用 signer 的派生密钥签名；每次使用新的 nonce
func (ts *testServer) sign(t *testing.T, signer, method, path string, raw []byte) http.Header {
	t.Helper()
	key, ok := ts.keys.Key(signer)
	require.True(t, ok, "no key for %s", signer)
	ts.nonce++
	nonce := ts.base + ts.nonce
	sig, err := reqsign.Sign(key, method, path, nonce, raw)
	require.NoError(t, err)
	hdr := http.Header{}
	hdr.Set(reqsign.HeaderNonce, strconv.FormatUint(nonce, 10))
	hdr.Set(reqsign.HeaderSignature, sig)
	return hdr
}

func (ts *testServer) send(t *testing.T, method, path string, raw []byte, hdr http.Header) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

// do 以 body 中的 sender 身份签名 POST；GET 不签名
func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	signer := ""
	if m, ok := body.(map[string]any); ok && method != http.MethodGet {
		signer, _ = m["sender"].(string)
	}
	return ts.doAs(t, signer, method, path, body)
}

// doAs signer 为空时不签名
func (ts *testServer) doAs(t *testing.T, signer, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	var hdr http.Header
	if signer != "" {
		hdr = ts.sign(t, signer, method, path, raw)
	}
	return ts.send(t, method, path, raw, hdr)
}

func createBody(amount string) map[string]any {
	return map[string]any{
		"sender": "alice",
		"inputs": []map[string]any{{
			"input_token": "WETH",
			"amount":      units.MustParseWei(amount, 18).String(),
			"orders": []map[string]any{{
				"operator": "Swap",
				"token":    "UNI",
				"swap":     map[string]any{"sell": "WETH", "buy": "UNI", "amount": ether("10")},
			}},
		}},
	}
}

func TestCreateAndQueryPortfolio(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/portfolios", createBody("10.1"))
	require.Equal(t, http.StatusOK, code, body)
	require.NotEmpty(t, body["call_id"])
	require.Equal(t, float64(1), body["result"].(map[string]any)["nft_id"])

	code, body = ts.do(t, http.MethodGet, "/api/portfolios/1", nil)
	require.Equal(t, http.StatusOK, code)
	holdings := body["holdings"].([]any)
	require.Len(t, holdings, 1)
	h := holdings[0].(map[string]any)
	require.Equal(t, "UNI", h["symbol"])
	require.Equal(t, ether("20"), h["amount"])

	code, body = ts.do(t, http.MethodGet, "/api/portfolios/1/holdings/UNI", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, ether("20"), body["amount"])

	code, body = ts.do(t, http.MethodGet, "/api/fees/treasury/WETH", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, ether("0.1"), body["due"])

	code, body = ts.do(t, http.MethodGet, "/api/balances/alice/WETH", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, ether("39.9"), body["balance"])
}

func TestErrorStatus(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.do(t, http.MethodGet, "/api/portfolios/7", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodGet, "/api/portfolios/abc", nil)
	require.Equal(t, http.StatusBadRequest, code)

	// 未签名
	code, _ = ts.doAs(t, "", http.MethodPost, "/api/portfolios", createBody("10.1"))
	require.Equal(t, http.StatusUnauthorized, code)

	// 输入不足以覆盖花费与手续费
	code, resp := ts.do(t, http.MethodPost, "/api/portfolios", createBody("1"))
	require.NotEqual(t, http.StatusOK, code)
	require.NotEmpty(t, resp["error"])

	code, _ = ts.do(t, http.MethodPost, "/api/portfolios", createBody("10.1"))
	require.Equal(t, http.StatusOK, code)
	code, resp = ts.do(t, http.MethodPost, "/api/portfolios/1/lock", map[string]any{"sender": "bob", "timestamp": 1})
	require.Equal(t, http.StatusForbidden, code, resp)
}

func TestSenderMustMatchSigner(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodPost, "/api/portfolios", createBody("10.1"))
	require.Equal(t, http.StatusOK, code)

	// bob 签名却声称自己是 alice
	lock := map[string]any{"sender": "alice", "timestamp": int64(1) << 62}
	code, resp := ts.doAs(t, "bob", http.MethodPost, "/api/portfolios/1/lock", lock)
	require.Equal(t, http.StatusForbidden, code, resp)
	require.Equal(t, "API: SENDER_NOT_SIGNER", resp["error"])

	code, body := ts.do(t, http.MethodGet, "/api/portfolios/1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Zero(t, body["lock_timestamp"])

	// alice 仍然可以操作自己的 portfolio
	code, resp = ts.do(t, http.MethodPost, "/api/portfolios/1/lock", map[string]any{"sender": "alice", "timestamp": time.Now().Add(time.Hour).Unix()})
	require.Equal(t, http.StatusOK, code, resp)
}

func TestSenderDefaultsToSigner(t *testing.T) {
	ts := newTestServer(t)
	body := createBody("10.1")
	delete(body, "sender")
	code, resp := ts.doAs(t, "alice", http.MethodPost, "/api/portfolios", body)
	require.Equal(t, http.StatusOK, code, resp)

	code, view := ts.do(t, http.MethodGet, "/api/portfolios/1", nil)
	require.Equal(t, http.StatusOK, code)
	alice, _ := ts.keys.Address("alice")
	require.Equal(t, alice.Hex(), view["owner"])
}

func TestSignedRequestCannotBeReplayedOrAltered(t *testing.T) {
	ts := newTestServer(t)
	path := "/api/portfolios"
	raw, err := json.Marshal(createBody("10.1"))
	require.NoError(t, err)
	hdr := ts.sign(t, "alice", http.MethodPost, path, raw)

	code, _ := ts.send(t, http.MethodPost, path, raw, hdr)
	require.Equal(t, http.StatusOK, code)
	code, resp := ts.send(t, http.MethodPost, path, raw, hdr)
	require.Equal(t, http.StatusUnauthorized, code, resp)

	// 篡改请求体后恢复出的签名者不是 alice
	hdr = ts.sign(t, "alice", http.MethodPost, path, raw)
	tampered, err := json.Marshal(createBody("20.2"))
	require.NoError(t, err)
	code, resp = ts.send(t, http.MethodPost, path, tampered, hdr)
	require.Equal(t, http.StatusForbidden, code, resp)

	// 同一签名换一个路径也不行
	hdr = ts.sign(t, "alice", http.MethodPost, "/api/portfolios/1/lock", raw)
	code, _ = ts.send(t, http.MethodPost, path, raw, hdr)
	require.Equal(t, http.StatusForbidden, code)
}

func TestNonceOutsideWindowRejected(t *testing.T) {
	ts := newTestServer(t)
	raw, err := json.Marshal(createBody("10.1"))
	require.NoError(t, err)
	key, _ := ts.keys.Key("alice")
	sig, err := reqsign.Sign(key, http.MethodPost, "/api/portfolios", 1, raw)
	require.NoError(t, err)

	hdr := http.Header{}
	hdr.Set(reqsign.HeaderNonce, "1")
	hdr.Set(reqsign.HeaderSignature, sig)
	code, _ := ts.send(t, http.MethodPost, "/api/portfolios", raw, hdr)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestNonceGuard(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	g := newNonceGuard(time.Minute)
	g.now = func() time.Time { return now }
	alice, bob := common.HexToAddress("0xa1"), common.HexToAddress("0xb0")
	base := uint64(now.UnixMilli())

	require.NoError(t, g.accept(alice, base))
	require.Error(t, g.accept(alice, base))
	require.Error(t, g.accept(alice, base-1))
	require.NoError(t, g.accept(alice, base+1))
	// 各签名者独立计数
	require.NoError(t, g.accept(bob, base))

	require.Error(t, g.accept(bob, base+uint64(2*time.Minute.Milliseconds())))
	require.Error(t, g.accept(bob, base-uint64(2*time.Minute.Milliseconds())))
	require.Error(t, g.accept(bob, ^uint64(0)))
}

func TestLockAndRelease(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodPost, "/api/portfolios", createBody("10.1"))
	require.Equal(t, http.StatusOK, code)

	code, body := ts.do(t, http.MethodPost, "/api/portfolios/1/lock", map[string]any{"sender": "alice", "timestamp": time.Now().Add(time.Hour).Unix()})
	require.Equal(t, http.StatusOK, code, body)
	code, body = ts.do(t, http.MethodGet, "/api/portfolios/1", nil)
	require.Equal(t, http.StatusOK, code)
	require.NotZero(t, body["lock_timestamp"])

	code, body = ts.do(t, http.MethodPost, "/api/fees/release", map[string]any{"sender": "treasury", "tokens": []string{"WETH"}})
	require.Equal(t, http.StatusOK, code, body)
	released := body["result"].(map[string]any)["released"].([]any)
	require.Equal(t, ether("0.1"), released[0])

	code, body = ts.do(t, http.MethodPost, "/api/staking/stake", map[string]any{"sender": "bob", "amount": ether("5")})
	require.Equal(t, http.StatusOK, code, body)
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	code, created := ts.do(t, http.MethodPost, "/api/portfolios", createBody("10.1"))
	require.Equal(t, http.StatusOK, code)

	code, body := ts.do(t, http.MethodGet, "/api/events?call_id="+created["call_id"].(string), nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["events"].([]any), len(created["events"].([]any)))

	code, body = ts.do(t, http.MethodGet, "/api/events?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["events"].([]any), 1)
}

func TestOperatorsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/api/operators", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["cached"])
	require.ElementsMatch(t, []any{"Flat", "Swap"}, body["enabled"])
}

func TestWebsocketReceivesEvents(t *testing.T) {
	ts := newTestServer(t)
	hs := httptest.NewServer(ts.h)
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.srv.Hub().Clients() == 1 }, time.Second, 10*time.Millisecond)

	code, _ := ts.do(t, http.MethodPost, "/api/portfolios", createBody("10.1"))
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(msg, &rec))
	require.Equal(t, float64(1), rec["seq"])
	require.NotEmpty(t, rec["name"])
}

func TestRateLimitMutations(t *testing.T) {
	ts := newTestServerWith(t, ratelimit.New(1, time.Minute))

	code, _ := ts.do(t, http.MethodPost, "/api/portfolios", createBody("10.1"))
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodPost, "/api/portfolios", createBody("10.1"))
	require.Equal(t, http.StatusTooManyRequests, code)

	// 查询不受限
	code, _ = ts.do(t, http.MethodGet, "/api/portfolios/1", nil)
	require.Equal(t, http.StatusOK, code)
}
