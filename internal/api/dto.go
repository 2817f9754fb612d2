package api

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/node"
	"github.com/nestfolio/nestfolio/internal/operator"
)

// 金额一律为十进制整数字符串（最小单位）；代币可以是 symbol、"ETH" 或 0x 地址；
// 账户可以是 0x 地址、开发账户名或标签。

type swapArgs struct {
	Sell   string `json:"sell"`
	Buy    string `json:"buy"`
	Amount string `json:"amount"`
}

type flatArgs struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// orderRequest 一条指令。call_data 为 ABI 编码参数（不含 selector）；
// 也可以用 swap / flat 让服务端编码。
type orderRequest struct {
	Operator string    `json:"operator"`
	Token    string    `json:"token"`
	CallData string    `json:"call_data,omitempty"`
	Swap     *swapArgs `json:"swap,omitempty"`
	Flat     *flatArgs `json:"flat,omitempty"`
}

type inputBatchRequest struct {
	InputToken  string         `json:"input_token"`
	Amount      string         `json:"amount"`
	Orders      []orderRequest `json:"orders"`
	FromReserve bool           `json:"from_reserve"`
}

type outputBatchRequest struct {
	OutputToken string         `json:"output_token"`
	Amounts     []string       `json:"amounts"`
	Orders      []orderRequest `json:"orders"`
	ToReserve   bool           `json:"to_reserve"`
}

type callRequest struct {
	Sender string `json:"sender,omitempty"`
	Value  string `json:"value,omitempty"`
}

type createRequest struct {
	callRequest
	OriginalID uint64              `json:"original_id"`
	Inputs     []inputBatchRequest `json:"inputs"`
}

type inputOrdersRequest struct {
	callRequest
	Inputs []inputBatchRequest `json:"inputs"`
}

type outputOrdersRequest struct {
	callRequest
	Outputs []outputBatchRequest `json:"outputs"`
}

type destroyRequest struct {
	callRequest
	BuyToken string         `json:"buy_token"`
	Orders   []orderRequest `json:"orders"`
}

type withdrawRequest struct {
	callRequest
	TokenIndex int `json:"token_index"`
}

type lockRequest struct {
	callRequest
	Timestamp int64 `json:"timestamp"`
}

type releaseRequest struct {
	callRequest
	Tokens []string `json:"tokens"`
}

type stakeRequest struct {
	callRequest
	Amount string `json:"amount"`
}

type holdingView struct {
	Token  string `json:"token"`
	Symbol string `json:"symbol,omitempty"`
	Amount string `json:"amount"`
}

type portfolioView struct {
	ID            uint64        `json:"id"`
	Owner         string        `json:"owner"`
	OriginalID    uint64        `json:"original_id,omitempty"`
	Reserve       string        `json:"reserve"`
	LockTimestamp int64         `json:"lock_timestamp"`
	Holdings      []holdingView `json:"holdings"`
}

// errBadRequest 请求格式错误（区别于执行中的 revert）
type errBadRequest struct{ msg string }

func (e errBadRequest) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return errBadRequest{msg: fmt.Sprintf(format, args...)}
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, badRequestf("%s: invalid amount %q", field, s)
	}
	return v, nil
}

// parseMsg 调用者即签名者；请求体中的 sender 可省略，填写时必须与签名者一致
func (s *Server) parseMsg(c *gin.Context, r callRequest) (domain.Msg, error) {
	signer, ok := signerOf(c)
	if !ok {
		return domain.Msg{}, unauthenticatedf("request is not signed")
	}
	if r.Sender != "" {
		if claimed := s.node.Account(r.Sender); claimed != signer {
			return domain.Msg{}, ErrSenderNotSigner.Withf("sender=%s signer=%s", claimed.Hex(), signer.Hex())
		}
	}
	value, err := parseAmount("value", r.Value)
	if err != nil {
		return domain.Msg{}, err
	}
	return domain.Msg{Sender: signer, Value: value}, nil
}

func parseOrder(n *node.Node, o orderRequest) (domain.Order, error) {
	if o.Operator == "" || len(o.Operator) > 32 {
		return domain.Order{}, badRequestf("invalid operator name %q", o.Operator)
	}
	order := domain.Order{Operator: domain.NameOf(o.Operator), Token: n.TokenAddress(o.Token)}
	switch {
	case o.Swap != nil:
		amount, err := parseAmount("swap.amount", o.Swap.Amount)
		if err != nil {
			return domain.Order{}, err
		}
		sell, buy := wrapped(n, o.Swap.Sell), wrapped(n, o.Swap.Buy)
		order.CallData = operator.EncodeSwap(sell, buy, operator.EncodeRouterSwap(sell, buy, amount))
	case o.Flat != nil:
		amount, err := parseAmount("flat.amount", o.Flat.Amount)
		if err != nil {
			return domain.Order{}, err
		}
		order.CallData = operator.EncodeFlat(wrapped(n, o.Flat.Token), amount)
	case o.CallData != "":
		data, err := hexutil.Decode(o.CallData)
		if err != nil {
			return domain.Order{}, badRequestf("call_data: %v", err)
		}
		order.CallData = data
	}
	return order, nil
}

// wrapped 指令内部以 WETH 交易
func wrapped(n *node.Node, token string) common.Address {
	addr := n.TokenAddress(token)
	if addr == domain.ETH {
		return n.Bank.WETH()
	}
	return addr
}

func parseOrders(n *node.Node, reqs []orderRequest) ([]domain.Order, error) {
	out := make([]domain.Order, 0, len(reqs))
	for _, r := range reqs {
		o, err := parseOrder(n, r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func parseInputs(n *node.Node, reqs []inputBatchRequest) ([]domain.BatchedInputOrders, error) {
	out := make([]domain.BatchedInputOrders, 0, len(reqs))
	for _, r := range reqs {
		amount, err := parseAmount("amount", r.Amount)
		if err != nil {
			return nil, err
		}
		orders, err := parseOrders(n, r.Orders)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.BatchedInputOrders{
			InputToken:  n.TokenAddress(r.InputToken),
			Amount:      amount,
			Orders:      orders,
			FromReserve: r.FromReserve,
		})
	}
	return out, nil
}

func parseOutputs(n *node.Node, reqs []outputBatchRequest) ([]domain.BatchedOutputOrders, error) {
	out := make([]domain.BatchedOutputOrders, 0, len(reqs))
	for _, r := range reqs {
		amounts := make([]*big.Int, 0, len(r.Amounts))
		for _, s := range r.Amounts {
			a, err := parseAmount("amounts", s)
			if err != nil {
				return nil, err
			}
			amounts = append(amounts, a)
		}
		orders, err := parseOrders(n, r.Orders)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.BatchedOutputOrders{
			OutputToken: n.TokenAddress(r.OutputToken),
			Amounts:     amounts,
			Orders:      orders,
			ToReserve:   r.ToReserve,
		})
	}
	return out, nil
}
