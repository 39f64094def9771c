// algo.go talks to Binance's Algo Service REST surface, which hosts
// conditional close-position stop orders after the venue migrated them out
// of the regular order book. go-binance/v2 does not wrap this surface, so it
// is implemented directly with go-resty: bounded retries on 5xx, requests
// signed with Binance's "timestamp + query string, HMAC-SHA256" convention.
package binancefutures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"reduceagent/internal/ratelimit"
	"reduceagent/pkg/types"
)

const defaultAlgoBaseURL = "https://fapi.binance.com"

// AlgoClient is a minimal signed REST client for the Algo Service endpoints
// this agent needs: listing open conditional orders and placing/canceling a
// close-position STOP_MARKET. rest is the transport token bucket shared
// with the regular-order client, waited on before every call.
type AlgoClient struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	rest      *ratelimit.TokenBucket
	logger    *slog.Logger
}

// NewAlgoClient creates an Algo Service client. An empty baseURL uses the
// production default.
func NewAlgoClient(apiKey, apiSecret, baseURL string, rest *ratelimit.TokenBucket, logger *slog.Logger) *AlgoClient {
	if baseURL == "" {
		baseURL = defaultAlgoBaseURL
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", apiKey)

	return &AlgoClient{
		http:      httpClient,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		rest:      rest,
		logger:    logger.With("component", "algo_client"),
	}
}

// sign appends timestamp+signature query params per Binance's
// timestamp+HMAC-SHA256(queryString) convention.
func (c *AlgoClient) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return params
}

type algoOrderWire struct {
	AlgoID        int64  `json:"algoId"`
	ClientAlgoID  string `json:"clientAlgoId"`
	Symbol        string `json:"symbol"`
	PositionSide  string `json:"positionSide"`
	AlgoType      string `json:"algoType"`
	ClosePosition bool   `json:"closePosition"`
	TriggerPrice  string `json:"triggerPrice"`
	AlgoStatus    string `json:"algoStatus"`
}

// FetchOpenAlgoOrders fetches open conditional orders for a symbol.
func (c *AlgoClient) FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if err := c.rest.Wait(ctx); err != nil {
		return nil, err
	}
	params := c.sign(url.Values{"symbol": {symbol}})

	var wire []algoOrderWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetResult(&wire).
		Get("/fapi/v1/algo/futures/openOrders")
	if err != nil {
		return nil, fmt.Errorf("fetch open algo orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch open algo orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.Order, 0, len(wire))
	for _, w := range wire {
		o := types.Order{
			OrderID:       strconv.FormatInt(w.AlgoID, 10),
			ClientOrderID: w.ClientAlgoID,
			Symbol:        w.Symbol,
			PositionSide:  types.PositionSide(w.PositionSide),
			Status:        types.OrderStatus(w.AlgoStatus),
			OrderType:     types.OrderType(w.AlgoType),
			ClosePosition: w.ClosePosition,
			IsAlgo:        true,
		}
		if tp, err := decimal.NewFromString(w.TriggerPrice); err == nil && tp.IsPositive() {
			o.TriggerPrice = &tp
		}
		out = append(out, o)
	}
	return out, nil
}

// PlaceCloseStop places a close-position STOP_MARKET conditional order.
func (c *AlgoClient) PlaceCloseStop(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	if intent.StopPrice == nil {
		return types.OrderResult{Success: false, ErrorMessage: "missing stop price for close-position stop"}, nil
	}
	if err := c.rest.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	params := url.Values{
		"symbol":        {intent.Symbol},
		"side":          {string(intent.Side)},
		"positionSide":  {string(intent.PositionSide)},
		"algoType":      {"STOP_MARKET"},
		"triggerPrice":  {intent.StopPrice.String()},
		"closePosition": {"true"},
		"newClientAlgoId": {intent.ClientOrderID},
	}
	params = c.sign(params)

	var result struct {
		AlgoID int64  `json:"algoId"`
		Msg    string `json:"msg"`
		Code   int    `json:"code"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetResult(&result).
		Post("/fapi/v1/algo/futures/newOrderVp")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("place algo order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || result.Code < 0 {
		return types.OrderResult{Success: false, ErrorMessage: result.Msg, ErrorCode: result.Code}, nil
	}

	return types.OrderResult{
		Success: true,
		OrderID: strconv.FormatInt(result.AlgoID, 10),
		Status:  types.StatusNew,
	}, nil
}

// CancelAlgoOrder cancels a conditional order by algo id.
func (c *AlgoClient) CancelAlgoOrder(ctx context.Context, symbol, algoID string) (types.OrderResult, error) {
	if err := c.rest.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}
	params := c.sign(url.Values{"algoId": {algoID}})

	var result struct {
		Msg  string `json:"msg"`
		Code int    `json:"code"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetResult(&result).
		Delete("/fapi/v1/algo/futures/order")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("cancel algo order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResult{Success: false, ErrorMessage: result.Msg, ErrorCode: result.Code}, nil
	}
	return types.OrderResult{Success: true, Status: types.StatusCanceled}, nil
}
