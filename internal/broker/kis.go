// kis.go implements the Adapter against the Korea Investment & Securities
// open API:
//
//   - POST /oauth2/tokenP                                    — access token
//   - GET  /uapi/domestic-stock/v1/quotations/inquire-price  — current price
//   - GET  /uapi/domestic-stock/v1/quotations/inquire-daily-price — OHLCV
//   - GET  /uapi/domestic-stock/v1/trading/inquire-balance   — balance + holdings
//   - POST /uapi/domestic-stock/v1/trading/order-cash        — buy/sell orders
//
// Every request passes through the token-bucket rate limiter, is retried on
// 5xx, and carries the appkey/appsecret/tr_id headers the gateway requires.
// The "vps" environment targets the paper-trading gateway with its V-prefixed
// transaction ids; "real" targets the live gateway.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"kis-autotrader/internal/config"
	"kis-autotrader/pkg/types"
)

const (
	realBaseURL = "https://openapi.koreainvestment.com:9443"
	vpsBaseURL  = "https://openapivts.koreainvestment.com:29443"

	ordDvsnLimit  = "00"
	ordDvsnMarket = "01"
)

// KIS is the Korea Investment & Securities broker adapter.
// One instance serves exactly one trading session and owns its rate limiter.
type KIS struct {
	http   *resty.Client
	cfg    config.BrokerConfig
	rl     *TokenBucket
	dryRun bool
	logger *slog.Logger

	token       string
	tokenExpiry time.Time

	// cachedBalance is the last successfully normalized balance, primed by
	// Connect. GetBalance falls back to it when the upstream call fails.
	cachedBalance *types.Balance

	dryRunSeq atomic.Int64
}

// NewKIS creates a KIS adapter. Connect must be called before use.
func NewKIS(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *KIS {
	baseURL := realBaseURL
	if cfg.Environment == "vps" {
		baseURL = vpsBaseURL
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
		SetHeader("Content-Type", "application/json; charset=utf-8")

	return &KIS{
		http:   httpClient,
		cfg:    cfg,
		rl:     NewTokenBucket(cfg.RateLimit.MaxTokens, cfg.RateLimit.RefillRate),
		dryRun: dryRun,
		logger: logger.With("component", "kis-broker"),
	}
}

// kisResponse is the common envelope of every KIS API response.
// rt_cd "0" means success; anything else carries an error in msg1.
type kisResponse struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// Connect fetches an access token and performs one balance fetch to verify
// the credentials, caching the result for degraded-mode fallback.
func (k *KIS) Connect(ctx context.Context) error {
	if err := k.ensureToken(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	balance, _, err := k.fetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("%w: initial balance fetch: %v", ErrConnection, err)
	}
	k.cachedBalance = &balance

	k.logger.Info("KIS broker connected", "environment", k.cfg.Environment, "account", k.cfg.AccountNo)
	return nil
}

// GetBalance returns the normalized balance summary. If the upstream call
// fails after a successful Connect, the cached snapshot is returned instead
// and the failure is logged at WARN.
func (k *KIS) GetBalance(ctx context.Context) (types.Balance, error) {
	balance, _, err := k.fetchBalance(ctx)
	if err != nil {
		if k.cachedBalance != nil {
			k.logger.Warn("balance fetch failed, using cached balance", "error", err)
			return *k.cachedBalance, nil
		}
		return types.Balance{}, fmt.Errorf("%w: fetch balance: %v", ErrConnection, err)
	}
	k.cachedBalance = &balance
	return balance, nil
}

// GetHoldings returns the account's positions with held quantity > 0.
func (k *KIS) GetHoldings(ctx context.Context) ([]types.Holding, error) {
	_, holdings, err := k.fetchBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch holdings: %v", ErrConnection, err)
	}
	return holdings, nil
}

// GetCurrentPrice returns the normalized quote for one symbol.
func (k *KIS) GetCurrentPrice(ctx context.Context, stockCode string) (types.PriceQuote, error) {
	var env kisResponse
	err := k.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100",
		map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         stockCode,
		}, &env)
	if err != nil {
		return types.PriceQuote{}, fmt.Errorf("%w: fetch price %s: %v", ErrConnection, stockCode, err)
	}

	var out struct {
		Name       string `json:"hts_kor_isnm"`
		Price      string `json:"stck_prpr"`
		Change     string `json:"prdy_vrss"`
		ChangeRate string `json:"prdy_ctrt"`
		Volume     string `json:"acml_vol"`
		High       string `json:"stck_hgpr"`
		Low        string `json:"stck_lwpr"`
		Open       string `json:"stck_oprc"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return types.PriceQuote{}, fmt.Errorf("%w: decode price %s: %v", ErrConnection, stockCode, err)
	}

	return types.PriceQuote{
		StockCode:    stockCode,
		StockName:    out.Name,
		CurrentPrice: parseF(out.Price),
		Change:       parseF(out.Change),
		ChangeRate:   parseF(out.ChangeRate),
		Volume:       parseI(out.Volume),
		High:         parseF(out.High),
		Low:          parseF(out.Low),
		OpenPrice:    parseF(out.Open),
	}, nil
}

// GetOHLCV returns up to count candles. The gateway delivers rows
// newest-first; the first count rows are taken as-is.
func (k *KIS) GetOHLCV(ctx context.Context, stockCode, period string, count int) ([]types.Candle, error) {
	if period == "" {
		period = "D"
	}

	var env kisResponse
	err := k.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-daily-price", "FHKST01010400",
		map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         stockCode,
			"FID_PERIOD_DIV_CODE":    period,
			"FID_ORG_ADJ_PRC":        "0",
		}, &env)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch ohlcv %s: %v", ErrConnection, stockCode, err)
	}

	var rows []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	}
	if err := json.Unmarshal(env.Output, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode ohlcv %s: %v", ErrConnection, stockCode, err)
	}

	if len(rows) > count {
		rows = rows[:count]
	}
	candles := make([]types.Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, types.Candle{
			Date:   r.Date,
			Open:   parseF(r.Open),
			High:   parseF(r.High),
			Low:    parseF(r.Low),
			Close:  parseF(r.Close),
			Volume: parseI(r.Volume),
		})
	}
	return candles, nil
}

// BuyMarket places a market buy order for qty shares.
func (k *KIS) BuyMarket(ctx context.Context, stockCode string, qty int) (types.OrderResult, error) {
	return k.placeOrder(ctx, stockCode, qty, 0, true, ordDvsnMarket)
}

// SellMarket places a market sell order for qty shares.
func (k *KIS) SellMarket(ctx context.Context, stockCode string, qty int) (types.OrderResult, error) {
	return k.placeOrder(ctx, stockCode, qty, 0, false, ordDvsnMarket)
}

// BuyLimit places a limit buy order at the given price.
func (k *KIS) BuyLimit(ctx context.Context, stockCode string, qty int, price float64) (types.OrderResult, error) {
	return k.placeOrder(ctx, stockCode, qty, price, true, ordDvsnLimit)
}

// SellLimit places a limit sell order at the given price.
func (k *KIS) SellLimit(ctx context.Context, stockCode string, qty int, price float64) (types.OrderResult, error) {
	return k.placeOrder(ctx, stockCode, qty, price, false, ordDvsnLimit)
}

func (k *KIS) placeOrder(ctx context.Context, stockCode string, qty int, price float64, buy bool, ordDvsn string) (types.OrderResult, error) {
	side := "sell"
	if buy {
		side = "buy"
	}

	if k.dryRun {
		n := k.dryRunSeq.Add(1)
		k.logger.Info("DRY-RUN: would place order",
			"side", side, "stock_code", stockCode, "qty", qty, "price", price)
		return types.OrderResult{OrderNo: fmt.Sprintf("dry-run-%d", n)}, nil
	}

	trID := k.orderTrID(buy)
	body := map[string]string{
		"CANO":         k.cfg.AccountNo,
		"ACNT_PRDT_CD": k.cfg.AccountSuffix,
		"PDNO":         stockCode,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.Itoa(qty),
		"ORD_UNPR":     strconv.FormatFloat(price, 'f', 0, 64),
	}

	var env kisResponse
	raw, err := k.post(ctx, "/uapi/domestic-stock/v1/trading/order-cash", trID, body, &env)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("%w: %s %s x%d: %v", ErrOrder, side, stockCode, qty, err)
	}

	var out struct {
		OrderNo   string `json:"ODNO"`
		FilledAmt string `json:"tot_ccld_amt"`
		FilledQty string `json:"tot_ccld_qty"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return types.OrderResult{}, fmt.Errorf("%w: decode %s order response: %v", ErrOrder, side, err)
	}

	result := types.OrderResult{OrderNo: out.OrderNo, Raw: raw}
	if v := parseF(out.FilledAmt); v > 0 {
		result.FilledPrice = &v
	}
	if v := int(parseI(out.FilledQty)); v > 0 {
		result.FilledQuantity = &v
	}

	k.logger.Info("order placed", "side", side, "stock_code", stockCode, "qty", qty, "order_no", result.OrderNo)
	return result, nil
}

// fetchBalance calls inquire-balance and normalizes both outputs: the
// summary record (output2) and the holdings rows with hldg_qty > 0 (output1).
func (k *KIS) fetchBalance(ctx context.Context) (types.Balance, []types.Holding, error) {
	trID := "TTTC8434R"
	if k.cfg.Environment == "vps" {
		trID = "VTTC8434R"
	}

	var env kisResponse
	err := k.get(ctx, "/uapi/domestic-stock/v1/trading/inquire-balance", trID,
		map[string]string{
			"CANO":                  k.cfg.AccountNo,
			"ACNT_PRDT_CD":          k.cfg.AccountSuffix,
			"AFHR_FLPR_YN":          "N",
			"OFL_YN":                "",
			"INQR_DVSN":             "02",
			"UNPR_DVSN":             "01",
			"FUND_STTL_ICLD_YN":     "N",
			"FNCG_AMT_AUTO_RDPT_YN": "N",
			"PRCS_DVSN":             "00",
			"CTX_AREA_FK100":        "",
			"CTX_AREA_NK100":        "",
		}, &env)
	if err != nil {
		return types.Balance{}, nil, err
	}

	var summaries []types.Balance
	if len(env.Output2) > 0 {
		if err := json.Unmarshal(env.Output2, &summaries); err != nil {
			return types.Balance{}, nil, fmt.Errorf("decode balance summary: %w", err)
		}
	}
	var balance types.Balance
	if len(summaries) > 0 {
		balance = summaries[0]
	}

	var rows []struct {
		StockCode      string `json:"pdno"`
		StockName      string `json:"prdt_name"`
		Quantity       string `json:"hldg_qty"`
		AvgPrice       string `json:"pchs_avg_pric"`
		CurrentPrice   string `json:"prpr"`
		EvalProfitLoss string `json:"evlu_pfls_amt"`
	}
	if len(env.Output1) > 0 {
		if err := json.Unmarshal(env.Output1, &rows); err != nil {
			return types.Balance{}, nil, fmt.Errorf("decode holdings: %w", err)
		}
	}

	var holdings []types.Holding
	for _, r := range rows {
		qty := int(parseI(r.Quantity))
		if qty <= 0 {
			continue
		}
		holdings = append(holdings, types.Holding{
			StockCode:      r.StockCode,
			StockName:      r.StockName,
			Quantity:       qty,
			AvgPrice:       parseF(r.AvgPrice),
			CurrentPrice:   parseF(r.CurrentPrice),
			EvalProfitLoss: parseF(r.EvalProfitLoss),
		})
	}

	return balance, holdings, nil
}

// ensureToken requests an access token if none is held or the current one
// is within a minute of expiry.
func (k *KIS) ensureToken(ctx context.Context) error {
	if k.token != "" && time.Until(k.tokenExpiry) > time.Minute {
		return nil
	}

	if err := k.rl.Acquire(ctx); err != nil {
		return err
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     k.cfg.AppKey,
			"appsecret":  k.cfg.AppSecret,
		}).
		SetResult(&result).
		Post("/oauth2/tokenP")
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("token request: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.AccessToken == "" {
		return fmt.Errorf("token request: empty access token")
	}

	k.token = result.AccessToken
	k.tokenExpiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	return nil
}

// get performs a rate-limited GET with the standard KIS headers.
func (k *KIS) get(ctx context.Context, path, trID string, params map[string]string, env *kisResponse) error {
	if err := k.ensureToken(ctx); err != nil {
		return err
	}
	if err := k.rl.Acquire(ctx); err != nil {
		return err
	}

	resp, err := k.http.R().
		SetContext(ctx).
		SetHeaders(k.headers(trID)).
		SetQueryParams(params).
		SetResult(env).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return checkResponse(resp, env, path)
}

// post performs a rate-limited POST with the standard KIS headers and
// returns the raw response body for callers that preserve it.
func (k *KIS) post(ctx context.Context, path, trID string, body any, env *kisResponse) (json.RawMessage, error) {
	if err := k.ensureToken(ctx); err != nil {
		return nil, err
	}
	if err := k.rl.Acquire(ctx); err != nil {
		return nil, err
	}

	resp, err := k.http.R().
		SetContext(ctx).
		SetHeaders(k.headers(trID)).
		SetBody(body).
		SetResult(env).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if err := checkResponse(resp, env, path); err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body()), nil
}

func checkResponse(resp *resty.Response, env *kisResponse, path string) error {
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if env.RtCd != "" && env.RtCd != "0" {
		return fmt.Errorf("%s: gateway error %s: %s", path, env.MsgCd, env.Msg1)
	}
	return nil
}

func (k *KIS) headers(trID string) map[string]string {
	return map[string]string{
		"authorization": "Bearer " + k.token,
		"appkey":        k.cfg.AppKey,
		"appsecret":     k.cfg.AppSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}
}

func (k *KIS) orderTrID(buy bool) string {
	if k.cfg.Environment == "vps" {
		if buy {
			return "VTTC0802U"
		}
		return "VTTC0801U"
	}
	if buy {
		return "TTTC0802U"
	}
	return "TTTC0801U"
}

// parseF parses a KIS decimal string, returning 0 on empty or malformed input.
func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseI parses a KIS integer string, returning 0 on empty or malformed input.
func parseI(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return int64(parseF(s))
	}
	return v
}
