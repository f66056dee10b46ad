package freqtrade

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dcagate/internal/config"
)

// Client wraps the freqtrade REST API calls the coordinator needs.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	username   string
	password   string
	token      string
}

// NewClient constructs a freqtrade client from configuration.
func NewClient(cfg config.FreqtradeConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, fmt.Errorf("freqtrade.api_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 freqtrade.api_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		username:   strings.TrimSpace(cfg.Username),
		password:   strings.TrimSpace(cfg.Password),
		token:      strings.TrimSpace(cfg.APIToken),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// ForceEnterPayload mirrors freqtrade's /forceenter schema.
type ForceEnterPayload struct {
	Pair        string   `json:"pair"`
	Side        string   `json:"side"`
	Price       *float64 `json:"price,omitempty"`
	OrderType   string   `json:"ordertype,omitempty"`
	StakeAmount float64  `json:"stakeamount,omitempty"`
	EntryTag    string   `json:"entry_tag,omitempty"`
}

// ForceEnterResponse contains trade identifier returned by freqtrade.
type ForceEnterResponse struct {
	TradeID int `json:"trade_id"`
}

// ForceEnter 新开仓，或在 position_adjustment 开启时对已有持仓加仓。
func (c *Client) ForceEnter(ctx context.Context, payload ForceEnterPayload) (*ForceEnterResponse, error) {
	var resp ForceEnterResponse
	if err := c.doRequest(ctx, http.MethodPost, "/forceenter", payload, &resp); err != nil {
		return nil, err
	}
	if resp.TradeID == 0 {
		return nil, fmt.Errorf("freqtrade 未返回 trade_id")
	}
	return &resp, nil
}

// Order is the subset of a freqtrade order used for DCA sizing.
type Order struct {
	IsEntry bool    `json:"ft_is_entry"`
	Status  string  `json:"status"`
	Filled  float64 `json:"filled"`
	Cost    float64 `json:"cost"`
	Average float64 `json:"safe_price"`
}

// Trade represents a subset of freqtrade trade fields.
type Trade struct {
	ID                    int     `json:"trade_id"`
	Pair                  string  `json:"pair"`
	IsShort               bool    `json:"is_short"`
	OpenDate              string  `json:"open_date"`
	OpenTimestamp         int64   `json:"open_timestamp"`
	OpenRate              float64 `json:"open_rate"`
	Amount                float64 `json:"amount"`
	StakeAmount           float64 `json:"stake_amount"`
	IsOpen                bool    `json:"is_open"`
	CurrentRate           float64 `json:"current_rate"`
	ProfitRatio           float64 `json:"profit_ratio"`
	ProfitAbs             float64 `json:"profit_abs"`
	NrOfSuccessfulEntries int     `json:"nr_of_successful_entries"`
	HasOpenOrders         bool    `json:"has_open_orders"`
	OpenOrderID           string  `json:"open_order_id"`
	Orders                []Order `json:"orders"`
}

// OpenedAt 返回开仓时间（UTC），优先使用毫秒时间戳。
func (t Trade) OpenedAt() time.Time {
	if t.OpenTimestamp > 0 {
		return time.UnixMilli(t.OpenTimestamp).UTC()
	}
	return parseFreqtradeTime(t.OpenDate).UTC()
}

// FilledEntries 返回已成交的入场订单，按时间顺序。
func (t Trade) FilledEntries() []Order {
	out := make([]Order, 0, len(t.Orders))
	for _, o := range t.Orders {
		if o.IsEntry && o.Filled > 0 && strings.EqualFold(o.Status, "closed") {
			out = append(out, o)
		}
	}
	return out
}

// HasPendingEntry 判断是否仍有未成交的订单（较新版本的 has_open_orders，旧版本的 open_order_id，
// 或 orders 里状态为 open 的入场单）。
func (t Trade) HasPendingEntry() bool {
	if t.HasOpenOrders || strings.TrimSpace(t.OpenOrderID) != "" {
		return true
	}
	for _, o := range t.Orders {
		if o.IsEntry && strings.EqualFold(o.Status, "open") {
			return true
		}
	}
	return false
}

// ListTrades fetches currently open trades from freqtrade (uses /status endpoint).
func (c *Client) ListTrades(ctx context.Context) ([]Trade, error) {
	trades, err := c.fetchTrades(ctx, "/status")
	if err != nil {
		return nil, err
	}
	return filterOpenTrades(trades), nil
}

func (c *Client) fetchTrades(ctx context.Context, path string) ([]Trade, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	var trades []Trade
	if err := json.Unmarshal(raw, &trades); err == nil {
		return trades, nil
	}
	type tradeEnvelope struct {
		Trades []Trade `json:"trades"`
		Data   []Trade `json:"data"`
		Result []Trade `json:"result"`
	}
	var env tradeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("无法解析 freqtrade trades 响应: %w", err)
	}
	switch {
	case len(env.Trades) > 0:
		return env.Trades, nil
	case len(env.Data) > 0:
		return env.Data, nil
	default:
		return env.Result, nil
	}
}

func filterOpenTrades(trades []Trade) []Trade {
	if len(trades) == 0 {
		return nil
	}
	open := make([]Trade, 0, len(trades))
	for _, tr := range trades {
		if tr.IsOpen {
			open = append(open, tr)
		}
	}
	return open
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil {
		return fmt.Errorf("freqtrade client 未初始化")
	}
	endpoint, err := c.resolveEndpoint(path)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("调用 freqtrade 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(data) == 0 {
			return fmt.Errorf("freqtrade 返回错误: %s", resp.Status)
		}
		return fmt.Errorf("freqtrade 返回错误(%s): %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 freqtrade 响应失败: %w", err)
	}
	return nil
}

func (c *Client) resolveEndpoint(path string) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("freqtrade API 地址未设置")
	}
	trimmed := strings.TrimSpace(path)
	query := ""
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		query = trimmed[idx+1:]
		trimmed = trimmed[:idx]
	}
	if trimmed == "" {
		trimmed = "/"
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawPath = ""
	base.RawQuery = query
	base.Fragment = ""
	return &base, nil
}
