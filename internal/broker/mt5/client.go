// Package mt5 implements broker.Client against a MetaTrader 5 REST bridge.
// The terminal itself runs elsewhere; this client only speaks HTTP to the
// bridge process that wraps it.
package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"goldpredict/internal/broker"
	"goldpredict/internal/config"
)

// Client wraps the MT5 bridge REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

var errNotFound = errors.New("mt5: not found")

// NewClient constructs a bridge client from configuration.
func NewClient(cfg config.BrokerConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BridgeURL)
	if raw == "" {
		return nil, fmt.Errorf("broker.bridge_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 broker.bridge_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		token:      strings.TrimSpace(cfg.APIToken),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

type accountPayload struct {
	Login       int64   `json:"login"`
	Server      string  `json:"server"`
	Currency    string  `json:"currency"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"`
	Leverage    int     `json:"leverage"`
	TradeMode   string  `json:"trade_mode"`
}

type quotePayload struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Point  float64 `json:"point"`
	TimeMs int64   `json:"time_ms"`
}

type symbolPayload struct {
	Symbol     string  `json:"symbol"`
	VolumeMin  float64 `json:"volume_min"`
	VolumeMax  float64 `json:"volume_max"`
	VolumeStep float64 `json:"volume_step"`
	Point      float64 `json:"point"`
}

type positionPayload struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"` // "buy" | "sell"
	Volume     float64 `json:"volume"`
	PriceOpen  float64 `json:"price_open"`
	SL         float64 `json:"sl"`
	TP         float64 `json:"tp"`
	Profit     float64 `json:"profit"`
	TimeSetup  int64   `json:"time_setup_ms"`
}

type orderResultPayload struct {
	Ticket  int64   `json:"ticket"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	RetCode int     `json:"retcode"`
	Comment string  `json:"comment"`
	TimeMs  int64   `json:"time_ms"`
}

type openPayload struct {
	ClientToken string  `json:"client_token"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Volume      float64 `json:"volume"`
	Price       float64 `json:"price,omitempty"`
	SL          float64 `json:"sl,omitempty"`
	TP          float64 `json:"tp,omitempty"`
	Deviation   int     `json:"deviation,omitempty"`
	Comment     string  `json:"comment,omitempty"`
}

type modifyPayload struct {
	Ticket int64   `json:"ticket"`
	SL     float64 `json:"sl"`
	TP     float64 `json:"tp"`
}

type closePayload struct {
	ClientToken string  `json:"client_token"`
	Ticket      int64   `json:"ticket"`
	Volume      float64 `json:"volume,omitempty"`
	Deviation   int     `json:"deviation,omitempty"`
	Comment     string  `json:"comment,omitempty"`
}

// Account implements broker.Client.
func (c *Client) Account(ctx context.Context) (broker.AccountInfo, error) {
	var payload accountPayload
	if err := c.doRequest(ctx, http.MethodGet, "/api/account", nil, &payload); err != nil {
		return broker.AccountInfo{}, err
	}
	return broker.AccountInfo{
		Login:       payload.Login,
		Server:      payload.Server,
		Currency:    payload.Currency,
		Balance:     payload.Balance,
		Equity:      payload.Equity,
		Margin:      payload.Margin,
		FreeMargin:  payload.MarginFree,
		MarginLevel: payload.MarginLevel,
		Leverage:    payload.Leverage,
		TradeMode:   strings.ToLower(strings.TrimSpace(payload.TradeMode)),
		UpdatedAt:   time.Now(),
	}, nil
}

// Quote implements broker.Client.
func (c *Client) Quote(ctx context.Context, symbol string) (broker.Quote, error) {
	var payload quotePayload
	path := "/api/quote?symbol=" + url.QueryEscape(symbol)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return broker.Quote{}, err
	}
	return broker.Quote{
		Symbol: payload.Symbol,
		Bid:    payload.Bid,
		Ask:    payload.Ask,
		Last:   payload.Last,
		Point:  payload.Point,
		Time:   time.UnixMilli(payload.TimeMs),
	}, nil
}

// SymbolInfo implements broker.Client.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (broker.SymbolSpec, error) {
	var payload symbolPayload
	path := "/api/symbol?symbol=" + url.QueryEscape(symbol)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return broker.SymbolSpec{}, err
	}
	return broker.SymbolSpec{
		Symbol:     payload.Symbol,
		VolumeMin:  payload.VolumeMin,
		VolumeMax:  payload.VolumeMax,
		VolumeStep: payload.VolumeStep,
		Point:      payload.Point,
	}, nil
}

// Positions implements broker.Client.
func (c *Client) Positions(ctx context.Context, symbol string) ([]broker.Position, error) {
	path := "/api/positions"
	if strings.TrimSpace(symbol) != "" {
		path += "?symbol=" + url.QueryEscape(symbol)
	}
	var payload []positionPayload
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(payload))
	for _, p := range payload {
		out = append(out, toPosition(p))
	}
	return out, nil
}

// Position implements broker.Client. A nil result means the broker no
// longer knows the ticket.
func (c *Client) Position(ctx context.Context, ticket int64) (*broker.Position, error) {
	var payload positionPayload
	path := "/api/positions/" + strconv.FormatInt(ticket, 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &payload); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	pos := toPosition(payload)
	return &pos, nil
}

// OrderByToken implements broker.Client. A nil result means the token was
// never seen, so a retried submit is safe.
func (c *Client) OrderByToken(ctx context.Context, token string) (*broker.OrderResult, error) {
	var payload orderResultPayload
	path := "/api/orders/by-token/" + url.PathEscape(token)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &payload); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	res := toOrderResult(payload)
	return &res, nil
}

// Open implements broker.Client.
func (c *Client) Open(ctx context.Context, req broker.OpenRequest) (broker.OrderResult, error) {
	payload := openPayload{
		ClientToken: req.ClientToken,
		Symbol:      req.Symbol,
		Side:        string(req.Side),
		Volume:      req.Volume,
		Price:       req.Price,
		SL:          req.StopLoss,
		TP:          req.TakeProfit,
		Deviation:   req.Deviation,
		Comment:     req.Comment,
	}
	var out orderResultPayload
	if err := c.doRequest(ctx, http.MethodPost, "/api/orders/open", payload, &out); err != nil {
		return broker.OrderResult{}, err
	}
	res := toOrderResult(out)
	if err := checkRetCode(res); err != nil {
		return res, err
	}
	return res, nil
}

// Modify implements broker.Client.
func (c *Client) Modify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	payload := modifyPayload{Ticket: ticket, SL: stopLoss, TP: takeProfit}
	var out orderResultPayload
	if err := c.doRequest(ctx, http.MethodPost, "/api/orders/modify", payload, &out); err != nil {
		if errors.Is(err, errNotFound) {
			return broker.Stale(ticket)
		}
		return err
	}
	return checkRetCode(toOrderResult(out))
}

// Close implements broker.Client.
func (c *Client) Close(ctx context.Context, req broker.CloseRequest) (broker.OrderResult, error) {
	payload := closePayload{
		ClientToken: req.ClientToken,
		Ticket:      req.Ticket,
		Volume:      req.Volume,
		Deviation:   req.Deviation,
		Comment:     req.Comment,
	}
	var out orderResultPayload
	if err := c.doRequest(ctx, http.MethodPost, "/api/orders/close", payload, &out); err != nil {
		if errors.Is(err, errNotFound) {
			return broker.OrderResult{}, broker.Stale(req.Ticket)
		}
		return broker.OrderResult{}, err
	}
	res := toOrderResult(out)
	if err := checkRetCode(res); err != nil {
		return res, err
	}
	return res, nil
}

func toPosition(p positionPayload) broker.Position {
	side := broker.SideBuy
	if strings.EqualFold(p.Type, "sell") {
		side = broker.SideSell
	}
	return broker.Position{
		Ticket:     p.Ticket,
		Symbol:     strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Side:       side,
		Volume:     p.Volume,
		OpenPrice:  p.PriceOpen,
		StopLoss:   p.SL,
		TakeProfit: p.TP,
		Profit:     p.Profit,
		OpenedAt:   time.UnixMilli(p.TimeSetup),
	}
}

func toOrderResult(p orderResultPayload) broker.OrderResult {
	return broker.OrderResult{
		Ticket:   p.Ticket,
		Volume:   p.Volume,
		Price:    p.Price,
		RetCode:  p.RetCode,
		Comment:  p.Comment,
		FilledAt: time.UnixMilli(p.TimeMs),
	}
}

// MT5 trade return codes the bridge forwards verbatim.
const (
	retCodePlaced    = 10008
	retCodeDone      = 10009
	retCodeRequote   = 10004
	retCodePriceOff  = 10021
	retCodeNoConnect = 10031
	retCodeTimeout   = 10012
)

func checkRetCode(res broker.OrderResult) error {
	switch res.RetCode {
	case 0, retCodePlaced, retCodeDone:
		return nil
	case retCodeRequote, retCodePriceOff, retCodeNoConnect:
		return broker.Transient(fmt.Errorf("mt5 retcode %d: %s", res.RetCode, res.Comment))
	case retCodeTimeout:
		return broker.Timeout(fmt.Errorf("mt5 retcode %d: %s", res.RetCode, res.Comment))
	default:
		return broker.Rejected(res.RetCode, res.Comment)
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	endpoint := c.baseURL.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.ClassifyCallError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return broker.ClassifyCallError(err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", errNotFound, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 500:
		return broker.Transient(fmt.Errorf("mt5 bridge %s: %s", resp.Status, strings.TrimSpace(string(data))))
	case resp.StatusCode >= 400:
		return fmt.Errorf("mt5 bridge %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析 mt5 bridge 响应失败: %w", err)
	}
	return nil
}
