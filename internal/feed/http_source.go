package feed

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultFetchTimeout = 5 * time.Second
	maxFeedBody         = 1 << 20
)

// HTTPSource 通过 HTTP GET 拉取 JSON 格式的预测结果。
// 不同服务的字段名不完全一致，按候选路径依次尝试取值。
type HTTPSource struct {
	name   string
	url    string
	weight float64
	client *http.Client
}

func NewHTTPSource(name, url string, weight float64) *HTTPSource {
	if weight <= 0 {
		weight = 1
	}
	return &HTTPSource{
		name:   name,
		url:    url,
		weight: weight,
		client: &http.Client{Timeout: defaultFetchTimeout},
	}
}

func (s *HTTPSource) Name() string    { return s.name }
func (s *HTTPSource) Weight() float64 { return s.weight }

var (
	predictedPaths  = []string{"predicted_price", "prediction.price", "prediction", "predicted"}
	currentPaths    = []string{"current_price", "price", "last_price"}
	confidencePaths = []string{"confidence", "prediction.confidence", "score"}
)

// Fetch 拉取并解析一次预测。返回的样本保证 Predicted 与 Current 均为有限正数。
func (s *HTTPSource) Fetch(ctx context.Context, symbol string) (Sample, error) {
	url := s.url
	if strings.Contains(url, "{symbol}") {
		url = strings.ReplaceAll(url, "{symbol}", symbol)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Sample{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("预测源 %s 请求失败: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Sample{}, fmt.Errorf("预测源 %s 返回 %s", s.name, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return Sample{}, err
	}
	if !gjson.ValidBytes(body) {
		return Sample{}, fmt.Errorf("预测源 %s 响应不是合法 JSON", s.name)
	}

	predicted := firstNumber(body, predictedPaths)
	current := firstNumber(body, currentPaths)
	if predicted <= 0 || current <= 0 || !isFinite(predicted) || !isFinite(current) {
		return Sample{}, fmt.Errorf("预测源 %s 缺少有效价格字段", s.name)
	}
	confidence := firstNumber(body, confidencePaths)
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}

	return Sample{
		Source:     s.name,
		Symbol:     symbol,
		Current:    current,
		Predicted:  predicted,
		Confidence: confidence,
		Weight:     s.weight,
		FetchedAt:  time.Now(),
	}, nil
}

func firstNumber(body []byte, paths []string) float64 {
	for _, p := range paths {
		if v := gjson.GetBytes(body, p); v.Exists() && v.Type == gjson.Number {
			return v.Float()
		}
	}
	return 0
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
