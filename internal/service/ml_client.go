package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/config"
	"github.com/dushixiang/lumen/internal/strategy"
	"github.com/dushixiang/lumen/internal/xe"
)

// Scorer 外部评分服务的抽象，离线与测试场景可替换
type Scorer interface {
	Predict(ctx context.Context, closes, volumes []float64) (strategy.MLScore, error)
}

// 评分服务不可用时的中性置信度：
// 不足以触发买入门槛，也不会触发ML离场
const neutralConfidence = 0.5

// MLClient 自研HTTP评分服务的客户端
type MLClient struct {
	conf   config.MLConf
	client *http.Client
	logger *zap.Logger
}

// NewMLClient 创建评分服务客户端
func NewMLClient(conf config.MLConf, logger *zap.Logger) *MLClient {
	timeout := time.Duration(conf.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MLClient{
		conf:   conf,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type predictRequest struct {
	Closes  []float64 `json:"closes"`
	Volumes []float64 `json:"volumes,omitempty"`
}

type predictResponse struct {
	Prediction float64 `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Signal     string  `json:"signal"`
}

// Predict 将最近的K线数据送入评分服务。
// 服务关闭或不可达时返回中性置信度，绝不让评分失败阻塞交易循环
func (c *MLClient) Predict(ctx context.Context, closes, volumes []float64) (strategy.MLScore, error) {
	neutral := strategy.MLScore{Score: neutralConfidence, Label: "neutral"}
	if !c.conf.Enabled {
		return neutral, nil
	}

	body, err := json.Marshal(predictRequest{Closes: closes, Volumes: volumes})
	if err != nil {
		return neutral, fmt.Errorf("marshal predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conf.BaseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return neutral, fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("ml service unreachable, using neutral confidence", zap.Error(err))
		return neutral, fmt.Errorf("%w: %v", xe.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("ml service returned non-200, using neutral confidence",
			zap.Int("status", resp.StatusCode))
		return neutral, fmt.Errorf("ml service status %d", resp.StatusCode)
	}

	var result predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return neutral, fmt.Errorf("decode predict response: %w", err)
	}

	return strategy.MLScore{Score: result.Confidence, Label: result.Signal}, nil
}

// Train 触发评分服务重新训练，只产生新的评分函数，不触碰交易状态
func (c *MLClient) Train(ctx context.Context) error {
	if !c.conf.Enabled {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conf.BaseURL+"/train", nil)
	if err != nil {
		return fmt.Errorf("build train request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", xe.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml service train status %d", resp.StatusCode)
	}

	c.logger.Info("ml model retraining triggered")
	return nil
}

// Healthy 评分服务健康检查
func (c *MLClient) Healthy(ctx context.Context) bool {
	if !c.conf.Enabled {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conf.BaseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
