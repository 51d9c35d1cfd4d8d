// Package detector talks to the lesion detection service over HTTP.
package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
	"github.com/go-resty/resty/v2"
)

// Endpoint paths on the detection service.
const (
	predictPath = "/predict/"
	reloadPath  = "/reload-model/"
)

// Response is a decoded prediction.
type Response struct {
	Predictions []model.BoundingBox
	// ResultImage is the annotated image, when the service returns one.
	ResultImage []byte
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   service.RetryOptions
}

// Client calls the detection service.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
	retry  service.RetryOptions
}

// NewClient creates a client for the service at cfg.BaseURL.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: detector url is empty", common.ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		logger: common.OrDefault(logger),
		retry:  cfg.Retry,
	}, nil
}

type predictResponse struct {
	Predictions json.RawMessage `json:"predictions"`
	ResultImage string          `json:"result_image"`
	Message     string          `json:"message"`
}

// Detect uploads an image and returns the detector's boxes.
func (c *Client) Detect(ctx context.Context, filename string, data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image %q is empty", filename)
	}

	var body []byte
	err := common.WithRetryLogger(ctx, c.logger, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetFileReader("image", filename, bytes.NewReader(data)).
			Post(predictPath)
		if err != nil {
			if ctx.Err() != nil {
				return common.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %w", common.ErrDetectorUnavailable, err)
		}
		if err := statusError(resp); err != nil {
			return err
		}
		body = resp.Body()
		return nil
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("detection failed for %s: %w", filename, err)
	}

	result, err := decodePrediction(body)
	if err != nil {
		return nil, fmt.Errorf("detection failed for %s: %w", filename, err)
	}

	c.logger.Info("detector returned predictions",
		"filename", filename,
		"predictions", len(result.Predictions),
		"result_image", len(result.ResultImage) > 0)
	return result, nil
}

// ReloadModel asks the service to load the newest weights.
func (c *Client) ReloadModel(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post(reloadPath)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrDetectorUnavailable, err)
	}
	if err := statusError(resp); err != nil {
		return fmt.Errorf("model reload failed: %w", err)
	}
	c.logger.Info("detector reloaded model")
	return nil
}

// Ping checks that the service answers on its root path.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/")
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrDetectorUnavailable, err)
	}
	return statusError(resp)
}

// statusError maps non-2xx responses; 5xx and 429 stay retryable.
func statusError(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(resp.Body()))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body(), &payload) == nil && payload.Message != "" {
		msg = payload.Message
	}

	err := fmt.Errorf("detector returned %d: %s", code, msg)
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", common.ErrRateLimit, err)
	case code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", common.ErrDetectorUnavailable, err)
	default:
		return common.Permanent(err)
	}
}

func decodePrediction(body []byte) (*Response, error) {
	var raw predictResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid detector response: %w", err)
	}

	predictions := []model.BoundingBox{}
	if len(raw.Predictions) > 0 {
		boxes, err := model.ParseBoxes(raw.Predictions, model.SetDetection)
		if err != nil {
			return nil, err
		}
		predictions = boxes
	}

	result := &Response{Predictions: predictions}
	if raw.ResultImage != "" {
		img, err := decodeImage(raw.ResultImage)
		if err != nil {
			return nil, fmt.Errorf("invalid result image: %w", err)
		}
		result.ResultImage = img
	}
	return result, nil
}

// decodeImage accepts plain base64 or a data URI.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(s)
}
