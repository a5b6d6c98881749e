// Package client — Go-клиент сервиса заказов: REST API, канал событий
// и сессии персонала и покупателя с переподключением.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/service/idempotency"
	"github.com/vladislavdragonenkov/canteen/internal/version"
)

const defaultHTTPTimeout = 10 * time.Second

// APIError — ответ сервера с кодом не из 2xx.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Unwrap связывает код ответа с доменной ошибкой, чтобы работали domain.IsX.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return domain.ErrInvalidOrder
	case http.StatusNotFound:
		return domain.ErrOrderNotFound
	case http.StatusConflict:
		if strings.Contains(e.Message, "idempotency") {
			return domain.ErrIdempotencyHashMismatch
		}
		return domain.ErrInvalidTransition
	default:
		return domain.ErrPersistence
	}
}

// APIOption настраивает APIClient.
type APIOption func(*APIClient)

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *APIClient) {
		if c != nil {
			a.http = c
		}
	}
}

// WithAPILogger задаёт логгер.
func WithAPILogger(logger *log.Entry) APIOption {
	return func(a *APIClient) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithUserAgent задаёт имя компонента в заголовке User-Agent.
func WithUserAgent(component string) APIOption {
	return func(a *APIClient) {
		a.userAgent = version.Current().UserAgent(component)
	}
}

// APIClient вызывает REST API /api/orders.
type APIClient struct {
	baseURL   string
	http      *http.Client
	logger    *log.Entry
	userAgent string
}

// NewAPIClient создаёт клиента. baseURL — адрес сервера, например http://localhost:5000.
func NewAPIClient(baseURL string, opts ...APIOption) (*APIClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}

	c := &APIClient{
		baseURL:   u.String(),
		http:      &http.Client{Timeout: defaultHTTPTimeout},
		logger:    log.WithField("component", "api-client"),
		userAgent: version.Current().UserAgent("canteen-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL возвращает адрес сервера.
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

// StreamURL возвращает адрес канала событий (/ws) на том же сервере.
func (c *APIClient) StreamURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws"
	}
}

// ListOrders загружает снимок всех заказов.
func (c *APIClient) ListOrders(ctx context.Context) ([]domain.Order, error) {
	var payloads []events.OrderPayload
	if err := c.do(ctx, http.MethodGet, "/api/orders", nil, nil, &payloads); err != nil {
		return nil, err
	}

	list := make([]domain.Order, 0, len(payloads))
	for _, p := range payloads {
		order, err := events.OrderFromPayload(p)
		if err != nil {
			return nil, fmt.Errorf("decode order %q: %w", p.ID, err)
		}
		list = append(list, order)
	}
	return list, nil
}

// GetOrder загружает один заказ.
func (c *APIClient) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var p events.OrderPayload
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID), nil, nil, &p); err != nil {
		return domain.Order{}, err
	}
	return events.OrderFromPayload(p)
}

// CreateOrder отправляет заказ. Непустой idempotencyKey делает повтор безопасным.
func (c *APIClient) CreateOrder(ctx context.Context, cmd events.CreateOrder, idempotencyKey string) (domain.Order, error) {
	body := events.CreateOrderPayload{
		StudentName: cmd.StudentName,
		Items:       events.ItemsToPayload(cmd.Items),
		Type:        string(cmd.Type),
		TotalPrice:  cmd.TotalPrice,
	}
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[idempotency.HeaderKey] = idempotencyKey
	}

	var p events.OrderPayload
	if err := c.do(ctx, http.MethodPost, "/api/orders", body, headers, &p); err != nil {
		return domain.Order{}, err
	}
	return events.OrderFromPayload(p)
}

// UpdateStatus меняет статус заказа.
func (c *APIClient) UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error) {
	body := map[string]string{"status": string(target)}

	var p events.OrderPayload
	if err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/status", body, nil, &p); err != nil {
		return domain.Order{}, err
	}
	return events.OrderFromPayload(p)
}

func (c *APIClient) do(ctx context.Context, method, path string, in any, headers map[string]string, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			apiErr.Message = errBody.Error
		}
		c.logger.WithFields(log.Fields{"method": method, "path": path, "status": resp.StatusCode}).Debug("api request failed")
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsRetryable сообщает, имеет ли смысл повторить запрос.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return err != nil && !errors.Is(err, context.Canceled)
}
