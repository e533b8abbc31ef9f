package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi"
	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/pkg/errors"
)

// UserIDHeader carries the worker identity on "mine" and mutating calls.
const UserIDHeader = "X-User-Id"

type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type respOrder struct {
	ID                  string     `json:"orderId"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"createdAt"`
	EstimatedDeliveryAt *time.Time `json:"estimatedDeliveryTime,omitempty"`
	Amount              int64      `json:"amount"`
	CustomerName        string     `json:"customerName"`
	DeliveryAddress     string     `json:"deliveryAddress"`
	Phone               string     `json:"phoneNumber"`
}

type paymentReq struct {
	TxnRef       string `json:"txnRef"`
	Amount       int64  `json:"amount"`
	ResponseCode string `json:"responseCode"`
	PayDate      string `json:"payDate"`
}

func (c *Client) ListAvailable(ctx context.Context) ([]models.Order, error) {
	return c.listOrders(ctx, "list available orders", "/api/orders/available", models.Identity{})
}

func (c *Client) ListMine(ctx context.Context, id models.Identity) ([]models.Order, error) {
	return c.listOrders(ctx, "list my orders", "/api/orders/mine", id)
}

func (c *Client) AcceptOrder(ctx context.Context, id models.Identity, orderID string) error {
	env, status, err := c.do(ctx, "accept order", http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/accept", id, nil)
	if err != nil {
		return err
	}
	// Сервер отвечает либо 409, либо 200 с success=false, если заказ уже забрали.
	if status == http.StatusConflict || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("order %s", orderID)
		}
		return errors.Wrap(ordersapi.ErrConflict, msg)
	}
	return nil
}

func (c *Client) ConfirmDelivery(ctx context.Context, id models.Identity, orderID string) error {
	env, status, err := c.do(ctx, "confirm delivery", http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/confirm-delivery", id, nil)
	if err != nil {
		return err
	}
	if status == http.StatusConflict || !env.Success {
		return &ordersapi.TransportError{Op: "confirm delivery", StatusCode: status, Message: env.Message}
	}
	return nil
}

func (c *Client) ConfirmPayment(ctx context.Context, id models.Identity, p ordersapi.PaymentConfirmation) error {
	body, err := json.Marshal(paymentReq{
		TxnRef:       p.TxnRef,
		Amount:       p.Amount,
		ResponseCode: p.ResponseCode,
		PayDate:      p.PaidAt.Format("20060102150405"),
	})
	if err != nil {
		return errors.Wrap(err, "marshal payment confirmation")
	}
	env, status, err := c.do(ctx, "confirm payment", http.MethodPost, "/api/payments/confirm", id, body)
	if err != nil {
		return err
	}
	if status == http.StatusConflict || !env.Success {
		return &ordersapi.TransportError{Op: "confirm payment", StatusCode: status, Message: env.Message}
	}
	return nil
}

func (c *Client) listOrders(ctx context.Context, op, path string, id models.Identity) ([]models.Order, error) {
	env, status, err := c.do(ctx, op, http.MethodGet, path, id, nil)
	if err != nil {
		return nil, err
	}
	// success=false с кодом 200 тоже ошибка, иначе store применит пустой список
	if status == http.StatusConflict || !env.Success {
		return nil, &ordersapi.TransportError{Op: op, StatusCode: status, Message: env.Message}
	}

	var items []respOrder
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return nil, errors.Wrap(err, "decode orders")
		}
	}

	out := make([]models.Order, 0, len(items))
	for _, it := range items {
		out = append(out, models.Order{
			ID:                  it.ID,
			Status:              models.NormalizeStatus(it.Status),
			StatusRaw:           it.Status,
			CreatedAt:           it.CreatedAt,
			EstimatedDeliveryAt: it.EstimatedDeliveryAt,
			Amount:              it.Amount,
			CustomerName:        it.CustomerName,
			DeliveryAddress:     it.DeliveryAddress,
			Phone:               it.Phone,
		})
	}
	return out, nil
}

// do returns the decoded envelope for 2xx and 409 responses; everything else is a TransportError.
func (c *Client) do(ctx context.Context, op, method, path string, id models.Identity, body []byte) (envelope, int, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return envelope{}, 0, errors.Wrap(err, "parse base url")
	}
	// path приходит уже экранированным (orderID через url.PathEscape)
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return envelope{}, 0, errors.Wrap(err, "unescape path")
	}
	u.Path = unescaped
	u.RawPath = path

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return envelope{}, 0, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !id.IsZero() {
		req.Header.Set(UserIDHeader, id.UserID)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return envelope{}, 0, &ordersapi.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return envelope{}, resp.StatusCode, &ordersapi.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	var env envelope
	decodeErr := error(nil)
	if len(bytes.TrimSpace(raw)) > 0 {
		decodeErr = json.Unmarshal(raw, &env)
	}

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusConflict {
		return env, resp.StatusCode, &ordersapi.TransportError{Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	}
	if decodeErr != nil {
		return envelope{}, resp.StatusCode, errors.Wrap(decodeErr, "decode envelope")
	}
	return env, resp.StatusCode, nil
}
