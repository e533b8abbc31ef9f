package models

import (
	"strings"
	"time"
)

// Нормализованные статусы заказа. Всё, что прислал сервер сверх этого набора, считаем Unknown.
const (
	OrderStatusUnknown          = "Unknown"
	OrderStatusPending          = "Pending"
	OrderStatusReadyForDelivery = "ReadyForDelivery"
	OrderStatusInDelivery       = "InDelivery"
	OrderStatusCompleted        = "Completed"
)

// OrderStatuses is the ordered lifecycle of an order, first step first.
var OrderStatuses = []string{
	OrderStatusPending,
	OrderStatusReadyForDelivery,
	OrderStatusInDelivery,
	OrderStatusCompleted,
}

// NormalizeStatus maps a raw server value onto the known set, case-insensitively.
func NormalizeStatus(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, s := range OrderStatuses {
		if strings.EqualFold(raw, s) {
			return s
		}
	}
	return OrderStatusUnknown
}

type Order struct {
	ID                  string     `json:"id"`
	Status              string     `json:"status"`
	StatusRaw           string     `json:"status_raw,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	EstimatedDeliveryAt *time.Time `json:"estimated_delivery_at,omitempty"`
	Amount              int64      `json:"amount"`

	CustomerName    string `json:"customer_name,omitempty"`
	DeliveryAddress string `json:"delivery_address,omitempty"`
	Phone           string `json:"phone,omitempty"`
}

// Identity is the authenticated delivery worker a session acts for.
type Identity struct {
	UserID string
}

func (i Identity) IsZero() bool { return i.UserID == "" }

// Notification is a free-text push message. It carries no delta: receiving one only means
// both views may be stale.
type Notification struct {
	Message    string
	ReceivedAt time.Time
}
