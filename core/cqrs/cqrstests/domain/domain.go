// Package domain holds the order model shared by the cross-backend suite.
package domain

type (
	OrderPlaced struct {
		OrderID string `json:"order_id"`
		Amount  int    `json:"amount"`
	}

	StockReserved struct {
		OrderID string `json:"order_id"`
	}

	StockReleased struct {
		OrderID string `json:"order_id"`
	}

	CardCharged struct {
		OrderID string `json:"order_id"`
		Amount  int    `json:"amount"`
	}

	CardRefunded struct {
		OrderID string `json:"order_id"`
	}

	OrderShipped struct {
		OrderID string `json:"order_id"`
	}
)

func (OrderPlaced) EventType() string   { return "order.placed" }
func (StockReserved) EventType() string { return "order.stock_reserved" }
func (StockReleased) EventType() string { return "order.stock_released" }
func (CardCharged) EventType() string   { return "order.card_charged" }
func (CardRefunded) EventType() string  { return "order.card_refunded" }
func (OrderShipped) EventType() string  { return "order.shipped" }

// === Commands ===

type (
	PlaceOrder struct {
		OrderID string
		Amount  int
	}

	ReserveStock struct {
		OrderID string
	}

	ReleaseStock struct {
		OrderID string
	}

	ChargeCard struct {
		OrderID string
		Amount  int
	}

	RefundCard struct {
		OrderID string
	}

	ShipOrder struct {
		OrderID string
	}
)
