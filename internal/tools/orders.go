package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/swaggest/jsonschema-go"
)

// OrderItem is a line item on an order.
type OrderItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// OrderDetails describes an order's status and contents.
type OrderDetails struct {
	OrderID           string      `json:"order_id"`
	Status            string      `json:"status"` // processing, shipped, delivered, cancelled
	Items             []OrderItem `json:"items"`
	Total             float64     `json:"total"`
	ShippingAddress   string      `json:"shipping_address"`
	TrackingNumber    string      `json:"tracking_number,omitempty"`
	EstimatedDelivery string      `json:"estimated_delivery,omitempty"`
	OrderDate         string      `json:"order_date"`
}

// OrderStore resolves order IDs to order details.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*OrderDetails, error)
}

type orderLookupInput struct {
	OrderID string `json:"order_id" required:"true" description:"The order ID to look up"`
}

type orderLookupOutput struct {
	Order   *OrderDetails `json:"order"`
	Message string        `json:"message"`
}

// OrderLookupTool looks up order status and details by order ID.
type OrderLookupTool struct {
	store  OrderStore
	schema *jsonschema.Schema
}

// NewOrderLookupTool creates the order_lookup tool. A nil store uses the
// built-in sample orders.
func NewOrderLookupTool(store OrderStore) *OrderLookupTool {
	if store == nil {
		store = sampleOrderStore{}
	}
	return &OrderLookupTool{store: store, schema: mustSchema(orderLookupInput{})}
}

func (t *OrderLookupTool) Name() string { return "order_lookup" }

func (t *OrderLookupTool) Description() string {
	return "Look up order status and details by order ID. Use this when customer asks about their order."
}

func (t *OrderLookupTool) Schema() *jsonschema.Schema { return t.schema }

func (t *OrderLookupTool) Execute(ctx context.Context, args json.RawMessage, report ProgressFunc) (any, error) {
	var input orderLookupInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("tools: parse order_lookup args: %w", err)
	}
	if input.OrderID == "" {
		return nil, fmt.Errorf("tools: order_lookup: order_id is required")
	}

	if report != nil {
		report(50, fmt.Sprintf("Looking up order %s...", input.OrderID))
	}

	order, err := t.store.GetOrder(ctx, input.OrderID)
	if err != nil {
		return nil, fmt.Errorf("tools: order_lookup: %w", err)
	}

	if report != nil {
		report(100, "Order lookup complete")
	}

	if order == nil {
		return orderLookupOutput{
			Message: fmt.Sprintf("Order %s not found. Please check the order ID and try again.", input.OrderID),
		}, nil
	}
	return orderLookupOutput{Order: order, Message: fmt.Sprintf("Found order %s", order.OrderID)}, nil
}

// sampleOrderStore serves a small fixed order set for demos and tests.
type sampleOrderStore struct{}

var sampleOrders = map[string]OrderDetails{
	"ORD-12345": {
		OrderID: "ORD-12345",
		Status:  "shipped",
		Items: []OrderItem{
			{Name: "Wireless Headphones", Quantity: 1, Price: 79.99},
			{Name: "Phone Case", Quantity: 2, Price: 19.99},
		},
		Total:             119.97,
		ShippingAddress:   "123 Main St, City, State 12345",
		TrackingNumber:    "1Z999AA10123456784",
		EstimatedDelivery: "2024-02-05",
		OrderDate:         "2024-01-28",
	},
	"ORD-67890": {
		OrderID:         "ORD-67890",
		Status:          "processing",
		Items:           []OrderItem{{Name: "Laptop Stand", Quantity: 1, Price: 49.99}},
		Total:           49.99,
		ShippingAddress: "456 Oak Ave, Town, State 67890",
		OrderDate:       "2024-01-30",
	},
	"ORD-11111": {
		OrderID: "ORD-11111",
		Status:  "delivered",
		Items: []OrderItem{
			{Name: "USB-C Cable", Quantity: 3, Price: 12.99},
			{Name: "Wall Charger", Quantity: 1, Price: 24.99},
		},
		Total:             63.96,
		ShippingAddress:   "789 Pine Rd, Village, State 11111",
		TrackingNumber:    "1Z999AA10987654321",
		EstimatedDelivery: "2024-01-25",
		OrderDate:         "2024-01-20",
	},
}

func (sampleOrderStore) GetOrder(_ context.Context, orderID string) (*OrderDetails, error) {
	order, ok := sampleOrders[strings.ToUpper(orderID)]
	if !ok {
		return nil, nil
	}
	return &order, nil
}
