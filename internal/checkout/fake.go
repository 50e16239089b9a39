package checkout

import (
	"strings"
	"sync"
	"time"

	"finitefield.org/market-web/internal/money"
	"finitefield.org/market-web/internal/order"
)

// fakeBackend stands in for the REST API during local development.
type fakeBackend struct {
	mu       sync.Mutex
	catalog  map[string]order.Product
	orders   map[string]order.Order
	receipts map[string][]order.PaymentRecord
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		catalog: map[string]order.Product{
			"demo-chair": {
				ID:          "demo-chair",
				Name:        "Teak Dining Chair",
				Price:       money.ParsePrice("$250"),
				Images:      []string{"/static/img/demo-chair.jpg"},
				Sizes:       []string{"Standard", "Wide"},
				Description: "Solid teak with a **hand-rubbed oil** finish.",
			},
			"demo-table": {
				ID:          "demo-table",
				Name:        "Sheesham Coffee Table",
				Price:       money.ParsePrice("₹18,500"),
				Images:      []string{"/static/img/demo-table.jpg"},
				Description: "Low table in seasoned sheesham.",
			},
		},
		orders:   map[string]order.Order{},
		receipts: map[string][]order.PaymentRecord{},
	}
}

func (f *fakeBackend) product(id string) (order.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.catalog[id]
	if !ok {
		return order.Product{}, order.ErrProductNotFound
	}
	return p, nil
}

func (f *fakeBackend) submit(req SubmitRequest, newID func() string) SubmitResult {
	now := time.Now().UTC()
	eta := now.Add(21 * 24 * time.Hour)
	id := strings.TrimPrefix(newID(), generatedIDPrefix)

	items := make([]order.OrderItem, 0, len(req.OrderItems))
	for _, it := range req.OrderItems {
		items = append(items, order.OrderItem{
			ProductID: it.Product,
			Name:      it.Name,
			Image:     it.Image,
			Price:     it.Price,
			Quantity:  it.Qty,
			Size:      it.Size,
		})
	}

	o := order.Order{
		ID:    id,
		Items: items,
		ShippingAddress: order.ShippingAddress{
			FullName:   req.ShippingAddress.FullName,
			Address:    req.ShippingAddress.Address,
			City:       req.ShippingAddress.City,
			PostalCode: req.ShippingAddress.PostalCode,
			Country:    req.ShippingAddress.Country,
			Phone:      req.ShippingAddress.PhoneNumber,
			Email:      req.ShippingAddress.Email,
		},
		PaymentMethod:         req.PaymentMethod,
		PaymentType:           req.PaymentType,
		ItemsPrice:            req.ItemsPrice,
		ShippingPrice:         req.ShippingPrice,
		TaxPrice:              req.TaxPrice,
		TotalPrice:            req.TotalPrice,
		AmountToPay:           req.AmountToPay,
		OrderStatus:           order.StatusPending,
		PaymentStatus:         order.PaymentStatusPending,
		RemainingAmount:       req.TotalPrice,
		CreatedAt:             now,
		EstimatedDeliveryDate: &eta,
		ActivityLog: []order.ActivityEntry{
			{Status: order.StatusPending, Message: "Order placed", Timestamp: now},
		},
	}

	f.mu.Lock()
	f.orders[id] = o
	f.mu.Unlock()
	return SubmitResult{OrderID: id, Order: &o}
}

func (f *fakeBackend) order(id string) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return order.Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeBackend) payments(id string) []order.PaymentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]order.PaymentRecord{}, f.receipts[id]...)
}

func (f *fakeBackend) markPaid(v PaymentVerification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[v.OrderID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	paid := o.AmountToPay
	status := order.PaymentStatusFullyPaid
	if o.PaymentType == string(order.PaymentTypeAdvance) {
		status = order.PaymentStatusAdvancePaid
		o.AdvancePaid = true
		o.AdvancePaidAmount = paid
		o.RemainingAmount = o.TotalPrice.Sub(paid)
	} else {
		o.IsPaid = true
		o.RemainingAmount = money.Zero
	}
	o.PaymentStatus = status
	o.ActivityLog = append(o.ActivityLog, order.ActivityEntry{Status: status, Message: "Payment verified", Timestamp: now})
	f.orders[v.OrderID] = o
	f.receipts[v.OrderID] = append(f.receipts[v.OrderID], order.PaymentRecord{
		TransactionID: defaultString(v.TransactionID, v.PaymentID),
		Amount:        paid,
		Status:        "verified",
		VerifiedAt:    &now,
	})
}
