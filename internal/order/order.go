package order

import (
	"encoding/json"
	"strings"
	"time"

	"finitefield.org/market-web/internal/money"
)

// Order is the backend's authoritative snapshot. It is never mutated locally.
type Order struct {
	ID                    string          `json:"id"`
	Items                 []OrderItem     `json:"orderItems"`
	ShippingAddress       ShippingAddress `json:"shippingAddress"`
	PaymentMethod         string          `json:"paymentMethod"`
	PaymentType           string          `json:"paymentType"`
	ItemsPrice            money.Amount    `json:"itemsPrice"`
	ShippingPrice         money.Amount    `json:"shippingPrice"`
	TaxPrice              money.Amount    `json:"taxPrice"`
	TotalPrice            money.Amount    `json:"totalPrice"`
	AmountToPay           money.Amount    `json:"amountToPay"`
	OrderStatus           string          `json:"orderStatus"`
	PaymentStatus         string          `json:"paymentStatus"`
	IsPaid                bool            `json:"isPaid"`
	AdvancePaid           bool            `json:"advancePaid"`
	AdvancePaidAmount     money.Amount    `json:"advancePaidAmount"`
	RemainingAmount       money.Amount    `json:"remainingAmount"`
	CreatedAt             time.Time       `json:"createdAt"`
	EstimatedDeliveryDate *time.Time      `json:"estimatedDeliveryDate,omitempty"`
	ActivityLog           []ActivityEntry `json:"activityLog,omitempty"`
}

// OrderItem is one line of a server order.
type OrderItem struct {
	ProductID string       `json:"product"`
	Name      string       `json:"name"`
	Image     string       `json:"image,omitempty"`
	Price     money.Amount `json:"price"`
	Quantity  int          `json:"qty"`
	Size      string       `json:"size,omitempty"`
}

// ActivityEntry is one row of the backend-maintained activity log.
type ActivityEntry struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentRecord is a transaction reported by the payments backend.
type PaymentRecord struct {
	TransactionID string       `json:"transactionId"`
	Amount        money.Amount `json:"amount"`
	Status        string       `json:"status"`
	VerifiedAt    *time.Time   `json:"verifiedAt,omitempty"`
}

type wireShippingAddress struct {
	FullName    string `json:"fullName"`
	Address     string `json:"address"`
	City        string `json:"city"`
	PostalCode  string `json:"postalCode"`
	Country     string `json:"country"`
	Phone       string `json:"phone"`
	PhoneNumber string `json:"phoneNumber"`
	Email       string `json:"email"`
}

type wireOrderItem struct {
	Product  json.RawMessage `json:"product"`
	Name     string          `json:"name"`
	Image    string          `json:"image"`
	Price    money.Amount    `json:"price"`
	Qty      int             `json:"qty"`
	Quantity int             `json:"quantity"`
	Size     string          `json:"size"`
}

type wireActivityEntry struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Note      string `json:"note"`
	Timestamp string `json:"timestamp"`
	CreatedAt string `json:"createdAt"`
}

type wirePaymentRecord struct {
	TransactionID string       `json:"transactionId"`
	Amount        money.Amount `json:"amount"`
	Status        string       `json:"status"`
	VerifiedAt    string       `json:"verifiedAt"`
}

// UnmarshalJSON decodes the backend order shape, which uses "_id", "phoneNumber" and
// string timestamps.
func (o *Order) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                    string              `json:"id"`
		MongoID               string              `json:"_id"`
		Items                 []wireOrderItem     `json:"orderItems"`
		ShippingAddress       wireShippingAddress `json:"shippingAddress"`
		PaymentMethod         string              `json:"paymentMethod"`
		PaymentType           string              `json:"paymentType"`
		ItemsPrice            money.Amount        `json:"itemsPrice"`
		ShippingPrice         money.Amount        `json:"shippingPrice"`
		TaxPrice              money.Amount        `json:"taxPrice"`
		TotalPrice            money.Amount        `json:"totalPrice"`
		AmountToPay           money.Amount        `json:"amountToPay"`
		OrderStatus           string              `json:"orderStatus"`
		PaymentStatus         string              `json:"paymentStatus"`
		IsPaid                bool                `json:"isPaid"`
		AdvancePaid           bool                `json:"advancePaid"`
		AdvancePaidAmount     money.Amount        `json:"advancePaidAmount"`
		RemainingAmount       money.Amount        `json:"remainingAmount"`
		CreatedAt             string              `json:"createdAt"`
		EstimatedDeliveryDate string              `json:"estimatedDeliveryDate"`
		ActivityLog           []wireActivityEntry `json:"activityLog"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	items := make([]OrderItem, 0, len(raw.Items))
	for _, item := range raw.Items {
		qty := item.Qty
		if qty == 0 {
			qty = item.Quantity
		}
		items = append(items, OrderItem{
			ProductID: productRef(item.Product),
			Name:      item.Name,
			Image:     item.Image,
			Price:     item.Price,
			Quantity:  qty,
			Size:      item.Size,
		})
	}

	activity := make([]ActivityEntry, 0, len(raw.ActivityLog))
	for _, entry := range raw.ActivityLog {
		ts, _ := parseTime(firstNonEmpty(entry.Timestamp, entry.CreatedAt))
		activity = append(activity, ActivityEntry{
			Status:    entry.Status,
			Message:   firstNonEmpty(entry.Message, entry.Note),
			Timestamp: ts,
		})
	}

	createdAt, _ := parseTime(raw.CreatedAt)
	var eta *time.Time
	if ts, ok := parseTime(raw.EstimatedDeliveryDate); ok {
		eta = &ts
	}

	*o = Order{
		ID:    strings.TrimSpace(firstNonEmpty(raw.MongoID, raw.ID)),
		Items: items,
		ShippingAddress: ShippingAddress{
			FullName:   raw.ShippingAddress.FullName,
			Address:    raw.ShippingAddress.Address,
			City:       raw.ShippingAddress.City,
			PostalCode: raw.ShippingAddress.PostalCode,
			Country:    raw.ShippingAddress.Country,
			Phone:      firstNonEmpty(raw.ShippingAddress.PhoneNumber, raw.ShippingAddress.Phone),
			Email:      raw.ShippingAddress.Email,
		},
		PaymentMethod:         raw.PaymentMethod,
		PaymentType:           raw.PaymentType,
		ItemsPrice:            raw.ItemsPrice,
		ShippingPrice:         raw.ShippingPrice,
		TaxPrice:              raw.TaxPrice,
		TotalPrice:            raw.TotalPrice,
		AmountToPay:           raw.AmountToPay,
		OrderStatus:           raw.OrderStatus,
		PaymentStatus:         raw.PaymentStatus,
		IsPaid:                raw.IsPaid,
		AdvancePaid:           raw.AdvancePaid,
		AdvancePaidAmount:     raw.AdvancePaidAmount,
		RemainingAmount:       raw.RemainingAmount,
		CreatedAt:             createdAt,
		EstimatedDeliveryDate: eta,
		ActivityLog:           activity,
	}
	return nil
}

// UnmarshalJSON accepts RFC3339 or date-only verification timestamps.
func (p *PaymentRecord) UnmarshalJSON(data []byte) error {
	var raw wirePaymentRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PaymentRecord{
		TransactionID: raw.TransactionID,
		Amount:        raw.Amount,
		Status:        raw.Status,
	}
	if ts, ok := parseTime(raw.VerifiedAt); ok {
		p.VerifiedAt = &ts
	}
	return nil
}

// productRef accepts either a product id string or a populated product document.
func productRef(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var doc struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(raw, &doc); err == nil {
		return firstNonEmpty(doc.MongoID, doc.ID)
	}
	return ""
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
