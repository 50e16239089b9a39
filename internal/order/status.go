package order

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"finitefield.org/market-web/internal/money"
)

// Fulfillment statuses.
const (
	StatusPending       = "pending"
	StatusProcessing    = "processing"
	StatusManufacturing = "manufacturing"
	StatusQualityCheck  = "quality_check"
	StatusShipped       = "shipped"
	StatusDelivered     = "delivered"
	StatusCancelled     = "cancelled"
)

// Payment statuses.
const (
	PaymentStatusPending             = "pending"
	PaymentStatusPendingVerification = "pending_verification"
	PaymentStatusAdvancePaid         = "50_percent_advance_paid"
	PaymentStatusFullyPaid           = "fully_paid"
	PaymentStatusFailed              = "failed"
	PaymentStatusRejected            = "rejected"
)

// ServerTaxLabel captions the backend's tax figure on tracking views. It is unrelated to
// money.CheckoutTaxRate.
const ServerTaxLabel = "Tax (18% GST)"

// FulfillmentSequence is the ordered timeline. Cancelled sits outside it.
var FulfillmentSequence = []string{
	StatusPending,
	StatusProcessing,
	StatusManufacturing,
	StatusQualityCheck,
	StatusShipped,
	StatusDelivered,
}

// StepState is the rendered state of a timeline step.
type StepState string

const (
	StepComplete StepState = "complete"
	StepCurrent  StepState = "current"
	StepPending  StepState = "pending"
)

// TimelineStep is one stage of the fulfillment timeline.
type TimelineStep struct {
	Status      string    `json:"status"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	State       StepState `json:"state"`
}

// Badge is a label with a tone the UI maps to a colour.
type Badge struct {
	Status string `json:"status"`
	Label  string `json:"label"`
	Tone   string `json:"tone"`
}

// SummaryLine is a labelled money figure copied from the server order.
type SummaryLine struct {
	Label  string       `json:"label"`
	Amount money.Amount `json:"amount"`
}

// Tracking is the renderable projection of an order.
type Tracking struct {
	OrderID               string          `json:"orderId"`
	CurrentIndex          int             `json:"currentIndex"`
	Timeline              []TimelineStep  `json:"timeline"`
	Cancelled             *Badge          `json:"cancelled,omitempty"`
	Payment               Badge           `json:"payment"`
	Summary               []SummaryLine   `json:"summary"`
	AmountToPay           money.Amount    `json:"amountToPay"`
	AdvancePaidAmount     money.Amount    `json:"advancePaidAmount"`
	RemainingAmount       money.Amount    `json:"remainingAmount"`
	EstimatedDeliveryDate *time.Time      `json:"estimatedDeliveryDate,omitempty"`
	Activity              []ActivityEntry `json:"activity"`
	Transactions          []PaymentRecord `json:"transactions"`
}

//go:embed status_catalog.yaml
var statusCatalogYAML []byte

type statusCatalog struct {
	Fulfillment []struct {
		Status      string `yaml:"status"`
		Label       string `yaml:"label"`
		Description string `yaml:"description"`
	} `yaml:"fulfillment"`
	Cancelled struct {
		Status string `yaml:"status"`
		Label  string `yaml:"label"`
		Tone   string `yaml:"tone"`
	} `yaml:"cancelled"`
	Payment map[string]struct {
		Label string `yaml:"label"`
		Tone  string `yaml:"tone"`
	} `yaml:"payment"`
	UnknownPayment struct {
		Label string `yaml:"label"`
		Tone  string `yaml:"tone"`
	} `yaml:"unknown_payment"`
}

var catalog = mustLoadCatalog(statusCatalogYAML)

func mustLoadCatalog(data []byte) statusCatalog {
	var c statusCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		panic(fmt.Sprintf("order: parse status catalog: %v", err))
	}
	if len(c.Fulfillment) != len(FulfillmentSequence) {
		panic("order: status catalog does not match the fulfillment sequence")
	}
	for i, step := range c.Fulfillment {
		if step.Status != FulfillmentSequence[i] {
			panic(fmt.Sprintf("order: status catalog step %d is %q, want %q", i, step.Status, FulfillmentSequence[i]))
		}
	}
	return c
}

// NormalizeStatus lowercases and trims a raw status and folds spaces and hyphens to underscores.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	if s == "canceled" {
		return StatusCancelled
	}
	return s
}

// StatusIndex returns the position of status in FulfillmentSequence, or -1.
func StatusIndex(status string) int {
	status = NormalizeStatus(status)
	for i, s := range FulfillmentSequence {
		if s == status {
			return i
		}
	}
	return -1
}

// Project maps an order onto its timeline and badges. Payment records are optional.
func Project(o Order, payments ...PaymentRecord) Tracking {
	status := NormalizeStatus(o.OrderStatus)
	current := StatusIndex(status)

	t := Tracking{
		OrderID:               o.ID,
		CurrentIndex:          current,
		Timeline:              make([]TimelineStep, len(FulfillmentSequence)),
		Payment:               PaymentBadge(o.PaymentStatus),
		AmountToPay:           o.AmountToPay,
		AdvancePaidAmount:     o.AdvancePaidAmount,
		RemainingAmount:       o.RemainingAmount,
		EstimatedDeliveryDate: o.EstimatedDeliveryDate,
		Activity:              ActivityLog(o.ActivityLog),
		Transactions:          append([]PaymentRecord(nil), payments...),
		Summary: []SummaryLine{
			{Label: "Items", Amount: o.ItemsPrice},
			{Label: "Shipping", Amount: o.ShippingPrice},
			{Label: ServerTaxLabel, Amount: o.TaxPrice},
			{Label: "Total", Amount: o.TotalPrice},
		},
	}

	if status == StatusCancelled {
		t.CurrentIndex = -1
		current = -1
		t.Cancelled = &Badge{
			Status: catalog.Cancelled.Status,
			Label:  catalog.Cancelled.Label,
			Tone:   catalog.Cancelled.Tone,
		}
	}

	for i, entry := range catalog.Fulfillment {
		state := StepPending
		switch {
		case current < 0:
		case i < current:
			state = StepComplete
		case i == current:
			state = StepCurrent
		}
		t.Timeline[i] = TimelineStep{
			Status:      entry.Status,
			Label:       entry.Label,
			Description: entry.Description,
			State:       state,
		}
	}
	return t
}

// PaymentBadge resolves the payment badge independently of fulfillment progress.
func PaymentBadge(raw string) Badge {
	status := NormalizeStatus(raw)
	if entry, ok := catalog.Payment[status]; ok {
		return Badge{Status: status, Label: entry.Label, Tone: entry.Tone}
	}
	return Badge{Status: status, Label: catalog.UnknownPayment.Label, Tone: catalog.UnknownPayment.Tone}
}

// ActivityLog returns the entries newest first without modifying the input.
func ActivityLog(entries []ActivityEntry) []ActivityEntry {
	out := append([]ActivityEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if out == nil {
		return []ActivityEntry{}
	}
	return out
}
