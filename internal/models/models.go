package models

import "time"

type ItemStatus string

const (
	ItemStatusAvailable ItemStatus = "available"
	ItemStatusSold      ItemStatus = "sold"
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusArchived  ItemStatus = "archived"
)

// Item is owned by the catalog. The saga only reads it and flips its status.
type Item struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Price          int64      `json:"price"`
	Status         ItemStatus `json:"status"`
	Published      bool       `json:"published"`
	AddressID      string     `json:"address_id"`
	WeightGrams    int64      `json:"weight_grams"`
	ParcelTemplate string     `json:"parcel_template,omitempty"`
}

// Purchasable reports whether a new proposal or order may target the item.
func (i *Item) Purchasable() bool {
	return i.Published && i.Status == ItemStatusAvailable
}

type Profile struct {
	ID           string `json:"id"`
	EscrowUserID string `json:"escrow_user_id"`
	AddressID    string `json:"address_id"`
}

type Address struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Street  string `json:"street"`
	City    string `json:"city"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusAccepted ProposalStatus = "accepted"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusExpired  ProposalStatus = "expired"
)

func (s ProposalStatus) Terminal() bool {
	return s != ProposalStatusPending
}

// Quote is the cost breakdown captured once and carried verbatim into the order.
type Quote struct {
	PlatformCharge               int64  `json:"platform_charge"`
	PaymentProviderCharge        int64  `json:"payment_provider_charge"`
	PaymentProviderChargeVersion int    `json:"payment_provider_charge_version"`
	ShippingPrice                int64  `json:"shipping_price"`
	ExternalShipmentID           string `json:"external_shipment_id"`
	ExternalRateID               string `json:"external_rate_id"`
}

type Proposal struct {
	ID             string         `json:"id"`
	ItemID         string         `json:"item_id"`
	BuyerID        string         `json:"buyer_id"`
	BuyerAddressID string         `json:"buyer_address_id"`
	ProposalPrice  int64          `json:"proposal_price"`
	OriginalPrice  int64          `json:"original_price"`
	Status         ProposalStatus `json:"status"`
	Quote          Quote          `json:"quote"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EscrowTransaction mirrors the provider's hold-and-release transaction.
// Status keeps the provider vocabulary untouched.
type EscrowTransaction struct {
	ID                      string     `json:"id"`
	OrderID                 string     `json:"order_id"`
	ExternalID              string     `json:"external_id,omitempty"`
	BuyerExternalID         string     `json:"buyer_external_id"`
	SellerExternalID        string     `json:"seller_external_id"`
	Status                  string     `json:"status"`
	Price                   int64      `json:"price"`
	Charge                  int64      `json:"charge"`
	ClaimedByBuyer          bool       `json:"claimed_by_buyer"`
	ClaimedBySeller         bool       `json:"claimed_by_seller"`
	ComplaintPeriodDeadline *time.Time `json:"complaint_period_deadline,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

type LabelStatus string

const (
	LabelStatusNone       LabelStatus = "none"
	LabelStatusPending    LabelStatus = "pending"
	LabelStatusGenerating LabelStatus = "generating"
	LabelStatusGenerated  LabelStatus = "generated"
	LabelStatusFailed     LabelStatus = "failed"
)

type Shipment struct {
	ID                 string      `json:"id"`
	OrderID            string      `json:"order_id"`
	ExternalShipmentID string      `json:"external_shipment_id"`
	ExternalRateID     string      `json:"external_rate_id"`
	ExternalLabelID    string      `json:"external_label_id,omitempty"`
	LabelURL           string      `json:"label_url,omitempty"`
	TrackingNumber     string      `json:"tracking_number,omitempty"`
	TrackingURL        string      `json:"tracking_url,omitempty"`
	TrackingStatus     string      `json:"tracking_status,omitempty"`
	LabelStatus        LabelStatus `json:"label_status"`
	LabelAttempts      int         `json:"label_attempts"`
	LabelClaimedAt     *time.Time  `json:"-"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Label is what the carrier hands back once a rate is purchased.
type Label struct {
	LabelID        string `json:"label_id"`
	LabelURL       string `json:"label_url"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url"`
	TrackingStatus string `json:"tracking_status"`
}

type AttemptState string

const (
	AttemptStarted     AttemptState = "started"
	AttemptPersisted   AttemptState = "persisted"
	AttemptCompleted   AttemptState = "completed"
	AttemptCompensated AttemptState = "compensated"
	AttemptRejected    AttemptState = "rejected"
)

// OrderAttempt records one run of the multi-step order creation so that a
// crash between the local insert and the provider call can be found later.
type OrderAttempt struct {
	ID         string       `json:"id"`
	ItemID     string       `json:"item_id"`
	BuyerID    string       `json:"buyer_id"`
	ProposalID string       `json:"proposal_id,omitempty"`
	OrderID    string       `json:"order_id,omitempty"`
	State      AttemptState `json:"state"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (a *OrderAttempt) Open() bool {
	return a.State == AttemptStarted || a.State == AttemptPersisted
}

type NotificationKind string

const (
	NotifyProposalCreated  NotificationKind = "proposal_created"
	NotifyProposalAccepted NotificationKind = "proposal_accepted"
	NotifyProposalRejected NotificationKind = "proposal_rejected"
	NotifyOrderPaid        NotificationKind = "order_paid"
)

// Notification is the payload handed to the chat/notification collaborator.
type Notification struct {
	Recipient string            `json:"recipient"`
	Kind      NotificationKind  `json:"kind"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
