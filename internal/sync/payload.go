package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the current payload schema version. Envelopes written by
// newer clients are rejected rather than guessed at.
const SchemaVersion = 1

var (
	// ErrUnknownEntity indicates an entity type with no registered shape.
	ErrUnknownEntity = errors.New("unknown entity type")

	// ErrSchemaVersion indicates an envelope written by a newer schema.
	ErrSchemaVersion = errors.New("unsupported payload schema version")
)

// Envelope is the serialized form of one entity mutation. Every payload in
// the sync queue carries its entity type and schema version so the push
// replicator can dispatch exhaustively instead of sniffing raw JSON.
type Envelope struct {
	EntityType    EntityType      `json:"entityType"`
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope wraps an entity snapshot in a current-version envelope.
func NewEnvelope(entityType EntityType, snapshot any) (Envelope, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s snapshot: %w", entityType, err)
	}
	return Envelope{
		EntityType:    entityType,
		SchemaVersion: SchemaVersion,
		Data:          data,
	}, nil
}

// Decode materializes the envelope's typed snapshot. The switch is
// exhaustive over the known entity set; adding an entity type without a
// snapshot shape is a compile-visible omission here.
func (e Envelope) Decode() (any, error) {
	if e.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("schema version %d: %w", e.SchemaVersion, ErrSchemaVersion)
	}

	var (
		snapshot any
		err      error
	)
	switch e.EntityType {
	case EntityCategory:
		snapshot, err = decodeAs[CategorySnapshot](e.Data)
	case EntitySupplier:
		snapshot, err = decodeAs[SupplierSnapshot](e.Data)
	case EntityCustomer:
		snapshot, err = decodeAs[CustomerSnapshot](e.Data)
	case EntityProduct:
		snapshot, err = decodeAs[ProductSnapshot](e.Data)
	case EntityInventory:
		snapshot, err = decodeAs[InventorySnapshot](e.Data)
	case EntityDebt:
		snapshot, err = decodeAs[DebtSnapshot](e.Data)
	case EntityPurchase:
		snapshot, err = decodeAs[PurchaseSnapshot](e.Data)
	case EntityCashBox:
		snapshot, err = decodeAs[CashBoxSnapshot](e.Data)
	case EntityDebtPayment:
		snapshot, err = decodeAs[DebtPaymentSnapshot](e.Data)
	case EntitySale:
		snapshot, err = decodeAs[SaleSnapshot](e.Data)
	default:
		return nil, fmt.Errorf("entity type %q: %w", string(e.EntityType), ErrUnknownEntity)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EntityType, err)
	}
	return snapshot, nil
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Monetary amounts are integer minor units throughout; currency math is the
// POS layer's concern, the engine only transports the values.

// CategorySnapshot is the sync shape of a product category.
type CategorySnapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SupplierSnapshot is the sync shape of a supplier.
type SupplierSnapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CustomerSnapshot is the sync shape of a customer account.
type CustomerSnapshot struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	FullName      string    `json:"fullName"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
	CreditLimit   int64     `json:"creditLimit"`
	CurrentDebt   int64     `json:"currentDebt"`
	LoyaltyPoints int64     `json:"loyaltyPoints"`
	IsBlocked     bool      `json:"isBlocked"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ProductSnapshot is the sync shape of a product.
type ProductSnapshot struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Barcode    string    `json:"barcode,omitempty"`
	Name       string    `json:"name"`
	CategoryID string    `json:"categoryId,omitempty"`
	SupplierID string    `json:"supplierId,omitempty"`
	Price      int64     `json:"price"`
	CostPrice  int64     `json:"costPrice"`
	IsActive   bool      `json:"isActive"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// InventorySnapshot is the sync shape of a stock level adjustment.
type InventorySnapshot struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	BranchID  string    `json:"branchId"`
	Quantity  int64     `json:"quantity"`
	MinStock  int64     `json:"minStock"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DebtSnapshot is the sync shape of a customer debt.
type DebtSnapshot struct {
	ID             string     `json:"id"`
	DebtNumber     string     `json:"debtNumber"`
	CustomerID     string     `json:"customerId"`
	SaleID         string     `json:"saleId,omitempty"`
	BranchID       string     `json:"branchId"`
	OriginalAmount int64      `json:"originalAmount"`
	PaidAmount     int64      `json:"paidAmount"`
	Balance        int64      `json:"balance"`
	Status         string     `json:"status"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// PurchaseSnapshot is the sync shape of a supplier purchase order.
type PurchaseSnapshot struct {
	ID         string    `json:"id"`
	SupplierID string    `json:"supplierId"`
	BranchID   string    `json:"branchId"`
	Total      int64     `json:"total"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CashBoxSnapshot is the sync shape of a cash box session.
type CashBoxSnapshot struct {
	ID             string     `json:"id"`
	BranchID       string     `json:"branchId"`
	OpeningBalance int64      `json:"openingBalance"`
	ClosingBalance int64      `json:"closingBalance"`
	Status         string     `json:"status"`
	OpenedAt       time.Time  `json:"openedAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// DebtPaymentSnapshot is the sync shape of a payment against a debt.
type DebtPaymentSnapshot struct {
	ID        string    `json:"id"`
	DebtID    string    `json:"debtId"`
	Amount    int64     `json:"amount"`
	Method    string    `json:"method"`
	Reference string    `json:"reference,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SaleLine is one line item within a sale snapshot.
type SaleLine struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Total     int64  `json:"total"`
}

// SaleSnapshot is the sync shape of a completed sale.
type SaleSnapshot struct {
	ID         string     `json:"id"`
	SaleNumber string     `json:"saleNumber"`
	BranchID   string     `json:"branchId"`
	CustomerID string     `json:"customerId,omitempty"`
	CashBoxID  string     `json:"cashBoxId,omitempty"`
	Lines      []SaleLine `json:"lines,omitempty"`
	Total      int64      `json:"total"`
	Status     string     `json:"status"`
	OpenedAt   time.Time  `json:"openedAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
