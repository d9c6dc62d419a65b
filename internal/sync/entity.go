package sync

import "fmt"

// EntityType identifies which business entity a mutation touches.
type EntityType string

const (
	EntityCategory    EntityType = "category"
	EntitySupplier    EntityType = "supplier"
	EntityCustomer    EntityType = "customer"
	EntityProduct     EntityType = "product"
	EntityInventory   EntityType = "inventoryItem"
	EntityDebt        EntityType = "debt"
	EntityPurchase    EntityType = "purchase"
	EntityCashBox     EntityType = "cashBox"
	EntityDebtPayment EntityType = "debtPayment"
	EntitySale        EntityType = "sale"
)

// entityInfo binds an entity type to its remote REST path and default
// upload priority. Lower priority uploads first; the ordering encodes
// foreign-key dependencies (a sale references customers and products, so
// those must land on the server before the sale does).
type entityInfo struct {
	path     string
	priority int
}

var entities = map[EntityType]entityInfo{
	EntityCategory:    {path: "/categories", priority: 0},
	EntitySupplier:    {path: "/suppliers", priority: 5},
	EntityCustomer:    {path: "/customers", priority: 10},
	EntityProduct:     {path: "/products", priority: 15},
	EntityInventory:   {path: "/inventory", priority: 15},
	EntityDebt:        {path: "/debts", priority: 20},
	EntityPurchase:    {path: "/purchases", priority: 25},
	EntityCashBox:     {path: "/cash-boxes", priority: 25},
	EntityDebtPayment: {path: "/debt-payments", priority: 30},
	EntitySale:        {path: "/sales", priority: 35},
}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	_, ok := entities[e]
	return ok
}

// Path returns the remote REST collection path for the entity type.
func (e EntityType) Path() (string, error) {
	info, ok := entities[e]
	if !ok {
		return "", fmt.Errorf("entity type %q: %w", string(e), ErrUnknownEntity)
	}
	return info.path, nil
}

// DefaultPriority returns the default upload priority for the entity type.
// Unknown entity types sink to the back of the queue.
func (e EntityType) DefaultPriority() int {
	info, ok := entities[e]
	if !ok {
		return 99
	}
	return info.priority
}

// EntityTypes returns all known entity types in upload-priority order.
func EntityTypes() []EntityType {
	ordered := []EntityType{
		EntityCategory,
		EntitySupplier,
		EntityCustomer,
		EntityProduct,
		EntityInventory,
		EntityDebt,
		EntityPurchase,
		EntityCashBox,
		EntityDebtPayment,
		EntitySale,
	}
	return ordered
}
