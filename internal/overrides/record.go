package overrides

import "strings"

type Customer struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

type ShippingAddress struct {
	Name     string `json:"name"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2"`
	City     string `json:"city"`
	Zip      string `json:"zip"`
	Province string `json:"province"`
	Country  string `json:"country"`
	Phone    string `json:"phone"`
}

// Record is the customer and shipping data merged into a job's print
// payload. It is keyed by normalized order number.
type Record struct {
	OrderNumber     string          `json:"order_number"`
	Store           string          `json:"store,omitempty"`
	Email           string          `json:"email,omitempty"`
	Phone           string          `json:"phone,omitempty"`
	Customer        Customer        `json:"customer"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
}

// Complete reports whether r carries a resolvable name and at least one
// contact channel.
func Complete(r *Record) bool {
	return r != nil && nameOK(r) && contactOK(r)
}

func nameOK(r *Record) bool {
	return present(r.Customer.DisplayName) || present(r.ShippingAddress.Name)
}

func contactOK(r *Record) bool {
	return present(r.Customer.Email) ||
		present(r.Customer.Phone) ||
		present(r.Email) ||
		present(r.Phone) ||
		present(r.ShippingAddress.Phone)
}

func present(s string) bool {
	return strings.TrimSpace(s) != ""
}

// merge overlays incoming on existing field by field. Blank incoming
// fields keep the existing value, so completeness never decreases.
func merge(existing, incoming Record) Record {
	out := existing
	out.OrderNumber = pick(incoming.OrderNumber, existing.OrderNumber)
	out.Store = pick(incoming.Store, existing.Store)
	out.Email = pick(incoming.Email, existing.Email)
	out.Phone = pick(incoming.Phone, existing.Phone)

	out.Customer.DisplayName = pick(incoming.Customer.DisplayName, existing.Customer.DisplayName)
	out.Customer.Email = pick(incoming.Customer.Email, existing.Customer.Email)
	out.Customer.Phone = pick(incoming.Customer.Phone, existing.Customer.Phone)

	a, b := incoming.ShippingAddress, existing.ShippingAddress
	out.ShippingAddress = ShippingAddress{
		Name:     pick(a.Name, b.Name),
		Address1: pick(a.Address1, b.Address1),
		Address2: pick(a.Address2, b.Address2),
		City:     pick(a.City, b.City),
		Zip:      pick(a.Zip, b.Zip),
		Province: pick(a.Province, b.Province),
		Country:  pick(a.Country, b.Country),
		Phone:    pick(a.Phone, b.Phone),
	}
	return out
}

func pick(preferred, fallback string) string {
	if present(preferred) {
		return strings.TrimSpace(preferred)
	}
	return fallback
}
