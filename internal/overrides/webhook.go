package overrides

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orrn/printrelay/internal/core"
)

// orderWebhook is the subset of a Shopify REST orders/create or
// orders/updated payload that carries customer data.
type orderWebhook struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Customer *struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
	} `json:"customer"`
	ShippingAddress *struct {
		Name      string `json:"name"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Address1  string `json:"address1"`
		Address2  string `json:"address2"`
		City      string `json:"city"`
		Zip       string `json:"zip"`
		Province  string `json:"province"`
		Country   string `json:"country"`
		Phone     string `json:"phone"`
	} `json:"shipping_address"`
}

// RecordFromWebhook decodes an order webhook body into an override record
// for store.
func RecordFromWebhook(body []byte, store string) (Record, error) {
	var w orderWebhook
	if err := json.Unmarshal(body, &w); err != nil {
		return Record{}, fmt.Errorf("decode order webhook: %w", err)
	}
	number := core.NormalizeOrder(w.Name)
	if number == "" {
		return Record{}, fmt.Errorf("order webhook without name")
	}

	rec := Record{
		OrderNumber: number,
		Store:       normalizeLabel(store),
		Email:       strings.TrimSpace(w.Email),
		Phone:       strings.TrimSpace(w.Phone),
	}
	if c := w.Customer; c != nil {
		rec.Customer = Customer{
			DisplayName: joinName(c.FirstName, c.LastName),
			Email:       strings.TrimSpace(c.Email),
			Phone:       strings.TrimSpace(c.Phone),
		}
	}
	if a := w.ShippingAddress; a != nil {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			name = joinName(a.FirstName, a.LastName)
		}
		rec.ShippingAddress = ShippingAddress{
			Name:     name,
			Address1: a.Address1,
			Address2: a.Address2,
			City:     a.City,
			Zip:      a.Zip,
			Province: a.Province,
			Country:  a.Country,
			Phone:    strings.TrimSpace(a.Phone),
		}
	}
	return rec, nil
}

func joinName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
