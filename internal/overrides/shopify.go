package overrides

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Order is the subset of a store order the relay needs: identity, contact
// data and the lines still to be fulfilled.
type Order struct {
	ID              string
	Number          string
	Email           string
	Phone           string
	Customer        Customer
	ShippingAddress ShippingAddress
	Total           Money
	LineItems       []LineItem
}

type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type LineItem struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	VariantTitle        string `json:"variant_title,omitempty"`
	SKU                 string `json:"sku,omitempty"`
	Quantity            int    `json:"quantity"`
	UnfulfilledQuantity int    `json:"unfulfilled_quantity"`
}

// OrderSource is a store's order API: resolve a number to an internal id,
// then fetch the full order.
type OrderSource interface {
	FindOrderID(ctx context.Context, number string) (string, error)
	FetchOrder(ctx context.Context, id string) (*Order, error)
}

type ShopifyConfig struct {
	Domain      string
	AccessToken string
	APIVersion  string
	// Endpoint overrides the GraphQL URL derived from Domain.
	Endpoint   string
	HTTPClient *http.Client
}

// ShopifyClient talks to the Shopify Admin GraphQL API.
type ShopifyClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

var _ OrderSource = (*ShopifyClient)(nil)

func NewShopifyClient(cfg ShopifyConfig) *ShopifyClient {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2025-01"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", strings.TrimSpace(cfg.Domain), cfg.APIVersion)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ShopifyClient{
		endpoint:   endpoint,
		token:      cfg.AccessToken,
		httpClient: httpClient,
	}
}

const findOrderQuery = `
query FindOrder($query: String!) {
  orders(first: 5, query: $query) {
    edges { node { id name } }
  }
}`

const orderDetailQuery = `
query OrderDetail($id: ID!) {
  order(id: $id) {
    id
    name
    email
    phone
    customer { displayName email phone }
    shippingAddress { name address1 address2 city zip province country phone }
    currentTotalPriceSet { shopMoney { amount currencyCode } }
    lineItems(first: 100) {
      edges { node { id title variantTitle sku quantity unfulfilledQuantity } }
    }
  }
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *ShopifyClient) do(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (c *ShopifyClient) FindOrderID(ctx context.Context, number string) (string, error) {
	var data struct {
		Orders struct {
			Edges []struct {
				Node struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"orders"`
	}
	if err := c.do(ctx, findOrderQuery, map[string]any{"query": "name:#" + number}, &data); err != nil {
		return "", err
	}

	for _, e := range data.Orders.Edges {
		if strings.TrimLeft(e.Node.Name, "#") == number {
			return e.Node.ID, nil
		}
	}
	return "", ErrOrderNotFound
}

type gqlMoney struct {
	ShopMoney struct {
		Amount       string `json:"amount"`
		CurrencyCode string `json:"currencyCode"`
	} `json:"shopMoney"`
}

func (c *ShopifyClient) FetchOrder(ctx context.Context, id string) (*Order, error) {
	var data struct {
		Order *struct {
			ID              string           `json:"id"`
			Name            string           `json:"name"`
			Email           string           `json:"email"`
			Phone           string           `json:"phone"`
			Customer        *Customer        `json:"customer"`
			ShippingAddress *ShippingAddress `json:"shippingAddress"`
			Total           *gqlMoney        `json:"currentTotalPriceSet"`
			LineItems       struct {
				Edges []struct {
					Node struct {
						ID                  string `json:"id"`
						Title               string `json:"title"`
						VariantTitle        string `json:"variantTitle"`
						SKU                 string `json:"sku"`
						Quantity            int    `json:"quantity"`
						UnfulfilledQuantity int    `json:"unfulfilledQuantity"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"lineItems"`
		} `json:"order"`
	}
	if err := c.do(ctx, orderDetailQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, err
	}
	if data.Order == nil {
		return nil, ErrOrderNotFound
	}

	o := data.Order
	order := &Order{
		ID:     o.ID,
		Number: strings.TrimLeft(o.Name, "#"),
		Email:  o.Email,
		Phone:  o.Phone,
	}
	if o.Customer != nil {
		order.Customer = *o.Customer
	}
	if o.ShippingAddress != nil {
		order.ShippingAddress = *o.ShippingAddress
	}
	if o.Total != nil {
		order.Total = Money{Amount: o.Total.ShopMoney.Amount, Currency: o.Total.ShopMoney.CurrencyCode}
	}
	for _, e := range o.LineItems.Edges {
		n := e.Node
		order.LineItems = append(order.LineItems, LineItem{
			ID:                  n.ID,
			Title:               n.Title,
			VariantTitle:        n.VariantTitle,
			SKU:                 n.SKU,
			Quantity:            n.Quantity,
			UnfulfilledQuantity: n.UnfulfilledQuantity,
		})
	}
	return order, nil
}

// RecordFromOrder projects an order onto its override record.
func RecordFromOrder(o *Order, store string) Record {
	return Record{
		OrderNumber:     o.Number,
		Store:           store,
		Email:           strings.TrimSpace(o.Email),
		Phone:           strings.TrimSpace(o.Phone),
		Customer:        o.Customer,
		ShippingAddress: o.ShippingAddress,
	}
}
