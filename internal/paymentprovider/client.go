// Package paymentprovider содержит клиент платёжного провайдера (Stripe) и
// типизированные события его вебхуков.
package paymentprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ErrNoPrice возвращается, если у подписки провайдера нет позиции с ценой.
var ErrNoPrice = errors.New("subscription has no priced items")

// CheckoutRequest — параметры создания сессии оформления подписки.
type CheckoutRequest struct {
	CustomerID   string
	SubscriberID string
	PriceID      string
	SuccessURL   string
	CancelURL    string
}

// Client — обёртка над API Stripe с явно переданным секретным ключом.
type Client struct {
	api *client.API
}

// NewClient создаёт клиент Stripe.
func NewClient(secretKey string) *Client {
	return newClient(secretKey, "")
}

// NewClientWithURL создаёт клиент, обращающийся к API по указанному адресу
// (stripe-mock или тестовый сервер).
func NewClientWithURL(secretKey, baseURL string) *Client {
	return newClient(secretKey, baseURL)
}

func newClient(secretKey, baseURL string) *Client {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: 10 * time.Second},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if baseURL != "" {
		cfg.URL = stripe.String(baseURL)
	}
	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	})
	return &Client{api: api}
}

// SubscriptionPriceID возвращает идентификатор цены первой позиции подписки.
func (c *Client) SubscriptionPriceID(ctx context.Context, subscriptionID string) (string, error) {
	const op = "paymentprovider.SubscriptionPriceID"

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return "", fmt.Errorf("%s: %s: %w", op, subscriptionID, ErrNoPrice)
	}
	return sub.Items.Data[0].Price.ID, nil
}

// CreateCustomer создаёт клиента у провайдера. Ключ идемпотентности привязан к
// подписчику, поэтому повторный вызов возвращает того же клиента.
func (c *Client) CreateCustomer(ctx context.Context, subscriberID, email string) (string, error) {
	const op = "paymentprovider.CreateCustomer"

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata("subscriber_id", subscriberID)
	params.SetIdempotencyKey("customer-" + subscriberID)

	cus, err := c.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return cus.ID, nil
}

// CreateCheckoutSession создаёт сессию оформления подписки и возвращает её URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	const op = "paymentprovider.CreateCheckoutSession"

	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.SubscriberID),
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("subscriber_id", req.SubscriberID)

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return sess.URL, nil
}
