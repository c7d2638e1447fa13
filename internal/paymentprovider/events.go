package paymentprovider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType — тип биллингового события в конверте вебхука.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.session.completed"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
	EventInvoicePaid         EventType = "invoice.paid"
	EventInvoiceSucceeded    EventType = "invoice.payment_succeeded"
	EventInvoiceFailed       EventType = "invoice.payment_failed"
)

var (
	// ErrUnsupportedEvent — тип события не обрабатывается этим сервисом.
	ErrUnsupportedEvent = errors.New("unsupported event type")
	// ErrMalformedEvent — тип известен, но обязательные поля отсутствуют или повреждены.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event — одно из шести обрабатываемых событий. Набор реализаций закрыт.
type Event interface {
	Meta() Envelope
	isEvent()
}

// Envelope — общие поля конверта события.
type Envelope struct {
	ID      string
	Type    EventType
	Created time.Time
}

// Meta возвращает конверт события.
func (e Envelope) Meta() Envelope { return e }

func (Envelope) isEvent() {}

// CheckoutCompleted — оформление подписки завершено. Корреляция по metadata.subscriber_id.
// PriceID в теле события отсутствует и заполняется после запроса подписки у провайдера.
type CheckoutCompleted struct {
	Envelope
	SubscriberID   string
	CustomerID     string
	SubscriptionID string
	PriceID        string
}

// SubscriptionUpdated — подписка изменилась. Корреляция по customer.
type SubscriptionUpdated struct {
	Envelope
	CustomerID     string
	SubscriptionID string
	Status         string
	PriceID        string
}

// SubscriptionDeleted — подписка удалена провайдером.
type SubscriptionDeleted struct {
	Envelope
	CustomerID     string
	SubscriptionID string
}

// InvoicePaid — счёт оплачен.
type InvoicePaid struct {
	Envelope
	CustomerID string
}

// InvoiceFailed — оплата счёта не прошла.
type InvoiceFailed struct {
	Envelope
	CustomerID string
}

type rawEnvelope struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Created int64     `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// expandableID принимает как строковый ID, так и развёрнутый объект с полем id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutObject struct {
	Customer     expandableID      `json:"customer"`
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID       string       `json:"id"`
	Customer expandableID `json:"customer"`
	Status   string       `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	Customer expandableID `json:"customer"`
}

// DecodeEvent разбирает тело вебхука в типизированное событие.
// Неизвестный тип даёт ErrUnsupportedEvent, повреждённое тело — ErrMalformedEvent.
func DecodeEvent(body []byte) (Event, error) {
	const op = "paymentprovider.DecodeEvent"

	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrMalformedEvent, err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("%s: %w: missing type", op, ErrMalformedEvent)
	}

	switch raw.Type {
	case EventCheckoutCompleted, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventInvoicePaid, EventInvoiceSucceeded, EventInvoiceFailed:
	default:
		return nil, fmt.Errorf("%s: %w: %q", op, ErrUnsupportedEvent, raw.Type)
	}

	if raw.ID == "" || raw.Created <= 0 || len(raw.Data.Object) == 0 {
		return nil, fmt.Errorf("%s: %w: envelope requires id, created and data.object", op, ErrMalformedEvent)
	}
	env := Envelope{ID: raw.ID, Type: raw.Type, Created: time.Unix(raw.Created, 0).UTC()}

	ev, err := decodeObject(env, raw.Data.Object)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s: %v", op, ErrMalformedEvent, raw.Type, err)
	}
	return ev, nil
}

func decodeObject(env Envelope, object json.RawMessage) (Event, error) {
	switch env.Type {
	case EventCheckoutCompleted:
		var obj checkoutObject
		if err := json.Unmarshal(object, &obj); err != nil {
			return nil, err
		}
		subscriberID := obj.Metadata["subscriber_id"]
		if subscriberID == "" {
			return nil, errors.New("metadata.subscriber_id is required")
		}
		if obj.Subscription == "" {
			return nil, errors.New("subscription is required")
		}
		return CheckoutCompleted{
			Envelope:       env,
			SubscriberID:   subscriberID,
			CustomerID:     string(obj.Customer),
			SubscriptionID: string(obj.Subscription),
		}, nil

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var obj subscriptionObject
		if err := json.Unmarshal(object, &obj); err != nil {
			return nil, err
		}
		if obj.Customer == "" {
			return nil, errors.New("customer is required")
		}
		if env.Type == EventSubscriptionDeleted {
			return SubscriptionDeleted{
				Envelope:       env,
				CustomerID:     string(obj.Customer),
				SubscriptionID: obj.ID,
			}, nil
		}
		if obj.Status == "" {
			return nil, errors.New("status is required")
		}
		var priceID string
		if len(obj.Items.Data) > 0 {
			priceID = obj.Items.Data[0].Price.ID
		}
		if obj.Status == "active" && priceID == "" {
			return nil, errors.New("items.data[0].price.id is required for active subscriptions")
		}
		return SubscriptionUpdated{
			Envelope:       env,
			CustomerID:     string(obj.Customer),
			SubscriptionID: obj.ID,
			Status:         obj.Status,
			PriceID:        priceID,
		}, nil

	default:
		var obj invoiceObject
		if err := json.Unmarshal(object, &obj); err != nil {
			return nil, err
		}
		if obj.Customer == "" {
			return nil, errors.New("customer is required")
		}
		if env.Type == EventInvoiceFailed {
			return InvoiceFailed{Envelope: env, CustomerID: string(obj.Customer)}, nil
		}
		return InvoicePaid{Envelope: env, CustomerID: string(obj.Customer)}, nil
	}
}
