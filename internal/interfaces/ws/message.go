package ws

import (
	"encoding/json"
	"fmt"

	domain "main/internal/domain/entity/marketdata"
)

// Action is the closed set of requests a subscriber may send.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionPing        Action = "ping"
)

// Inbound is a subscriber request. Validated once at the boundary; nothing
// downstream re-inspects raw JSON.
type Inbound struct {
	Action       Action `json:"action"`
	InstrumentID string `json:"instrument_id,omitempty"`
}

func (m Inbound) Validate() error {
	switch m.Action {
	case ActionSubscribe, ActionUnsubscribe:
		if m.InstrumentID == "" {
			return fmt.Errorf("action %q requires instrument_id", m.Action)
		}
		return nil
	case ActionPing:
		return nil
	default:
		return fmt.Errorf("unknown action %q", m.Action)
	}
}

// Kind is the outbound message discriminant.
type Kind string

const (
	KindSubscriptionConfirmed   Kind = "subscription_confirmed"
	KindUnsubscriptionConfirmed Kind = "unsubscription_confirmed"
	KindHistoricalData          Kind = "historical_data"
	KindOrderBookUpdate         Kind = "orderbook_update"
	KindPong                    Kind = "pong"
	KindError                   Kind = "error"
)

// Outbound is the envelope for every server-to-subscriber message.
type Outbound struct {
	Type         Kind   `json:"type"`
	InstrumentID string `json:"instrument_id,omitempty"`
	Data         any    `json:"data,omitempty"`
	Message      string `json:"message,omitempty"`
}

// frame marshals an outbound message once, so fan-out shares one encoding.
func frame(msg Outbound) []byte {
	payload, err := json.Marshal(msg)
	if err != nil {
		// Outbound payloads are our own types; a marshal failure is a bug.
		panic(fmt.Sprintf("ws: marshal outbound %s: %v", msg.Type, err))
	}
	return payload
}

func confirmFrame(kind Kind, instrumentID string) []byte {
	return frame(Outbound{Type: kind, InstrumentID: instrumentID})
}

func historicalFrame(instrumentID string, snapshots []domain.OrderBookSnapshot) []byte {
	return frame(Outbound{Type: KindHistoricalData, InstrumentID: instrumentID, Data: snapshots})
}

func updateFrame(update *domain.Update) []byte {
	return frame(Outbound{Type: KindOrderBookUpdate, InstrumentID: update.InstrumentID, Data: update})
}

func pongFrame() []byte {
	return frame(Outbound{Type: KindPong})
}

func errorFrame(message string) []byte {
	return frame(Outbound{Type: KindError, Message: message})
}
