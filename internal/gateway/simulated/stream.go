package simulated

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler upgrades an HTTP connection and relays events from ch as
// JSON text frames until the channel closes or the client disconnects. Its
// frames mirror the Stream<{txid, amount, confirmations}> shape
// ObserveDeposits returns; internal/httpapi does not mount this handler.
func StreamHandler(ch <-chan DepositEventJSON) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for event := range ch {
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// DepositEventJSON is the wire shape written to the websocket, matching
// BlockchainGateway.observe_deposits' {txid, amount, confirmations} stream
// element.
type DepositEventJSON struct {
	TxID          string `json:"txid"`
	Amount        int64  `json:"amount"`
	Confirmations uint32 `json:"confirmations"`
}
