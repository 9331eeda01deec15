package binance

import "encoding/json"

// wsRequest is the control frame for stream subscription management
type wsRequest struct {
	Method string   `json:"method"` // SUBSCRIBE / UNSUBSCRIBE
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// wsCombinedMessage wraps payloads delivered on the combined stream endpoint
type wsCombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsControlReply acknowledges SUBSCRIBE/UNSUBSCRIBE requests
type wsControlReply struct {
	Result json.RawMessage `json:"result"`
	ID     int64           `json:"id"`
}

// wsDepthSnapshot is a partial book depth payload ("<symbol>@depth10@1000ms").
// Levels are [price, quantity] string pairs.
type wsDepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// exchangeInfoResponse is the /api/v3/exchangeInfo response (symbols only)
type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"symbols"`
}
