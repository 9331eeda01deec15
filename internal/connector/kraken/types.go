package kraken

import "encoding/json"

// wsSubscription is the subscription descriptor for control frames
type wsSubscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
}

// wsRequest is a subscribe/unsubscribe control frame
type wsRequest struct {
	Event        string         `json:"event"` // subscribe / unsubscribe
	Pair         []string       `json:"pair"`
	Subscription wsSubscription `json:"subscription"`
}

// wsEvent covers the named events Kraken sends on the public socket
// (systemStatus, subscriptionStatus, heartbeat, pong, error).
type wsEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ChannelName  string `json:"channelName"`
	ErrorMessage string `json:"errorMessage"`
}

// wsBookPayload holds the book sides of a data frame. Snapshots use as/bs,
// incremental updates a/b. Levels are [price, volume, time] string triples.
type wsBookPayload struct {
	AskSnapshot [][]string `json:"as"`
	BidSnapshot [][]string `json:"bs"`
	Asks        [][]string `json:"a"`
	Bids        [][]string `json:"b"`
	Checksum    string     `json:"c"`
}

// assetPairsResponse is the /0/public/AssetPairs response
type assetPairsResponse struct {
	Error  []string `json:"error"`
	Result map[string]struct {
		Altname string `json:"altname"`
		WSName  string `json:"wsname"`
	} `json:"result"`
}

// ohlcResponse is the /0/public/OHLC response; Result maps the pair key to
// candle rows plus a "last" cursor we ignore.
type ohlcResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}
