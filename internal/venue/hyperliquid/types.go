package hyperliquid

import (
	"encoding/json"
	"strings"

	"keeper/internal/adapter/enum"
)

const (
	MainnetWsURL   = "wss://api.hyperliquid.xyz/ws"
	MainnetInfoURL = "https://api.hyperliquid.xyz/info"
	TestnetWsURL   = "wss://api.hyperliquid-testnet.xyz/ws"
	TestnetInfoURL = "https://api.hyperliquid-testnet.xyz/info"
)

const (
	channelBook         = "l2Book"
	channelUserFills    = "userFills"
	channelOrderUpdates = "orderUpdates"
	channelSubscription = "subscriptionResponse"
	channelError        = "error"
)

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	User string `json:"user,omitempty"`
}

type subscribeRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

type subscribeResponse struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

type level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type book struct {
	Coin   string     `json:"coin"`
	Time   int64      `json:"time"`
	Levels [2][]level `json:"levels"` // [0]bids [1]asks
}

// Fill is one entry of a userFills push.
type Fill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"` // B buy, A sell
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	Dir           string `json:"dir"`
	ClosedPnl     string `json:"closedPnl"`
	Hash          string `json:"hash"`
	Oid           int64  `json:"oid"`
	Crossed       bool   `json:"crossed"`
	Fee           string `json:"fee"`
	Tid           int64  `json:"tid"`
	Cloid         string `json:"cloid,omitempty"`
}

type userFills struct {
	IsSnapshot bool   `json:"isSnapshot"`
	User       string `json:"user"`
	Fills      []Fill `json:"fills"`
}

type basicOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	OrigSz    string `json:"origSz"`
}

type orderUpdate struct {
	Order           basicOrder `json:"order"`
	Status          string     `json:"status"`
	StatusTimestamp int64      `json:"statusTimestamp"`
}

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`
	Oid  int64  `json:"oid,omitempty"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin          string `json:"coin"`
			Szi           string `json:"szi"`
			EntryPx       string `json:"entryPx"`
			PositionValue string `json:"positionValue"`
		} `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
}

type orderStatusReply struct {
	Status string `json:"status"`
	Order  struct {
		Order           basicOrder `json:"order"`
		Status          string     `json:"status"`
		StatusTimestamp int64      `json:"statusTimestamp"`
	} `json:"order"`
}

type universe struct {
	Universe []struct {
		Name       string `json:"name"`
		SzDecimals int32  `json:"szDecimals"`
	} `json:"universe"`
}

type assetCtx struct {
	Funding string `json:"funding"`
	MarkPx  string `json:"markPx"`
	MidPx   string `json:"midPx"`
}

// orderStatus maps a venue order status onto the adapter lifecycle. Unknown statuses
// map to the zero value.
func orderStatus(s string) enum.OrderStatus {
	switch s {
	case "open", "triggered":
		return enum.OrderStatusWaitingFill
	case "filled":
		return enum.OrderStatusFilled
	case "rejected":
		return enum.OrderStatusRejected
	case "scheduledCancel":
		return enum.OrderStatusCancelled
	}
	switch {
	case strings.HasSuffix(s, "Rejected"):
		return enum.OrderStatusRejected
	case strings.HasSuffix(s, "Canceled"):
		return enum.OrderStatusCancelled
	case s == "canceled":
		return enum.OrderStatusCancelled
	}
	return 0
}

func side(s string) enum.Side {
	if s == "A" {
		return enum.SideShort
	}
	return enum.SideLong
}
