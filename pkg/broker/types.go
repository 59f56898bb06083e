package broker

import "execution-core/pkg/wire"

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// provider codes
const (
	orderTypeLimit  = "00"
	orderTypeMarket = "01"
	tradeTypeSell   = "01"
	tradeTypeBuy    = "02"
)

// OrderRequest is one order to place. Price is ignored for market orders.
type OrderRequest struct {
	Instrument string
	Side       Side
	Quantity   int64
	Price      int64
	Market     bool
}

// PlaceResult mirrors the provider acknowledgement.
type PlaceResult struct {
	OrderID   string `json:"order_id"`
	OrderTime string `json:"order_time,omitempty"`
	Success   bool   `json:"success"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

// Balance is the account summary.
type Balance struct {
	OrderableCash  int64   `json:"orderable_cash"`
	TotalEval      int64   `json:"total_eval"`
	PurchaseAmount int64   `json:"purchase_amount"`
	ProfitLoss     int64   `json:"profit_loss"`
	ProfitLossRate float64 `json:"profit_loss_rate"`
}

type tokenResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   wire.Int `json:"expires_in"`
}

type orderBody struct {
	Instrument  string `json:"pdno"`
	OrderType   string `json:"ord_dvsn"`
	TradeType   string `json:"sll_buy_dvsn_cd"`
	Quantity    string `json:"ord_qty"`
	Price       string `json:"ord_unpr"`
	Account     string `json:"cano"`
	ProductCode string `json:"acnt_prdt_cd"`
}

type orderResponse struct {
	ResultCode string `json:"rt_cd"`
	MsgCode    string `json:"msg_cd"`
	Msg        string `json:"msg1"`
	Output     struct {
		OrderNo   string `json:"ord_no"`
		OrderTime string `json:"ord_tmd"`
	} `json:"output"`
}

type balanceResponse struct {
	OrderableCash  wire.Int   `json:"ord_psbl_cash"`
	TotalEval      wire.Int   `json:"tot_evlu_amt"`
	PurchaseAmount wire.Int   `json:"pchs_amt_smtl"`
	ProfitLoss     wire.Int   `json:"evlu_pfls_smtl"`
	ProfitLossRate wire.Float `json:"evlu_pfls_rt"`
}

type holdingsResponse struct {
	Output []struct {
		Instrument string   `json:"pdno"`
		Quantity   wire.Int `json:"hldg_qty"`
	} `json:"output"`
}
