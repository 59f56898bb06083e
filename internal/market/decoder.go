package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"execution-core/pkg/wire"
)

// Frame type discriminators (tr_cd).
const (
	TypeTick    = "00"
	TypeBalance = "04"
	TypeProgram = "0w"
	TypeVI      = "1h"
)

var (
	// ErrUnknownFrame marks a frame whose discriminator has no decoder.
	ErrUnknownFrame = errors.New("market: unknown frame type")
	// ErrMalformedFrame marks a frame that failed to decode.
	ErrMalformedFrame = errors.New("market: malformed frame")
)

type header struct {
	TrCode string `json:"tr_cd"`
	Trnm   string `json:"trnm"`
}

type tickFrame struct {
	Instrument string     `json:"stk_cd"`
	Price      wire.Int   `json:"cur_prc"`
	Volume     wire.Int   `json:"trd_vol"`
	AccVolume  wire.Int   `json:"acc_vol"`
	ChangeRate wire.Float `json:"chg_rate"`
}

type programFrame struct {
	Instrument string   `json:"stk_cd"`
	Buy        wire.Int `json:"pgm_buy"`
	Sell       wire.Int `json:"pgm_sell"`
}

type viFrame struct {
	Instrument   string   `json:"stk_cd"`
	Name         string   `json:"stk_nm"`
	Kind         string   `json:"vi_tp"`
	TriggerPrice wire.Int `json:"trig_prc"`
}

type balanceFrame struct {
	Instrument   string     `json:"stk_cd"`
	Name         string     `json:"stk_nm"`
	Quantity     wire.Int   `json:"hold_qty"`
	AvgPrice     wire.Int   `json:"avg_prc"`
	CurrentPrice wire.Int   `json:"cur_prc"`
	PnLAmount    wire.Int   `json:"pnl_amt"`
	PnLRate      wire.Float `json:"pnl_rt"`
}

type decodeFunc func(raw []byte, ts time.Time) (Event, error)

var decoders = map[string]decodeFunc{
	TypeTick:    decodeTick,
	TypeProgram: decodeProgram,
	TypeVI:      decodeVI,
	TypeBalance: decodeBalance,
}

// Decode turns one data frame into an Event. ts stamps the event, since
// provider frames carry no timestamp of their own.
func Decode(raw []byte, ts time.Time) (Event, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	dec, ok := decoders[h.TrCode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, h.TrCode)
	}
	return dec(raw, ts)
}

func decodeTick(raw []byte, ts time.Time) (Event, error) {
	var f tickFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: tick: %v", ErrMalformedFrame, err)
	}
	if f.Instrument == "" {
		return nil, fmt.Errorf("%w: tick without stk_cd", ErrMalformedFrame)
	}
	price := f.Price.Abs()
	if price == 0 {
		return nil, fmt.Errorf("%w: tick %s without price", ErrMalformedFrame, f.Instrument)
	}
	return PriceTick{
		Instrument:       f.Instrument,
		Price:            price,
		Volume:           f.Volume.Abs(),
		CumulativeVolume: f.AccVolume.Abs(),
		ChangeRatePct:    float64(f.ChangeRate),
		Timestamp:        ts,
	}, nil
}

func decodeProgram(raw []byte, ts time.Time) (Event, error) {
	var f programFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: program: %v", ErrMalformedFrame, err)
	}
	if f.Instrument == "" {
		return nil, fmt.Errorf("%w: program without stk_cd", ErrMalformedFrame)
	}
	return FlowSignal{
		Instrument:     f.Instrument,
		ProgramBuyAmt:  int64(f.Buy),
		ProgramSellAmt: int64(f.Sell),
		Timestamp:      ts,
	}, nil
}

func decodeVI(raw []byte, ts time.Time) (Event, error) {
	var f viFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: vi: %v", ErrMalformedFrame, err)
	}
	if f.Instrument == "" {
		return nil, fmt.Errorf("%w: vi without stk_cd", ErrMalformedFrame)
	}
	kind, err := parseVIKind(f.Kind)
	if err != nil {
		return nil, err
	}
	return VolatilityInterrupt{
		Instrument:   f.Instrument,
		Name:         f.Name,
		Kind:         kind,
		TriggerPrice: f.TriggerPrice.Abs(),
		Timestamp:    ts,
	}, nil
}

func decodeBalance(raw []byte, ts time.Time) (Event, error) {
	var f balanceFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrMalformedFrame, err)
	}
	if f.Instrument == "" {
		return nil, fmt.Errorf("%w: balance without stk_cd", ErrMalformedFrame)
	}
	return BalanceUpdate{
		Instrument:   f.Instrument,
		Name:         f.Name,
		Quantity:     int64(f.Quantity),
		AvgPrice:     f.AvgPrice.Abs(),
		CurrentPrice: f.CurrentPrice.Abs(),
		PnLAmount:    int64(f.PnLAmount),
		PnLRate:      float64(f.PnLRate),
		Timestamp:    ts,
	}, nil
}

// The REST VI feed uses "1"/"2" where the stream uses names.
func parseVIKind(s string) (VIKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STATIC", "1":
		return VIStatic, nil
	case "DYNAMIC", "2":
		return VIDynamic, nil
	default:
		return "", fmt.Errorf("%w: vi_tp %q", ErrMalformedFrame, s)
	}
}
