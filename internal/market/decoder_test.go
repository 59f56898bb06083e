package market

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	cases := []struct {
		name  string
		frame string
		want  Event
	}{
		{
			name:  "tick",
			frame: `{"tr_cd":"00","stk_cd":"005930","cur_prc":"+71000","trd_vol":"10","acc_vol":"1200","chg_rate":"1.25"}`,
			want:  PriceTick{Instrument: "005930", Price: 71000, Volume: 10, CumulativeVolume: 1200, ChangeRatePct: 1.25, Timestamp: ts},
		},
		{
			name:  "program",
			frame: `{"tr_cd":"0w","stk_cd":"005930","pgm_buy":5000000000,"pgm_sell":"16000000000"}`,
			want:  FlowSignal{Instrument: "005930", ProgramBuyAmt: 5_000_000_000, ProgramSellAmt: 16_000_000_000, Timestamp: ts},
		},
		{
			name:  "vi numeric kind",
			frame: `{"tr_cd":"1h","stk_cd":"000660","stk_nm":"SK Hynix","vi_tp":"2","trig_prc":145000}`,
			want:  VolatilityInterrupt{Instrument: "000660", Name: "SK Hynix", Kind: VIDynamic, TriggerPrice: 145000, Timestamp: ts},
		},
		{
			name:  "balance",
			frame: `{"tr_cd":"04","stk_cd":"005930","stk_nm":"Samsung","hold_qty":"30","avg_prc":"70000","cur_prc":"71000","pnl_amt":"30000","pnl_rt":"1.43"}`,
			want:  BalanceUpdate{Instrument: "005930", Name: "Samsung", Quantity: 30, AvgPrice: 70000, CurrentPrice: 71000, PnLAmount: 30000, PnLRate: 1.43, Timestamp: ts},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.frame), ts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `{"tr_cd":`, ErrMalformedFrame},
		{"unknown type", `{"tr_cd":"0D","stk_cd":"005930"}`, ErrUnknownFrame},
		{"missing discriminator", `{"stk_cd":"005930"}`, ErrUnknownFrame},
		{"tick without instrument", `{"tr_cd":"00","cur_prc":100}`, ErrMalformedFrame},
		{"tick without price", `{"tr_cd":"00","stk_cd":"005930"}`, ErrMalformedFrame},
		{"bad number", `{"tr_cd":"00","stk_cd":"005930","cur_prc":"n/a"}`, ErrMalformedFrame},
		{"bad vi kind", `{"tr_cd":"1h","stk_cd":"005930","vi_tp":"X"}`, ErrMalformedFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame), time.Now())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestFlowSignalDistribution(t *testing.T) {
	assert.True(t, FlowSignal{ProgramBuyAmt: 1, ProgramSellAmt: 10_000_000_002}.IsDistribution())
	assert.False(t, FlowSignal{ProgramBuyAmt: 0, ProgramSellAmt: 10_000_000_000}.IsDistribution())
}
