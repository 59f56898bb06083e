package advisory

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"execution-core/internal/engine"
	"execution-core/internal/order"
	"execution-core/pkg/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type countingGate struct{ n atomic.Int32 }

func (g *countingGate) Acquire(_ context.Context, class ratelimit.APIClass) error {
	if class != ratelimit.Advisory {
		return errors.New("wrong class")
	}
	g.n.Add(1)
	return nil
}

// startServer answers advisory methods without generated stubs.
func startServer(t *testing.T, verdict Verdict, proposals []Proposal) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		switch method {
		case MethodScore:
			var req scoreRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			v := verdict
			v.Instrument = req.Instrument
			return stream.SendMsg(&v)
		case MethodProposePlans:
			var req proposeRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			return stream.SendMsg(&proposeResponse{Proposals: proposals})
		}
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis
}

func dialBuf(t *testing.T, lis *bufconn.Listener, gate Gate) *Client {
	t.Helper()
	c, err := Dial("passthrough:///bufnet", gate, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_Score(t *testing.T) {
	lis := startServer(t, Verdict{Score: 82, Decision: DecisionBuy, Rationale: "strong flow"}, nil)
	gate := &countingGate{}
	c := dialBuf(t, lis, gate)

	v, err := c.Score(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, "005930", v.Instrument)
	assert.Equal(t, 82, v.Score)
	assert.Equal(t, DecisionBuy, v.Decision)
	assert.Equal(t, int32(1), gate.n.Load())
}

func TestClient_ScoreRejectsOutOfBounds(t *testing.T) {
	lis := startServer(t, Verdict{Score: 140, Decision: DecisionBuy}, nil)
	c := dialBuf(t, lis, nil)

	_, err := c.Score(context.Background(), "005930")
	assert.ErrorIs(t, err, ErrInvalidVerdict)
}

func TestClient_ProposePlans(t *testing.T) {
	want := []Proposal{{Instrument: "005930", Name: "Samsung", Target: 77000, Stop: 66000, Decision: DecisionBuy, Score: 80}}
	lis := startServer(t, Verdict{}, want)
	c := dialBuf(t, lis, &countingGate{})

	got, err := c.ProposePlans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

type fakeProposer []Proposal

func (f fakeProposer) ProposePlans(context.Context) ([]Proposal, error) { return f, nil }

type planSink struct{ plans []engine.TradingPlan }

func (s *planSink) RegisterTarget(p engine.TradingPlan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.plans = append(s.plans, p)
	return nil
}

type intentSink struct{ intents []order.OrderIntent }

func (s *intentSink) Submit(i order.OrderIntent) bool {
	s.intents = append(s.intents, i)
	return true
}

func TestPlanner_Refresh(t *testing.T) {
	plans := &planSink{}
	orders := &intentSink{}
	p := &Planner{
		Source: fakeProposer{
			{Instrument: "005930", Target: 77000, Stop: 66000, Decision: DecisionBuy, Quantity: 3, EntryPrice: 70000, Score: 80},
			{Instrument: "000660", Target: 200000, Stop: 150000, Decision: DecisionBuy},
			{Instrument: "035420", Target: 250000, Stop: 200000, Decision: DecisionHold},
			{Instrument: "bad", Target: 100, Stop: 200, Decision: DecisionBuy},
		},
		Plans:  plans,
		Orders: orders,
	}

	n, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, plans.plans, 2)
	require.Len(t, orders.intents, 1)
	assert.Equal(t, order.PriorityEntry, orders.intents[0].Priority)
	assert.Equal(t, int64(3), orders.intents[0].Quantity)
	assert.Equal(t, int64(70000), orders.intents[0].EntryPrice)
}

type fakeScorer map[string]Verdict

func (f fakeScorer) Score(_ context.Context, instrument string) (Verdict, error) {
	v, ok := f[instrument]
	if !ok {
		return Verdict{}, status.Error(codes.Unavailable, "analyst offline")
	}
	return v, nil
}

func TestPlanner_ReviewerFiltersProposals(t *testing.T) {
	plans := &planSink{}
	orders := &intentSink{}
	p := &Planner{
		Source: fakeProposer{
			{Instrument: "005930", Target: 77000, Stop: 66000, Decision: DecisionBuy, Quantity: 3, EntryPrice: 70000, Score: 70},
			{Instrument: "000660", Target: 200000, Stop: 150000, Decision: DecisionBuy},
			{Instrument: "035420", Target: 250000, Stop: 200000, Decision: DecisionBuy},
			{Instrument: "051910", Target: 400000, Stop: 350000, Decision: DecisionBuy},
		},
		Reviewer: fakeScorer{
			"005930": {Score: 88, Decision: DecisionBuy},
			"000660": {Score: 40, Decision: DecisionBuy},
			"035420": {Score: 90, Decision: DecisionSell},
		},
		MinScore: 60,
		Plans:    plans,
		Orders:   orders,
	}

	n, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got []string
	for _, pl := range plans.plans {
		got = append(got, pl.Instrument)
	}
	// 051910 has no fresh verdict and keeps its own BUY
	assert.Equal(t, []string{"005930", "051910"}, got)
	require.Len(t, orders.intents, 1)
	assert.Equal(t, "advisory buy (score 88)", orders.intents[0].Reason)
}

func TestPlanner_ReviewerOverGRPC(t *testing.T) {
	lis := startServer(t, Verdict{Score: 55, Decision: DecisionBuy}, nil)
	gate := &countingGate{}
	c := dialBuf(t, lis, gate)
	plans := &planSink{}
	p := &Planner{
		Source:   fakeProposer{{Instrument: "005930", Target: 77000, Stop: 66000, Decision: DecisionBuy}},
		Reviewer: c,
		MinScore: 60,
		Plans:    plans,
	}

	n, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, plans.plans)
	assert.Equal(t, int32(1), gate.n.Load())
}

func TestLoadPlansFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - instrument: "005930"
    name: Samsung
    target: 77000
    stop: 66000
  - instrument: "000660"
    target: 200000
    stop: 150000
`), 0o600))

	plans, err := LoadPlansFile(path)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "005930", plans[0].Instrument)
	assert.Equal(t, int64(77000), plans[0].OriginalTarget)
	assert.Equal(t, int64(150000), plans[1].OriginalStop)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("targets:\n  - instrument: A\n    target: 1\n    stop: 2\n"), 0o600))
	_, err = LoadPlansFile(bad)
	assert.ErrorIs(t, err, engine.ErrInvalidPlan)
}
