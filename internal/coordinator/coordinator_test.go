package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRequester struct {
	mu       sync.Mutex
	requests []confirm.Record
	outcomes []confirm.Record
	failWith error
}

func (f *fakeRequester) RequestDecision(_ context.Context, rec confirm.Record) (confirm.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, rec)
	if f.failWith != nil {
		return confirm.MessageRef{}, f.failWith
	}
	return confirm.MessageRef{ChatID: "42", MessageID: int64(100 + len(f.requests))}, nil
}

func (f *fakeRequester) ReportOutcome(_ context.Context, rec confirm.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, rec)
	return nil
}

func (f *fakeRequester) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, p confirm.Payload) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

type fixture struct {
	clock *fakeClock
	mem   *store.Memory
	store *store.Store
	req   *fakeRequester
	exec  *mockExecutor
	coord *Coordinator
}

var openedAt = time.Date(2024, 3, 1, 0, 30, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: &fakeClock{now: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)},
		mem:   store.NewMemory(),
		req:   &fakeRequester{},
		exec:  &mockExecutor{},
	}
	f.store = store.New(f.mem)
	f.coord = New(f.store, f.req, f.exec, Policy{Timeout: 5 * time.Minute, Retention: time.Hour}, WithClock(f.clock.Now))
	return f
}

func candidate(seq int) *Candidate {
	return &Candidate{
		Pair:        "BTC/USDT:USDT",
		TradeID:     7,
		Side:        "long",
		OpenedAt:    openedAt,
		Sequence:    seq,
		Rate:        decimal.RequireFromString("61250.5"),
		Stake:       decimal.RequireFromString("25"),
		ProfitRatio: -0.031,
	}
}

func withCandidate(c *Candidate) []Position {
	return []Position{{Pair: c.Pair, OpenedAt: c.OpenedAt, Candidate: c}}
}

func TestAcceptFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)
	id := cand.ID()

	out := f.coord.RunCycle(ctx, withCandidate(cand))
	require.Len(t, out, 1)
	assert.Equal(t, VerdictWait, out[0].Verdict)
	rec, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, confirm.StatusPending, rec.Status)
	require.True(t, rec.Message.Valid())
	assert.Equal(t, int64(101), rec.Message.MessageID)

	f.clock.Advance(time.Minute)
	out = f.coord.RunCycle(ctx, withCandidate(cand))
	assert.Equal(t, VerdictWait, out[0].Verdict)
	assert.Equal(t, 1, f.req.requestCount())

	_, err = f.store.Transition(ctx, id, confirm.StatusConfirmed, "", f.clock.Now())
	require.NoError(t, err)

	f.exec.On("Execute", mock.Anything, cand.Payload()).Return(nil).Once()
	out = f.coord.RunCycle(ctx, withCandidate(cand))
	assert.Equal(t, VerdictExecute, out[0].Verdict)
	assert.True(t, out[0].Payload.Stake.Equal(cand.Stake))
	_, err = f.store.Get(ctx, id)
	assert.ErrorIs(t, err, confirm.ErrNotFound)

	// 加仓成交后策略不再给出该序号的候选
	out = f.coord.RunCycle(ctx, []Position{{Pair: cand.Pair, OpenedAt: cand.OpenedAt}})
	assert.Empty(t, out)
	f.exec.AssertNumberOfCalls(t, "Execute", 1)
	assert.Equal(t, 1, f.req.requestCount())
}

func TestDeclineFlowIsNotRecreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(3)

	f.coord.RunCycle(ctx, withCandidate(cand))
	_, err := f.store.Transition(ctx, cand.ID(), confirm.StatusDeclined, confirm.ReasonUser, f.clock.Now())
	require.NoError(t, err)

	out := f.coord.RunCycle(ctx, withCandidate(cand))
	assert.Equal(t, VerdictSkip, out[0].Verdict)
	records, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	for i := 0; i < 3; i++ {
		out = f.coord.RunCycle(ctx, withCandidate(cand))
		assert.Equal(t, VerdictSkip, out[0].Verdict)
	}
	assert.Equal(t, 1, f.req.requestCount())
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestResolvedCacheIsPrunedWhenPositionCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	f.coord.RunCycle(ctx, withCandidate(cand))
	_, err := f.store.Transition(ctx, cand.ID(), confirm.StatusDeclined, "", f.clock.Now())
	require.NoError(t, err)
	f.coord.RunCycle(ctx, withCandidate(cand))
	st, ok := f.coord.resolvedStatus(cand.ID())
	assert.True(t, ok)
	assert.Equal(t, confirm.StatusDeclined, st)

	f.coord.RunCycle(ctx, nil)
	_, ok = f.coord.resolvedStatus(cand.ID())
	assert.False(t, ok)
}

func TestTimeoutBecomesSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	f.coord.RunCycle(ctx, withCandidate(cand))
	f.clock.Advance(5*time.Minute + time.Second)

	out := f.coord.RunCycle(ctx, withCandidate(cand))
	require.Len(t, out, 1)
	assert.Equal(t, VerdictSkip, out[0].Verdict)

	require.Len(t, f.req.outcomes, 1)
	assert.Equal(t, confirm.StatusDeclined, f.req.outcomes[0].Status)
	assert.Equal(t, confirm.ReasonTimeout, f.req.outcomes[0].Reason)
	assert.True(t, f.req.outcomes[0].Message.Valid())
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestLateAcceptAfterTimeoutIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	f.coord.RunCycle(ctx, withCandidate(cand))
	f.clock.Advance(6 * time.Minute)
	_, err := f.coord.Reaper().Sweep(ctx, f.clock.Now())
	require.NoError(t, err)

	_, err = f.store.Transition(ctx, cand.ID(), confirm.StatusConfirmed, "", f.clock.Now())
	assert.ErrorIs(t, err, confirm.ErrIllegalTransition)
}

func TestStoreFaultWaits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mem.SetError(errors.New("disk gone"))

	out := f.coord.Evaluate(ctx, *candidate(2))
	assert.Equal(t, VerdictWait, out.Verdict)
	assert.Zero(t, f.req.requestCount())

	// 周期内的故障不会让整个周期失败
	outs := f.coord.RunCycle(ctx, withCandidate(candidate(2)))
	require.Len(t, outs, 1)
	assert.Equal(t, VerdictWait, outs[0].Verdict)
}

func TestConfirmedButClearFailsWaits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	f.coord.RunCycle(ctx, withCandidate(cand))
	_, err := f.store.Transition(ctx, cand.ID(), confirm.StatusConfirmed, "", f.clock.Now())
	require.NoError(t, err)

	// Load 成功但 Save 一直冲突
	conflicting := &conflictBackend{Memory: f.mem}
	f.coord.store = store.New(conflicting, store.WithConflictRetries(1))
	out := f.coord.Evaluate(ctx, *cand)
	assert.Equal(t, VerdictWait, out.Verdict)
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	rec, err := f.store.Get(ctx, cand.ID())
	require.NoError(t, err)
	assert.Equal(t, confirm.StatusConfirmed, rec.Status)
}

type conflictBackend struct {
	*store.Memory
}

func (c *conflictBackend) Save(context.Context, map[string]confirm.Record, string) (string, error) {
	return "", store.ErrConflict
}

func TestDispatchFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.req.failWith = errors.New("telegram down")
	cand := candidate(2)

	out := f.coord.RunCycle(ctx, withCandidate(cand))
	assert.Equal(t, VerdictWait, out[0].Verdict)
	rec, err := f.store.Get(ctx, cand.ID())
	require.NoError(t, err)
	assert.Equal(t, confirm.StatusPending, rec.Status)
	assert.Nil(t, rec.Message)

	f.clock.Advance(time.Minute)
	f.coord.RunCycle(ctx, withCandidate(cand))
	assert.Equal(t, 1, f.req.requestCount())

	f.clock.Advance(5 * time.Minute)
	out = f.coord.RunCycle(ctx, withCandidate(cand))
	assert.Equal(t, VerdictSkip, out[0].Verdict)
}

func TestConcurrentEvaluateCreatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := f.coord.Evaluate(ctx, *cand)
			assert.Equal(t, VerdictWait, out.Verdict)
		}()
	}
	wg.Wait()

	records, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, f.req.requestCount())
}

func TestExecutorFailureStillClearsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	f.coord.RunCycle(ctx, withCandidate(cand))
	_, err := f.store.Transition(ctx, cand.ID(), confirm.StatusConfirmed, "", f.clock.Now())
	require.NoError(t, err)

	f.exec.On("Execute", mock.Anything, mock.Anything).Return(errors.New("exchange rejected")).Once()
	out := f.coord.RunCycle(ctx, withCandidate(cand))
	assert.Equal(t, VerdictExecute, out[0].Verdict)
	_, err = f.store.Get(ctx, cand.ID())
	assert.ErrorIs(t, err, confirm.ErrNotFound)
	f.exec.AssertExpectations(t)
}

func TestExecutedIdIsNotRequestedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	f.coord.RunCycle(ctx, withCandidate(cand))
	_, err := f.store.Transition(ctx, cand.ID(), confirm.StatusConfirmed, "", f.clock.Now())
	require.NoError(t, err)

	f.exec.On("Execute", mock.Anything, mock.Anything).Return(errors.New("forceenter 502")).Once()
	out := f.coord.RunCycle(ctx, withCandidate(cand))
	assert.Equal(t, VerdictExecute, out[0].Verdict)

	// 入场次数未变化时策略仍给出同一序号，不能再次询问或执行
	for i := 0; i < 3; i++ {
		f.clock.Advance(15 * time.Minute)
		out = f.coord.RunCycle(ctx, withCandidate(cand))
		require.Len(t, out, 1)
		assert.Equal(t, VerdictSkip, out[0].Verdict)
	}
	assert.Equal(t, 1, f.req.requestCount())
	records, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	f.exec.AssertNumberOfCalls(t, "Execute", 1)

	// 下一个序号不受影响
	next := candidate(3)
	out = f.coord.RunCycle(ctx, withCandidate(next))
	assert.Equal(t, VerdictWait, out[0].Verdict)
	assert.Equal(t, 2, f.req.requestCount())
}

func TestDeclinedButClearFailsWaits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	f.coord.RunCycle(ctx, withCandidate(cand))
	_, err := f.store.Transition(ctx, cand.ID(), confirm.StatusDeclined, confirm.ReasonUser, f.clock.Now())
	require.NoError(t, err)

	healthy := f.coord.store
	f.coord.store = store.New(&conflictBackend{Memory: f.mem}, store.WithConflictRetries(1))
	out := f.coord.Evaluate(ctx, *cand)
	assert.Equal(t, VerdictWait, out.Verdict)
	_, cached := f.coord.resolvedStatus(cand.ID())
	assert.False(t, cached)

	// 下一周期重试清理
	f.coord.store = healthy
	out = f.coord.Evaluate(ctx, *cand)
	assert.Equal(t, VerdictSkip, out.Verdict)
	_, err = f.store.Get(ctx, cand.ID())
	assert.ErrorIs(t, err, confirm.ErrNotFound)
	assert.Equal(t, 1, f.req.requestCount())
}

func TestSweepRemovesStaleRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	resolved := confirm.NewPending("ETH/USDT_20240301T003000Z_2", confirm.Payload{Pair: "ETH/USDT", Sequence: 2}, now.Add(-3*time.Hour))
	resolved, err := confirm.Apply(resolved, confirm.StatusConfirmed, "", now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.store.Create(ctx, resolved))
	fresh := confirm.NewPending("ETH/USDT_20240301T003000Z_3", confirm.Payload{Pair: "ETH/USDT", Sequence: 3}, now.Add(-time.Minute))
	require.NoError(t, f.store.Create(ctx, fresh))

	res, err := f.coord.Reaper().Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Empty(t, res.Expired)

	records, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Contains(t, records, fresh.ID)
}

func TestSetPolicyAppliesToNextSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	f.coord.RunCycle(ctx, withCandidate(cand))
	f.clock.Advance(2 * time.Minute)
	f.coord.SetPolicy(Policy{Timeout: time.Minute, Retention: time.Hour})
	assert.Equal(t, time.Minute, f.coord.Policy().Timeout)

	res, err := f.coord.Reaper().Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, cand.ID(), res.Expired[0].ID)
}

func TestReaperTickExpiresBetweenCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := candidate(2)

	f.coord.RunCycle(ctx, withCandidate(cand))
	f.clock.Advance(5*time.Minute + 30*time.Second)
	f.coord.Reaper().Tick(ctx)

	rec, err := f.store.Get(ctx, cand.ID())
	require.NoError(t, err)
	assert.Equal(t, confirm.StatusDeclined, rec.Status)
	assert.Equal(t, confirm.ReasonTimeout, rec.Reason)
	require.Len(t, f.req.outcomes, 1)

	// 清扫之后到达的接受不会生效，下一周期给出 skip
	_, err = f.store.Transition(ctx, cand.ID(), confirm.StatusConfirmed, "", f.clock.Now())
	assert.ErrorIs(t, err, confirm.ErrIllegalTransition)
	out := f.coord.RunCycle(ctx, withCandidate(cand))
	assert.Equal(t, VerdictSkip, out[0].Verdict)
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}
