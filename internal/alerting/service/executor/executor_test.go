package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

type scriptedRunner struct {
	mu        sync.Mutex
	runErrs    []error
	runCalls   int
	runTimes   []time.Time
	checkOK    bool
	checkErr   error
	checkRuns  int
	checkTimes []time.Time

	inFlight    int32
	maxInFlight int32
}

func (r *scriptedRunner) Run(ctx context.Context, _ ruleset.ActionTemplate) (string, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	for {
		max := atomic.LoadInt32(&r.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&r.maxInFlight, max, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&r.inFlight, -1)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	call := r.runCalls
	r.runCalls++
	r.runTimes = append(r.runTimes, time.Now())
	if call < len(r.runErrs) && r.runErrs[call] != nil {
		return "", r.runErrs[call]
	}
	return "ok", nil
}

func (r *scriptedRunner) Check(_ context.Context, _ ruleset.ActionTemplate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkRuns++
	r.checkTimes = append(r.checkTimes, time.Now())
	return r.checkOK, r.checkErr
}

func testExec(r Runner) *Executor {
	return New(r, nil, nil, Config{MaxRetries: 3, BackoffBase: time.Millisecond})
}

func req(idempotent bool) Request {
	return Request{
		Key:        ruleengine.AlertKey{Rule: "disk_space_low"},
		Rule:       "disk_space_low",
		Step:       "rotate_logs",
		Action:     ruleset.ActionTemplate{Action: "logrotate", Target: "host-1"},
		Mutating:   true,
		Idempotent: idempotent,
	}
}

func TestExecuteRetriesIdempotentToSuccess(t *testing.T) {
	r := &scriptedRunner{runErrs: []error{errors.New("boom"), errors.New("boom"), nil}}
	res := testExec(r).Execute(context.Background(), req(true))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Retries)
}

func TestExecuteFailsAfterMaxRetries(t *testing.T) {
	boom := errors.New("boom")
	r := &scriptedRunner{runErrs: []error{boom, boom, boom, boom, boom}}
	res := testExec(r).Execute(context.Background(), req(true))
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, 3, res.Retries)
	assert.Equal(t, 4, r.runCalls, "one attempt plus three retries")
}

func TestNonIdempotentWithoutPreconditionNeverRetries(t *testing.T) {
	r := &scriptedRunner{runErrs: []error{errors.New("boom")}}
	res := testExec(r).Execute(context.Background(), req(false))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 1, r.runCalls)
}

func TestNonIdempotentRetriesOnceAfterPrecondition(t *testing.T) {
	r := &scriptedRunner{
		runErrs: []error{errors.New("boom"), nil},
		checkOK: true,
	}
	request := req(false)
	request.Precondition = &ruleset.ActionTemplate{Action: "check_disk", Target: "host-1"}
	res := testExec(r).Execute(context.Background(), request)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, r.checkRuns)
	assert.Equal(t, 2, r.runCalls)
}

func TestNonIdempotentPreconditionCheckedAfterBackoff(t *testing.T) {
	r := &scriptedRunner{
		runErrs: []error{errors.New("boom"), nil},
		checkOK: true,
	}
	request := req(false)
	request.Precondition = &ruleset.ActionTemplate{Action: "check_disk", Target: "host-1"}
	exec := New(r, nil, nil, Config{MaxRetries: 3, BackoffBase: 60 * time.Millisecond})

	res := exec.Execute(context.Background(), request)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Len(t, r.checkTimes, 1)
	require.Len(t, r.runTimes, 2)
	// the re-check comes after the backoff sleep, right before the
	// retry; a check taken before the sleep would be stale by the time
	// the action runs again
	assert.GreaterOrEqual(t, r.checkTimes[0].Sub(r.runTimes[0]), 60*time.Millisecond)
	assert.Less(t, r.runTimes[1].Sub(r.checkTimes[0]), 60*time.Millisecond)
}

func TestNonIdempotentUnmetPreconditionIsSkip(t *testing.T) {
	r := &scriptedRunner{
		runErrs: []error{errors.New("boom"), nil},
		checkOK: false,
	}
	request := req(false)
	request.Precondition = &ruleset.ActionTemplate{Action: "check_disk", Target: "host-1"}
	res := testExec(r).Execute(context.Background(), request)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 1, r.runCalls, "the action itself must not run again")
	assert.Contains(t, res.Err, "precondition")
}

func TestMutatingActionsSerializePerTarget(t *testing.T) {
	r := &scriptedRunner{}
	exec := testExec(r)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.Execute(context.Background(), req(true))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), r.maxInFlight, "same target never overlaps")
}

func TestDifferentTargetsRunConcurrently(t *testing.T) {
	r := &scriptedRunner{}
	exec := testExec(r)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			request := req(true)
			request.Action.Target = string(rune('a' + i))
			exec.Execute(context.Background(), request)
		}()
	}
	wg.Wait()
	assert.Greater(t, r.maxInFlight, int32(1), "distinct targets should overlap")
}

func TestCancelAbortsInFlight(t *testing.T) {
	boom := errors.New("boom")
	// every attempt fails, so without cancellation this would retry for
	// a long time
	r := &scriptedRunner{runErrs: []error{boom, boom, boom, boom}}
	exec := New(r, nil, nil, Config{MaxRetries: 3, BackoffBase: time.Second})

	done := make(chan Result, 1)
	go func() {
		done <- exec.Execute(context.Background(), req(true))
	}()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.runCalls >= 1
	}, time.Second, time.Millisecond)

	exec.Cancel(ruleengine.AlertKey{Rule: "disk_space_low"})

	select {
	case res := <-done:
		assert.Equal(t, OutcomeSkipped, res.Outcome)
		assert.Equal(t, "cancelled", res.Err)
	case <-time.After(time.Second):
		t.Fatal("execute did not return after cancel")
	}
}
