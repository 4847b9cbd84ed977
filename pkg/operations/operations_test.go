package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemcall/gemcall/pkg/httpclient"
)

// fakeDoer serves a scripted sequence of operation states and records the
// requests it saw.
type fakeDoer struct {
	states []string
	calls  []string
	err    error
}

func (d *fakeDoer) DoOperation(ctx context.Context, method, path string) (*httpclient.Response, error) {
	d.calls = append(d.calls, method+" "+path)
	if d.err != nil {
		return nil, d.err
	}
	body := d.states[0]
	if len(d.states) > 1 {
		d.states = d.states[1:]
	}
	return &httpclient.Response{StatusCode: 200, Body: []byte(body)}, nil
}

func fastWait() WaitOptions {
	return WaitOptions{BaseInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestWaitUntilDone(t *testing.T) {
	doer := &fakeDoer{states: []string{
		`{"name": "operations/op-1", "done": false}`,
		`{"name": "operations/op-1", "done": false}`,
		`{"name": "operations/op-1", "done": true, "response": {"state": "ACTIVE"}}`,
	}}

	op, err := NewPoller(doer).Wait(context.Background(), "operations/op-1", fastWait())
	require.NoError(t, err)
	assert.True(t, op.Done)
	assert.JSONEq(t, `{"state": "ACTIVE"}`, string(op.Response))
	assert.Len(t, doer.calls, 3)
	assert.Equal(t, "GET operations/op-1", doer.calls[0])
}

func TestWaitReportsProgressOnMetadataChange(t *testing.T) {
	doer := &fakeDoer{states: []string{
		`{"name": "op", "done": false, "metadata": {"percent": 10}}`,
		`{"name": "op", "done": false, "metadata": {"percent": 10}}`,
		`{"name": "op", "done": false, "metadata": {"percent": 80}}`,
		`{"name": "op", "done": true}`,
	}}

	var updates []string
	opts := fastWait()
	opts.OnProgress = func(metadata json.RawMessage) {
		updates = append(updates, string(metadata))
	}

	_, err := NewPoller(doer).Wait(context.Background(), "op", opts)
	require.NoError(t, err)
	// The repeated 10% poll does not fire a second update.
	require.Len(t, updates, 2)
	assert.JSONEq(t, `{"percent": 10}`, updates[0])
	assert.JSONEq(t, `{"percent": 80}`, updates[1])
}

func TestWaitFailedOperationReturnsStatus(t *testing.T) {
	doer := &fakeDoer{states: []string{
		`{"name": "op", "done": true, "error": {"code": 9, "message": "tuning aborted"}}`,
	}}

	op, err := NewPoller(doer).Wait(context.Background(), "op", fastWait())
	var status *Status
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 9, status.Code)
	assert.Equal(t, "operation failed (9): tuning aborted", status.Error())
	require.NotNil(t, op)
	assert.True(t, op.Done)
}

func TestWaitHonorsContext(t *testing.T) {
	doer := &fakeDoer{states: []string{`{"name": "op", "done": false}`}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	opts := WaitOptions{BaseInterval: time.Hour}
	op, err := NewPoller(doer).Wait(ctx, "op", opts)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, op)
	assert.False(t, op.Done)
}

func TestGetDecodeError(t *testing.T) {
	doer := &fakeDoer{states: []string{`not json`}}

	_, err := NewPoller(doer).Get(context.Background(), "op")
	assert.ErrorContains(t, err, "failed to decode operation op")
}

func TestGetPropagatesDoerError(t *testing.T) {
	doer := &fakeDoer{err: fmt.Errorf("boom")}

	_, err := NewPoller(doer).Get(context.Background(), "op")
	assert.ErrorContains(t, err, "boom")
}

func TestCancelAndDelete(t *testing.T) {
	doer := &fakeDoer{states: []string{`{}`}}
	p := NewPoller(doer)

	require.NoError(t, p.Cancel(context.Background(), "operations/op-1"))
	require.NoError(t, p.Delete(context.Background(), "operations/op-1"))
	assert.Equal(t, []string{
		"POST operations/op-1:cancel",
		"DELETE operations/op-1",
	}, doer.calls)
}

func TestJitteredStaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jittered(base)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/10)
	}
}
