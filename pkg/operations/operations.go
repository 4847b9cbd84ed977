// Package operations polls long-running operations: submit happens
// elsewhere, this package waits for the resource to reach done=true.
package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/gemcall/gemcall/pkg/httpclient"
)

const (
	defaultBaseInterval = 1 * time.Second
	defaultMaxInterval  = 10 * time.Second
	backoffFactor       = 1.5
)

// Operation is the LRO resource. Terminal when Done is true, at which
// point exactly one of Response or Error is set.
type Operation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *Status         `json:"error,omitempty"`
}

// Status is the operation-level error payload.
type Status struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (s *Status) Error() string {
	return fmt.Sprintf("operation failed (%d): %s", s.Code, s.Message)
}

// Doer issues authenticated requests against operation resources. The
// coordinator's client provides it so polling reuses auth and base URLs.
type Doer interface {
	DoOperation(ctx context.Context, method, path string) (*httpclient.Response, error)
}

// WaitOptions tunes one Wait call. Zero values take the defaults above.
type WaitOptions struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration

	// OnProgress fires when the operation's metadata changes between polls.
	OnProgress func(metadata json.RawMessage)
}

// Poller waits on long-running operations.
type Poller struct {
	doer Doer
}

func NewPoller(doer Doer) *Poller {
	return &Poller{doer: doer}
}

// Wait polls the named operation until it is terminal or ctx expires.
// Backoff between polls grows by half each round, capped.
func (p *Poller) Wait(ctx context.Context, name string, opts WaitOptions) (*Operation, error) {
	base := opts.BaseInterval
	if base <= 0 {
		base = defaultBaseInterval
	}
	maxInterval := opts.MaxInterval
	if maxInterval <= 0 {
		maxInterval = defaultMaxInterval
	}

	interval := base
	var lastMetadata json.RawMessage

	for {
		op, err := p.Get(ctx, name)
		if err != nil {
			return nil, err
		}

		if opts.OnProgress != nil && len(op.Metadata) > 0 && !bytes.Equal(op.Metadata, lastMetadata) {
			lastMetadata = op.Metadata
			opts.OnProgress(op.Metadata)
		}

		if op.Done {
			if op.Error != nil {
				return op, op.Error
			}
			return op, nil
		}

		select {
		case <-time.After(jittered(interval)):
		case <-ctx.Done():
			return op, ctx.Err()
		}
		interval = time.Duration(float64(interval) * backoffFactor)
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// Get fetches the operation resource once.
func (p *Poller) Get(ctx context.Context, name string) (*Operation, error) {
	resp, err := p.doer.DoOperation(ctx, "GET", name)
	if err != nil {
		return nil, err
	}
	var op Operation
	if err := json.Unmarshal(resp.Body, &op); err != nil {
		return nil, fmt.Errorf("failed to decode operation %s: %w", name, err)
	}
	return &op, nil
}

// Cancel requests cancellation. Best-effort; the operation may still
// complete.
func (p *Poller) Cancel(ctx context.Context, name string) error {
	_, err := p.doer.DoOperation(ctx, "POST", name+":cancel")
	return err
}

// Delete removes a terminal operation resource. Best-effort.
func (p *Poller) Delete(ctx context.Context, name string) error {
	_, err := p.doer.DoOperation(ctx, "DELETE", name)
	return err
}

// jittered spreads polls a little so synchronized callers do not align.
func jittered(d time.Duration) time.Duration {
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}
