// Package rpc implements the sim.Collaborator protocol over JSON-RPC
// against a simulator bridge process (a thin shim in front of the
// microscopic simulator's control socket).
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/argisarris/rampctl/internal/sim"
	"github.com/argisarris/rampctl/internal/sim/ratelimit"
)

// Method names understood by the simulator bridge.
const (
	methodConnect     = "session.connect"
	methodDisconnect  = "session.disconnect"
	methodStep        = "simulation.step"
	methodTime        = "simulation.time"
	methodStepLength  = "simulation.stepLength"
	methodOccupancy   = "detector.occupancy"
	methodQueueLength = "detector.queueLength"
	methodSetPhase    = "signal.setPhase"
)

// Client talks JSON-RPC over HTTP to the simulator bridge. It is safe
// for concurrent use; request IDs come from an atomic counter.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
}

var _ sim.Collaborator = (*Client)(nil)

func NewClient(rpcURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		rpcURL:     rpcURL,
		logger:     logger.With("component", "sim_rpc"),
	}
}

// SetRateLimiter sets the call pacing limiter for this client.
func (c *Client) SetRateLimiter(l *ratelimit.Limiter) {
	c.limiter = l
}

func (c *Client) Connect(ctx context.Context) error {
	_, err := c.call(ctx, methodConnect, nil)
	return err
}

func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, methodDisconnect, nil)
	return err
}

func (c *Client) AdvanceOneStep(ctx context.Context) error {
	_, err := c.call(ctx, methodStep, nil)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == simulationEndedCode {
		return sim.ErrSimulationEnded
	}
	return err
}

func (c *Client) CurrentTime(ctx context.Context) (float64, error) {
	raw, err := c.call(ctx, methodTime, nil)
	if err != nil {
		return 0, err
	}
	var t float64
	if err := json.Unmarshal(raw, &t); err != nil {
		return 0, fmt.Errorf("decode simulation time: %w", err)
	}
	return t, nil
}

func (c *Client) StepLength(ctx context.Context) (float64, error) {
	raw, err := c.call(ctx, methodStepLength, nil)
	if err != nil {
		return 0, err
	}
	var d float64
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, fmt.Errorf("decode step length: %w", err)
	}
	return d, nil
}

func (c *Client) GetOccupancy(ctx context.Context, sensorIDs []string) ([]float64, error) {
	params := make([]interface{}, len(sensorIDs))
	for i, id := range sensorIDs {
		params[i] = id
	}
	raw, err := c.call(ctx, methodOccupancy, params)
	if err != nil {
		return nil, err
	}
	var occ []float64
	if err := json.Unmarshal(raw, &occ); err != nil {
		return nil, fmt.Errorf("decode occupancy: %w", err)
	}
	if len(occ) != len(sensorIDs) {
		return nil, fmt.Errorf("occupancy response length mismatch: asked %d sensors, got %d values", len(sensorIDs), len(occ))
	}
	return occ, nil
}

func (c *Client) GetQueueLength(ctx context.Context, queueSensorID string) (int, error) {
	raw, err := c.call(ctx, methodQueueLength, []interface{}{queueSensorID})
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode queue length: %w", err)
	}
	return n, nil
}

func (c *Client) SetSignalPhase(ctx context.Context, signalID string, greenSec, redSec float64) error {
	_, err := c.call(ctx, methodSetPhase, []interface{}{signalID, greenSec, redSec})
	return err
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      int(c.requestID.Add(1)),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}
