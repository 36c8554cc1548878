// Package master implements the master-side transaction engine: posting
// a request, awaiting the matching response, and retrying on timeout or
// a malformed reply (spec §4.10).
package master

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/modbusstack/mbserial/mberrors"
	"github.com/modbusstack/mbserial/transport"
	"github.com/modbusstack/mbserial/wire"
)

// Master serializes transactions over one transport.Device: only one
// request may be outstanding at a time, matching the half-duplex line it
// drives.
type Master struct {
	Device  *transport.Device
	Timeout time.Duration
	Retries int
	Logger  *log.Logger

	// TurnAroundDelay is slept after transmitting a broadcast request
	// (slave address 0), in place of awaiting a reply that will never
	// come. Zero means no delay.
	TurnAroundDelay time.Duration

	mu sync.Mutex
}

// NewMaster returns a Master bound to dev with the given per-request
// timeout and retry count (retries in addition to the first attempt).
func NewMaster(dev *transport.Device, timeout time.Duration, retries int) *Master {
	return &Master{Device: dev, Timeout: timeout, Retries: retries}
}

func (m *Master) logf(format string, args ...interface{}) {
	if m.Logger != nil {
		m.Logger.Printf(format, args...)
	}
}

// Post transmits a request frame to slaveAddr with the given function
// code and request data, then waits for the matching response, retrying
// on timeout or a frame that fails to match. A broadcast address (0)
// never waits for a response, per spec §4.10.
func (m *Master) Post(ctx context.Context, slaveAddr, functionCode byte, requestData []byte) (responseData []byte, err error) {
	if !m.mu.TryLock() {
		return nil, mberrors.ErrStillBusy
	}
	defer m.mu.Unlock()

	req := wire.Frame{Address: slaveAddr, FunctionCode: functionCode, Data: requestData}

	attempts := m.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			m.logf("master: retry %d/%d for slave %d fn %#x: %v", attempt, m.Retries, slaveAddr, functionCode, lastErr)
		}
		if err := m.Device.Transmit(ctx, req); err != nil {
			return nil, fmt.Errorf("transmitting request: %w", err)
		}
		if req.IsBroadcast() {
			m.sleepTurnAround(ctx)
			return nil, nil
		}

		resp, err := m.awaitMatchingResponse(ctx, req)
		if err == nil {
			if resp.IsException() {
				return nil, &mberrors.ModbusException{FunctionCode: functionCode, Code: responseExceptionCode(resp)}
			}
			return resp.Data, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", mberrors.ErrTimeout, lastErr)
}

// awaitMatchingResponse receives frames until one from req.Address
// arrives or the timeout elapses. Frames flagged FlagDrop and frames from
// other slaves are counted as bus-comm noise and skipped. A frame from
// req.Address is returned if its function code matches (allowing the
// exception bit); any other function code fails with ErrRXInvalidFnCode.
func (m *Master) awaitMatchingResponse(ctx context.Context, req wire.Frame) (wire.Frame, error) {
	deadline := time.Now().Add(m.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Frame{}, mberrors.ErrTimeout
		}
		resp, err := m.Device.Receive(ctx, remaining)
		if err != nil {
			return wire.Frame{}, err
		}
		if resp.Flags.Any(wire.FlagDrop) {
			m.Device.NoteBusCommError()
			continue
		}
		if resp.Address != req.Address {
			m.Device.NoteBusCommError()
			continue
		}
		if !functionMatches(resp.FunctionCode, req.FunctionCode) {
			return wire.Frame{}, fmt.Errorf("%w: got fn %#x for request fn %#x", mberrors.ErrRXInvalidFnCode, resp.FunctionCode, req.FunctionCode)
		}
		return resp, nil
	}
}

// sleepTurnAround blocks for m.TurnAroundDelay, or until ctx is done.
func (m *Master) sleepTurnAround(ctx context.Context) {
	if m.TurnAroundDelay <= 0 {
		return
	}
	timer := time.NewTimer(m.TurnAroundDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func functionMatches(got, want byte) bool {
	return got == want || got == want|0x80
}

func responseExceptionCode(resp wire.Frame) byte {
	if len(resp.Data) == 0 {
		return 0
	}
	return resp.Data[0]
}
