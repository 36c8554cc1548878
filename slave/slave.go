// Package slave implements the slave-side poll engine: receiving a
// request, filtering by address, dispatching through the function-code
// command table, and replying (spec §4.12).
package slave

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modbusstack/mbserial/mberrors"
	"github.com/modbusstack/mbserial/transport"
	"github.com/modbusstack/mbserial/wire"
)

// Slave polls one transport.Device for requests addressed to Address (or
// broadcast) and dispatches them through Table.
type Slave struct {
	Device  *transport.Device
	Address byte
	Table   *CommandTable
	Logger  *log.Logger

	mu         sync.Mutex
	polling    bool
	listenOnly bool

	lastReqFlags  wire.Flags
	prevReqFlags  wire.Flags
	lastCmdErr    error
	diagBroadcast uint32
	diagDispatch  uint32
	diagException uint32
	diagDropped   uint32
	diagBusMsg    uint32
	diagNoResp    uint32
}

// NewSlave returns a Slave bound to dev, answering to address, using
// table for dispatch.
func NewSlave(dev *transport.Device, address byte, table *CommandTable) *Slave {
	return &Slave{Device: dev, Address: address, Table: table}
}

func (s *Slave) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// SetListenOnly enters or exits listen-only mode: requests still
// dispatch (so counters advance and handlers run their side effects) but
// no reply is ever transmitted. Mirrors the diagnostic sub-function
// "Restart Communications" pairing of FC 0x08 on real stacks, addressed
// here directly rather than through the diagnostics function code.
func (s *Slave) SetListenOnly(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenOnly == on {
		if on {
			return mberrors.ErrListenOnlyEntered
		}
		return mberrors.ErrListenOnlyExited
	}
	s.listenOnly = on
	return nil
}

// ListenOnly reports whether the slave is in listen-only mode.
func (s *Slave) ListenOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenOnly
}

// LastRequestFlags returns the wire.Flags observed on the most recently
// received frame, dispatched or not.
func (s *Slave) LastRequestFlags() wire.Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReqFlags
}

// PreviousRequestFlags returns the wire.Flags observed on the frame
// received immediately before the most recent one.
func (s *Slave) PreviousRequestFlags() wire.Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevReqFlags
}

// LastCommandError returns the error (if any) the most recently
// dispatched handler returned.
func (s *Slave) LastCommandError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCmdErr
}

// BroadcastCount, DispatchCount, ExceptionCount, DroppedCount,
// BusMessageCount and NoResponseCount return saturating diagnostic
// counters. BusMessageCount advances for every frame that survives the
// transport-fault check; NoResponseCount advances whenever a request's
// reply was suppressed because it was a broadcast or the slave was in
// listen-only mode.
func (s *Slave) BroadcastCount() uint32  { return atomic.LoadUint32(&s.diagBroadcast) }
func (s *Slave) DispatchCount() uint32   { return atomic.LoadUint32(&s.diagDispatch) }
func (s *Slave) ExceptionCount() uint32  { return atomic.LoadUint32(&s.diagException) }
func (s *Slave) DroppedCount() uint32    { return atomic.LoadUint32(&s.diagDropped) }
func (s *Slave) BusMessageCount() uint32 { return atomic.LoadUint32(&s.diagBusMsg) }
func (s *Slave) NoResponseCount() uint32 { return atomic.LoadUint32(&s.diagNoResp) }

// Poll receives one request and, unless it is malformed, addressed to
// another slave, carries a function code outside 1-127, or the matched
// handler opted out of the request's broadcast/listen-only mode,
// dispatches it and transmits the reply. It returns nil both when a
// request was served and when one was received but legitimately ignored
// (wrong address, out-of-range function code, broadcast, listen-only);
// it returns an error only for RX faults (timeout, too many concurrent
// polls) or a TX failure while replying.
func (s *Slave) Poll(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.polling {
		s.mu.Unlock()
		return mberrors.ErrStillPolling
	}
	s.polling = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.polling = false
		s.mu.Unlock()
	}()

	req, err := s.Device.Receive(ctx, timeout)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.prevReqFlags = s.lastReqFlags
	s.lastReqFlags = req.Flags
	s.mu.Unlock()

	if req.Flags.Any(wire.FlagDrop) {
		atomic.AddUint32(&s.diagDropped, 1)
		return nil
	}
	atomic.AddUint32(&s.diagBusMsg, 1)

	broadcast := req.IsBroadcast()
	if !broadcast && req.Address != s.Address {
		return nil
	}
	// Drop silently, without touching the broadcast, dispatch or
	// exception counters (BusMessageCount has already advanced), so a
	// misbehaving bus device can't masquerade as a served request or a
	// registered illegal-function exception.
	if req.FunctionCode == 0 || req.FunctionCode > 127 {
		return nil
	}
	if broadcast {
		atomic.AddUint32(&s.diagBroadcast, 1)
	}

	handler, broadcastAllowed, listenOnlyAllowed, ok := s.Table.LookupEntry(req.FunctionCode)
	listenOnly := s.ListenOnly()
	optedOut := ok && ((broadcast && !broadcastAllowed) || (listenOnly && !listenOnlyAllowed))

	var resp wire.Frame
	if !optedOut {
		resp = s.dispatch(req, handler, ok)
		atomic.AddUint32(&s.diagDispatch, 1)
		if resp.IsException() {
			atomic.AddUint32(&s.diagException, 1)
		}
	}

	if broadcast || listenOnly {
		atomic.AddUint32(&s.diagNoResp, 1)
		return nil
	}
	resp.Address = s.Address
	return s.Device.Transmit(ctx, resp)
}

func (s *Slave) dispatch(req wire.Frame, handler Handler, ok bool) wire.Frame {
	if !ok {
		s.setLastCmdErr(mberrors.ErrFunctionCodeInvalid)
		return exceptionFrame(req.FunctionCode, mberrors.ExceptionIllegalFunction)
	}
	data, err := handler(req.Data)
	s.setLastCmdErr(err)
	if err != nil {
		return exceptionFrame(req.FunctionCode, exceptionCodeFor(err))
	}
	return wire.Frame{FunctionCode: req.FunctionCode, Data: data}
}

func (s *Slave) setLastCmdErr(err error) {
	s.mu.Lock()
	s.lastCmdErr = err
	s.mu.Unlock()
}

func exceptionFrame(fnCode, exceptionCode byte) wire.Frame {
	return wire.Frame{FunctionCode: fnCode | 0x80, Data: []byte{exceptionCode}}
}

func exceptionCodeFor(err error) byte {
	var mbErr *mberrors.ModbusException
	if errors.As(err, &mbErr) {
		return mbErr.Code
	}
	if errors.Is(err, mberrors.ErrOverflow) || errors.Is(err, mberrors.ErrUnderflow) {
		return mberrors.ExceptionIllegalDataAddress
	}
	return mberrors.ExceptionServerDeviceFailure
}
