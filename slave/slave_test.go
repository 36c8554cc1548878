package slave

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modbusstack/mbserial/mberrors"
	"github.com/modbusstack/mbserial/transport"
	"github.com/modbusstack/mbserial/wire"
)

func openSlavePair(t *testing.T, slaveAddr byte) (masterDev *transport.Device, sl *Slave) {
	t.Helper()
	a, b := transport.NewLoopPair(t.Name())
	masterDev = transport.NewDevice(0, a)
	slaveDev := transport.NewDevice(1, b)
	cfg := transport.SerialConfig{BaudRate: 19200, DataBits: 8, Parity: transport.ParityEven, StopBits: transport.OneStopBit}
	if err := masterDev.Open(cfg); err != nil {
		t.Fatalf("masterDev.Open: %v", err)
	}
	if err := slaveDev.Open(cfg); err != nil {
		t.Fatalf("slaveDev.Open: %v", err)
	}
	t.Cleanup(func() {
		masterDev.Close()
		slaveDev.Close()
	})

	table := NewCommandTable()
	table.Register(0x03, func(req []byte) ([]byte, error) {
		return []byte{0x02, 0x00, 0x2A}, nil
	})
	table.Register(0x06, func(req []byte) ([]byte, error) {
		return req, nil
	})
	sl = NewSlave(slaveDev, slaveAddr, table)
	return masterDev, sl
}

func TestSlavePollDispatchesAndReplies(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x11, FunctionCode: 0x03, Data: []byte{0, 0, 0, 1}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	resp, err := masterDev.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if resp.FunctionCode != 0x03 || string(resp.Data) != string([]byte{0x02, 0x00, 0x2A}) {
		t.Fatalf("got %+v, want function 0x03 data [0x02 0x00 0x2A]", resp)
	}

	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := sl.DispatchCount(); got != 1 {
		t.Fatalf("DispatchCount = %d, want 1", got)
	}
}

func TestSlavePollIgnoresOtherAddress(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), 200*time.Millisecond) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x22, FunctionCode: 0x03, Data: []byte{0, 0, 0, 1}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := sl.DispatchCount(); got != 0 {
		t.Fatalf("DispatchCount = %d, want 0 for a request addressed to another slave", got)
	}
}

func TestSlavePollBroadcastNoReply(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x00, FunctionCode: 0x06, Data: []byte{0, 5, 0xFF, 0x00}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := sl.BroadcastCount(); got != 1 {
		t.Fatalf("BroadcastCount = %d, want 1", got)
	}
	if got := sl.DispatchCount(); got != 1 {
		t.Fatalf("DispatchCount = %d, want 1 (broadcast still dispatches)", got)
	}

	// no reply should have been sent; the master should time out waiting.
	if _, err := masterDev.Receive(context.Background(), 100*time.Millisecond); err == nil {
		t.Fatal("expected no reply to a broadcast request")
	}
}

func TestSlavePollListenOnlySuppressesReply(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)
	if err := sl.SetListenOnly(true); err != nil {
		t.Fatalf("SetListenOnly: %v", err)
	}

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x11, FunctionCode: 0x03, Data: []byte{0, 0, 0, 1}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := sl.DispatchCount(); got != 1 {
		t.Fatalf("DispatchCount = %d, want 1", got)
	}
	if _, err := masterDev.Receive(context.Background(), 100*time.Millisecond); err == nil {
		t.Fatal("expected no reply while in listen-only mode")
	}
}

func TestSlaveSetListenOnlyRejectsRedundantCalls(t *testing.T) {
	_, sl := openSlavePair(t, 0x11)
	if err := sl.SetListenOnly(true); err != nil {
		t.Fatalf("first SetListenOnly(true): %v", err)
	}
	if err := sl.SetListenOnly(true); !errors.Is(err, mberrors.ErrListenOnlyEntered) {
		t.Fatalf("err = %v, want %v", err, mberrors.ErrListenOnlyEntered)
	}
	if err := sl.SetListenOnly(false); err != nil {
		t.Fatalf("SetListenOnly(false): %v", err)
	}
	if err := sl.SetListenOnly(false); !errors.Is(err, mberrors.ErrListenOnlyExited) {
		t.Fatalf("err = %v, want %v", err, mberrors.ErrListenOnlyExited)
	}
}

func TestSlavePollUnregisteredFunctionRepliesIllegalFunction(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x11, FunctionCode: 0x2B}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	resp, err := masterDev.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !resp.IsException() {
		t.Fatalf("got %+v, want an exception response", resp)
	}
	if len(resp.Data) != 1 || resp.Data[0] != mberrors.ExceptionIllegalFunction {
		t.Fatalf("got data %v, want [%#x]", resp.Data, mberrors.ExceptionIllegalFunction)
	}
	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := sl.ExceptionCount(); got != 1 {
		t.Fatalf("ExceptionCount = %d, want 1", got)
	}
}

func TestSlavePollDropsFunctionCodeZero(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), 200*time.Millisecond) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x11, FunctionCode: 0x00, Data: []byte{0, 0, 0, 1}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := sl.DispatchCount(); got != 0 {
		t.Fatalf("DispatchCount = %d, want 0 for function code 0", got)
	}
	if got := sl.ExceptionCount(); got != 0 {
		t.Fatalf("ExceptionCount = %d, want 0 for function code 0", got)
	}
	if _, err := masterDev.Receive(context.Background(), 100*time.Millisecond); err == nil {
		t.Fatal("expected no reply for function code 0")
	}
}

func TestSlavePollDropsFunctionCodeAboveRange(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), 200*time.Millisecond) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x11, FunctionCode: 200, Data: []byte{0, 0, 0, 1}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := sl.DispatchCount(); got != 0 {
		t.Fatalf("DispatchCount = %d, want 0 for function code 200", got)
	}
	if got := sl.ExceptionCount(); got != 0 {
		t.Fatalf("ExceptionCount = %d, want 0 for function code 200", got)
	}
	if _, err := masterDev.Receive(context.Background(), 100*time.Millisecond); err == nil {
		t.Fatal("expected no reply for function code 200")
	}
}

func TestSlavePollShiftsPreviousRequestFlags(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)
	// Seed lastReqFlags as if a prior cycle had seen a dropped frame, so
	// the shift performed by the next Poll is directly observable.
	sl.lastReqFlags = wire.FlagDrop

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)
	if err := masterDev.Transmit(context.Background(), wire.Frame{Address: 0x11, FunctionCode: 0x03, Data: []byte{0, 0, 0, 1}}); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if _, err := masterDev.Receive(context.Background(), time.Second); err != nil {
		t.Fatalf("Receive reply: %v", err)
	}
	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if got := sl.PreviousRequestFlags(); got != wire.FlagDrop {
		t.Fatalf("PreviousRequestFlags = %v, want the prior cycle's FlagDrop", got)
	}
	if got := sl.LastRequestFlags(); got.Any(wire.FlagDrop) {
		t.Fatalf("LastRequestFlags = %v, want the clean frame's flags, not FlagDrop", got)
	}
}

func TestSlavePollBroadcastOptOutSkipsHandler(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)
	called := false
	sl.Table.RegisterOpts(0x10, func(req []byte) ([]byte, error) {
		called = true
		return req, nil
	}, false, true)

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x00, FunctionCode: 0x10, Data: []byte{0, 0, 0, 1}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if called {
		t.Fatal("handler opted out of broadcast dispatch but was invoked")
	}
	if got := sl.DispatchCount(); got != 0 {
		t.Fatalf("DispatchCount = %d, want 0 for an opted-out broadcast handler", got)
	}
	if got := sl.NoResponseCount(); got != 1 {
		t.Fatalf("NoResponseCount = %d, want 1", got)
	}
}

func TestSlavePollListenOnlyOptOutSkipsHandler(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)
	called := false
	sl.Table.RegisterOpts(0x10, func(req []byte) ([]byte, error) {
		called = true
		return req, nil
	}, true, false)
	if err := sl.SetListenOnly(true); err != nil {
		t.Fatalf("SetListenOnly: %v", err)
	}

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x11, FunctionCode: 0x10, Data: []byte{0, 0, 0, 1}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if called {
		t.Fatal("handler opted out of listen-only dispatch but was invoked")
	}
	if got := sl.DispatchCount(); got != 0 {
		t.Fatalf("DispatchCount = %d, want 0 for an opted-out listen-only handler", got)
	}
}

func TestSlavePollCountsBusMessageAndNoResponseInListenOnly(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)
	if err := sl.SetListenOnly(true); err != nil {
		t.Fatalf("SetListenOnly: %v", err)
	}

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x11, FunctionCode: 0x06, Data: []byte{0, 5, 0xFF, 0x00}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if err := <-pollDone; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := sl.BusMessageCount(); got != 1 {
		t.Fatalf("BusMessageCount = %d, want 1", got)
	}
	if got := sl.NoResponseCount(); got != 1 {
		t.Fatalf("NoResponseCount = %d, want 1", got)
	}
	if _, err := masterDev.Receive(context.Background(), 100*time.Millisecond); err == nil {
		t.Fatal("expected no reply while in listen-only mode")
	}
}

func TestSlavePollHandlerErrorBecomesException(t *testing.T) {
	masterDev, sl := openSlavePair(t, 0x11)
	sl.Table.Register(0x04, func(req []byte) ([]byte, error) {
		return nil, &mberrors.ModbusException{FunctionCode: 0x04, Code: mberrors.ExceptionIllegalDataAddress}
	})

	pollDone := make(chan error, 1)
	go func() { pollDone <- sl.Poll(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)

	req := wire.Frame{Address: 0x11, FunctionCode: 0x04, Data: []byte{0xFF, 0xFF, 0, 1}}
	if err := masterDev.Transmit(context.Background(), req); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	resp, err := masterDev.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if resp.Data[0] != mberrors.ExceptionIllegalDataAddress {
		t.Fatalf("got exception code %#x, want %#x", resp.Data[0], mberrors.ExceptionIllegalDataAddress)
	}
	<-pollDone
}

func TestSlavePollRejectsConcurrentPoll(t *testing.T) {
	_, sl := openSlavePair(t, 0x11)

	started := make(chan struct{})
	go func() {
		close(started)
		sl.Poll(context.Background(), 200*time.Millisecond)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	if err := sl.Poll(context.Background(), time.Millisecond); !errors.Is(err, mberrors.ErrStillPolling) {
		t.Fatalf("err = %v, want %v", err, mberrors.ErrStillPolling)
	}
}
