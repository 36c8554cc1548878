package master

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modbusstack/mbserial/mberrors"
	"github.com/modbusstack/mbserial/transport"
	"github.com/modbusstack/mbserial/wire"
)

func openPair(t *testing.T) (masterDev, slaveDev *transport.Device) {
	t.Helper()
	a, b := transport.NewLoopPair(t.Name())
	masterDev = transport.NewDevice(0, a)
	slaveDev = transport.NewDevice(1, b)
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
	return masterDev, slaveDev
}

// respond waits for one frame on dev and replies with resp built from it.
func respond(t *testing.T, dev *transport.Device, build func(req wire.Frame) wire.Frame) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := dev.Receive(context.Background(), 2*time.Second)
		if err != nil {
			return
		}
		if req.Flags.Any(wire.FlagDrop) {
			return
		}
		resp := build(req)
		dev.Transmit(context.Background(), resp)
	}()
	return done
}

func TestPostReturnsResponseData(t *testing.T) {
	masterDev, slaveDev := openPair(t)
	m := NewMaster(masterDev, time.Second, 0)

	done := respond(t, slaveDev, func(req wire.Frame) wire.Frame {
		return wire.Frame{Address: req.Address, FunctionCode: req.FunctionCode, Data: []byte{0x02, 0xBE, 0xEF}}
	})
	time.Sleep(10 * time.Millisecond)

	data, err := m.Post(context.Background(), 0x11, 0x03, []byte{0x00, 0x00, 0x00, 0x01})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if string(data) != string([]byte{0x02, 0xBE, 0xEF}) {
		t.Fatalf("got data %v, want %v", data, []byte{0x02, 0xBE, 0xEF})
	}
	<-done
}

func TestPostBroadcastAppliesTurnAroundDelay(t *testing.T) {
	masterDev, slaveDev := openPair(t)
	m := NewMaster(masterDev, 100*time.Millisecond, 0)
	m.TurnAroundDelay = 50 * time.Millisecond

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		slaveDev.Receive(context.Background(), 2*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	data, err := m.Post(context.Background(), 0x00, 0x06, []byte{0x00, 0x01, 0xFF, 0x00})
	if err != nil {
		t.Fatalf("Post broadcast: %v", err)
	}
	if data != nil {
		t.Fatalf("got data %v, want nil for broadcast", data)
	}
	if elapsed := time.Since(start); elapsed < m.TurnAroundDelay {
		t.Fatalf("broadcast Post returned after %v, want at least the %v turn-around delay", elapsed, m.TurnAroundDelay)
	}
	<-recvDone
}

func TestPostRetriesOnTimeoutThenSucceeds(t *testing.T) {
	masterDev, slaveDev := openPair(t)
	m := NewMaster(masterDev, 100*time.Millisecond, 1)

	// The slave receives the first attempt's request promptly but sits on
	// its reply past the master's 100ms timeout, forcing Post into its
	// retry path; the reply then lands inside the second attempt's
	// receive window.
	go func() {
		req, err := slaveDev.Receive(context.Background(), 2*time.Second)
		if err != nil {
			return
		}
		time.Sleep(150 * time.Millisecond)
		resp := wire.Frame{Address: req.Address, FunctionCode: req.FunctionCode, Data: []byte{0x02, 0x00, 0x2A}}
		slaveDev.Transmit(context.Background(), resp)
	}()
	time.Sleep(10 * time.Millisecond)

	data, err := m.Post(context.Background(), 0x11, 0x03, []byte{0x00, 0x00, 0x00, 0x01})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if string(data) != string([]byte{0x02, 0x00, 0x2A}) {
		t.Fatalf("got data %v, want %v", data, []byte{0x02, 0x00, 0x2A})
	}
}

func TestPostExhaustsRetriesAndTimesOut(t *testing.T) {
	masterDev, _ := openPair(t)
	m := NewMaster(masterDev, 30*time.Millisecond, 2)

	_, err := m.Post(context.Background(), 0x11, 0x03, []byte{0x00, 0x00, 0x00, 0x01})
	if !errors.Is(err, mberrors.ErrTimeout) {
		t.Fatalf("err = %v, want wrapping %v", err, mberrors.ErrTimeout)
	}
}

func TestPostDetectsException(t *testing.T) {
	masterDev, slaveDev := openPair(t)
	m := NewMaster(masterDev, time.Second, 0)

	done := respond(t, slaveDev, func(req wire.Frame) wire.Frame {
		return wire.Frame{Address: req.Address, FunctionCode: req.FunctionCode | 0x80, Data: []byte{mberrors.ExceptionIllegalDataAddress}}
	})
	time.Sleep(10 * time.Millisecond)

	_, err := m.Post(context.Background(), 0x11, 0x03, []byte{0x00, 0x00, 0x00, 0x01})
	var mbErr *mberrors.ModbusException
	if !errors.As(err, &mbErr) {
		t.Fatalf("err = %v, want *mberrors.ModbusException", err)
	}
	if mbErr.Code != mberrors.ExceptionIllegalDataAddress {
		t.Fatalf("exception code = %#x, want %#x", mbErr.Code, mberrors.ExceptionIllegalDataAddress)
	}
	<-done
}

func TestPostRejectsConcurrentCall(t *testing.T) {
	masterDev, slaveDev := openPair(t)
	m := NewMaster(masterDev, time.Second, 0)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		req, err := slaveDev.Receive(context.Background(), 2*time.Second)
		close(started)
		<-release
		if err != nil {
			return
		}
		resp := wire.Frame{Address: req.Address, FunctionCode: req.FunctionCode, Data: []byte{0x02, 0x00, 0x00}}
		slaveDev.Transmit(context.Background(), resp)
	}()

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.Post(context.Background(), 0x11, 0x03, []byte{0x00, 0x00, 0x00, 0x01})
		firstDone <- err
	}()

	<-started
	time.Sleep(20 * time.Millisecond)

	if _, err := m.Post(context.Background(), 0x11, 0x03, nil); !errors.Is(err, mberrors.ErrStillBusy) {
		t.Fatalf("err = %v, want %v", err, mberrors.ErrStillBusy)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Post: %v", err)
	}
}

func TestFunctionMatchesAllowsExceptionBit(t *testing.T) {
	if !functionMatches(0x83, 0x03) {
		t.Fatal("expected exception-flagged function code to match")
	}
	if functionMatches(0x04, 0x03) {
		t.Fatal("unrelated function code should not match")
	}
}
