package slave

import (
	"sort"

	"github.com/modbusstack/mbserial/mberrors"
)

// Handler parses a request's data payload and returns the data payload of
// the reply. Returning a *mberrors.ModbusException yields an exception
// response (fc | 0x80) carrying that exception's code; an error wrapping
// mberrors.ErrOverflow or mberrors.ErrUnderflow yields
// ExceptionIllegalDataAddress; any other error is treated as
// ExceptionServerDeviceFailure.
type Handler func(requestData []byte) (responseData []byte, err error)

// CommandTable maps function codes to handler descriptors. It is a sorted
// slice rather than a map (spec §4.12: a dense or sorted-compact table
// with O(log n) lookup), since the function-code space is small and fixed
// at setup time.
type CommandTable struct {
	entries []tableEntry
}

// tableEntry is the (handler, broadcast-allowed, listen-only-allowed)
// descriptor bound to one function code.
type tableEntry struct {
	fnCode            byte
	handler           Handler
	broadcastAllowed  bool
	listenOnlyAllowed bool
}

// NewCommandTable returns an empty table.
func NewCommandTable() *CommandTable {
	return &CommandTable{}
}

// Register binds fnCode to handler, eligible for both broadcast and
// listen-only dispatch. Registering the same code twice is an error.
func (t *CommandTable) Register(fnCode byte, handler Handler) error {
	return t.RegisterOpts(fnCode, handler, true, true)
}

// RegisterOpts binds fnCode to handler with explicit broadcast/listen-only
// eligibility. A handler with broadcastAllowed false is never invoked for
// a broadcast request, and one with listenOnlyAllowed false is never
// invoked while the slave is in listen-only mode; either way the reply
// stays suppressed, as it would anyway.
func (t *CommandTable) RegisterOpts(fnCode byte, handler Handler, broadcastAllowed, listenOnlyAllowed bool) error {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].fnCode >= fnCode })
	if i < len(t.entries) && t.entries[i].fnCode == fnCode {
		return mberrors.ErrFunctionCodeExists
	}
	t.entries = append(t.entries, tableEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = tableEntry{
		fnCode:            fnCode,
		handler:           handler,
		broadcastAllowed:  broadcastAllowed,
		listenOnlyAllowed: listenOnlyAllowed,
	}
	return nil
}

// Lookup returns the handler registered for fnCode, if any.
func (t *CommandTable) Lookup(fnCode byte) (Handler, bool) {
	e, ok := t.lookup(fnCode)
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// LookupEntry returns the full dispatch descriptor registered for fnCode,
// including its broadcast/listen-only eligibility.
func (t *CommandTable) LookupEntry(fnCode byte) (handler Handler, broadcastAllowed, listenOnlyAllowed bool, ok bool) {
	e, ok := t.lookup(fnCode)
	if !ok {
		return nil, false, false, false
	}
	return e.handler, e.broadcastAllowed, e.listenOnlyAllowed, true
}

func (t *CommandTable) lookup(fnCode byte) (tableEntry, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].fnCode >= fnCode })
	if i < len(t.entries) && t.entries[i].fnCode == fnCode {
		return t.entries[i], true
	}
	return tableEntry{}, false
}
