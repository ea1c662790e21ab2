package signalr

import (
	"fmt"
	"reflect"
	"sync"
)

// HandlerFunc is a server-initiated method invocation callback. args are
// already deserialized into the types the handler was registered with, in
// declaration order.
type HandlerFunc func(args []interface{})

// handlerEntry is one registered callback plus the parameter types the
// registry will deserialize incoming arguments into (spec §3, "Handler
// entry").
type handlerEntry struct {
	name       string
	paramTypes []reflect.Type
	callback   HandlerFunc
}

// handlerTable maps server method name to a single handler entry (spec
// §4.C, component C). Constructed incrementally via On; read concurrently
// during dispatch, so access is guarded by a RWMutex (spec §5: "registrations
// after Start are permitted but must be safe against concurrent reads").
type handlerTable struct {
	mu    sync.RWMutex
	byName map[string]*handlerEntry
	log   Logger
}

func newHandlerTable(log Logger) *handlerTable {
	return &handlerTable{
		byName: make(map[string]*handlerEntry),
		log:    log,
	}
}

// ErrHandlerExists is returned by register when a second handler is
// registered for a method name already in the table. The spec leaves the
// policy open (§4.C, §9); this implementation rejects the second
// registration and keeps the first, documented in DESIGN.md.
var ErrHandlerExists = fmt.Errorf("signalr: handler already registered for this method name")

func (h *handlerTable) register(name string, paramTypes []reflect.Type, callback HandlerFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byName[name]; exists {
		h.log.Errorf("signalr: duplicate handler registration for method %q rejected", name)
		return ErrHandlerExists
	}

	h.byName[name] = &handlerEntry{name: name, paramTypes: paramTypes, callback: callback}
	return nil
}

func (h *handlerTable) lookup(name string) (*handlerEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.byName[name]
	return entry, ok
}

// dispatch deserializes raw into the entry's declared parameter types and
// invokes its callback. Argument-count mismatch is logged and the message
// dropped (spec §4.C).
func (h *handlerTable) dispatch(codec Codec, entry *handlerEntry, raw []rawArg) {
	if len(raw) != len(entry.paramTypes) {
		h.log.Errorf("signalr: argument count mismatch for %q: got %d, want %d", entry.name, len(raw), len(entry.paramTypes))
		return
	}

	args := make([]interface{}, len(raw))
	for i, r := range raw {
		t := entry.paramTypes[i]
		ptr := reflect.New(t)
		if err := codec.Unmarshal(r, ptr.Interface()); err != nil {
			h.log.Errorf("signalr: failed to deserialize argument %d for %q: %v", i, entry.name, err)
			return
		}
		args[i] = ptr.Elem().Interface()
	}

	entry.callback(args)
}

// rawArg is a single not-yet-deserialized incoming argument.
type rawArg = []byte
