package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type rpcErr struct {
	code int
	msg  string
	data interface{}
}

func (e *rpcErr) Error() string          { return e.msg }
func (e *rpcErr) ErrorCode() int         { return e.code }
func (e *rpcErr) ErrorData() interface{} { return e.data }

type handlerFunc func(args []interface{}) (interface{}, error)

// fakeProvider answers JSON-RPC methods from canned handlers and round-trips
// results through JSON the way a real client would.
type fakeProvider struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]handlerFunc
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handlers: make(map[string]handlerFunc)}
}

func (f *fakeProvider) on(method string, h handlerFunc) *fakeProvider {
	f.handlers[method] = h
	return f
}

func (f *fakeProvider) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, method)
	h := f.handlers[method]
	f.mu.Unlock()
	if h == nil {
		return &rpcErr{code: -32601, msg: fmt.Sprintf("method %s not found", method)}
	}
	v, err := h(args)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

func (f *fakeProvider) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}
