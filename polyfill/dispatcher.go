package polyfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hjanuschka/go-jxl-polyfill/jxldec"
)

// Dispatcher states. FAILED is transient: a channel failure immediately
// falls back to MAIN_THREAD_READY and is never retried.
type dispatchState int

const (
	stateUninitialized dispatchState = iota
	stateInitializing
	stateWorkerReady
	stateMainThreadReady
	stateFailed
)

func (s dispatchState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateWorkerReady:
		return "worker-ready"
	case stateMainThreadReady:
		return "main-thread-ready"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type decodeRequest struct {
	id   uint64
	data []byte
}

type decodeResponse struct {
	id   uint64
	data []byte
	err  error
}

// dispatcher owns the choice between the worker execution context and inline
// decoding, correlates worker responses by request id, and performs the
// one-way fallback on channel failure.
type dispatcher struct {
	dec           jxldec.Decoder
	logf          func(string, ...any)
	readyTimeout  time.Duration
	disableWorker bool

	mu      sync.Mutex
	state   dispatchState
	nextID  uint64
	pending map[uint64]chan decodeResponse

	requests   chan decodeRequest
	responses  chan decodeResponse
	workerDone chan struct{}

	inlineOnce sync.Once
	inlineErr  error
}

func newDispatcher(dec jxldec.Decoder, readyTimeout time.Duration, disableWorker bool, logf func(string, ...any)) *dispatcher {
	return &dispatcher{
		dec:           dec,
		logf:          logf,
		readyTimeout:  readyTimeout,
		disableWorker: disableWorker,
		pending:       make(map[uint64]chan decodeResponse),
	}
}

// initialize brings the dispatcher to WORKER_READY, or to MAIN_THREAD_READY
// when the worker's readiness signal does not arrive within the grace period
// or its initialization fails outright.
func (d *dispatcher) initialize(ctx context.Context) error {
	d.mu.Lock()
	if d.state != stateUninitialized {
		d.mu.Unlock()
		return nil
	}
	if d.dec == nil {
		d.mu.Unlock()
		return ErrUnsupportedEnvironment
	}
	d.state = stateInitializing
	d.mu.Unlock()

	if d.disableWorker {
		return d.fallbackInline(ctx, "worker disabled by configuration")
	}

	ready := make(chan error, 1)
	d.requests = make(chan decodeRequest, 16)
	d.responses = make(chan decodeResponse, 16)
	d.workerDone = make(chan struct{})
	go d.workerLoop(ready)

	select {
	case err := <-ready:
		if err != nil {
			return d.fallbackInline(ctx, fmt.Sprintf("worker init: %v", err))
		}
		go d.routeResponses()
		d.setState(stateWorkerReady)
		d.logf("DISPATCH worker ready")
		return nil
	case <-time.After(d.readyTimeout):
		close(d.requests) // late worker drains and exits
		return d.fallbackInline(ctx, fmt.Sprintf("worker readiness timeout after %s", d.readyTimeout))
	case <-ctx.Done():
		close(d.requests)
		return ctx.Err()
	}
}

// decode runs one decode through whichever path the state machine selects.
// On the worker path the data buffer's ownership transfers to the worker
// context; the caller must not read or reuse it afterwards. On the inline
// path the call blocks the calling goroutine for the whole decode.
func (d *dispatcher) decode(data []byte) ([]byte, error) {
	d.mu.Lock()
	switch d.state {
	case stateWorkerReady:
		d.nextID++
		id := d.nextID
		ch := make(chan decodeResponse, 1)
		d.pending[id] = ch
		d.mu.Unlock()

		select {
		case d.requests <- decodeRequest{id: id, data: data}:
		case <-d.workerDone:
			d.mu.Lock()
			delete(d.pending, id)
			d.mu.Unlock()
			d.failWorker()
			return nil, fmt.Errorf("%w: worker gone before dispatch", ErrChannel)
		}
		resp := <-ch
		return resp.data, resp.err
	case stateMainThreadReady, stateFailed:
		d.mu.Unlock()
		return d.decodeInline(data)
	default:
		state := d.state
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: dispatcher %s", ErrUnsupportedEnvironment, state)
	}
}

// workerLoop is the isolated worker execution context: it owns decoder
// initialization and serves the request channel until it is closed or the
// decoder panics.
func (d *dispatcher) workerLoop(ready chan<- error) {
	defer close(d.workerDone)
	if err := d.dec.Init(context.Background()); err != nil {
		ready <- err
		return
	}
	ready <- nil
	for req := range d.requests {
		out, err := safeDecode(d.dec, req.data)
		d.responses <- decodeResponse{id: req.id, data: out, err: err}
		if err != nil && errors.Is(err, ErrChannel) {
			return // worker context is dead
		}
	}
}

// routeResponses correlates worker responses with pending requests by id.
// Responses with unrecognized ids are dropped silently.
func (d *dispatcher) routeResponses() {
	for {
		select {
		case resp := <-d.responses:
			d.mu.Lock()
			ch, ok := d.pending[resp.id]
			if ok {
				delete(d.pending, resp.id)
			}
			d.mu.Unlock()
			if ok {
				ch <- resp
			} else {
				d.logf("DISPATCH drop stale response id=%d", resp.id)
			}
			if resp.err != nil && errors.Is(resp.err, ErrChannel) {
				d.failWorker()
				return
			}
		case <-d.workerDone:
			// Drain anything the worker flushed before exiting.
			for {
				select {
				case resp := <-d.responses:
					d.mu.Lock()
					ch, ok := d.pending[resp.id]
					if ok {
						delete(d.pending, resp.id)
					}
					d.mu.Unlock()
					if ok {
						ch <- resp
					}
				default:
					d.failWorker()
					return
				}
			}
		}
	}
}

// safeDecode shields the worker from decoder panics. A returned error is a
// DecodeError (worker survives); a panic is a channel failure (worker dies).
func safeDecode(dec jxldec.Decoder, data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: decoder panic: %v", ErrChannel, r)
		}
	}()
	out, err = dec.Decode(data)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, err
}

// failWorker performs the one-time transition WORKER_READY -> FAILED ->
// MAIN_THREAD_READY, rejecting every request pending at the moment of
// failure. Later calls are no-ops.
func (d *dispatcher) failWorker() {
	d.mu.Lock()
	if d.state != stateWorkerReady {
		d.mu.Unlock()
		return
	}
	d.state = stateFailed
	rejected := d.pending
	d.pending = make(map[uint64]chan decodeResponse)
	d.mu.Unlock()

	for id, ch := range rejected {
		ch <- decodeResponse{id: id, err: fmt.Errorf("%w: worker lost", ErrChannel)}
	}
	d.logf("DISPATCH worker channel failed, falling back to inline decoding (%d pending rejected)", len(rejected))
	if err := d.initInline(context.Background()); err != nil {
		d.logf("DISPATCH inline init after worker failure: %v", err)
	}
	d.setState(stateMainThreadReady)
}

func (d *dispatcher) fallbackInline(ctx context.Context, reason string) error {
	d.logf("DISPATCH %s, decoding on the calling goroutine", reason)
	if err := d.initInline(ctx); err != nil {
		d.setState(stateUninitialized)
		return fmt.Errorf("%w: inline init: %v", ErrUnsupportedEnvironment, err)
	}
	d.setState(stateMainThreadReady)
	return nil
}

func (d *dispatcher) initInline(ctx context.Context) error {
	d.inlineOnce.Do(func() {
		d.inlineErr = d.dec.Init(ctx)
	})
	return d.inlineErr
}

func (d *dispatcher) decodeInline(data []byte) ([]byte, error) {
	if err := d.initInline(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: inline init: %v", ErrUnsupportedEnvironment, err)
	}
	out, err := d.dec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

func (d *dispatcher) setState(s dispatchState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *dispatcher) currentState() dispatchState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
