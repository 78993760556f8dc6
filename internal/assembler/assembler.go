// Package assembler reassembles chunked request bodies into bounded
// per-request buffers.
package assembler

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwarden/ai-gateway-agent/internal/clock"
	"github.com/agentwarden/ai-gateway-agent/internal/provider"
)

// DefaultByteCap bounds a request body when no cap is given.
const DefaultByteCap = 256 * 1024

var (
	ErrBufferOverflow   = errors.New("request body exceeds buffer cap")
	ErrIncompleteBody   = errors.New("request body incomplete")
	ErrUnknownRequest   = errors.New("unknown request id")
	ErrDuplicateRequest = errors.New("request id already open")
	ErrAlreadyComplete  = errors.New("request body already complete")
)

// Assembly is the in-flight state of one request. The metadata fields are
// written once by the owner right after Open; the buffer is only touched
// through the Assembler.
type Assembly struct {
	ID       string
	Provider provider.Provider
	Method   string
	Path     string
	Headers  map[string]string // lower-cased names
	ClientID string
	ClientIP string
	Opened   time.Time

	mu       sync.Mutex
	buf      bytes.Buffer
	byteCap  int
	complete bool
	failed   bool
}

// Len returns the number of bytes accumulated so far.
func (a *Assembly) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

// Cap returns the byte cap of the assembly.
func (a *Assembly) Cap() int { return a.byteCap }

// Failed reports whether the assembly overflowed.
func (a *Assembly) Failed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}

// Assembler owns the table of open assemblies. The table lock only guards
// map access; appends lock the individual assembly, so streams of unrelated
// requests never wait on each other.
type Assembler struct {
	mu         sync.RWMutex
	open       map[string]*Assembly
	defaultCap int
	clock      clock.Clock
	logger     *slog.Logger
}

// New creates an Assembler. defaultCap <= 0 selects DefaultByteCap.
func New(defaultCap int, c clock.Clock, logger *slog.Logger) *Assembler {
	if defaultCap <= 0 {
		defaultCap = DefaultByteCap
	}
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		open:       make(map[string]*Assembly),
		defaultCap: defaultCap,
		clock:      c,
		logger:     logger.With("component", "assembler.Assembler"),
	}
}

// Open creates an empty assembly for id. byteCap <= 0 selects the default.
func (a *Assembler) Open(id string, byteCap int) (*Assembly, error) {
	if byteCap <= 0 {
		byteCap = a.defaultCap
	}
	asm := &Assembly{
		ID:      id,
		Opened:  a.clock.Now(),
		byteCap: byteCap,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.open[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	a.open[id] = asm
	return asm, nil
}

// Get returns the open assembly for id.
func (a *Assembler) Get(id string) (*Assembly, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	asm, ok := a.open[id]
	return asm, ok
}

// Append adds chunk to the body of id. It returns ErrBufferOverflow when the
// body would exceed the cap; the assembly is then marked failed and keeps
// rejecting chunks until the final one arrives, at which point it is dropped.
func (a *Assembler) Append(id string, chunk []byte, final bool) error {
	asm, ok := a.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	asm.mu.Lock()
	defer asm.mu.Unlock()

	if asm.failed {
		if final {
			a.remove(id, asm)
		}
		return ErrBufferOverflow
	}
	if asm.complete {
		return ErrAlreadyComplete
	}

	if asm.buf.Len()+len(chunk) > asm.byteCap {
		asm.failed = true
		asm.buf = bytes.Buffer{}
		a.logger.Warn("request body exceeds cap",
			"request_id", id,
			"cap", asm.byteCap,
		)
		if final {
			a.remove(id, asm)
		}
		return ErrBufferOverflow
	}

	asm.buf.Write(chunk)
	if final {
		asm.complete = true
	}
	return nil
}

// Finalize returns the complete body of id and removes the assembly. It fails
// with ErrIncompleteBody, leaving the assembly open, if the final chunk has
// not been seen.
func (a *Assembler) Finalize(id string) ([]byte, *Assembly, error) {
	asm, ok := a.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	asm.mu.Lock()
	defer asm.mu.Unlock()

	if asm.failed {
		a.remove(id, asm)
		return nil, asm, ErrBufferOverflow
	}
	if !asm.complete {
		return nil, asm, ErrIncompleteBody
	}

	body := asm.buf.Bytes()
	asm.buf = bytes.Buffer{}
	a.remove(id, asm)
	return body, asm, nil
}

// Abort discards the assembly for id, if any.
func (a *Assembler) Abort(id string) {
	a.mu.Lock()
	delete(a.open, id)
	a.mu.Unlock()
}

// Sweep drops assemblies opened more than maxAge ago and returns how many
// were dropped.
func (a *Assembler) Sweep(maxAge time.Duration) int {
	cutoff := a.clock.Now().Add(-maxAge)

	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, asm := range a.open {
		if asm.Opened.Before(cutoff) {
			delete(a.open, id)
			n++
		}
	}
	if n > 0 {
		a.logger.Debug("swept abandoned assemblies", "count", n)
	}
	return n
}

// Len returns the number of open assemblies.
func (a *Assembler) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.open)
}

// remove deletes id only if it still maps to asm, so a late call cannot drop
// a newer assembly reusing the id.
func (a *Assembler) remove(id string, asm *Assembly) {
	a.mu.Lock()
	if cur, ok := a.open[id]; ok && cur == asm {
		delete(a.open, id)
	}
	a.mu.Unlock()
}
