package assembler

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentwarden/ai-gateway-agent/internal/clock"
)

func TestAssembler_ChunksInOrder(t *testing.T) {
	a := New(0, nil, nil)
	if _, err := a.Open("r1", 0); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	chunks := []string{`{"model":`, `"gpt-4o",`, `"messages":[]}`}
	for i, c := range chunks {
		if err := a.Append("r1", []byte(c), i == len(chunks)-1); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}

	body, asm, err := a.Finalize("r1")
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if want := `{"model":"gpt-4o","messages":[]}`; string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if asm.Cap() != DefaultByteCap {
		t.Errorf("Cap() = %d, want %d", asm.Cap(), DefaultByteCap)
	}
	if a.Len() != 0 {
		t.Errorf("Len() after Finalize = %d, want 0", a.Len())
	}
}

func TestAssembler_CapBoundary(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"exactly at cap", 100, nil},
		{"one byte over", 101, ErrBufferOverflow},
		{"empty body", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(100, nil, nil)
			if _, err := a.Open("r", 0); err != nil {
				t.Fatal(err)
			}
			err := a.Append("r", bytes.Repeat([]byte("x"), tt.size), true)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Append() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			body, _, err := a.Finalize("r")
			if err != nil {
				t.Fatalf("Finalize() error: %v", err)
			}
			if len(body) != tt.size {
				t.Errorf("len(body) = %d, want %d", len(body), tt.size)
			}
		})
	}
}

func TestAssembler_OverflowMarksFailed(t *testing.T) {
	a := New(10, nil, nil)
	if _, err := a.Open("r", 0); err != nil {
		t.Fatal(err)
	}

	if err := a.Append("r", []byte("123456"), false); err != nil {
		t.Fatalf("first Append() error: %v", err)
	}
	if err := a.Append("r", []byte("789012"), false); !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("second Append() error = %v, want ErrBufferOverflow", err)
	}

	asm, ok := a.Get("r")
	if !ok || !asm.Failed() {
		t.Fatal("assembly should stay open and be marked failed")
	}
	if asm.Len() != 0 {
		t.Errorf("failed assembly kept %d bytes, want 0", asm.Len())
	}

	// Small chunks after the overflow must not be accepted either.
	if err := a.Append("r", []byte("1"), false); !errors.Is(err, ErrBufferOverflow) {
		t.Errorf("Append() after overflow = %v, want ErrBufferOverflow", err)
	}
	if err := a.Append("r", []byte("1"), true); !errors.Is(err, ErrBufferOverflow) {
		t.Errorf("final Append() after overflow = %v, want ErrBufferOverflow", err)
	}
	if _, ok := a.Get("r"); ok {
		t.Error("failed assembly should be dropped after the final chunk")
	}
}

func TestAssembler_FinalizeBeforeFinalChunk(t *testing.T) {
	a := New(0, nil, nil)
	if _, err := a.Open("r", 0); err != nil {
		t.Fatal(err)
	}
	if err := a.Append("r", []byte("partial"), false); err != nil {
		t.Fatal(err)
	}

	if _, _, err := a.Finalize("r"); !errors.Is(err, ErrIncompleteBody) {
		t.Fatalf("Finalize() error = %v, want ErrIncompleteBody", err)
	}
	if _, ok := a.Get("r"); !ok {
		t.Error("premature Finalize must not discard the assembly")
	}

	if err := a.Append("r", []byte(" rest"), true); err != nil {
		t.Fatal(err)
	}
	if err := a.Append("r", []byte("late"), false); !errors.Is(err, ErrAlreadyComplete) {
		t.Errorf("Append() after final = %v, want ErrAlreadyComplete", err)
	}
	body, _, err := a.Finalize("r")
	if err != nil || string(body) != "partial rest" {
		t.Errorf("Finalize() = %q, %v; want \"partial rest\", nil", body, err)
	}
}

func TestAssembler_UnknownAndDuplicate(t *testing.T) {
	a := New(0, nil, nil)

	if err := a.Append("missing", []byte("x"), true); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Append(missing) = %v, want ErrUnknownRequest", err)
	}
	if _, _, err := a.Finalize("missing"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Finalize(missing) = %v, want ErrUnknownRequest", err)
	}

	if _, err := a.Open("dup", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Open("dup", 0); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("second Open() = %v, want ErrDuplicateRequest", err)
	}

	a.Abort("dup")
	if _, ok := a.Get("dup"); ok {
		t.Error("Abort() should remove the assembly")
	}
}

func TestAssembler_Sweep(t *testing.T) {
	vc := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := New(0, vc, nil)

	if _, err := a.Open("old", 0); err != nil {
		t.Fatal(err)
	}
	vc.Advance(45 * time.Second)
	if _, err := a.Open("new", 0); err != nil {
		t.Fatal(err)
	}

	if n := a.Sweep(30 * time.Second); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, ok := a.Get("old"); ok {
		t.Error("old assembly should have been swept")
	}
	if _, ok := a.Get("new"); !ok {
		t.Error("new assembly should survive the sweep")
	}
}

func TestAssembler_ConcurrentRequests(t *testing.T) {
	a := New(0, nil, nil)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			if _, err := a.Open(id, 0); err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < 10; j++ {
				if err := a.Append(id, []byte{byte('a' + j)}, j == 9); err != nil {
					t.Error(err)
					return
				}
			}
			body, _, err := a.Finalize(id)
			if err != nil || string(body) != "abcdefghij" {
				t.Errorf("%s: body = %q, err = %v", id, body, err)
			}
		}(i)
	}
	wg.Wait()

	if a.Len() != 0 {
		t.Errorf("Len() = %d, want 0", a.Len())
	}
}
