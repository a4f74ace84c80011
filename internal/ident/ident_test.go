package ident_test

import (
	"sort"
	"sync"
	"testing"

	"github.com/tkaria/echodrop/internal/ident"
)

func TestNewID_UniqueAndValid(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := ident.NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		if !ident.Valid(id) {
			t.Fatalf("NewID produced invalid ULID %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewID_MonotonicWithinProcess(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = ident.MustNewID()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("sequentially generated ids are not lexicographically ordered")
	}
}

func TestNewID_ConcurrentUnique(t *testing.T) {
	const (
		goroutines = 8
		perG       = 200
	)
	out := make(chan string, goroutines*perG)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				out <- ident.MustNewID()
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[string]struct{}, goroutines*perG)
	for id := range out {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id under concurrency: %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestValid_RejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-a-ulid", "01HX!!", "0123456789012345678901234567890"} {
		if ident.Valid(s) {
			t.Errorf("Valid(%q) = true, want false", s)
		}
	}
}
