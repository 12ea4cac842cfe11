package ident

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerateShape(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := Generate()
		if len(id) != Length {
			t.Fatalf("len(%q) = %d want %d", id, len(id), Length)
		}
		if !Valid(id) {
			t.Fatalf("generated id %q is not valid", id)
		}
	}
}

func TestGenerateConcurrentUnique(t *testing.T) {
	const workers = 32
	const perWorker = 500
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, Generate())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d distinct ids, got %d", workers*perWorker, len(seen))
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"abcDEF012_-x", true},
		{"doesNotExist123", true},
		{"", false},
		{"../../etc/passwd", false},
		{"..", false},
		{"a/b", false},
		{"a.png", false},
		{"%2e%2e", false},
		{"white space", false},
		{strings.Repeat("a", MaxLength), true},
		{strings.Repeat("a", MaxLength+1), false},
	}
	for _, tc := range cases {
		if got := Valid(tc.in); got != tc.want {
			t.Errorf("Valid(%q) = %v want %v", tc.in, got, tc.want)
		}
	}
}
