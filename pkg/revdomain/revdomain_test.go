package revdomain_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/endomorphosis/ccpointers/pkg/revdomain"
)

func TestRevHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		rev  string
	}{
		{host: "www.example.co.uk", rev: "uk,co,example"},
		{host: "www.example.com", rev: "com,example"},
		{host: "a.example.com", rev: "com,example,a"},
		{host: "localhost", rev: "localhost"},
		{host: "", rev: ""},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("RevHost(%q) -> %q", test.host, test.rev), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.rev, revdomain.RevHost(test.host))
		})
	}
}

func TestReverseRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []string{"uk,co,example", "com,example", "com,example,a", "localhost"}

	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, key, revdomain.Rev(revdomain.Reverse(key)))
		})
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		candidate string
		k         string
		want      bool
	}{
		{candidate: "com,example", k: "com,example", want: true},
		{candidate: "com,example,a", k: "com,example", want: true},
		{candidate: "com,example,b", k: "com,example", want: true},
		{candidate: "com,examplex", k: "com,example", want: false},
		{candidate: "com,exampl", k: "com,example", want: false},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("Matches(%q, %q)", test.candidate, test.k), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.want, revdomain.Matches(test.candidate, test.k))
		})
	}
}

func FuzzReverseRoundTrip(f *testing.F) {
	seeds := []string{"com,example", "uk,co,example", "localhost", "a,b,c,d"}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, key string) {
		if key == "" {
			return
		}

		// Skip keys with empty labels; Rev/Reverse only round-trip when
		// every label is non-empty (spec.md §8).
		hasEmptyLabel := false
		start := 0

		for i := 0; i <= len(key); i++ {
			if i == len(key) || key[i] == ',' {
				if i == start {
					hasEmptyLabel = true
				}

				start = i + 1
			}
		}

		if hasEmptyLabel {
			return
		}

		assert.Equal(t, key, revdomain.Rev(revdomain.Reverse(key)))
	})
}
