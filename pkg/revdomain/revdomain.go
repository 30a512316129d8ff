// Package revdomain implements C1: the reverse-domain codec that turns a
// hostname into the sort key ("c,b,a" for "a.b.c") which makes
// domain-prefix search a contiguous lexicographic range scan over sorted
// pointer shards.
package revdomain

import "strings"

// separator joins reversed domain labels.
const separator = ","

// NormalizeHost lowercases host and strips a single leading "www." label.
// It deliberately does not apply Public Suffix List rules: CC's CDX shards
// are not PSL-normalized, and PSL-aware normalization would break
// reversibility against the original SURT keys (spec.md §9, open question
// (b)).
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimPrefix(h, "www.")

	return h
}

// Rev computes the reverse-domain key for an already-normalized host:
// split on ".", drop empty labels, join the reversed label list with ",".
// Rev("example.co.uk") == "uk,co,example".
func Rev(host string) string {
	if host == "" {
		return ""
	}

	parts := strings.Split(host, ".")

	labels := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			labels = append(labels, p)
		}
	}

	if len(labels) == 0 {
		return ""
	}

	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}

	return strings.Join(labels, separator)
}

// RevHost normalizes host and computes its reverse-domain key in one step.
func RevHost(host string) string {
	return Rev(NormalizeHost(host))
}

// Reverse performs the inverse of Rev: splitting on "," and rejoining the
// reversed label list with ".". For any reverse-domain key with no empty
// labels, Reverse(Rev(h)) == h, the round-trip law from spec.md §8.
func Reverse(revKey string) string {
	if revKey == "" {
		return ""
	}

	labels := strings.Split(revKey, separator)
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}

	return strings.Join(labels, ".")
}

// Prefix returns the half-open lexicographic range [lo, hi) that contains
// exactly the rows whose host_rev equals k or starts with k+",". hi is
// built by appending a separator followed by a byte value higher than any
// valid reverse-domain character, so it is usable both as an in-memory
// upper bound and as a SQL "< hi" predicate.
func Prefix(k string) (lo, hi string) {
	return k, k + separator + "\xff\xff\xff\xff"
}

// Matches reports whether candidate is equal to k or is a child of k in
// the reverse-domain namespace (candidate == k+",..."). This is the
// canonical predicate behind invariant 4 in spec.md §8.
func Matches(candidate, k string) bool {
	if candidate == k {
		return true
	}

	return strings.HasPrefix(candidate, k+separator)
}
