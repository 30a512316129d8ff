// Package cdxj implements C2: a streaming decoder of gzipped CDXJ shards
// into typed pointer.Record values. It is single-pass and stream-bounded:
// memory is O(batch size), never O(file).
package cdxj

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/endomorphosis/ccpointers/pkg/revdomain"
	"github.com/endomorphosis/ccpointers/pkg/pointer"
)

// ErrNoURL is never returned to callers; it marks lines the decoder skips
// internally because they carry no URL, per the PointerRecord invariant.
var errNoURL = errors.New("cdxj: line carries no url")

// Decoder streams pointer.Record values out of a gzipped CDXJ shard.
type Decoder struct {
	collection string
	shardFile  string

	gz     *gzip.Reader
	sc     *bufio.Scanner
	closer io.Closer
}

// NewDecoder wraps r (the raw, still-gzipped shard bytes) in a Decoder.
// collection and shardFile are stamped onto every emitted record.
func NewDecoder(r io.ReadCloser, collection, shardFile string) (*Decoder, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("cdxj: error opening gzip stream: %w", err)
	}

	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &Decoder{
		collection: collection,
		shardFile:  shardFile,
		gz:         gz,
		sc:         sc,
		closer:     r,
	}, nil
}

// Close releases the underlying gzip and source readers.
func (d *Decoder) Close() error {
	gzErr := d.gz.Close()
	closeErr := d.closer.Close()

	if gzErr != nil {
		return gzErr
	}

	return closeErr
}

// Records streams decoded records over a channel, bounded by chanSize, and
// closes it on EOF, decode failure, or context cancellation. Malformed
// individual lines are skipped (never fail the whole decode, per §4.2 and
// the CorruptInput error kind in §7); a whole-stream gzip failure is
// reported on errCh.
func (d *Decoder) Records(ctx context.Context, chanSize int) (<-chan pointer.Record, <-chan error) {
	recCh := make(chan pointer.Record, chanSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(recCh)

		for d.sc.Scan() {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()

				return
			default:
			}

			rec, ok := ParseLine(d.sc.Text())
			if !ok {
				continue
			}

			rec.Collection = d.collection
			rec.ShardFile = d.shardFile

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()

				return
			case recCh <- rec:
			}
		}

		if err := d.sc.Err(); err != nil {
			errCh <- fmt.Errorf("cdxj: error scanning shard: %w", err)
		}
	}()

	return recCh, errCh
}

// ParseLine parses a single CDXJ line per the grammar in spec.md §6:
//
//	line := blank | '#' comment | surt ws ts ws (url ws)? json
//
// ok is false for blank lines, comments, lines missing a URL (neither a
// bare third field nor meta["url"]), and structurally malformed lines.
// Malformed JSON is tolerated: meta is treated as empty rather than
// failing the line.
func ParseLine(line string) (pointer.Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return pointer.Record{}, false
	}

	pre, jsonStr := splitMeta(line)

	fields := strings.Fields(pre)
	if len(fields) < 2 {
		return pointer.Record{}, false
	}

	surt := fields[0]
	ts := fields[1]

	var rawURL string
	if len(fields) >= 3 {
		rawURL = fields[2]
	}

	meta := decodeMeta(jsonStr)

	if rawURL == "" && meta.url != "" {
		rawURL = meta.url
	}

	if rawURL == "" {
		return pointer.Record{}, false
	}

	host := extractHost(rawURL)

	rec := pointer.Record{
		SURT:      surt,
		Timestamp: ts,
		URL:       rawURL,
		Host:      host,
		HostRev:   revdomain.Rev(host),
		Meta:      meta.toMeta(),
	}

	return rec, true
}

// splitMeta separates the "surt ts (url)?" prefix from the trailing JSON
// object, tolerating a missing or malformed JSON object.
func splitMeta(line string) (pre, jsonStr string) {
	i := strings.IndexByte(line, '{')
	if i == -1 {
		return line, ""
	}

	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i:])
}

type rawMeta struct {
	url      string
	valid    bool
	status   json.RawMessage
	mime     *string
	digest   *string
	filename *string
	offset   json.RawMessage
	length   json.RawMessage
}

func decodeMeta(jsonStr string) rawMeta {
	if jsonStr == "" {
		return rawMeta{}
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
		return rawMeta{}
	}

	rm := rawMeta{valid: true}

	if v, ok := m["url"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			rm.url = s
		}
	}

	if v, ok := m["mime"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			rm.mime = &s
		}
	}

	if v, ok := m["digest"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			rm.digest = &s
		}
	}

	if v, ok := m["filename"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			rm.filename = &s
		}
	}

	if v, ok := m["status"]; ok {
		rm.status = v
	}

	if v, ok := m["offset"]; ok {
		rm.offset = v
	}

	if v, ok := m["length"]; ok {
		rm.length = v
	}

	return rm
}

func (rm rawMeta) toMeta() pointer.Meta {
	m := pointer.Meta{Known: rm.valid}

	if n, ok := CoerceInt(rm.status); ok {
		v := int32(n)
		m.Status = &v
	}

	m.MIME = rm.mime
	m.Digest = rm.digest
	m.WARCFilename = rm.filename

	if n, ok := CoerceInt(rm.offset); ok {
		m.WARCOffset = &n
	}

	if n, ok := CoerceInt(rm.length); ok {
		m.WARCLength = &n
	}

	return m
}

// CoerceInt implements the best-effort int-from-string-or-float coercion
// required by §4.2: booleans and the literal "-" are rejected, floats must
// be integral, and strings are parsed as base-10 integers.
func CoerceInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, true
	}

	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err == nil {
		if asFloat != float64(int64(asFloat)) {
			return 0, false
		}

		return int64(asFloat), true
	}

	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		return 0, false
	}

	var asStr string
	if err := json.Unmarshal(raw, &asStr); err == nil {
		text := strings.TrimSpace(asStr)
		if text == "" || text == "-" {
			return 0, false
		}

		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, false
		}

		return n, true
	}

	return 0, false
}

// extractHost pulls the lowercase, www-stripped host out of a URL without
// requiring a fully valid net/url.URL, since CDXJ urls can be loosely
// formed. Returns "" if no "://" scheme separator is found.
func extractHost(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i == -1 {
		return ""
	}

	rest := rawURL[i+3:]

	end := strings.IndexByte(rest, '/')
	if end == -1 {
		end = len(rest)
	}

	// Matches bulk_convert_gz_to_parquet.py's _extract_host exactly: a
	// plain slice up to the next "/", lowercased and www-stripped. No
	// credential or port stripping, so CDX urls with a non-default port
	// or embedded userinfo keep it in Host/HostRev — this is what makes
	// the codec reversible against the original SURT keys.
	return revdomain.NormalizeHost(rest[:end])
}
