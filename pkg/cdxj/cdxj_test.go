package cdxj_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomorphosis/ccpointers/pkg/cdxj"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		wantOK  bool
		wantURL string
		wantRev string
	}{
		{
			name:    "surt ts url json",
			line:    `com,example)/p 20240101000000 https://a.example.com/p {"status":"200","offset":"10","length":"20"}`,
			wantOK:  true,
			wantURL: "https://a.example.com/p",
			wantRev: "com,example,a",
		},
		{
			name:    "url only inside json",
			line:    `com,example)/q 20240101000100 {"url":"https://www.example.com/q","status":200}`,
			wantOK:  true,
			wantURL: "https://www.example.com/q",
			wantRev: "com,example",
		},
		{name: "blank", line: "", wantOK: false},
		{name: "comment", line: "# a comment", wantOK: false},
		{name: "no url anywhere", line: `com,example)/p 20240101000000 {"status":200}`, wantOK: false},
		{name: "malformed json tolerated", line: `com,example)/p 20240101000000 https://example.com/p {not json`, wantOK: true, wantURL: "https://example.com/p", wantRev: "com,example"},
		{name: "too few fields", line: "onlyonefield", wantOK: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			rec, ok := cdxj.ParseLine(test.line)
			require.Equal(t, test.wantOK, ok)

			if !test.wantOK {
				return
			}

			assert.Equal(t, test.wantURL, rec.URL)
			assert.Equal(t, test.wantRev, rec.HostRev)
		})
	}
}

func TestCoerceInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{raw: `200`, want: 200, ok: true},
		{raw: `"200"`, want: 200, ok: true},
		{raw: `200.0`, want: 200, ok: true},
		{raw: `200.5`, want: 0, ok: false},
		{raw: `"-"`, want: 0, ok: false},
		{raw: `true`, want: 0, ok: false},
		{raw: `""`, want: 0, ok: false},
	}

	for _, test := range tests {
		t.Run(test.raw, func(t *testing.T) {
			t.Parallel()

			got, ok := cdxj.CoerceInt([]byte(test.raw))
			assert.Equal(t, test.ok, ok)

			if ok {
				assert.Equal(t, test.want, got)
			}
		})
	}
}

func gzipLines(t *testing.T, lines ...string) io.ReadCloser {
	t.Helper()

	var buf bytes.Buffer

	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	return io.NopCloser(&buf)
}

func TestDecoderRecords(t *testing.T) {
	t.Parallel()

	r := gzipLines(t,
		`com,example)/p 20240101000000 https://a.example.com/p {"status":200,"offset":10,"length":20}`,
		`com,example)/q 20240101000100 https://www.example.com/q {"status":200,"offset":40,"length":30}`,
		`# a comment`,
		``,
	)

	dec, err := cdxj.NewDecoder(r, "CC-MAIN-2024-10", "cdx-00000.gz")
	require.NoError(t, err)

	defer dec.Close()

	ctx := context.Background()
	recCh, errCh := dec.Records(ctx, 8)

	var got []string
	for rec := range recCh {
		got = append(got, rec.HostRev)
	}

	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"com,example,a", "com,example"}, got)
}

func TestDecoderRecordsEmptyShard(t *testing.T) {
	t.Parallel()

	r := gzipLines(t, "")

	dec, err := cdxj.NewDecoder(r, "CC-MAIN-2024-10", "cdx-00001.gz")
	require.NoError(t, err)

	defer dec.Close()

	recCh, errCh := dec.Records(context.Background(), 8)

	var n int
	for range recCh {
		n++
	}

	require.NoError(t, <-errCh)
	assert.Zero(t, n)
}

func FuzzParseLine(f *testing.F) {
	seeds := []string{
		`com,example)/p 20240101000000 https://a.example.com/p {"status":200}`,
		`com,example)/p 20240101000000 {"url":"https://example.com/p"}`,
		``,
		`# comment`,
		`garbage`,
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, line string) {
		// Must never panic, regardless of input shape.
		_, _ = cdxj.ParseLine(line)
	})
}
