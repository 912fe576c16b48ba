package logrecord

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeKeepsOriginalBytes(t *testing.T) {
	in := []byte(`{ "msg": "a",  "time": 1000, "nested": {"k": [1, 2]} }`)
	rec, err := Decode(in)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Timestamp != 1000 {
		t.Fatalf("timestamp = %d, want 1000", rec.Timestamp)
	}
	if !bytes.Equal(rec.RawPayload, in) {
		t.Fatalf("raw payload changed: %q", rec.RawPayload)
	}
	if rec.Size != len(in) {
		t.Fatalf("size = %d, want %d", rec.Size, len(in))
	}
	in[0] = 'X'
	if rec.RawPayload[0] != '{' {
		t.Fatalf("record aliases caller buffer")
	}
}

func TestDecodeLargestTimestamp(t *testing.T) {
	rec, err := Decode([]byte(`{"time":18446744073709551615}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Timestamp != 18446744073709551615 {
		t.Fatalf("timestamp = %d", rec.Timestamp)
	}
}

func TestDecodeRejections(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind Kind
		err  error
	}{
		{"empty object", `{}`, KindMissingTimestampField, ErrMissingTimestamp},
		{"string time", `{"time": "abc"}`, KindInvalidTimestampType, ErrInvalidTimestamp},
		{"array", `[1,2,3]`, KindNotAnObject, ErrNotAnObject},
		{"scalar", `42`, KindNotAnObject, ErrNotAnObject},
		{"truncated", `{"time": 10`, KindMalformed, ErrMalformed},
		{"garbage", `not json`, KindMalformed, ErrMalformed},
		{"empty input", ``, KindMalformed, ErrMalformed},
		{"trailing data", `{"time":1} {"time":2}`, KindMalformed, ErrMalformed},
		{"negative", `{"time": -1}`, KindInvalidTimestampType, ErrInvalidTimestamp},
		{"float", `{"time": 1.5}`, KindInvalidTimestampType, ErrInvalidTimestamp},
		{"overflow", `{"time": 18446744073709551616}`, KindInvalidTimestampType, ErrInvalidTimestamp},
		{"null", `{"time": null}`, KindInvalidTimestampType, ErrInvalidTimestamp},
		{"bool", `{"time": true}`, KindInvalidTimestampType, ErrInvalidTimestamp},
		{"nested time only", `{"meta": {"time": 1}}`, KindMissingTimestampField, ErrMissingTimestamp},
		{"nan field", `{"time":1,"x":NaN}`, KindMalformed, ErrMalformed},
		{"inf field", `{"time":1,"x":Inf}`, KindMalformed, ErrMalformed},
		{"nan time", `{"time": NaN}`, KindMalformed, ErrMalformed},
		{"unknown escape", `{"time":1,"m":"\x"}`, KindMalformed, ErrMalformed},
		{"raw newline in string", "{\"time\":1,\"m\":\"a\nb\"}", KindMalformed, ErrMalformed},
		{"invalid utf-8", "{\"time\":1,\"m\":\"\xff\xfe\"}", KindMalformed, ErrMalformed},
		{"leading zero", `{"time":01}`, KindMalformed, ErrMalformed},
		{"repeated time last wins", `{"time":1,"time":"x"}`, KindInvalidTimestampType, ErrInvalidTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.in))
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := KindOf(err); got != tc.kind {
				t.Fatalf("kind = %v, want %v (%v)", got, tc.kind, err)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("errors.Is(%v, %v) = false", err, tc.err)
			}
		})
	}
}

func TestDecodeRepeatedTimeUsesLastValue(t *testing.T) {
	rec, err := Decode([]byte(`{"time":"x","msg":"a","time":42}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Timestamp != 42 {
		t.Fatalf("timestamp = %d, want 42", rec.Timestamp)
	}
}

func TestDecodeAcceptsEscapedUnicode(t *testing.T) {
	rec, err := Decode([]byte(`{"time":7,"m":"caf\u00e9 \n ok","k":"héllo"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Timestamp != 7 {
		t.Fatalf("timestamp = %d, want 7", rec.Timestamp)
	}
}

func TestKindOfForeignError(t *testing.T) {
	if k := KindOf(errors.New("x")); k != 0 {
		t.Fatalf("kind = %v, want 0", k)
	}
}

func TestDecodeConcurrent(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"time":1,"msg":"a"}`),
		[]byte(`{"time":2,"msg":"b"}`),
		[]byte(`{"time":3,"msg":"c"}`),
	}
	var wg sync.WaitGroup
	errCh := make(chan error, 64)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p := payloads[j%len(payloads)]
				rec, err := Decode(p)
				if err != nil {
					errCh <- err
					return
				}
				if diff := cmp.Diff(p, rec.RawPayload); diff != "" {
					errCh <- errors.New(diff)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
