package logrecord

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"logship/internal/domain"

	"github.com/valyala/fastjson"
)

// TimeField is the only field a payload is required to carry.
const TimeField = "time"

type Kind int

const (
	KindMalformed Kind = iota + 1
	KindNotAnObject
	KindMissingTimestampField
	KindInvalidTimestampType
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindNotAnObject:
		return "not_an_object"
	case KindMissingTimestampField:
		return "missing_timestamp_field"
	case KindInvalidTimestampType:
		return "invalid_timestamp_type"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed        = errors.New("payload is not valid json")
	ErrNotAnObject      = errors.New("payload is not an object")
	ErrMissingTimestamp = errors.New("'time' field is missing")
	ErrInvalidTimestamp = errors.New("'time' field is not a non-negative 64-bit integer")
)

// DecodeError reports why a payload could not become a LogRecord.
type DecodeError struct {
	Kind   Kind
	Detail string
}

func (e *DecodeError) Error() string {
	base := e.sentinel().Error()
	if e.Detail == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, e.Detail)
}

func (e *DecodeError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *DecodeError) sentinel() error {
	switch e.Kind {
	case KindMalformed:
		return ErrMalformed
	case KindNotAnObject:
		return ErrNotAnObject
	case KindMissingTimestampField:
		return ErrMissingTimestamp
	default:
		return ErrInvalidTimestamp
	}
}

// KindOf returns the decode error kind of err, or 0 when err is not a
// DecodeError.
func KindOf(err error) Kind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

var parsers fastjson.ParserPool

// Decode validates b and returns a LogRecord holding a private copy of the
// original bytes.
func Decode(b []byte) (domain.LogRecord, error) {
	if !utf8.Valid(b) {
		return domain.LogRecord{}, &DecodeError{Kind: KindMalformed, Detail: "invalid utf-8"}
	}
	// The parser tolerates NaN, Inf, unknown escapes, raw control characters
	// and leading zeros. The validator does not.
	if err := fastjson.ValidateBytes(b); err != nil {
		return domain.LogRecord{}, &DecodeError{Kind: KindMalformed, Detail: err.Error()}
	}

	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(b)
	if err != nil {
		return domain.LogRecord{}, &DecodeError{Kind: KindMalformed, Detail: err.Error()}
	}
	if v.Type() != fastjson.TypeObject {
		return domain.LogRecord{}, &DecodeError{Kind: KindNotAnObject, Detail: "top-level value is " + v.Type().String()}
	}
	tv := lastField(v, TimeField)
	if tv == nil {
		return domain.LogRecord{}, &DecodeError{Kind: KindMissingTimestampField}
	}
	if tv.Type() != fastjson.TypeNumber {
		return domain.LogRecord{}, &DecodeError{Kind: KindInvalidTimestampType, Detail: "got " + tv.Type().String()}
	}
	ts, err := tv.Uint64()
	if err != nil {
		return domain.LogRecord{}, &DecodeError{Kind: KindInvalidTimestampType, Detail: err.Error()}
	}

	raw := append([]byte(nil), b...)
	return domain.LogRecord{Timestamp: domain.Timestamp(ts), RawPayload: raw, Size: len(raw)}, nil
}

// lastField returns the last value stored under key, so a repeated key
// resolves the way most JSON decoders resolve it.
func lastField(v *fastjson.Value, key string) *fastjson.Value {
	o, err := v.Object()
	if err != nil {
		return nil
	}
	var last *fastjson.Value
	o.Visit(func(k []byte, fv *fastjson.Value) {
		if string(k) == key {
			last = fv
		}
	})
	return last
}
