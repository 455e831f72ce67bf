package signature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"slices"
	"strconv"
	"unicode/utf8"
)

// maxExactInt is 2^53, the largest magnitude at which every integer is exactly
// representable as a float64.
const maxExactInt = 1 << 53

// maxUTF8CheckDepth bounds the pre-marshal walk; anything deeper is left for
// json.Marshal to reject as a cycle.
const maxUTF8CheckDepth = 1000

var (
	errEmptyPayload = errors.New("payload is empty")
	errInvalidUTF8  = errors.New("payload contains invalid UTF-8")
)

// Canonicalize renders payload as canonical JSON (scheme v1): object keys
// sorted, no insignificant whitespace, no HTML escaping, and numbers
// normalised so that 1, 1.0 and 1e0 all render as "1".
//
// payload may be any JSON-marshalable value. []byte and json.RawMessage are
// taken as raw JSON text. nil, {}, [], "" and whitespace-only input are
// rejected, as is any string holding invalid UTF-8, since encoding/json would
// otherwise replace the offending bytes with U+FFFD before signing.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, errEmptyPayload
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		if !validUTF8(reflect.ValueOf(p), 0) {
			return nil, errInvalidUTF8
		}
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("payload is not JSON: %w", err)
		}
		raw = b
	}
	if !utf8.Valid(raw) {
		return nil, errInvalidUTF8
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errEmptyPayload
		}
		return nil, fmt.Errorf("payload is not JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("payload is not JSON: trailing data")
	}
	if isEmpty(v) {
		return nil, errEmptyPayload
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var rawMessageType = reflect.TypeFor[json.RawMessage]()

// validUTF8 reports whether every string json.Marshal would emit from v,
// including map keys and embedded json.RawMessage text, is valid UTF-8.
// Other byte slices are base64-encoded and need no check.
func validUTF8(v reflect.Value, depth int) bool {
	if !v.IsValid() || depth > maxUTF8CheckDepth {
		return true
	}
	if v.Type() == rawMessageType {
		return utf8.Valid(v.Bytes())
	}
	switch v.Kind() {
	case reflect.String:
		return utf8.ValidString(v.String())
	case reflect.Pointer, reflect.Interface:
		return v.IsNil() || validUTF8(v.Elem(), depth+1)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return true
		}
		fallthrough
	case reflect.Array:
		for i := range v.Len() {
			if !validUTF8(v.Index(i), depth+1) {
				return false
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if !validUTF8(iter.Key(), depth+1) || !validUTF8(iter.Value(), depth+1) {
				return false
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			if t.Field(i).IsExported() && !validUTF8(v.Field(i), depth+1) {
				return false
			}
		}
	}
	return true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case json.Number:
		s, err := normalizeNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case string:
		return writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unexpected JSON value of type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func normalizeNumber(n json.Number) (string, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return "", fmt.Errorf("number %q out of range", s)
	}
	if f == math.Trunc(f) && math.Abs(f) < maxExactInt {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
