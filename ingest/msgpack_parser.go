package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"patterndb/core"
)

// DecodeMsgpack decodes one record from its MessagePack encoding. Both the
// Record layout written by the msgpack sink and a flat map of fields are
// accepted; the map form may carry a "timestamp" in Unix seconds.
func DecodeMsgpack(data []byte, now time.Time) (*core.Record, error) {
	return decodeMsgpack(msgpack.NewDecoder(bytes.NewReader(data)), now)
}

func decodeMsgpack(dec *msgpack.Decoder, now time.Time) (*core.Record, error) {
	raw, err := dec.DecodeMap()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: nil map", ErrMalformedInput)
	}

	if fields, ok := raw["fields"].(map[string]interface{}); ok {
		return recordFromLayout(raw, fields, now)
	}

	rec := core.NewRecord(now)
	for k, v := range raw {
		if k == "timestamp" {
			if ts, ok := unixTime(v); ok {
				rec.Timestamp = ts
				continue
			}
		}
		rec.Set(k, stringify(v))
	}
	return rec, nil
}

// recordFromLayout re-encodes a decoded Record map so the struct decoder
// applies the field types.
func recordFromLayout(raw, fields map[string]interface{}, now time.Time) (*core.Record, error) {
	b, err := msgpack.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	var rec core.Record
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]string, len(fields))
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	return &rec, nil
}

// EncodeMsgpack encodes a record in the layout DecodeMsgpack reads back.
func EncodeMsgpack(rec *core.Record) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func unixTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case int64:
		return time.Unix(t, 0), true
	case uint64:
		return time.Unix(int64(t), 0), true
	case int8:
		return time.Unix(int64(t), 0), true
	case int16:
		return time.Unix(int64(t), 0), true
	case int32:
		return time.Unix(int64(t), 0), true
	case uint8:
		return time.Unix(int64(t), 0), true
	case uint16:
		return time.Unix(int64(t), 0), true
	case uint32:
		return time.Unix(int64(t), 0), true
	case float64:
		sec := int64(t)
		return time.Unix(sec, int64((t-float64(sec))*1e9)), true
	}
	return time.Time{}, false
}
