package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrMalformedEvent = errors.New("malformed event")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// object decodes b as exactly one JSON object and returns its members by
// exact key. encoding/json folds key case when filling structs, so fields
// are looked up here instead.
func object(b []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, malformed("%v", err)
	}
	if obj == nil {
		return nil, malformed("not an object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing data after object")
	}
	return obj, nil
}

// field decodes member key of obj into out. ok is false when it is absent.
func field(obj map[string]json.RawMessage, key string, out any) (ok bool, err error) {
	raw, ok := obj[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, malformed("%s: %v", key, err)
	}
	return true, nil
}

// DecodeOrderCreated requires a non-empty orderId and a present, non-empty
// items array of non-empty strings.
func DecodeOrderCreated(b []byte) (OrderCreated, error) {
	obj, err := object(b)
	if err != nil {
		return OrderCreated{}, err
	}
	var ev OrderCreated
	if ok, err := field(obj, "orderId", &ev.OrderID); err != nil {
		return OrderCreated{}, err
	} else if !ok || ev.OrderID == "" {
		return OrderCreated{}, malformed("missing orderId")
	}
	if ok, err := field(obj, "items", &ev.Items); err != nil {
		return OrderCreated{}, err
	} else if !ok || len(ev.Items) == 0 {
		return OrderCreated{}, malformed("missing items")
	}
	for i, it := range ev.Items {
		if it == "" {
			return OrderCreated{}, malformed("empty item at index %d", i)
		}
	}
	return ev, nil
}

// DecodeInventoryResult requires a non-empty orderId and a known status.
func DecodeInventoryResult(b []byte) (InventoryResult, error) {
	obj, err := object(b)
	if err != nil {
		return InventoryResult{}, err
	}
	var ev InventoryResult
	if ok, err := field(obj, "orderId", &ev.OrderID); err != nil {
		return InventoryResult{}, err
	} else if !ok || ev.OrderID == "" {
		return InventoryResult{}, malformed("missing orderId")
	}
	if ok, err := field(obj, "status", &ev.Status); err != nil {
		return InventoryResult{}, err
	} else if !ok {
		return InventoryResult{}, malformed("missing status")
	}
	if !ev.Status.Valid() {
		return InventoryResult{}, malformed("unknown status %q", ev.Status)
	}
	return ev, nil
}
