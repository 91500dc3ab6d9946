package transport

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"rowflow/internal/row"
)

// EncodeRow turns r into a list value. Dates travel as RFC 3339 strings.
func EncodeRow(r row.Row) (*structpb.ListValue, error) {
	vals := make([]*structpb.Value, len(r))
	for i, v := range r {
		pv, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		vals[i] = pv
	}
	return &structpb.ListValue{Values: vals}, nil
}

func encodeValue(v any) (*structpb.Value, error) {
	switch x := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case time.Time:
		return structpb.NewStringValue(x.Format(time.RFC3339Nano)), nil
	case int64:
		return structpb.NewNumberValue(float64(x)), nil
	default:
		return structpb.NewValue(v)
	}
}

// DecodeRow reads lv back against meta.
func DecodeRow(meta *row.Meta, lv *structpb.ListValue) (row.Row, error) {
	vals := lv.GetValues()
	if len(vals) != meta.Size() {
		return nil, fmt.Errorf("row has %d values, layout has %d", len(vals), meta.Size())
	}
	out := make(row.Row, len(vals))
	for i, pv := range vals {
		vm := meta.Value(i)
		v, err := decodeValue(vm.Type, pv)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", vm.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

func decodeValue(t row.Type, pv *structpb.Value) (any, error) {
	switch k := pv.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_StringValue:
		if t == row.TypeString {
			return k.StringValue, nil
		}
		return t.Parse(k.StringValue)
	case *structpb.Value_NumberValue:
		switch t {
		case row.TypeInteger:
			if k.NumberValue != math.Trunc(k.NumberValue) {
				return nil, fmt.Errorf("%v is not integral", k.NumberValue)
			}
			return int64(k.NumberValue), nil
		case row.TypeNumber:
			return k.NumberValue, nil
		case row.TypeString:
			return strconv.FormatFloat(k.NumberValue, 'f', -1, 64), nil
		}
	case *structpb.Value_BoolValue:
		switch t {
		case row.TypeBoolean:
			return k.BoolValue, nil
		case row.TypeString:
			return strconv.FormatBool(k.BoolValue), nil
		}
	}
	return nil, fmt.Errorf("cannot read %T as %s", pv.GetKind(), t)
}

// Request is the payload of a Transformer.Apply call.
func Request(meta *row.Meta, r row.Row) (*structpb.Struct, error) {
	lv, err := EncodeRow(r)
	if err != nil {
		return nil, err
	}
	names := make([]*structpb.Value, 0, meta.Size())
	for _, n := range meta.Names() {
		names = append(names, structpb.NewStringValue(n))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"fields": structpb.NewListValue(&structpb.ListValue{Values: names}),
		"row":    structpb.NewListValue(lv),
	}}, nil
}

// RequestRow extracts the field names and values of an Apply request.
func RequestRow(req *structpb.Struct) ([]string, []any) {
	var names []string
	for _, v := range req.GetFields()["fields"].GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, req.GetFields()["row"].GetListValue().AsSlice()
}

// Response wraps output rows given as plain values.
func Response(rows ...[]any) (*structpb.Struct, error) {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return structpb.NewStruct(map[string]any{"rows": list})
}

// ResponseRows decodes the rows of an Apply response against meta.
func ResponseRows(meta *row.Meta, resp *structpb.Struct) ([]row.Row, error) {
	var out []row.Row
	for i, v := range resp.GetFields()["rows"].GetListValue().GetValues() {
		r, err := DecodeRow(meta, v.GetListValue())
		if err != nil {
			return nil, fmt.Errorf("output row %d: %w", i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}
