package docstore

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const docKeyPrefix = "doc/"

// timeKey marks a struct value that stands for a timestamp.
const timeKey = "$time"

func docKey(collection, id string) string {
	return docKeyPrefix + collection + "/" + id
}

func splitDocKey(key string) (collection, id string, err error) {
	rest := strings.TrimPrefix(key, docKeyPrefix)
	i := strings.LastIndex(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("%q: %w", key, ErrInvalidPath)
	}
	return rest[:i], rest[i+1:], nil
}

func encodeDocument(d *Document) ([]byte, error) {
	fields, err := toStruct(d.Fields)
	if err != nil {
		return nil, err
	}
	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		"fields":      structpb.NewStructValue(fields),
		"create_time": structpb.NewStringValue(d.CreateTime.Format(time.RFC3339Nano)),
		"update_time": structpb.NewStringValue(d.UpdateTime.Format(time.RFC3339Nano)),
	}}
	return proto.Marshal(envelope)
}

func decodeDocument(key string, b []byte) (Document, error) {
	collection, id, err := splitDocKey(key)
	if err != nil {
		return Document{}, err
	}
	var envelope structpb.Struct
	if err := proto.Unmarshal(b, &envelope); err != nil {
		return Document{}, err
	}
	d := Document{ID: id, Collection: collection, Fields: Fields{}}
	if v, ok := envelope.Fields["fields"]; ok && v.GetStructValue() != nil {
		for k, fv := range v.GetStructValue().Fields {
			d.Fields[k] = fromValue(fv)
		}
	}
	if d.CreateTime, err = time.Parse(time.RFC3339Nano, envelope.Fields["create_time"].GetStringValue()); err != nil {
		return Document{}, fmt.Errorf("create_time: %w", err)
	}
	if d.UpdateTime, err = time.Parse(time.RFC3339Nano, envelope.Fields["update_time"].GetStringValue()); err != nil {
		return Document{}, fmt.Errorf("update_time: %w", err)
	}
	return d, nil
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		pv, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out.Fields[k] = pv
	}
	return out, nil
}

func toValue(v any) (*structpb.Value, error) {
	switch t := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case bool:
		return structpb.NewBoolValue(t), nil
	case float64:
		return structpb.NewNumberValue(t), nil
	case string:
		return structpb.NewStringValue(t), nil
	case time.Time:
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			timeKey: structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano)),
		}}), nil
	case []string:
		list := &structpb.ListValue{Values: make([]*structpb.Value, len(t))}
		for i, s := range t {
			list.Values[i] = structpb.NewStringValue(s)
		}
		return structpb.NewListValue(list), nil
	case []any:
		list := &structpb.ListValue{Values: make([]*structpb.Value, len(t))}
		for i, e := range t {
			pv, err := toValue(e)
			if err != nil {
				return nil, err
			}
			list.Values[i] = pv
		}
		return structpb.NewListValue(list), nil
	case map[string]any:
		s, err := toStruct(t)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func fromValue(v *structpb.Value) any {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil
	case *structpb.Value_BoolValue:
		return k.BoolValue
	case *structpb.Value_NumberValue:
		return k.NumberValue
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_ListValue:
		items := make([]any, len(k.ListValue.GetValues()))
		allStrings := true
		for i, e := range k.ListValue.GetValues() {
			items[i] = fromValue(e)
			if _, ok := items[i].(string); !ok {
				allStrings = false
			}
		}
		if allStrings {
			ss := make([]string, len(items))
			for i, e := range items {
				ss[i] = e.(string)
			}
			return ss
		}
		return items
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		if ts, ok := fields[timeKey]; ok && len(fields) == 1 {
			if t, err := time.Parse(time.RFC3339Nano, ts.GetStringValue()); err == nil {
				return t
			}
		}
		m := make(map[string]any, len(fields))
		for name, e := range fields {
			m[name] = fromValue(e)
		}
		return m
	}
	return nil
}
