package portal

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Stream is one PipeWire stream from a ScreenCast Start response
type Stream struct {
	NodeID uint32
	Width  int
	Height int
}

// ParseStreams decodes the a(ua{sv}) "streams" result. godbus hands the
// structs back either as [][]interface{} or as []interface{} of
// []interface{}, depending on the portal.
func ParseStreams(v interface{}) ([]Stream, error) {
	var raw [][]interface{}

	switch s := v.(type) {
	case [][]interface{}:
		raw = s
	case []interface{}:
		for i, e := range s {
			fields, ok := e.([]interface{})
			if !ok {
				return nil, fmt.Errorf("stream %d: unexpected type %T", i, e)
			}
			raw = append(raw, fields)
		}
	default:
		return nil, fmt.Errorf("unknown streams format %T", v)
	}

	streams := make([]Stream, 0, len(raw))
	for i, fields := range raw {
		if len(fields) == 0 {
			return nil, fmt.Errorf("stream %d: empty struct", i)
		}
		node, ok := fields[0].(uint32)
		if !ok {
			return nil, fmt.Errorf("stream %d: node id has type %T", i, fields[0])
		}
		st := Stream{NodeID: node}
		if len(fields) > 1 {
			if props, ok := fields[1].(map[string]dbus.Variant); ok {
				st.Width, st.Height = streamSize(props)
			}
		}
		streams = append(streams, st)
	}
	return streams, nil
}

// streamSize reads the optional (ii) "size" property
func streamSize(props map[string]dbus.Variant) (int, int) {
	v, ok := props["size"]
	if !ok {
		return 0, 0
	}
	switch s := v.Value().(type) {
	case []int32:
		if len(s) == 2 {
			return int(s[0]), int(s[1])
		}
	case []interface{}:
		if len(s) == 2 {
			w, wok := s[0].(int32)
			h, hok := s[1].(int32)
			if wok && hok {
				return int(w), int(h)
			}
		}
	}
	return 0, 0
}
