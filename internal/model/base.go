package model

// JSONMap represents a generic JSON object
type JSONMap map[string]interface{}

// Clone returns a deep copy of the decoded JSON object; nil stays nil.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = cloneJSONValue(v)
	}
	return out
}

func cloneJSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(JSONMap(t).Clone())
	case JSONMap:
		return t.Clone()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneJSONValue(e)
		}
		return out
	default:
		return v
	}
}
