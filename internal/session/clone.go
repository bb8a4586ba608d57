package session

import "encoding/json"

// Clone returns a deep copy of the session value. The workspace blob is an
// arbitrary JSON tree, so copying goes through serialization.
func (v *Value) Clone() (*Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out Value
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
