package graph

import "encoding/json"

// Reducer merges a node's delta into the previous state and returns the
// next state. It must be pure and must not alias mutable parts of either
// argument into the result.
type Reducer[S any] func(prev, delta S) S

// deepCopy clones a state value through a JSON round trip. The driver
// hands each node a copy so a node can never mutate shared state, only
// return deltas. State types must therefore be JSON-serializable, which
// the persistence layer requires anyway.
func deepCopy[S any](state S) (S, error) {
	var out S
	b, err := json.Marshal(state)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}
