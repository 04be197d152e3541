package enginetest

import "github.com/anishathalye/porcupine"

// LinearizabilityInput is the porcupine Operation.Input shape for a
// single-key get/set against KVStore, grounded on porcupine's
// documented key-value example model (the teacher's go.mod declares
// porcupine directly but the retrieved sources do not include its
// usage file; this is the standard read/write model the library's own
// examples build for exactly this kind of store).
type LinearizabilityInput struct {
	Op    string // "set" or "get"
	Key   string
	Value string
}

// LinearizabilityOutput is the corresponding Operation.Output shape.
type LinearizabilityOutput struct {
	Value string
	Found bool
}

// KVModel is a porcupine.Model over KVStore's single-key semantics:
// state is the full key space, Step applies a set unconditionally and
// checks a get against the current value.
var KVModel = porcupine.Model{
	Init: func() interface{} {
		return map[string]string{}
	},
	Step: func(state, input, output interface{}) (bool, interface{}) {
		st := state.(map[string]string)
		in := input.(LinearizabilityInput)
		out := output.(LinearizabilityOutput)

		next := make(map[string]string, len(st))
		for k, v := range st {
			next[k] = v
		}

		switch in.Op {
		case "set":
			next[in.Key] = in.Value
			return true, next
		case "get":
			v, ok := st[in.Key]
			if ok != out.Found || v != out.Value {
				return false, next
			}
			return true, next
		default:
			return false, next
		}
	},
}
