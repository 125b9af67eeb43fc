package namespace

import (
	"encoding/json"
	"errors"

	"github.com/cryguy/runnable/internal/core"
)

// Envelope is the JSON shape host callbacks answer with. Exactly one of
// Value, Error or Violation is meaningful.
type Envelope struct {
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	Violation string `json:"violation,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Value encodes a successful result.
func Value(v any) string {
	return encode(Envelope{Value: v})
}

// Failure encodes err. Violations keep their kind so the sandbox throws
// the matching error class; anything else becomes a plain Error.
func Failure(err error) string {
	var v *core.ViolationError
	if errors.As(err, &v) {
		return encode(Envelope{Violation: string(v.Kind), Detail: v.Detail})
	}
	return encode(Envelope{Error: err.Error()})
}

func encode(e Envelope) string {
	data, err := json.Marshal(e)
	if err != nil {
		data, _ = json.Marshal(Envelope{Error: "encoding host result: " + err.Error()})
	}
	return string(data)
}
