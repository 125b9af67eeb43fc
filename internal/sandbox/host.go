package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cryguy/runnable/internal/capability"
	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/namespace"
)

var errNoStorage = errors.New("storage is not configured")

// host answers the namespace callbacks for one Runnable. Every callback
// runs inside an interpreter evaluation, so r.call is always set.
type host struct {
	r *Runnable
}

var _ namespace.Host = (*host)(nil)

func (h *host) Violation(kind, detail string) {
	h.r.call.Violate(core.NewViolation(core.ViolationKind(kind), "%s", detail))
	h.r.metrics.RecordViolation(kind)
	h.r.logger.Warn("guard tripped",
		zap.String("kind", kind),
		zap.String("detail", detail),
		zap.String("call", string(h.r.call.Call.Kind)),
	)
}

func (h *host) Log(level, message string) {
	h.r.logs.Add(level, message)
}

func (h *host) FindUser(id string) string {
	if h.r.storage == nil {
		return namespace.Failure(errNoStorage)
	}
	rec, err := h.r.storage.FindUser(h.r.call.Ctx, id)
	if err != nil {
		return namespace.Failure(err)
	}
	if rec == nil {
		return namespace.Value(nil)
	}
	return namespace.Value(rec)
}

func (h *host) HTTP(request string) string {
	var req capability.Request
	if err := json.Unmarshal([]byte(request), &req); err != nil {
		return namespace.Failure(fmt.Errorf("http: malformed request: %w", err))
	}
	resp, err := h.r.http.Do(h.r.call, req)
	if err != nil {
		var v *core.ViolationError
		if errors.As(err, &v) {
			h.Violation(string(v.Kind), v.Detail)
		}
		return namespace.Failure(err)
	}
	return namespace.Value(resp)
}
