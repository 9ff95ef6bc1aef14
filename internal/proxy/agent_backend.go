package proxy

import (
	"context"
	"io"
	"time"

	"github.com/lttle-cloud/ignitiond/internal/agent"
	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// AgentBackend adapts internal/agent's machine catalog to the proxy's
// Backend interface: dialing a Target acquires a flash-lock, waits for
// the target machine to reach Ready, and connects to it (spec.md
// §4.8's get_connection, via Handle.GetConnection).
type AgentBackend struct {
	Manager *agent.Manager
}

func (a AgentBackend) Dial(ctx context.Context, target Target, inactivityTimeout time.Duration) (io.ReadWriteCloser, error) {
	h, ok := a.Manager.GetMachine(target.MachineName)
	if !ok {
		return nil, ignerr.New(ignerr.NotFound, "no machine %q in catalog", target.MachineName)
	}
	return h.GetConnection(ctx, target.Port, inactivityTimeout)
}
