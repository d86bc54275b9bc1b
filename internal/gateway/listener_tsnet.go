//go:build tsnet

package gateway

import (
	"net"

	"tailscale.com/tsnet"

	"github.com/methings/agentd/internal/config"
)

// tailnetListener brings up a tsnet node and listens on the tailnet. Only
// compiled in with -tags tsnet; the auth key comes from the environment.
func (s *Server) tailnetListener() (net.Listener, error) {
	tc := s.cfg.Tailscale
	if tc.Hostname == "" || tc.AuthKey == "" {
		return nil, nil
	}
	srv := &tsnet.Server{
		Hostname:  tc.Hostname,
		AuthKey:   tc.AuthKey,
		Dir:       config.ExpandHome(tc.StateDir),
		Ephemeral: tc.Ephemeral,
	}
	return srv.Listen("tcp", ":8765")
}
