//go:build !tsnet

package gateway

import "net"

// tailnetListener is compiled out without the tsnet build tag.
func (s *Server) tailnetListener() (net.Listener, error) {
	return nil, nil
}
