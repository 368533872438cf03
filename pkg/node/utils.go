package node

import (
	"net"
	"path/filepath"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port when none is given.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, defPort)
}

// localPath resolves a client-supplied local file name. Absolute paths are
// used as given, relative ones live under dir.
func (n *Node) localPath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
