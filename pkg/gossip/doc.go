// Package gossip implements group membership and failure detection for a
// fixed set of cluster addresses.
//
// Each node keeps a Table of members ordered by address. A node joins by
// sending a JOIN record to the introducer, which replies with its whole
// table (JOIN_SUCCESS) and announces the newcomer. Every heartbeat interval a
// node sends a HEARTBEAT record to its k ring successors and watches its k
// predecessors; a predecessor that stays silent past the suspicion timeout is
// suspected, and evicted once the erase timeout passes without a refuting
// update. Accepted JOIN, ANNOUNCE, FAILURE and LEAVE records are forwarded
// one hop to the node's own successors.
//
// Typical usage:
//
//	tr, _ := gossip.ListenUDP(self)
//	g := gossip.New(gossip.Config{Self: self, Introducer: intro}, tr, logger)
//	g.Start(ctx)
//	defer g.Stop()
//	_ = g.Join(ctx)
//
// Tests run whole groups in one process over a ChannelNetwork.
package gossip
