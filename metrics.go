// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer

import "expvar"

// nodeMetrics record node and link activity counters.
type nodeMetrics struct {
	msgRecv       expvar.Int
	msgSent       expvar.Int
	msgDropped    expvar.Int // outbound messages discarded on a closed link
	interestIn    expvar.Int // number of interest frames received
	publishIn     expvar.Int // number of publish frames received
	publishFwd    expvar.Int // number of publish frames forwarded to other links
	gossipIn      expvar.Int // number of connection-info frames received
	gossipFailed  expvar.Int // number of gossip-initiated dials that failed
	handshakeFail expvar.Int
	protocolErr   expvar.Int
	connActive    expvar.Int // gauge

	emap *expvar.Map
}

var rootMetrics = newNodeMetrics()

func newNodeMetrics() *nodeMetrics {
	nm := &nodeMetrics{emap: new(expvar.Map)}
	nm.emap.Set("messages_received", &nm.msgRecv)
	nm.emap.Set("messages_sent", &nm.msgSent)
	nm.emap.Set("messages_dropped", &nm.msgDropped)
	nm.emap.Set("interests_in", &nm.interestIn)
	nm.emap.Set("publishes_in", &nm.publishIn)
	nm.emap.Set("publishes_forwarded", &nm.publishFwd)
	nm.emap.Set("gossip_in", &nm.gossipIn)
	nm.emap.Set("gossip_dials_failed", &nm.gossipFailed)
	nm.emap.Set("handshakes_failed", &nm.handshakeFail)
	nm.emap.Set("protocol_errors", &nm.protocolErr)
	nm.emap.Set("connections_active", &nm.connActive)
	return nm
}
