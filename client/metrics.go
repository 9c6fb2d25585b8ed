// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package client

import "expvar"

// clientMetrics record transceiver activity counters.
type clientMetrics struct {
	msgSent     expvar.Int
	msgRecv     expvar.Int
	msgDropped  expvar.Int // received with no message handler registered
	batches     expvar.Int // batches delivered to message handlers
	queueDepth  expvar.Int // gauge
	connects    expvar.Int
	disconnects expvar.Int
	active      expvar.Int // gauge

	emap *expvar.Map
}

var rootMetrics = newClientMetrics()

func newClientMetrics() *clientMetrics {
	cm := &clientMetrics{emap: new(expvar.Map)}
	cm.emap.Set("messages_sent", &cm.msgSent)
	cm.emap.Set("messages_received", &cm.msgRecv)
	cm.emap.Set("messages_dropped", &cm.msgDropped)
	cm.emap.Set("batches_delivered", &cm.batches)
	cm.emap.Set("send_queue_depth", &cm.queueDepth)
	cm.emap.Set("connects", &cm.connects)
	cm.emap.Set("disconnects", &cm.disconnects)
	cm.emap.Set("transceivers_active", &cm.active)
	return cm
}

// Metrics returns the metrics map shared by all transceivers.
func Metrics() *expvar.Map { return rootMetrics.emap }
