// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import "expvar"

// endpointMetrics record endpoint activity counters.
type endpointMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	callIn        expvar.Int // number of inbound calls received
	callInErr     expvar.Int // number of inbound calls reporting an error
	callOut       expvar.Int // number of outbound calls initiated
	callOutErr    expvar.Int // number of outbound calls rejected
	callTimeout   expvar.Int // number of outbound calls that timed out
	cancelIn      expvar.Int // number of cancellations received
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound
	eventIn       expvar.Int // number of events received
	eventOut      expvar.Int // number of events sent
	eventErr      expvar.Int // number of event listeners that panicked

	emap *expvar.Map
}

var rootMetrics = newEndpointMetrics()

func newEndpointMetrics() *endpointMetrics {
	m := &endpointMetrics{emap: new(expvar.Map)}
	m.emap.Set("packets_received", &m.packetRecv)
	m.emap.Set("packets_sent", &m.packetSent)
	m.emap.Set("packets_dropped", &m.packetDropped)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_timed_out", &m.callTimeout)
	m.emap.Set("cancels_in", &m.cancelIn)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("events_in", &m.eventIn)
	m.emap.Set("events_out", &m.eventOut)
	m.emap.Set("events_failed", &m.eventErr)
	return m
}
