package main

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// ProbeTracer collects connection phase timestamps for a single probe.
// Callbacks may fire from transport goroutines, hence the lock.
type ProbeTracer struct {
	sync.Mutex
	getConn           time.Time
	dnsStart          time.Time
	dnsDone           time.Time
	connectStart      time.Time
	connectDone       time.Time
	tlsHandshakeStart time.Time
	tlsHandshakeDone  time.Time
	gotConn           time.Time
	firstByte         time.Time
}

type ProbeTimings struct {
	DNSLookupMs    int64 `json:"dns_lookup_ms"`
	ConnectMs      int64 `json:"connect_ms"`
	TLSHandshakeMs int64 `json:"tls_handshake_ms"`
	FirstByteMs    int64 `json:"first_byte_ms"`
}

func NewProbeTracer() *ProbeTracer {
	return &ProbeTracer{}
}

func (pt *ProbeTracer) mark(field *time.Time) {
	pt.Lock()
	*field = time.Now()
	pt.Unlock()
}

func (pt *ProbeTracer) ClientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn:              func(string) { pt.mark(&pt.getConn) },
		DNSStart:             func(httptrace.DNSStartInfo) { pt.mark(&pt.dnsStart) },
		DNSDone:              func(httptrace.DNSDoneInfo) { pt.mark(&pt.dnsDone) },
		ConnectStart:         func(string, string) { pt.mark(&pt.connectStart) },
		ConnectDone:          func(string, string, error) { pt.mark(&pt.connectDone) },
		TLSHandshakeStart:    func() { pt.mark(&pt.tlsHandshakeStart) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { pt.mark(&pt.tlsHandshakeDone) },
		GotConn:              func(httptrace.GotConnInfo) { pt.mark(&pt.gotConn) },
		GotFirstResponseByte: func() { pt.mark(&pt.firstByte) },
	}
}

func between(start, end time.Time) int64 {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start).Milliseconds()
}

// Timings returns the phase durations observed so far. Phases that did not
// happen (reused connection, plain HTTP) are reported as zero.
func (pt *ProbeTracer) Timings() ProbeTimings {
	pt.Lock()
	defer pt.Unlock()

	return ProbeTimings{
		DNSLookupMs:    between(pt.dnsStart, pt.dnsDone),
		ConnectMs:      between(pt.connectStart, pt.connectDone),
		TLSHandshakeMs: between(pt.tlsHandshakeStart, pt.tlsHandshakeDone),
		FirstByteMs:    between(pt.gotConn, pt.firstByte),
	}
}
