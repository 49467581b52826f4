package transport

import "encoding/base64"

// Status is the transport's object description, as reported to callers of
// the control channel's dump request.
type Status struct {
	ID      string    `json:"id"`
	RTX     bool      `json:"rtx"`
	SRTPKey string    `json:"srtpKey,omitempty"`
	Tuple   TupleInfo `json:"tuple"`
}

// Stats is the transport's stats entry.
type Stats struct {
	Type          string    `json:"type"`
	TransportID   string    `json:"transportId"`
	BytesSent     uint64    `json:"bytesSent"`
	BytesReceived uint64    `json:"bytesReceived"`
	Tuple         TupleInfo `json:"tuple"`
}

// localTupleInfo synthesizes the pre-connect tuple from the bound socket,
// with the announced IP substituted when configured.
func (t *PipeTransport) localTupleInfo() TupleInfo {
	localIP := t.socket.LocalIP().String()
	if t.announcedIP != "" {
		localIP = t.announcedIP
	}
	return TupleInfo{
		LocalIP:   localIP,
		LocalPort: t.socket.LocalPort(),
		Protocol:  "udp",
	}
}

// Dump describes the transport. The SRTP key is included only when
// protection is enabled, encoded as base64.
func (t *PipeTransport) Dump() Status {
	t.mu.Lock()
	tuple := t.tuple
	t.mu.Unlock()

	info := t.localTupleInfo()
	if tuple != nil {
		info = tuple.Info()
	}

	st := Status{ID: t.id, RTX: t.rtx, Tuple: info}
	if t.srtpKey != nil {
		st.SRTPKey = base64.StdEncoding.EncodeToString(t.srtpKey)
	}
	return st
}

// Stats reports cumulative byte counters and the current (or synthesized)
// tuple.
func (t *PipeTransport) Stats() Stats {
	t.mu.Lock()
	tuple := t.tuple
	t.mu.Unlock()

	info := t.localTupleInfo()
	if tuple != nil {
		info = tuple.Info()
	}

	return Stats{
		Type:          "pipe-transport",
		TransportID:   t.id,
		BytesSent:     t.bytesSent.Load(),
		BytesReceived: t.bytesReceived.Load(),
		Tuple:         info,
	}
}
