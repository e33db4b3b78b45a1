// Package discovery implements the SOOD UDP multicast/broadcast
// service-discovery protocol used to locate Cores on the local network
// (spec §4.3).
package discovery

import (
	"encoding/binary"
)

const (
	// Port is the UDP port SOOD queries and responses are exchanged on.
	Port = 9003
	// MulticastGroup is the SOOD multicast address.
	MulticastGroup = "239.255.90.90"

	magic = "SOOD"

	// ProtocolVersion is the one byte following the magic.
	ProtocolVersion byte = 0x02

	typeQuery    byte = 'Q'
	typeResponse byte = 'R'

	// nullValueLength is the sentinel value-length that encodes a
	// present-but-null property value.
	nullValueLength = 0xFFFF
)

// QueryServiceID is the fixed service UUID the client queries for.
const QueryServiceID = "00720724-5143-4a9b-abac-0e50cba674bb"

// Properties is a SOOD property map. A nil entry means the property's
// name was present with no value (the 0xFFFF sentinel).
type Properties map[string]*string

// Get returns the value for name, or "" with ok=false if absent or null.
func (p Properties) Get(name string) (string, bool) {
	v, exists := p[name]
	if !exists || v == nil {
		return "", false
	}
	return *v, true
}

func strPtr(s string) *string { return &s }

// EncodeQuery builds a SOOD query frame carrying _tid and
// query_service_id (spec §4.3 "Query contents").
func EncodeQuery(tid string) []byte {
	return encode(typeQuery, Properties{
		"_tid":             strPtr(tid),
		"query_service_id": strPtr(QueryServiceID),
	})
}

func encode(msgType byte, props Properties) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(magic)...)
	buf = append(buf, ProtocolVersion, msgType)

	for name, value := range props {
		buf = append(buf, byte(len(name)))
		buf = append(buf, []byte(name)...)

		if value == nil {
			buf = append(buf, 0xFF, 0xFF)
			continue
		}
		vb := []byte(*value)
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(vb)))
		buf = append(buf, lenBuf...)
		buf = append(buf, vb...)
	}

	return buf
}

// Decode parses a SOOD frame. It range-checks every length prefix
// against the remaining buffer and returns ok=false on any truncation
// or malformed magic/version, never a partial property map (spec §4.3
// "Robustness").
func Decode(buf []byte) (msgType byte, props Properties, ok bool) {
	if len(buf) < 6 {
		return 0, nil, false
	}
	if string(buf[:4]) != magic {
		return 0, nil, false
	}
	if buf[4] != ProtocolVersion {
		return 0, nil, false
	}
	msgType = buf[5]
	if msgType != typeQuery && msgType != typeResponse {
		return 0, nil, false
	}

	props = make(Properties)
	offset := 6

	for offset < len(buf) {
		nameLen := int(buf[offset])
		offset++
		if nameLen == 0 {
			return 0, nil, false
		}
		if offset+nameLen > len(buf) {
			return 0, nil, false
		}
		name := string(buf[offset : offset+nameLen])
		offset += nameLen

		if offset+2 > len(buf) {
			return 0, nil, false
		}
		valueLen := binary.BigEndian.Uint16(buf[offset : offset+2])
		offset += 2

		if valueLen == nullValueLength {
			props[name] = nil
			continue
		}
		if offset+int(valueLen) > len(buf) {
			return 0, nil, false
		}
		value := string(buf[offset : offset+int(valueLen)])
		offset += int(valueLen)
		props[name] = strPtr(value)
	}

	return msgType, props, true
}
