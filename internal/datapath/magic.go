package datapath

import "bytes"

// pingString identifies a keep-alive packet. See ping.c in OpenVPN.
var pingString = []byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

// occMagic starts every OCC message. See occ.c in OpenVPN.
var occMagic = []byte{
	0x28, 0x7f, 0x34, 0x6b, 0xd4, 0xef, 0x7a, 0x81,
	0x2d, 0x56, 0xb8, 0xd3, 0xaf, 0xc5, 0x45, 0x9c,
}

// occExit is the OCC opcode telling the peer we are going away.
const occExit = 0x06

// IsPing returns whether payload is the keep-alive signature.
func IsPing(payload []byte) bool {
	return bytes.Equal(payload, pingString)
}

// PingPayload returns a copy of the keep-alive signature.
func PingPayload() []byte {
	return bytes.Clone(pingString)
}

// IsExitNotification returns whether payload is an OCC exit message.
func IsExitNotification(payload []byte) bool {
	return len(payload) == len(occMagic)+1 &&
		bytes.Equal(payload[:len(occMagic)], occMagic) &&
		payload[len(occMagic)] == occExit
}

// ExitNotificationPayload returns the OCC exit message.
func ExitNotificationPayload() []byte {
	out := make([]byte, 0, len(occMagic)+1)
	out = append(out, occMagic...)
	return append(out, occExit)
}
