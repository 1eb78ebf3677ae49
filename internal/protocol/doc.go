// Package protocol owns the hub wire contract.
//
// Ownership boundary:
// - fixed 32-byte big-endian message header
// - format-described payload serialization
// - pack/unpack of whole frames bounded by MTU
// - fault taxonomy shared by the transport and endpoint layers
//
// Header layout (offsets in bytes):
//
//	 0  label        uint64
//	 8  source       uint64
//	16  destination  uint64
//	24  length       uint16  header + payload + signature, always derived
//	26  sequence     uint16
//	28  session      uint8
//	29  command      uint8
//	30  qualifier    uint8
//	31  status       uint8
//
// A frame's length must lie in [HeaderSize, MTU]. Zero is a framing fault; a
// frame of exactly HeaderSize bytes is a valid empty-payload message.
package protocol
