package hw

import "github.com/slackhq/nicplane/dma"

// RxBD posts one receive buffer to the device.
type RxBD struct {
	Addr dma.Addr
}

// SGE posts one scatter-gather page for aggregated payload.
type SGE struct {
	Addr dma.Addr
}

// TxBDKind distinguishes the slots of a transmit chain.
type TxBDKind uint8

const (
	TxBDStart TxBDKind = iota + 1
	TxBDParse
	TxBDData
)

// TxBDFlag is a bit in the start descriptor flags.
type TxBDFlag uint16

const (
	TxFlagStart TxBDFlag = 1 << iota
	TxFlagIPCsum
	TxFlagL4Csum
	TxFlagIPv6
	TxFlagUDP
	TxFlagSWLSO
	TxFlagVLAN
)

// MACType is the destination address class of a transmitted frame.
type MACType uint8

const (
	Unicast MACType = iota
	Multicast
	Broadcast
)

// TxBD is one slot of a transmit chain. Which fields are meaningful depends
// on Kind: a start slot uses Addr, Nbytes, Flags, Nbd, VlanOrProd, MACType
// and HdrNbds; a parse slot uses Parse; a data slot uses Addr, Nbytes and,
// on the first data slot only, TotalPktBytes.
type TxBD struct {
	Kind TxBDKind

	Addr   dma.Addr
	Nbytes uint16

	Flags      TxBDFlag
	Nbd        uint16
	VlanOrProd uint16
	MACType    MACType
	HdrNbds    uint8

	TotalPktBytes uint16

	Parse ParseData
}

// GlobalData bits of the v1 parse descriptor.
const (
	// ParseV1HlenMask holds the Ethernet header length in words.
	ParseV1HlenMask = 0x3f
	// ParseV1LLCSnap is set when the frame carries an 802.1Q tag.
	ParseV1LLCSnap = 1 << 6
	// ParseV1PseudoCsumNoLen tells the device the pseudo checksum excludes
	// the length, which it adds per segment.
	ParseV1PseudoCsumNoLen = 1 << 7
)

// ParsingData fields of the v2 parse descriptor.
const (
	ParseV2TCPStartShift = 0
	ParseV2TCPStartMask  = 0x7ff
	ParseV2TCPLenShift   = 11
	ParseV2TCPLenMask    = 0xf << ParseV2TCPLenShift
	ParseV2MSSShift      = 16
	ParseV2MSSMask       = 0x3fff << ParseV2MSSShift
	ParseV2IPv6ExtHdr    = 1 << 31
)

// ParseData is the offload metadata slot of a transmit chain. V1 devices use
// GlobalData through TCPPseudoCsum, v2 devices use ParsingData and virtio
// devices use NetHdr.
type ParseData struct {
	GlobalData    uint8
	IPHlenW       uint8
	TotalHlenW    uint16
	TCPFlags      uint8
	IPID          uint16
	LSOMss        uint16
	TCPSendSeq    uint32
	TCPPseudoCsum uint16

	ParsingData uint32

	NetHdr [12]byte
}
