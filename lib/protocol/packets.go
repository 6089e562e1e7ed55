package protocol

// Header is common to every packet.
type Header struct {
	// Session demultiplexes sessions sharing ports. Zero until the
	// handshake assigns one.
	Session uint64 `msgpack:"sid"`
	// Seq is the sender's sequence number for Data packets and the
	// request id for exchanges.
	Seq uint64 `msgpack:"seq"`
	// Window is the sender's hop window when the packet was sent.
	Window uint64 `msgpack:"win"`
}

// Base carries the fields every packet shares.
type Base struct {
	Hdr Header `msgpack:"hdr"`
	Mac []byte `msgpack:"mac"`
}

func (b *Base) Header() Header     { return b.Hdr }
func (b *Base) SetHeader(h Header) { b.Hdr = h }
func (b *Base) MAC() []byte        { return b.Mac }
func (b *Base) SetMAC(mac []byte)  { b.Mac = mac }

// ConnectRequest opens a session. It is MAC'd with the daily key.
type ConnectRequest struct {
	Base
	Public    []byte `msgpack:"pub"`
	Nonce     []byte `msgpack:"nonce"`
	Timestamp int64  `msgpack:"ts"`
	// ReplyPort is where the initiator waits for the ConnectResponse.
	ReplyPort uint16 `msgpack:"reply"`
}

func (*ConnectRequest) Kind() Kind { return KindConnectRequest }

// ConnectResponse accepts a session. It is MAC'd with the new auth key so
// the initiator learns both sides derived the same keys.
type ConnectResponse struct {
	Base
	Public    []byte `msgpack:"pub"`
	Nonce     []byte `msgpack:"nonce"`
	Timestamp int64  `msgpack:"ts"`
	// Echo is the request timestamp, so the initiator gets a first
	// four-timestamp offset estimate out of the handshake.
	Echo int64 `msgpack:"echo"`
}

func (*ConnectResponse) Kind() Kind { return KindConnectResponse }

// TimeSyncRequest carries T1 of a four-timestamp exchange.
type TimeSyncRequest struct {
	Base
	T1 int64 `msgpack:"t1"`
}

func (*TimeSyncRequest) Kind() Kind { return KindTimeSyncRequest }

// TimeSyncResponse echoes T1 and adds the responder's receive and send times.
type TimeSyncResponse struct {
	Base
	T1 int64 `msgpack:"t1"`
	T2 int64 `msgpack:"t2"`
	T3 int64 `msgpack:"t3"`
}

func (*TimeSyncResponse) Kind() Kind { return KindTimeSyncResponse }

// RepairRequest proposes sequence counters to realign on.
type RepairRequest struct {
	Base
	Nonce []byte `msgpack:"nonce"`
	// NextSend is the sequence number the sender will use next.
	NextSend uint64 `msgpack:"send"`
	// Expect is the next sequence number the sender expects to receive.
	Expect uint64 `msgpack:"expect"`
}

func (*RepairRequest) Kind() Kind { return KindRepairRequest }

// RepairResponse confirms a repair by echoing the request nonce.
type RepairResponse struct {
	Base
	Nonce    []byte `msgpack:"nonce"`
	NextSend uint64 `msgpack:"send"`
	Expect   uint64 `msgpack:"expect"`
}

func (*RepairResponse) Kind() Kind { return KindRepairResponse }

// RekeyRequest starts an ephemeral ECDH rekey. It is MAC'd with the
// current rekey key.
type RekeyRequest struct {
	Base
	Public []byte `msgpack:"pub"`
	Nonce  []byte `msgpack:"nonce"`
	// Effective is the first window hopped with the new parameters.
	Effective uint64 `msgpack:"eff"`
}

func (*RekeyRequest) Kind() Kind { return KindRekeyRequest }

// RekeyResponse completes a rekey. It is MAC'd with the new auth key.
type RekeyResponse struct {
	Base
	Public    []byte `msgpack:"pub"`
	Nonce     []byte `msgpack:"nonce"`
	Effective uint64 `msgpack:"eff"`
}

func (*RekeyResponse) Kind() Kind { return KindRekeyResponse }

// EmergencyRequest asks the peer to enter emergency recovery.
type EmergencyRequest struct {
	Base
	Nonce []byte `msgpack:"nonce"`
}

func (*EmergencyRequest) Kind() Kind { return KindEmergencyRequest }

// EmergencyResponse acknowledges an EmergencyRequest.
type EmergencyResponse struct {
	Base
	Nonce []byte `msgpack:"nonce"`
}

func (*EmergencyResponse) Kind() Kind { return KindEmergencyResponse }

// Data carries application payload.
type Data struct {
	Base
	Payload []byte `msgpack:"data"`
}

func (*Data) Kind() Kind { return KindData }

// Close starts an orderly shutdown.
type Close struct {
	Base
}

func (*Close) Kind() Kind { return KindClose }

// CloseAck acknowledges a Close.
type CloseAck struct {
	Base
}

func (*CloseAck) Kind() Kind { return KindCloseAck }

// Reset answers a packet that is not valid in the receiver's state.
type Reset struct {
	Base
	Reason string `msgpack:"reason"`
}

func (*Reset) Kind() Kind { return KindReset }

// Terminate ends a session that cannot be recovered.
type Terminate struct {
	Base
	Reason string `msgpack:"reason"`
}

func (*Terminate) Kind() Kind { return KindTerminate }
