package protocol

import "fmt"

// Kind identifies a packet type on the wire.
type Kind uint8

const (
	KindConnectRequest Kind = iota + 1
	KindConnectResponse
	KindTimeSyncRequest
	KindTimeSyncResponse
	KindRepairRequest
	KindRepairResponse
	KindRekeyRequest
	KindRekeyResponse
	KindEmergencyRequest
	KindEmergencyResponse
	KindData
	KindClose
	KindCloseAck
	KindReset
	KindTerminate
)

var kindNames = map[Kind]string{
	KindConnectRequest:    "CONNECT_REQUEST",
	KindConnectResponse:   "CONNECT_RESPONSE",
	KindTimeSyncRequest:   "TIME_SYNC_REQUEST",
	KindTimeSyncResponse:  "TIME_SYNC_RESPONSE",
	KindRepairRequest:     "REPAIR_REQUEST",
	KindRepairResponse:    "REPAIR_RESPONSE",
	KindRekeyRequest:      "REKEY_REQUEST",
	KindRekeyResponse:     "REKEY_RESPONSE",
	KindEmergencyRequest:  "EMERGENCY_REQUEST",
	KindEmergencyResponse: "EMERGENCY_RESPONSE",
	KindData:              "DATA",
	KindClose:             "CLOSE",
	KindCloseAck:          "CLOSE_ACK",
	KindReset:             "RESET",
	KindTerminate:         "TERMINATE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// newPacket returns an empty packet for k.
func newPacket(k Kind) Packet {
	switch k {
	case KindConnectRequest:
		return &ConnectRequest{}
	case KindConnectResponse:
		return &ConnectResponse{}
	case KindTimeSyncRequest:
		return &TimeSyncRequest{}
	case KindTimeSyncResponse:
		return &TimeSyncResponse{}
	case KindRepairRequest:
		return &RepairRequest{}
	case KindRepairResponse:
		return &RepairResponse{}
	case KindRekeyRequest:
		return &RekeyRequest{}
	case KindRekeyResponse:
		return &RekeyResponse{}
	case KindEmergencyRequest:
		return &EmergencyRequest{}
	case KindEmergencyResponse:
		return &EmergencyResponse{}
	case KindData:
		return &Data{}
	case KindClose:
		return &Close{}
	case KindCloseAck:
		return &CloseAck{}
	case KindReset:
		return &Reset{}
	case KindTerminate:
		return &Terminate{}
	}
	return nil
}
