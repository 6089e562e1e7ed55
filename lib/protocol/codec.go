package protocol

import (
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrShortPacket  = oops.New("packet too short")
	ErrUnknownKind  = oops.New("unknown packet kind")
	ErrMACMismatch  = oops.New("packet MAC verification failed")
	ErrUnauthorized = oops.New("packet carries no MAC")
)

// Packet is implemented by every packet type.
type Packet interface {
	Kind() Kind
	Header() Header
	SetHeader(Header)
	MAC() []byte
	SetMAC([]byte)
}

// Signer computes and checks MACs. crypto.Provider satisfies it.
type Signer interface {
	Sign(key, msg []byte) []byte
	Verify(key, msg, mac []byte) bool
}

// Encode returns the wire form of p.
func Encode(p Packet) ([]byte, error) {
	body, err := msgpack.Marshal(p)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to encode %s", p.Kind())
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(p.Kind()))
	return append(out, body...), nil
}

// Decode parses a wire packet.
func Decode(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, ErrShortPacket
	}
	kind := Kind(b[0])
	p := newPacket(kind)
	if p == nil {
		log.WithFields(logger.Fields{
			"at":   "Decode",
			"kind": uint8(kind),
		}).Debug("dropping packet of unknown kind")
		return nil, oops.Wrapf(ErrUnknownKind, "kind %d", uint8(kind))
	}
	if err := msgpack.Unmarshal(b[1:], p); err != nil {
		return nil, oops.Wrapf(err, "failed to decode %s", kind)
	}
	return p, nil
}

// transcript is the encoding of p with its MAC cleared.
func transcript(p Packet) ([]byte, error) {
	mac := p.MAC()
	p.SetMAC(nil)
	defer p.SetMAC(mac)
	return Encode(p)
}

// Sign sets the MAC of p under key.
func Sign(p Packet, key []byte, s Signer) error {
	msg, err := transcript(p)
	if err != nil {
		return err
	}
	p.SetMAC(s.Sign(key, msg))
	return nil
}

// Verify checks the MAC of p under key.
func Verify(p Packet, key []byte, s Signer) error {
	if len(p.MAC()) == 0 {
		return ErrUnauthorized
	}
	msg, err := transcript(p)
	if err != nil {
		return err
	}
	if !s.Verify(key, msg, p.MAC()) {
		return oops.Wrapf(ErrMACMismatch, "%s seq %d", p.Kind(), p.Header().Seq)
	}
	return nil
}
