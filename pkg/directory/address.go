package directory

import "fmt"

// AddressKind discriminates the routable address forms.
type AddressKind int

// Address kinds, mirroring the protocol's input-peer variants.
const (
	AddressUser AddressKind = iota
	AddressChat
	AddressChannel
)

// zeroChannelID is the marker base channel ids are folded under in the
// directory's signed peer-id namespace.
const zeroChannelID = -1_000_000_000_000

// Address is the routable form of a directory entry, constructed from
// (peer id, access hash, type). It is what the protocol client feeds
// into outgoing requests.
type Address struct {
	Kind       AddressKind
	ID         int64
	AccessHash int64
}

// AddressFor builds the routable address for a peer. Users and bots
// route by id plus access hash, basic groups by negated chat id, and
// channels and supergroups by the bare channel id folded out of the
// marker namespace.
func AddressFor(peerID, accessHash int64, t PeerType) (Address, error) {
	switch t {
	case PeerTypeUser, PeerTypeBot:
		return Address{Kind: AddressUser, ID: peerID, AccessHash: accessHash}, nil
	case PeerTypeGroup:
		return Address{Kind: AddressChat, ID: -peerID}, nil
	case PeerTypeChannel, PeerTypeSupergroup:
		return Address{Kind: AddressChannel, ID: zeroChannelID - peerID, AccessHash: accessHash}, nil
	default:
		return Address{}, fmt.Errorf("invalid peer type: %q", t)
	}
}

func (a Address) String() string {
	switch a.Kind {
	case AddressChat:
		return fmt.Sprintf("chat:%d", a.ID)
	case AddressChannel:
		return fmt.Sprintf("channel:%d", a.ID)
	default:
		return fmt.Sprintf("user:%d", a.ID)
	}
}
