package nodeaddr

import (
	"github.com/multiformats/go-varint"
)

// Node pairs a node identity with the address it can be reached at
type Node[I Id[I], A NodeAddress[A]] struct {
	ID      I
	Address A
}

// NewNode creates a node from an id and address
func NewNode[I Id[I], A NodeAddress[A]](id I, addr A) Node[I, A] {
	return Node[I, A]{ID: id, Address: addr}
}

func (n Node[I, A]) String() string {
	return n.ID.String() + "(" + n.Address.String() + ")"
}

// Compare orders nodes by id, then by address
func (n Node[I, A]) Compare(other Node[I, A]) int {
	if c := n.ID.Compare(other.ID); c != 0 {
		return c
	}
	return n.Address.Compare(other.Address)
}

func (n Node[I, A]) Equal(other Node[I, A]) bool {
	return n.ID == other.ID && n.Address.Equal(other.Address)
}

// WithAddress returns a copy of the node at a new address
func (n Node[I, A]) WithAddress(addr A) Node[I, A] {
	n.Address = addr
	return n
}

// MapAddress converts a node to one using a different address type
func MapAddress[I Id[I], A NodeAddress[A], B NodeAddress[B]](n Node[I, A], fn func(A) B) Node[I, B] {
	return Node[I, B]{ID: n.ID, Address: fn(n.Address)}
}

// EncodedLen is [uvarint id length][id][uvarint address length][address]
func (n Node[I, A]) EncodedLen() int {
	idLen := n.ID.EncodedLen()
	addrLen := n.Address.EncodedLen()
	return varint.UvarintSize(uint64(idLen)) + idLen + varint.UvarintSize(uint64(addrLen)) + addrLen
}

func (n Node[I, A]) Encode(dst []byte) (int, error) {
	need := n.EncodedLen()
	if len(dst) < need {
		return 0, bufferTooSmall("node", need, len(dst))
	}

	off := varint.PutUvarint(dst, uint64(n.ID.EncodedLen()))
	w, err := n.ID.Encode(dst[off:])
	if err != nil {
		return 0, err
	}
	off += w

	off += varint.PutUvarint(dst[off:], uint64(n.Address.EncodedLen()))
	w, err = n.Address.Encode(dst[off:])
	if err != nil {
		return 0, err
	}
	return off + w, nil
}

// DecodeNode reads a node written by Node.Encode
func DecodeNode[I Id[I], A NodeAddress[A], PI interface {
	*I
	Decodable
}, PA interface {
	*A
	Decodable
}](src []byte) (Node[I, A], int, error) {
	var n Node[I, A]

	idBytes, off, err := readVarintFrame("node id", src)
	if err != nil {
		return n, 0, err
	}
	used, err := PI(&n.ID).Decode(idBytes)
	if err != nil {
		return n, 0, err
	}
	if used != len(idBytes) {
		return n, 0, corrupted("node", "trailing bytes after id")
	}

	addrBytes, m, err := readVarintFrame("node address", src[off:])
	if err != nil {
		return n, 0, err
	}
	used, err = PA(&n.Address).Decode(addrBytes)
	if err != nil {
		return n, 0, err
	}
	if used != len(addrBytes) {
		return n, 0, corrupted("node", "trailing bytes after address")
	}

	return n, off + m, nil
}

func readVarintFrame(typ string, src []byte) ([]byte, int, error) {
	size, n, err := varint.FromUvarint(src)
	if err != nil {
		return nil, 0, corrupted(typ, err.Error())
	}
	if size > uint64(len(src)-n) {
		return nil, 0, corrupted(typ, "truncated")
	}
	end := n + int(size)
	return src[n:end], end, nil
}
