package codec

import msgpack "github.com/hashicorp/go-msgpack/v2/codec"

const hashicorpName = "msgpack-hashicorp"

// HashicorpMsgpackCodec reads the "codec" struct tag
type HashicorpMsgpackCodec struct {
	handle *msgpack.MsgpackHandle
}

func NewHashicorpMsgpackCodec() *HashicorpMsgpackCodec {
	h := new(msgpack.MsgpackHandle)
	h.RawToString = true
	h.WriteExt = true
	return &HashicorpMsgpackCodec{handle: h}
}

func (c *HashicorpMsgpackCodec) Name() string {
	return hashicorpName
}

func (c *HashicorpMsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	var data []byte

	enc := msgpack.NewEncoderBytes(&data, c.handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *HashicorpMsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoderBytes(data, c.handle)
	return dec.Decode(v)
}

var _ Serializer = (*HashicorpMsgpackCodec)(nil)
