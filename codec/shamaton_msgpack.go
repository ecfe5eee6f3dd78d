package codec

import shamaton "github.com/shamaton/msgpack/v2"

const shamatonName = "msgpack-shamaton"

type ShamatonMsgpackCodec struct{}

func NewShamatonMsgpackCodec() *ShamatonMsgpackCodec {
	return &ShamatonMsgpackCodec{}
}

func (c *ShamatonMsgpackCodec) Name() string {
	return shamatonName
}

func (c *ShamatonMsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return shamaton.Marshal(v)
}

func (c *ShamatonMsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return shamaton.Unmarshal(data, v)
}

var _ Serializer = (*ShamatonMsgpackCodec)(nil)
