package codec

import vmihailenco "github.com/vmihailenco/msgpack/v5"

const vmihailencoName = "msgpack"

// VmihailencoMsgpackCodec is the default snapshot serializer
type VmihailencoMsgpackCodec struct{}

func NewVmihailencoMsgpackCodec() *VmihailencoMsgpackCodec {
	return &VmihailencoMsgpackCodec{}
}

func (c *VmihailencoMsgpackCodec) Name() string {
	return vmihailencoName
}

func (c *VmihailencoMsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return vmihailenco.Marshal(v)
}

func (c *VmihailencoMsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return vmihailenco.Unmarshal(data, v)
}

var _ Serializer = (*VmihailencoMsgpackCodec)(nil)
