package codec

import "encoding/json"

const jsonName = "json"

// JsonCodec writes human readable snapshots
type JsonCodec struct{}

func NewJsonCodec() *JsonCodec {
	return &JsonCodec{}
}

func (c *JsonCodec) Name() string {
	return jsonName
}

func (c *JsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

var _ Serializer = (*JsonCodec)(nil)
