package codec

import "fmt"

// Serializer turns cache snapshots into bytes and back
type Serializer interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// ByName returns the serializer registered under name, as written in snapshot headers
func ByName(name string) (Serializer, error) {
	switch name {
	case jsonName:
		return NewJsonCodec(), nil
	case vmihailencoName:
		return NewVmihailencoMsgpackCodec(), nil
	case shamatonName:
		return NewShamatonMsgpackCodec(), nil
	case hashicorpName:
		return NewHashicorpMsgpackCodec(), nil
	}
	return nil, fmt.Errorf("codec: unknown serializer %q", name)
}
