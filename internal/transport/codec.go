package transport

import "fmt"

const codecName = "areastate"

// Ack is the empty reply to Deliver.
type Ack struct{}

// codec frames Envelope and Ack for gRPC without generated protobuf types.
type codec struct{}

func (codec) Name() string { return codecName }

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Envelope:
		return m.Marshal(), nil
	case *Ack:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("codec: cannot marshal %T", v)
	}
}

func (codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Envelope:
		env, err := UnmarshalEnvelope(data)
		if err != nil {
			return err
		}
		*m = *env
		return nil
	case *Ack:
		return nil
	default:
		return fmt.Errorf("codec: cannot unmarshal into %T", v)
	}
}
