package distribution

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of every slurmsync service: the
// distribution channel and the manager API
const CodecName = "cbor"

var (
	wireEnc cbor.EncMode
	wireDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano // heartbeats and events keep sub-second precision

	var err error
	wireEnc, err = opts.EncMode()
	if err != nil {
		panic("distribution: CBOR encoder initialization failed: " + err.Error())
	}
	wireDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("distribution: CBOR decoder initialization failed: " + err.Error())
	}
	encoding.RegisterCodec(cborCodec{})
}

// cborCodec lets gRPC carry plain Go structs without generated protobuf types
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	data, err := wireEnc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}
	return data, nil
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if err := wireDec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal %T: %w", v, err)
	}
	return nil
}

func (cborCodec) Name() string {
	return CodecName
}
