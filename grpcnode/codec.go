package grpcnode

import (
	"fmt"

	"github.com/joeycumines/go-kvpipe/kv"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Name is the content-subtype of the codec, registered on init.
const Name = `kvpipe`

type (
	// Codec implements encoding.Codec, for the messages of this package, in
	// the protobuf wire format.
	//
	//	message Key { string namespace = 1; string set = 2; int64 id = 3; }
	//	message Bin { string name = 1; int64 value = 2; }
	//	message PutRequest { Key key = 1; repeated Bin bins = 2; }
	//	message PutResponse { int64 code = 1; string message = 2; }
	//	message BatchGetRequest { repeated Key keys = 1; }
	//	message Record { int64 result = 1; repeated Bin bins = 2; int64 code = 3; string message = 4; }
	//	message BatchGetResponse { repeated Record records = 1; }
	Codec struct{}

	PutRequest struct {
		Key  kv.Key
		Bins []kv.Bin
	}

	// PutResponse carries a protocol error, if Code is non-zero.
	PutResponse struct {
		Message string
		Code    int64
	}

	BatchGetRequest struct {
		Keys []kv.Key
	}

	BatchGetResponse struct {
		Records []Record
	}

	// Record is the per-key result of a batch get. Code and Message are
	// set if Result is kv.ResultError.
	Record struct {
		Message string
		Bins    []kv.Bin
		Result  int64
		Code    int64
	}
)

var _ encoding.Codec = Codec{}

func init() {
	encoding.RegisterCodec(Codec{})
}

// Name implements encoding.Codec.
func (Codec) Name() string { return Name }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *PutRequest:
		var b []byte
		b = appendMessage(b, 1, appendKey(nil, m.Key))
		for _, bin := range m.Bins {
			b = appendMessage(b, 2, appendBin(nil, bin))
		}
		return b, nil
	case *PutResponse:
		var b []byte
		b = appendVarint(b, 1, m.Code)
		b = appendString(b, 2, m.Message)
		return b, nil
	case *BatchGetRequest:
		var b []byte
		for _, key := range m.Keys {
			b = appendMessage(b, 1, appendKey(nil, key))
		}
		return b, nil
	case *BatchGetResponse:
		var b []byte
		for _, r := range m.Records {
			b = appendMessage(b, 1, appendRecord(nil, r))
		}
		return b, nil
	default:
		return nil, fmt.Errorf(`grpcnode: cannot marshal %T`, v)
	}
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *PutRequest:
		*m = PutRequest{}
		return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.BytesType:
				return consumeMessage(b, func(b []byte) error { return unmarshalKey(b, &m.Key) })
			case num == 2 && typ == protowire.BytesType:
				return consumeMessage(b, func(b []byte) error {
					var bin kv.Bin
					err := unmarshalBin(b, &bin)
					m.Bins = append(m.Bins, bin)
					return err
				})
			}
			return skip(num, typ, b)
		})
	case *PutResponse:
		*m = PutResponse{}
		return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.VarintType:
				return consumeVarint(b, &m.Code)
			case num == 2 && typ == protowire.BytesType:
				return consumeString(b, &m.Message)
			}
			return skip(num, typ, b)
		})
	case *BatchGetRequest:
		*m = BatchGetRequest{}
		return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 && typ == protowire.BytesType {
				return consumeMessage(b, func(b []byte) error {
					var key kv.Key
					err := unmarshalKey(b, &key)
					m.Keys = append(m.Keys, key)
					return err
				})
			}
			return skip(num, typ, b)
		})
	case *BatchGetResponse:
		*m = BatchGetResponse{}
		return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 && typ == protowire.BytesType {
				return consumeMessage(b, func(b []byte) error {
					var r Record
					err := unmarshalRecord(b, &r)
					m.Records = append(m.Records, r)
					return err
				})
			}
			return skip(num, typ, b)
		})
	default:
		return fmt.Errorf(`grpcnode: cannot unmarshal %T`, v)
	}
}

func appendKey(b []byte, key kv.Key) []byte {
	b = appendString(b, 1, key.Namespace)
	b = appendString(b, 2, key.Set)
	b = appendVarint(b, 3, key.ID)
	return b
}

func appendBin(b []byte, bin kv.Bin) []byte {
	b = appendString(b, 1, bin.Name)
	b = appendVarint(b, 2, bin.Value)
	return b
}

func appendRecord(b []byte, r Record) []byte {
	b = appendVarint(b, 1, r.Result)
	for _, bin := range r.Bins {
		b = appendMessage(b, 2, appendBin(nil, bin))
	}
	b = appendVarint(b, 3, r.Code)
	b = appendString(b, 4, r.Message)
	return b
}

func unmarshalKey(data []byte, key *kv.Key) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &key.Namespace)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &key.Set)
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(b, &key.ID)
		}
		return skip(num, typ, b)
	})
}

func unmarshalBin(data []byte, bin *kv.Bin) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &bin.Name)
		case num == 2 && typ == protowire.VarintType:
			return consumeVarint(b, &bin.Value)
		}
		return skip(num, typ, b)
	})
}

func unmarshalRecord(data []byte, r *Record) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(b, &r.Result)
		case num == 2 && typ == protowire.BytesType:
			return consumeMessage(b, func(b []byte) error {
				var bin kv.Bin
				err := unmarshalBin(b, &bin)
				r.Bins = append(r.Bins, bin)
				return err
			})
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(b, &r.Code)
		case num == 4 && typ == protowire.BytesType:
			return consumeString(b, &r.Message)
		}
		return skip(num, typ, b)
	})
}

// zero values are omitted, as proto3 does

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == `` {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func consumeFields(data []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf(`grpcnode: %w`, protowire.ParseError(n))
		}
		data = data[n:]
		n, err := field(num, typ, data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func consumeVarint(b []byte, v *int64) (int, error) {
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf(`grpcnode: %w`, protowire.ParseError(n))
	}
	*v = int64(x)
	return n, nil
}

func consumeString(b []byte, v *string) (int, error) {
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, fmt.Errorf(`grpcnode: %w`, protowire.ParseError(n))
	}
	*v = s
	return n, nil
}

func consumeMessage(b []byte, fn func([]byte) error) (int, error) {
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, fmt.Errorf(`grpcnode: %w`, protowire.ParseError(n))
	}
	return n, fn(msg)
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf(`grpcnode: %w`, protowire.ParseError(n))
	}
	return n, nil
}
