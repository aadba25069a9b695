package rpc

import (
	"context"

	"github.com/apache/thrift/lib/go/thrift"
)

// Struct is a thrift struct with hand-written serialisation. Request and
// response types of a service implement it.
type Struct interface {
	Write(ctx context.Context, p thrift.TProtocol) error
	Read(ctx context.Context, p thrift.TProtocol) error
}

// Writer accumulates the first error of a sequence of writes so struct
// encoders read as a flat list of fields.
type Writer struct {
	ctx context.Context
	p   thrift.TProtocol
	err error
}

// NewWriter starts writing to p.
func NewWriter(ctx context.Context, p thrift.TProtocol) *Writer {
	return &Writer{ctx: ctx, p: p}
}

// Err returns the first error encountered.
func (w *Writer) Err() error { return w.err }

func (w *Writer) do(fn func() error) {
	if w.err == nil {
		w.err = fn()
	}
}

// Begin opens a struct.
func (w *Writer) Begin(name string) *Writer {
	w.do(func() error { return w.p.WriteStructBegin(w.ctx, name) })
	return w
}

// End writes the stop field and closes the struct.
func (w *Writer) End() error {
	w.do(func() error { return w.p.WriteFieldStop(w.ctx) })
	w.do(func() error { return w.p.WriteStructEnd(w.ctx) })
	return w.err
}

func (w *Writer) field(name string, t thrift.TType, id int16, body func() error) *Writer {
	w.do(func() error { return w.p.WriteFieldBegin(w.ctx, name, t, id) })
	w.do(body)
	w.do(func() error { return w.p.WriteFieldEnd(w.ctx) })
	return w
}

func (w *Writer) Bool(name string, id int16, v bool) *Writer {
	return w.field(name, thrift.BOOL, id, func() error { return w.p.WriteBool(w.ctx, v) })
}

func (w *Writer) I32(name string, id int16, v int32) *Writer {
	return w.field(name, thrift.I32, id, func() error { return w.p.WriteI32(w.ctx, v) })
}

func (w *Writer) I64(name string, id int16, v int64) *Writer {
	return w.field(name, thrift.I64, id, func() error { return w.p.WriteI64(w.ctx, v) })
}

func (w *Writer) String(name string, id int16, v string) *Writer {
	return w.field(name, thrift.STRING, id, func() error { return w.p.WriteString(w.ctx, v) })
}

func (w *Writer) Binary(name string, id int16, v []byte) *Writer {
	return w.field(name, thrift.STRING, id, func() error { return w.p.WriteBinary(w.ctx, v) })
}

// StringMap writes a map<string,string> field.
func (w *Writer) StringMap(name string, id int16, m map[string]string) *Writer {
	return w.field(name, thrift.MAP, id, func() error {
		if err := w.p.WriteMapBegin(w.ctx, thrift.STRING, thrift.STRING, len(m)); err != nil {
			return err
		}
		for k, v := range m {
			if err := w.p.WriteString(w.ctx, k); err != nil {
				return err
			}
			if err := w.p.WriteString(w.ctx, v); err != nil {
				return err
			}
		}
		return w.p.WriteMapEnd(w.ctx)
	})
}

// StringI32Map writes a map<string,i32> field.
func (w *Writer) StringI32Map(name string, id int16, m map[string]int32) *Writer {
	return w.field(name, thrift.MAP, id, func() error {
		if err := w.p.WriteMapBegin(w.ctx, thrift.STRING, thrift.I32, len(m)); err != nil {
			return err
		}
		for k, v := range m {
			if err := w.p.WriteString(w.ctx, k); err != nil {
				return err
			}
			if err := w.p.WriteI32(w.ctx, v); err != nil {
				return err
			}
		}
		return w.p.WriteMapEnd(w.ctx)
	})
}

// Strings writes a list<string> field.
func (w *Writer) Strings(name string, id int16, vs []string) *Writer {
	return w.field(name, thrift.LIST, id, func() error { return writeStringList(w.ctx, w.p, vs) })
}

// StringLists writes a list<list<string>> field.
func (w *Writer) StringLists(name string, id int16, vss [][]string) *Writer {
	return w.field(name, thrift.LIST, id, func() error {
		if err := w.p.WriteListBegin(w.ctx, thrift.LIST, len(vss)); err != nil {
			return err
		}
		for _, vs := range vss {
			if err := writeStringList(w.ctx, w.p, vs); err != nil {
				return err
			}
		}
		return w.p.WriteListEnd(w.ctx)
	})
}

// Binaries writes a list<binary> field.
func (w *Writer) Binaries(name string, id int16, vs [][]byte) *Writer {
	return w.field(name, thrift.LIST, id, func() error {
		if err := w.p.WriteListBegin(w.ctx, thrift.STRING, len(vs)); err != nil {
			return err
		}
		for _, v := range vs {
			if err := w.p.WriteBinary(w.ctx, v); err != nil {
				return err
			}
		}
		return w.p.WriteListEnd(w.ctx)
	})
}

// I64s writes a list<i64> field.
func (w *Writer) I64s(name string, id int16, vs []int64) *Writer {
	return w.field(name, thrift.LIST, id, func() error {
		if err := w.p.WriteListBegin(w.ctx, thrift.I64, len(vs)); err != nil {
			return err
		}
		for _, v := range vs {
			if err := w.p.WriteI64(w.ctx, v); err != nil {
				return err
			}
		}
		return w.p.WriteListEnd(w.ctx)
	})
}

// Struct writes a nested struct field.
func (w *Writer) Struct(name string, id int16, s Struct) *Writer {
	return w.field(name, thrift.STRUCT, id, func() error { return s.Write(w.ctx, w.p) })
}

// Structs writes a list of structs.
func Structs[T Struct](w *Writer, name string, id int16, vs []T) *Writer {
	return w.field(name, thrift.LIST, id, func() error {
		if err := w.p.WriteListBegin(w.ctx, thrift.STRUCT, len(vs)); err != nil {
			return err
		}
		for _, v := range vs {
			if err := v.Write(w.ctx, w.p); err != nil {
				return err
			}
		}
		return w.p.WriteListEnd(w.ctx)
	})
}

func writeStringList(ctx context.Context, p thrift.TProtocol, vs []string) error {
	if err := p.WriteListBegin(ctx, thrift.STRING, len(vs)); err != nil {
		return err
	}
	for _, v := range vs {
		if err := p.WriteString(ctx, v); err != nil {
			return err
		}
	}
	return p.WriteListEnd(ctx)
}

// FieldFunc decodes one field. It returns false for fields it does not know,
// which ReadStruct then skips.
type FieldFunc func(id int16, t thrift.TType) (bool, error)

// ReadStruct walks the fields of a struct, skipping unknown ones so newer
// servers can add fields without breaking older clients.
func ReadStruct(ctx context.Context, p thrift.TProtocol, fn FieldFunc) error {
	if _, err := p.ReadStructBegin(ctx); err != nil {
		return err
	}
	for {
		_, t, id, err := p.ReadFieldBegin(ctx)
		if err != nil {
			return err
		}
		if t == thrift.STOP {
			break
		}
		handled, err := fn(id, t)
		if err != nil {
			return err
		}
		if !handled {
			if err := p.Skip(ctx, t); err != nil {
				return err
			}
		}
		if err := p.ReadFieldEnd(ctx); err != nil {
			return err
		}
	}
	return p.ReadStructEnd(ctx)
}

// ReadStrings reads a list<string>.
func ReadStrings(ctx context.Context, p thrift.TProtocol) ([]string, error) {
	_, n, err := p.ReadListBegin(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := p.ReadString(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, p.ReadListEnd(ctx)
}

// ReadStringLists reads a list<list<string>>.
func ReadStringLists(ctx context.Context, p thrift.TProtocol) ([][]string, error) {
	_, n, err := p.ReadListBegin(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		vs, err := ReadStrings(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, vs)
	}
	return out, p.ReadListEnd(ctx)
}

// ReadBinaries reads a list<binary>.
func ReadBinaries(ctx context.Context, p thrift.TProtocol) ([][]byte, error) {
	_, n, err := p.ReadListBegin(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := p.ReadBinary(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, p.ReadListEnd(ctx)
}

// ReadI64s reads a list<i64>.
func ReadI64s(ctx context.Context, p thrift.TProtocol) ([]int64, error) {
	_, n, err := p.ReadListBegin(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		v, err := p.ReadI64(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, p.ReadListEnd(ctx)
}

// ReadStringMap reads a map<string,string>.
func ReadStringMap(ctx context.Context, p thrift.TProtocol) (map[string]string, error) {
	_, _, n, err := p.ReadMapBegin(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, err := p.ReadString(ctx)
		if err != nil {
			return nil, err
		}
		v, err := p.ReadString(ctx)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, p.ReadMapEnd(ctx)
}

// ReadStringI32Map reads a map<string,i32>.
func ReadStringI32Map(ctx context.Context, p thrift.TProtocol) (map[string]int32, error) {
	_, _, n, err := p.ReadMapBegin(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int32, n)
	for i := 0; i < n; i++ {
		k, err := p.ReadString(ctx)
		if err != nil {
			return nil, err
		}
		v, err := p.ReadI32(ctx)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, p.ReadMapEnd(ctx)
}

// StructSlice reads a list of structs built by mk.
func StructSlice[T Struct](ctx context.Context, p thrift.TProtocol, mk func() T) ([]T, error) {
	_, n, err := p.ReadListBegin(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v := mk()
		if err := v.Read(ctx, p); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, p.ReadListEnd(ctx)
}
