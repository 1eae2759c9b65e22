// Package value implements the typed Value model shared by every layer of
// zvdb: table storage, the write-ahead log, and HNSW-backed similarity
// search all serialize and compare Values the same way.
//
// What: a tagged union Value = Null | Int | Float | Bool | Text | Embedding,
// plus the Row it's carried in.
// How: a single struct with a Kind discriminator instead of an interface,
// so Values stay comparable and cheap to copy through version chains.
// Why: dispatch on Kind keeps (de)serialization and equality in one place
// instead of a type switch scattered across every caller.
package value

import "math"

// Kind discriminates the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBool
	KindText
	KindEmbedding
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	case KindEmbedding:
		return "embedding"
	default:
		return "unknown"
	}
}

// Value is the tagged union carried in every Row cell.
type Value struct {
	Kind Kind

	I int64
	F float64
	B bool
	S string
	E []float32
}

// Null returns the null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int wraps a signed 64-bit integer.
func Int(i int64) Value { return Value{Kind: KindInt, I: i} }

// Float wraps an IEEE-754 double.
func Float(f float64) Value { return Value{Kind: KindFloat, F: f} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{Kind: KindBool, B: b} }

// Text wraps an owned UTF-8 string.
func Text(s string) Value { return Value{Kind: KindText, S: s} }

// Embedding wraps an owned vector of 32-bit floats. The slice is not copied;
// callers that mutate their source slice after constructing a Value must
// clone first.
func Embedding(v []float32) Value { return Value{Kind: KindEmbedding, E: v} }

// IsNull reports whether v holds the null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal implements SQL null semantics: null never equals null, and
// embeddings are never compared for equality (they always compare unequal,
// even to themselves).
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return false
	case KindInt:
		return v.I == other.I
	case KindFloat:
		return v.F == other.F
	case KindBool:
		return v.B == other.B
	case KindText:
		return v.S == other.S
	case KindEmbedding:
		return false
	default:
		return false
	}
}

// Clone returns a deep copy so version chains never alias mutable slices.
func (v Value) Clone() Value {
	if v.Kind == KindEmbedding && v.E != nil {
		cp := make([]float32, len(v.E))
		copy(cp, v.E)
		v.E = cp
	}
	return v
}

// Dimension returns the embedding's length, or -1 if v is not an embedding.
func (v Value) Dimension() int {
	if v.Kind != KindEmbedding {
		return -1
	}
	return len(v.E)
}

// ApproxEqual is a test helper comparing floats/embeddings within tolerance;
// it is not used by equality semantics (embeddings never compare equal).
func (v Value) ApproxEqual(other Value, eps float64) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindFloat:
		return math.Abs(v.F-other.F) <= eps
	case KindEmbedding:
		if len(v.E) != len(other.E) {
			return false
		}
		for i := range v.E {
			if math.Abs(float64(v.E[i]-other.E[i])) > eps {
				return false
			}
		}
		return true
	default:
		return v.Equal(other)
	}
}

// Row maps column name to Value. Insertion order is irrelevant.
type Row map[string]Value

// Clone returns a deep copy of the row, cloning every Value.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v.Clone()
	}
	return out
}
