// Package argv flattens the weakly-typed `qemu:` YAML node into a
// deterministic QEMU command-line argv.
//
// The node is shape-polymorphic: a scalar, a sequence, or a mapping with
// exactly one key may appear almost anywhere. Rather than juggling a single
// dynamic type through a maze of type switches, the shapes are modeled as an
// explicit tagged variant ([Value]) with one [Value.render] method.
package argv

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies which alternative of the [Value] sum type is populated.
type Kind int

const (
	KindScalar Kind = iota
	KindSequence
	KindMapping
)

// Value is a node of the qemu YAML surface: a scalar, a sequence of Values,
// or a single-key mapping from a string to a Value.
type Value struct {
	Kind     Kind
	Scalar   string
	Sequence []Value
	MapKey   string
	MapValue *Value
}

// FromNode converts a decoded [yaml.Node] into a [Value], rejecting any shape
// the qemu surface does not admit: anything other than scalar, sequence, or
// a mapping with exactly one key.
func FromNode(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return Value{Kind: KindScalar, Scalar: node.Value}, nil

	case yaml.SequenceNode:
		seq := make([]Value, 0, len(node.Content))

		for _, child := range node.Content {
			v, err := FromNode(child)
			if err != nil {
				return Value{}, err
			}

			seq = append(seq, v)
		}

		return Value{Kind: KindSequence, Sequence: seq}, nil

	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return Value{}, fmt.Errorf(
				"%w: mapping has %d keys, exactly one is allowed here",
				ErrInvalidShape, len(node.Content)/2,
			)
		}

		keyNode, valueNode := node.Content[0], node.Content[1]
		if keyNode.Kind != yaml.ScalarNode {
			return Value{}, fmt.Errorf("%w: mapping key must be a scalar", ErrInvalidShape)
		}

		value, err := FromNode(valueNode)
		if err != nil {
			return Value{}, err
		}

		return Value{Kind: KindMapping, MapKey: keyNode.Value, MapValue: &value}, nil

	default:
		return Value{}, fmt.Errorf("%w: unsupported YAML node kind %v", ErrInvalidShape, node.Kind)
	}
}

// render recursively flattens the Value into a single comma-separated token,
// per spec.md §3's render rules: scalar -> its text, sequence -> comma-join
// of rendered elements, singleton mapping -> "key=value".
func (v Value) render() (string, error) {
	switch v.Kind {
	case KindScalar:
		return v.Scalar, nil

	case KindSequence:
		parts := make([]string, 0, len(v.Sequence))

		for _, e := range v.Sequence {
			part, err := e.render()
			if err != nil {
				return "", err
			}

			parts = append(parts, part)
		}

		return strings.Join(parts, ","), nil

	case KindMapping:
		inner, err := v.MapValue.render()
		if err != nil {
			return "", err
		}

		return v.MapKey + "=" + inner, nil

	default:
		return "", fmt.Errorf("%w: unknown value kind %d", ErrInvalidShape, v.Kind)
	}
}

// IntScalar builds a scalar Value from an int, for callers that synthesise
// Values programmatically instead of decoding them from a YAML node.
func IntScalar(i int) Value {
	return Value{Kind: KindScalar, Scalar: strconv.Itoa(i)}
}
