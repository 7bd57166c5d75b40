package argv

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Synthesize walks the top-level `qemu:` sequence in order and flattens it
// into an argv slice, excluding the binary and the trailing "-qmp stdio"
// pair the orchestrator appends itself.
//
// A bare string item "s" becomes the single token "-s". A single-key mapping
// "k: v" becomes the pair "-k", render(v). Items never get reordered or
// deduplicated: a `qemu:` sequence repeating the same flag twice produces
// two flags on argv, since QEMU itself treats later repeats of most flags as
// overrides and the synthesiser has no business second-guessing that.
func Synthesize(node *yaml.Node, pinningRequested bool) ([]string, error) {
	if node == nil || node.Kind == 0 {
		if pinningRequested {
			return nil, ErrEmptySequence
		}

		return nil, nil
	}

	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: qemu must be a sequence", ErrInvalidShape)
	}

	if len(node.Content) == 0 && pinningRequested {
		return nil, ErrEmptySequence
	}

	argv := make([]string, 0, len(node.Content)*2)

	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			argv = append(argv, "-"+item.Value)

		case yaml.MappingNode:
			v, err := FromNode(item)
			if err != nil {
				return nil, err
			}

			rendered, err := v.MapValue.render()
			if err != nil {
				return nil, err
			}

			argv = append(argv, "-"+v.MapKey, rendered)

		default:
			return nil, fmt.Errorf(
				"%w: qemu sequence item must be a bare string or single-key mapping",
				ErrInvalidShape,
			)
		}
	}

	return argv, nil
}
