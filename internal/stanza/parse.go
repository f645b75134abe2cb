package stanza

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformed is wrapped by every error returned from Parse.
var ErrMalformed = errors.New("malformed stanza")

// Parse builds an element tree from a serialized stanza. The input is
// consumed token by token: the first start tag becomes the root and every
// nested element is appended to its parent when its end tag is reached, so
// children appear in document order.
//
// Namespace prefixes and xmlns attributes are kept verbatim so that a parsed
// stanza serializes back to an equivalent document.
func Parse(data string) (*Element, error) {
	dec := xml.NewDecoder(strings.NewReader(data))
	dec.Strict = true

	var (
		root  *Element
		stack []*Element
	)
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if root != nil && len(stack) == 0 {
				return nil, fmt.Errorf("%w: content after root element <%s>", ErrMalformed, root.Name)
			}
			el := &Element{Name: qualified(t.Name)}
			for _, a := range t.Attr {
				el.Attrs = append(el.Attrs, Attr{Name: qualified(a.Name), Value: a.Value})
			}
			if root == nil {
				root = el
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unexpected </%s>", ErrMalformed, qualified(t.Name))
			}
			top := stack[len(stack)-1]
			if name := qualified(t.Name); name != top.Name {
				return nil, fmt.Errorf("%w: </%s> closes <%s>", ErrMalformed, name, top.Name)
			}
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				stack[len(stack)-1].Append(top)
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Append(Text(string(t)))
			} else if strings.TrimSpace(string(t)) != "" {
				return nil, fmt.Errorf("%w: text outside root element", ErrMalformed)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("%w: no element", ErrMalformed)
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("%w: <%s> not closed", ErrMalformed, stack[len(stack)-1].Name)
	}
	return root, nil
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
