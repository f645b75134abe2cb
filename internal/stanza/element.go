// Package stanza parses and serializes the XML chat stanzas tunneled inside
// protocol envelopes.
package stanza

import (
	"encoding/xml"
	"strings"
)

// Node is either an *Element or a Text.
type Node interface {
	writeTo(sb *strings.Builder)
}

// Text is character data inside an element.
type Text string

func (t Text) writeTo(sb *strings.Builder) {
	_ = xml.EscapeText(stringWriter{sb}, []byte(t))
}

// Attr is a single attribute. Order is preserved as parsed.
type Attr struct {
	Name  string
	Value string
}

// Element is one XML element with its attributes and children in document
// order.
type Element struct {
	Name     string
	Attrs    []Attr
	Children []Node
}

// New creates an element with the given name and attributes given as
// alternating name/value pairs. A trailing unpaired name is ignored.
func New(name string, attrs ...string) *Element {
	el := &Element{Name: name}
	for i := 0; i+1 < len(attrs); i += 2 {
		el.Attrs = append(el.Attrs, Attr{Name: attrs[i], Value: attrs[i+1]})
	}
	return el
}

// Append adds children in order and returns el for chaining.
func (el *Element) Append(children ...Node) *Element {
	el.Children = append(el.Children, children...)
	return el
}

// C creates a child element, appends it and returns the child.
func (el *Element) C(name string, attrs ...string) *Element {
	child := New(name, attrs...)
	el.Append(child)
	return child
}

// T appends text and returns el.
func (el *Element) T(text string) *Element {
	return el.Append(Text(text))
}

// Attr returns the value of the named attribute, or "" when absent.
func (el *Element) Attr(name string) string {
	for _, a := range el.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// SetAttr replaces the named attribute or appends it when absent.
func (el *Element) SetAttr(name, value string) *Element {
	for i := range el.Attrs {
		if el.Attrs[i].Name == name {
			el.Attrs[i].Value = value
			return el
		}
	}
	el.Attrs = append(el.Attrs, Attr{Name: name, Value: value})
	return el
}

// Is reports whether el has the given name.
func (el *Element) Is(name string) bool {
	return el != nil && el.Name == name
}

// Child returns the first direct child element with the given name.
func (el *Element) Child(name string) *Element {
	for _, c := range el.Children {
		if e, ok := c.(*Element); ok && e.Name == name {
			return e
		}
	}
	return nil
}

// ChildElements returns the direct child elements of el.
func (el *Element) ChildElements() []*Element {
	var out []*Element
	for _, c := range el.Children {
		if e, ok := c.(*Element); ok {
			out = append(out, e)
		}
	}
	return out
}

// Text returns the concatenated character data of the direct children.
func (el *Element) Text() string {
	var sb strings.Builder
	for _, c := range el.Children {
		if t, ok := c.(Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}

// ChildText returns the text of the first child with the given name.
func (el *Element) ChildText(name string) string {
	if c := el.Child(name); c != nil {
		return c.Text()
	}
	return ""
}

// String serializes el. Elements without children are self-closed.
func (el *Element) String() string {
	var sb strings.Builder
	el.writeTo(&sb)
	return sb.String()
}

func (el *Element) writeTo(sb *strings.Builder) {
	sb.WriteByte('<')
	sb.WriteString(el.Name)
	for _, a := range el.Attrs {
		sb.WriteByte(' ')
		sb.WriteString(a.Name)
		sb.WriteString(`="`)
		_ = xml.EscapeText(stringWriter{sb}, []byte(a.Value))
		sb.WriteByte('"')
	}
	if len(el.Children) == 0 {
		sb.WriteString("/>")
		return
	}
	sb.WriteByte('>')
	for _, c := range el.Children {
		c.writeTo(sb)
	}
	sb.WriteString("</")
	sb.WriteString(el.Name)
	sb.WriteByte('>')
}

type stringWriter struct{ sb *strings.Builder }

func (w stringWriter) Write(p []byte) (int, error) { return w.sb.Write(p) }
