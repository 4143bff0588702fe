// Package trust decides whether the files backing a VM's partitions come
// from a trusted origin.
//
// The origin of a file is its SELinux label. Only files labelled as part of
// the system image, an installed application package, a staged update or
// a file pushed by the test shell may back a partition; anything writable
// by an application is rejected.
package trust

import (
	"fmt"
	"strings"
)

// Context is a parsed SELinux security context.
//
// Format: user:role:type:level[:categories]
type Context struct {
	User       string
	Role       string
	Type       string
	Level      string
	Categories string
}

// ParseContext parses s. The context must have four or five fields.
func ParseContext(s string) (Context, error) {
	s = strings.TrimRight(s, "\x00")
	fields := strings.Split(s, ":")
	if len(fields) < 4 || len(fields) > 5 {
		return Context{}, fmt.Errorf("invalid security context %q", s)
	}

	c := Context{
		User:  fields[0],
		Role:  fields[1],
		Type:  fields[2],
		Level: fields[3],
	}
	if len(fields) == 5 {
		c.Categories = fields[4]
	}
	return c, nil
}

// String returns the context in its textual form.
func (c Context) String() string {
	s := strings.Join([]string{c.User, c.Role, c.Type, c.Level}, ":")
	if c.Categories != "" {
		s += ":" + c.Categories
	}
	return s
}
