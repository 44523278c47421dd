package main

import (
	"fmt"
	"io"

	"github.com/gravitational/trace"
	"github.com/pkg/browser"
)

// browserNavigator opens links in the default browser and falls back to
// printing them.
type browserNavigator struct {
	out io.Writer
	// openURL overrides browser.OpenURL. Set only in tests.
	openURL func(string) error
}

func (n *browserNavigator) OpenNewContext(link string) error {
	open := n.openURL
	if open == nil {
		open = browser.OpenURL
	}
	return trace.Wrap(open(link))
}

func (n *browserNavigator) Navigate(link string) error {
	_, err := fmt.Fprintf(n.out, "Open the meeting: %v\n", link)
	return trace.Wrap(err)
}
