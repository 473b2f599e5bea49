package main

import (
	"context"
	"fmt"

	"github.com/fabric-testbed/fablib-go/pkg/fablib"
)

// requireSlice resolves the -s selector to a live slice.
func requireSlice(ctx context.Context) (*fablib.Slice, error) {
	if sliceName == "" {
		return nil, fmt.Errorf("no slice selected: use -s <slice>")
	}
	return mgr.GetSlice(ctx, sliceName)
}

// requireNode resolves the -s and -n selectors to a node.
func requireNode(ctx context.Context) (*fablib.Node, error) {
	if nodeName == "" {
		return nil, fmt.Errorf("no node selected: use -n <node>")
	}
	s, err := requireSlice(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetNode(nodeName)
}
