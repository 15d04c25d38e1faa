package client

import "golang.org/x/sync/errgroup"

// CloseAll closes the clients concurrently and returns the first error.
// Nil clients are skipped.
func CloseAll(clients ...*Client) error {
	var g errgroup.Group
	for _, c := range clients {
		if c == nil {
			continue
		}
		g.Go(c.Close)
	}
	return g.Wait()
}
