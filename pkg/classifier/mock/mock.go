// Package mock provides a scripted test double for the classifier package.
//
// Program per-index responses via Responses, simulate slow calls via Delay,
// and fail specific indices via Errs. Unprogrammed indices return the zero
// Response.
package mock

import (
	"context"
	"sync"

	"github.com/callwarden/callwarden/pkg/classifier"
)

// Classifier is a mock implementation of classifier.Classifier.
// All fields must be set before first use; Calls is safe to read after the
// calling goroutines have finished.
type Classifier struct {
	mu sync.Mutex

	// Responses maps segment index to the response returned for it.
	Responses map[int]classifier.Response

	// Errs maps segment index to an error returned instead of a response.
	Errs map[int]error

	// Delay maps segment index to a hold that must elapse (or the context
	// expire) before the call returns. Used to force completion orderings.
	Delay map[int]<-chan struct{}

	// Calls records every request received, in arrival order.
	Calls []classifier.Request
}

// Classify records the call, waits for any programmed delay, and returns the
// scripted response or error for the request's segment index.
func (c *Classifier) Classify(ctx context.Context, req classifier.Request) (classifier.Response, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, req)
	hold := c.Delay[req.SegmentIndex]
	err := c.Errs[req.SegmentIndex]
	resp := c.Responses[req.SegmentIndex]
	c.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return classifier.Response{}, ctx.Err()
		}
	}
	if err != nil {
		return classifier.Response{}, err
	}
	return resp, nil
}

// CallCount returns the number of Classify invocations so far.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}
