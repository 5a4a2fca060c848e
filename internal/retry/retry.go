// Package retry bounds transient OVSDB/OVN transport failures with
// exponential backoff. Each external call owns its own retry budget;
// there is no global retry manager.
package retry

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ovn-docker-plugin/internal/errs"
)

// MaxElapsed caps the total time spent retrying one external call.
const MaxElapsed = 5 * time.Second

// semanticKinds are errs.Kind values that mean the request itself was
// wrong, not that the transport hiccupped. Retrying never fixes these.
var semanticKinds = []errs.Kind{
	errs.InvalidConfig,
	errs.NotFound,
	errs.AlreadyExists,
	errs.Busy,
	errs.Internal,
}

// Do runs fn, retrying on error with bounded exponential backoff until
// MaxElapsed has passed. A semantic error (errs.InvalidConfig, NotFound,
// AlreadyExists, Busy, Internal) returned by fn stops retrying immediately,
// since no amount of retrying fixes a malformed request or a missing
// operand; that error is returned as is. If the budget runs out, the last
// error is returned wrapped as errs.Unavailable.
func Do(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = MaxElapsed

	permanent := false
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		for _, kind := range semanticKinds {
			if errors.Is(err, kind) {
				permanent = true
				return backoff.Permanent(err)
			}
		}
		return err
	}, b)
	if err == nil || permanent || errs.Is(err, errs.Unavailable) {
		return err
	}
	return errs.Wrap(errs.Unavailable, err, "giving up after %s of retries", MaxElapsed)
}
