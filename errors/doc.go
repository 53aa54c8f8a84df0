// Package errors classifies failures for the fedstream data layer.
//
// Every error is one of three classes:
//
//   - Transient: socket timeouts, refused dials, exhausted pools. Retry or
//     surface as a connection event.
//   - Invalid: contract violations such as subscribing while the transport
//     is disconnected, or malformed frames. Returned synchronously.
//   - Fatal: bad configuration. Stop.
//
// Components wrap errors with the "component.method: action failed: %w"
// pattern so callers can still match sentinels with errors.Is:
//
//	conn, err := p.Acquire(ctx, url)
//	if errors.Is(err, errors.ErrPoolExhausted) {
//	    // every pooled socket is referenced
//	}
//
// The sentinel taxonomy mirrors the failure modes of the pipeline:
// ErrPoolExhausted, ErrConnectionTimeout, ErrConnectionFailed,
// ErrTransportNotConnected, ErrHandlerFailed and ErrEditConflict.
package errors
