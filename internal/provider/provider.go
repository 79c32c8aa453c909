// Package provider abstracts the external debrid service. The engine only
// sees the capability triple (upload a source, poll its status, unlock a
// locked URL); adapters normalize each provider's wire shapes.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// File is one normalized manifest entry.
type File struct {
	Name      string
	Size      int64
	LockedURL string
}

// Status is the result of one poll. Files stays empty until the provider
// has materialized the source; TerminalError reports an unrecoverable
// provider-side failure code.
type Status struct {
	Files         []File
	TerminalError string
}

// Client is the provider capability set. All three operations are
// independent and may fail transiently; callers retry unless the error
// is terminal.
type Client interface {
	Name() string
	// Upload submits a magnet or link and returns an opaque provider ref.
	// The ref is persisted so a crashed resolver resumes without
	// re-uploading.
	Upload(ctx context.Context, source string) (string, error)
	// Status polls the provider once for the file manifest.
	Status(ctx context.Context, ref string) (*Status, error)
	// Unlock resolves a locked entry to a time-limited direct URL.
	Unlock(ctx context.Context, lockedURL string) (string, error)
}

// TerminalError marks a provider failure that retrying cannot fix; the
// task is failed with the code as reason.
type TerminalError struct {
	Code    string
	Message string
}

func (e *TerminalError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider: terminal failure %s", e.Code)
	}
	return fmt.Sprintf("provider: terminal failure %s: %s", e.Code, e.Message)
}

// IsTerminal reports whether err carries a terminal provider code.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
