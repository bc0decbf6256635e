package cli

import (
	"fmt"

	"cryptsync/internal/kdfstore"
	"cryptsync/internal/keymgmt"
	"cryptsync/internal/pathutil"
)

// openManager opens the reference FileStorage backend rooted at
// storageRoot (resolving ~ and any existing symlinked ancestors the same
// way every entry point into this CLI does) and wraps it in a
// keymgmt.Manager, the one entry point every key-management subcommand
// uses.
func openManager() (*keymgmt.Manager, error) {
	root, err := pathutil.ResolveAbsolutePath(storageRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %q: %w", storageRoot, err)
	}
	store, err := kdfstore.NewFileStorage(root)
	if err != nil {
		return nil, fmt.Errorf("open storage at %q: %w", root, err)
	}
	return keymgmt.New(store), nil
}
