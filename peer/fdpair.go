package peer

import "io"

// fdPair models the peer's (current_fd, saved_fd) pair (spec.md §4.1):
// "saves, restores, and clears must close any fd that is being dropped
// unless it is externalized, and must avoid double-close when current and
// saved alias each other." fds are represented abstractly as io.Closer
// since the core never interprets them beyond open/close/externalize —
// actual file-descriptor semantics belong to the storage-daemon side,
// explicitly out of scope (spec.md §1).
type fdPair struct {
	current       io.Closer
	currentExtern bool
	saved         io.Closer
	savedExtern   bool
}

// Save moves current into saved, closing whatever was previously saved
// unless it was externalized (ownership transferred to the caller).
func (f *fdPair) Save() {
	f.closeUnlessExternal(f.saved, f.savedExtern)
	f.saved, f.savedExtern = f.current, f.currentExtern
	f.current, f.currentExtern = nil, false
}

// Restore moves saved back into current, closing whatever was previously
// current unless externalized, and avoiding a double-close when current
// and saved alias the same fd.
func (f *fdPair) Restore() {
	if f.current != nil && f.current == f.saved {
		f.current, f.currentExtern = f.saved, f.savedExtern
		f.saved, f.savedExtern = nil, false
		return
	}
	f.closeUnlessExternal(f.current, f.currentExtern)
	f.current, f.currentExtern = f.saved, f.savedExtern
	f.saved, f.savedExtern = nil, false
}

// Clear closes and drops both slots unless externalized, guarding against
// the current/saved alias case the same way Restore does.
func (f *fdPair) Clear() {
	aliased := f.current != nil && f.current == f.saved
	f.closeUnlessExternal(f.current, f.currentExtern)
	if !aliased {
		f.closeUnlessExternal(f.saved, f.savedExtern)
	}
	f.current, f.currentExtern = nil, false
	f.saved, f.savedExtern = nil, false
}

// SetCurrent installs fd as current, closing any previous current unless
// externalized.
func (f *fdPair) SetCurrent(fd io.Closer, external bool) {
	f.closeUnlessExternal(f.current, f.currentExtern)
	f.current, f.currentExtern = fd, external
}

func (f *fdPair) Current() io.Closer { return f.current }
func (f *fdPair) Saved() io.Closer   { return f.saved }

func (f *fdPair) closeUnlessExternal(fd io.Closer, external bool) {
	if fd == nil || external {
		return
	}
	_ = fd.Close()
}
