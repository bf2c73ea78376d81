package cmn

import "github.com/golang/glog"

// Assert aborts the process when cond is false. Used at the programming-error
// boundary spec.md §7 names explicitly: mis-downcasting a peer variant,
// double-freeing a peer, closing an unknown fd. These must never be
// tolerated and continued past.
func Assert(cond bool) {
	if !cond {
		glog.Fatalf("assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		glog.Fatalf("assertion failed: %s", msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		glog.Fatalf("unexpected error: %v", err)
	}
}
