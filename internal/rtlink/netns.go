package rtlink

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// EnterNamedNetns locks the calling goroutine to its OS thread and
// switches that thread into the named network namespace
// (/var/run/netns/<name>), returning a restore function that moves
// the thread back to its original namespace and unlocks it. restore
// must be called exactly once, on every exit path, following the
// acquire/operate/restore scoping of xray-knife's StartTunnel.
func EnterNamedNetns(name string) (restore func() error, err error) {
	runtime.LockOSThread()

	hostNS, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("get host namespace: %w", err)
	}

	targetNS, err := netns.GetFromName(name)
	if err != nil {
		hostNS.Close()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("open namespace %q: %w", name, err)
	}
	defer targetNS.Close()

	if err := netns.Set(targetNS); err != nil {
		hostNS.Close()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("enter namespace %q: %w", name, err)
	}

	return func() error {
		defer runtime.UnlockOSThread()
		defer hostNS.Close()
		return netns.Set(hostNS)
	}, nil
}
