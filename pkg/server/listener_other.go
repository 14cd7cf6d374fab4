//go:build !linux

package server

func ListenerControl(_ ListenerSocketOpts) ControlFunc {
	return nil
}
