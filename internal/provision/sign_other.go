//go:build !darwin

package provision

// adHocSign is a no-op on platforms without executable gatekeeping.
func adHocSign(string) error { return nil }
