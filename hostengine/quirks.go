package hostengine

// resetBlacklist holds vendor/product pairs known to misbehave (or vanish)
// when reset while claimed; set_device skips the post-claim Reset() call
// for a listed device instead of forwarding the reset to the kernel driver.
var resetBlacklist = [][2]uint16{
	{0x1210, 0x001c},
	{0x2798, 0x0001},
}

func isResetBlacklisted(vendorID, productID uint16) bool {
	for _, e := range resetBlacklist {
		if e[0] == vendorID && e[1] == productID {
			return true
		}
	}
	return false
}
