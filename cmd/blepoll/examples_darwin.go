//go:build darwin

package main

const (
	exampleDeviceAddress = "01234567-89AB-CDEF-0123-456789ABCDEF"
	deviceAddressNote    = "Device address format: the peripheral UUID CoreBluetooth assigns on this host\n  Example: 01234567-89AB-CDEF-0123-456789ABCDEF"
)
