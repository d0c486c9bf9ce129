//go:build !darwin

package main

const (
	exampleDeviceAddress = "A4:C1:38:12:34:56"
	deviceAddressNote    = "Device address format: XX:XX:XX:XX:XX:XX (MAC address)"
)
