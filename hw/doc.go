// Package hw describes the contract between the data-plane engine and the
// device: descriptor and completion formats, the status block the device
// writes its consumer indices to, the capability descriptor resolved at probe
// time, and the device and firmware interfaces.
//
// Nothing here defines register layouts. Descriptors are plain Go values
// shared with the device through ring memory the engine allocates.
package hw
