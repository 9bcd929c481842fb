// Package dma manages host packet buffers and their bus mappings.
//
// A [Buffer] is owned by exactly one party at a time: its [Pool], the host
// (software is filling or reading it), the device (it is posted to a ring and
// bus-mapped) or the network stack (it was unmapped and handed upward). A
// buffer is mapped if and only if the device owns it.
//
// Ownership violations such as unmapping twice are programmer errors. Builds
// with the dma_debug tag panic on them; regular builds log and count them.
package dma
