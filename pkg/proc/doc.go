// Package proc models the stopped kernel the monitor inspects: the saved
// trap frame, the target memory and architecture, and the frame-pointer
// unwinder used by backtrace.
//
// proc implements:
// * reading and validating the frame chain of the kernel stack
// * the trap frame layout and its trace flag
// * handing the trap frame back to the kernel (Resumer)
// * decoding the instruction at the trapping address
//
package proc
