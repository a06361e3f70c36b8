// Package domain holds the grading lifecycle model and the pure rules that
// operate on it: effective due dates, release gating and snapshot naming.
//
// Nothing in this package performs I/O. Every value is rebuilt from the
// collaborators (LMS, grading engine, snapshot store) at the start of a pass,
// so the rules here must produce the same answer for the same observations.
package domain
