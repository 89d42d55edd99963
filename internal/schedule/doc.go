// Package schedule maps submissions onto minute slots of a recurring daily window.
//
// Window.NextSlot is the pure allocation rule: the earliest whole-minute candidate
// of now's window that keeps the minimum spacing to every committed time.
// Allocator adds the policy for a fully booked window.
package schedule
